package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"imodalign/internal/imod"
	"imodalign/internal/xf"
)

func newXFCmd(root *Root) *cobra.Command {
	var (
		rotation float64
		asJSON   bool
	)

	cmd := &cobra.Command{
		Use:   "xf <file.xf>",
		Short: "Decode an IMOD .xf transform file",
		Long: `Print the in-plane rotation, linear part, shift and the image and specimen
shifts of every image in an .xf file. Pass --rotation with the nominal tilt-axis
angle to resolve the sign of the rotations.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var hint *float64
			if cmd.Flags().Changed("rotation") {
				if math.IsNaN(rotation) || math.IsInf(rotation, 0) {
					return fmt.Errorf("--rotation must be a finite angle, got %v", rotation)
				}
				hint = &rotation
			}
			table, err := xf.ReadFile(args[0])
			if err != nil {
				return err
			}
			decoded, rot := table.Decode(hint)
			for _, w := range rot.Warnings {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s\n", w)
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(decoded)
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "image\trotation\tA11\tA12\tA21\tA22\tdx\tdy\timage_shift\tspecimen_shift")
			for _, d := range decoded {
				m := d.Matrix
				fmt.Fprintf(tw, "%d\t%.2f\t%.4f\t%.4f\t%.4f\t%.4f\t%.2f\t%.2f\t%.2f,%.2f\t%.2f,%.2f\n",
					d.Index, d.Rotation, m[0][0], m[0][1], m[1][0], m[1][1], d.Shift[0], d.Shift[1],
					d.ImageShift[0], d.ImageShift[1], d.SpecimenShift[0], d.SpecimenShift[1])
			}
			return tw.Flush()
		},
	}

	cmd.Flags().Float64Var(&rotation, "rotation", 0, "nominal tilt-axis rotation in degrees used to resolve the rotation sign")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}

func newTiltOffsetCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "tilt-offset <align.log>",
		Short: "Print the tilt angle offset tiltalign applied",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			offset, ok, err := imod.TiltAngleOffset(args[0])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("no tilt angle offset in %s", args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%g\n", offset)
			return nil
		},
	}
}

func newJobsCmd(root *Root) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "jobs [job-id]",
		Short: "List recent jobs or show one job with its transforms",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if root.store == nil {
				return errors.New("job database is not available")
			}
			out := cmd.OutOrStdout()
			if len(args) == 1 {
				return root.showJob(cmd, args[0])
			}
			recs, err := root.store.RecentJobs(limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTYPE\tSTATUS\tCREATED\tINPUT")
			for _, rec := range recs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", rec.ID, rec.JobType, rec.Status, rec.CreatedAt.Format("2006-01-02 15:04:05"), rec.InputPath)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of jobs to list")
	return cmd
}

func (r *Root) showJob(cmd *cobra.Command, id string) error {
	rec, err := r.store.Job(id)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "ID:      %s\nType:    %s\nStatus:  %s\nInput:   %s\nOutput:  %s\n", rec.ID, rec.JobType, rec.Status, rec.InputPath, rec.OutputPath)
	if rec.Error != "" {
		fmt.Fprintf(out, "Error:   %s\n", rec.Error)
	}
	if meta, err := r.store.JobMeta(id); err == nil {
		for _, k := range sortedKeys(meta) {
			if k == "transforms" {
				continue
			}
			fmt.Fprintf(out, "  %s: %v\n", k, meta[k])
		}
	}

	transforms, err := r.store.Transforms(id)
	if err != nil || len(transforms) == 0 {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "image\ttilt\trotation\timage_shift\tspecimen_shift")
	for _, t := range transforms {
		fmt.Fprintf(tw, "%d\t%.2f\t%.2f\t%.2f,%.2f\t%.2f,%.2f\n", t.ImageIndex, t.TiltAngle, t.Rotation,
			t.ImageShift[0], t.ImageShift[1], t.SpecimenShift[0], t.SpecimenShift[1])
	}
	return tw.Flush()
}

func newToolsCmd(root *Root) *cobra.Command {
	var verbose bool

	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Show IMOD tool availability",
		RunE: func(cmd *cobra.Command, args []string) error {
			tm := root.newToolManager()
			status := tm.GetToolStatus()
			out := cmd.OutOrStdout()

			fmt.Fprintln(out, "IMOD Tool Status")
			for _, name := range sortedKeys(status) {
				st := status[name]
				mark := "missing"
				if st.Available {
					mark = "ok"
				}
				fmt.Fprintf(out, "  %-14s %s", name, mark)
				if verbose && st.Version != "" {
					fmt.Fprintf(out, " (%s)", st.Version)
				}
				if verbose && st.Path != "" {
					fmt.Fprintf(out, " [%s]", st.Path)
				}
				if verbose && st.Error != nil {
					fmt.Fprintf(out, " - %v", st.Error)
				}
				fmt.Fprintln(out)
			}
			if err := tm.Ready(); err != nil {
				fmt.Fprintf(out, "\n%v\nInstall IMOD from https://bio3d.colorado.edu/imod/ and source its startup script so IMOD_DIR is set.\n", err)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&verbose, "details", false, "show versions, paths and errors")
	return cmd
}

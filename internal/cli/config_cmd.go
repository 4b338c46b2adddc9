package cli

import (
	"encoding/json"
	"fmt"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"imodalign/internal/config"
)

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or check configuration",
	}

	var format string
	show := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "# config file: %s\n", configPath())
			switch format {
			case "json":
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(root.cfg)
			case "toml":
				return toml.NewEncoder(out).Encode(root.cfg)
			default:
				return fmt.Errorf("unknown format %q (json|toml)", format)
			}
		},
	}
	show.Flags().StringVar(&format, "format", "json", "output format (json|toml)")

	validate := &cobra.Command{
		Use:   "validate [file]",
		Short: "Load and validate a configuration file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath()
			if len(args) == 1 {
				path = args[0]
			}
			if _, err := config.LoadFile(path); err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", path)
			return nil
		},
	}

	cmd.AddCommand(show, validate)
	return cmd
}

func configPath() string {
	p, err := config.ExpandUser(config.Path())
	if err != nil {
		return config.Path()
	}
	return p
}

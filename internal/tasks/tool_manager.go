package tasks

import (
	"fmt"
	"os/exec"
	"sort"
	"strings"

	"imodalign/internal/config"
	"imodalign/internal/imod"
)

// requiredTools are the IMOD programs batchruntomo drives up to fine alignment.
var requiredTools = []string{"newstack", "tiltxcorr", "xftoxg", "beadtrack", "tiltalign"}

// ToolManager reports which IMOD programs are usable
type ToolManager struct {
	cfg *config.Config
}

// NewToolManager creates a new tool manager with configuration
func NewToolManager(cfg *config.Config) *ToolManager {
	return &ToolManager{cfg: cfg}
}

// ToolStatus represents the availability of a tool
type ToolStatus struct {
	Available bool   `json:"available"`
	Version   string `json:"version,omitempty"`
	Path      string `json:"path,omitempty"`
	Error     error  `json:"-"`
}

// CheckTool verifies if a tool is available and working
func (tm *ToolManager) CheckTool(toolName string) ToolStatus {
	switch toolName {
	case "imod":
		return tm.checkIMOD()
	case "batchruntomo":
		toolName = tm.batchruntomoBinary()
	}

	path, err := exec.LookPath(toolName)
	if err != nil {
		return ToolStatus{Available: false, Error: err}
	}
	return ToolStatus{Available: true, Path: path}
}

func (tm *ToolManager) checkIMOD() ToolStatus {
	inst, err := imod.CheckInstallation(tm.cfg.IMOD.MinimumVersion)
	status := ToolStatus{Path: inst.Binary, Error: err}
	if inst.Version != (imod.Version{}) {
		status.Version = inst.Version.String()
	}
	status.Available = err == nil
	return status
}

func (tm *ToolManager) batchruntomoBinary() string {
	if tm.cfg.IMOD.Binary != "" {
		return tm.cfg.IMOD.Binary
	}
	return "batchruntomo"
}

// GetToolStatus returns the status of IMOD, batchruntomo and the programs it calls.
func (tm *ToolManager) GetToolStatus() map[string]ToolStatus {
	status := make(map[string]ToolStatus)
	status["imod"] = tm.CheckTool("imod")
	status["batchruntomo"] = tm.CheckTool("batchruntomo")
	for _, tool := range requiredTools {
		status[tool] = tm.CheckTool(tool)
	}
	return status
}

// Ready returns an error naming every missing piece of the IMOD toolchain.
func (tm *ToolManager) Ready() error {
	var missing []string
	for name, st := range tm.GetToolStatus() {
		if !st.Available {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return fmt.Errorf("IMOD tools unavailable: %s", strings.Join(missing, ", "))
}

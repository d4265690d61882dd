package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/valtlin/cgacct/internal/cgfs"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Show the detected cgroup layout",
	RunE: func(cmd *cobra.Command, args []string) error {
		procRoot := viper.GetString("proc_root")
		if procRoot == "" {
			procRoot = "/proc"
		}

		controller := viper.GetString("controller")
		if controller == "" {
			controller = cgfs.DefaultController
		}

		rcfg, err := cgfs.Detect(controller, procRoot)
		if err != nil {
			return err
		}

		if rcfg.Unified() {
			fmt.Println("Hierarchy: unified (cgroup v2)")
		} else {
			fmt.Println("Hierarchy: legacy (cgroup v1)")
			fmt.Printf("Controller: %s (css_set slot %d)\n", controller, rcfg.SubsysIdx)
		}

		controllers, err := cgfs.Controllers(procRoot)
		if err != nil {
			// No listing on pure v2 hosts with a masked /proc.
			return nil
		}

		fmt.Println("\nControllers:")
		for _, c := range controllers {
			state := "disabled"
			if c.Enabled {
				state = "enabled"
			}

			fmt.Printf("  %-12s hierarchy=%-3d slot=%-3d %s\n", c.Name, c.ID, c.Idx, state)
		}

		return nil
	},
}

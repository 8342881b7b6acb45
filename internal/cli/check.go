// check.go implements the "netlab check" command.
//
// check runs the same validation as deploy (interface numbering, reserved
// names, duplicate host ports and the dependency graph) without opening a
// backend session. It is meant for editing a lab before deploying it, and
// for CI jobs that have no engine available.
package cli

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mmr-tortoise/netlab/internal/model"
	"github.com/mmr-tortoise/netlab/internal/orchestrator"
)

// NewCheckCommand creates the "check" cobra command. It validates a lab
// without contacting any backend.
func NewCheckCommand() *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate a lab without deploying it",
		Long: `Load the lab in the lab directory and run the checks deploy runs before
touching the backend: interface numbering, duplicate host ports and
dependency cycles. Prints the order in which units would start.

Examples:
  netlab check
  netlab check -d ~/labs/ospf --json`,

		Args: cobra.NoArgs,

		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(cmd.OutOrStdout(), dir)
		},
	}

	cmd.Flags().StringVarP(&dir, "directory", "d", ".", "Lab directory")

	return cmd
}

// runCheck loads and validates the lab in dir. Validation failures keep
// their model error kind, so they exit with the validation exit code.
func runCheck(w io.Writer, dir string) error {
	lab, err := loadLab(dir)
	if err != nil {
		return err
	}

	order, err := orchestrator.Check(lab)
	if err != nil {
		return model.WrapCLIError(fmt.Sprintf("lab %q is invalid", lab.Name), err)
	}

	printCheckResult(w, lab, order)
	return nil
}

// printCheckResult outputs the lab summary and its start order. A nil order
// means the lab has no dependencies and all units start in parallel; the
// units are then listed in lexical order.
func printCheckResult(w io.Writer, lab *model.Lab, order []string) {
	parallel := order == nil
	if parallel {
		order = lab.UnitNames()
	}

	if IsJSONOutput() {
		printJSON(w, map[string]any{
			"name":     lab.Name,
			"hash":     lab.Hash,
			"units":    order,
			"networks": slices.Sorted(maps.Keys(lab.Networks)),
			"parallel": parallel,
		})
		return
	}

	fmt.Fprintf(w, "Lab %q is valid (hash %s)\n", lab.Name, lab.Hash)
	fmt.Fprintf(w, "  Units:    %d\n", len(lab.Units))
	fmt.Fprintf(w, "  Networks: %d\n", len(lab.Networks))
	if parallel {
		fmt.Fprintf(w, "  Startup:  parallel (%s)\n", strings.Join(order, ", "))
	} else {
		fmt.Fprintf(w, "  Startup:  %s\n", strings.Join(order, " -> "))
	}
}

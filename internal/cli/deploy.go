// deploy.go implements the "netlab deploy" command.
//
// Steps:
//  1. Load the lab directory (lab.yaml, lab.dep, per-unit files)
//  2. Connect to the configured backend
//  3. Hand the lab to the orchestrator, which validates, then provisions
//     networks and units
//  4. Print the backend name of every deployed unit (text or JSON)
//
// The lab is loaded before the backend is contacted, so a malformed lab
// never opens an engine connection.
package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/mmr-tortoise/netlab/internal/model"
)

// deployFlags holds the flag values for the deploy command.
type deployFlags struct {
	// dir is the lab directory.
	dir string
}

// NewDeployCommand creates the "deploy" cobra command.
func NewDeployCommand() *cobra.Command {
	flags := &deployFlags{}

	cmd := &cobra.Command{
		Use:   "deploy [unit...]",
		Short: "Deploy a lab",
		Long: `Deploy the lab in the lab directory: create its networks, then its units.

With unit names, only those units and the networks they use are deployed.
Units listed in lab.dep start one at a time, after their prerequisites;
otherwise units start in parallel.

If a step fails, resources already created are left in place. Run
"netlab undeploy" to remove them.

Examples:
  netlab deploy
  netlab deploy -d ~/labs/ospf r1 r2
  netlab --backend kubernetes deploy`,

		RunE: func(cmd *cobra.Command, args []string) error {
			return runDeploy(cmd.Context(), cmd.OutOrStdout(), args, flags)
		},
	}

	cmd.Flags().StringVarP(&flags.dir, "directory", "d", ".", "Lab directory")

	return cmd
}

// runDeploy executes the deploy workflow. An empty selection deploys every
// unit of the lab. Units the orchestrator did not reach carry no handle and
// are left out of the output.
func runDeploy(ctx context.Context, w io.Writer, selected []string, flags *deployFlags) error {
	lab, err := loadLab(flags.dir)
	if err != nil {
		return err
	}

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.orch.Deploy(ctx, lab, selected); err != nil {
		return model.WrapCLIError(fmt.Sprintf("failed to deploy lab %q", lab.Name), err)
	}

	names := selected
	if len(names) == 0 {
		names = lab.UnitNames()
	}
	handles := make([]*model.UnitHandle, 0, len(names))
	for _, name := range names {
		if h := lab.Units[name].Handle; h != nil {
			handles = append(handles, h)
		}
	}

	printDeployResult(w, lab, handles)
	return nil
}

// printDeployResult outputs the deployed units. In JSON mode each unit is
// the full handle, including its labels and networks.
func printDeployResult(w io.Writer, lab *model.Lab, handles []*model.UnitHandle) {
	if IsJSONOutput() {
		printJSON(w, map[string]any{
			"name":   lab.Name,
			"hash":   lab.Hash,
			"action": "deployed",
			"units":  handles,
		})
		return
	}

	fmt.Fprintf(w, "Deployed lab %q (hash %s)\n", lab.Name, lab.Hash)
	for _, h := range handles {
		fmt.Fprintf(w, "  %-16s %s\n", h.LogicalName, h.Name)
	}
}

// list.go implements the "netlab list" command.
//
// The listing is built from the backend alone: units are grouped by the lab
// hash in their labels. Labs are never looked up on disk, so a lab shows up
// here even when its directory no longer exists.
package cli

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mmr-tortoise/netlab/internal/model"
	"github.com/mmr-tortoise/netlab/internal/orchestrator"
)

// listFlags holds the flag values for the list command.
type listFlags struct {
	// dir restricts the listing to one lab when set.
	dir string

	// allUsers includes units of every user.
	allUsers bool
}

// NewListCommand creates the "list" cobra command.
func NewListCommand() *cobra.Command {
	flags := &listFlags{}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List deployed labs",
		Long: `List the deployed units, grouped by lab.

By default every lab of the current user is listed. Use -d to show a
single lab and --all to include other users' labs.

Examples:
  netlab list
  netlab list -d ~/labs/ospf
  netlab list --all --json`,

		Args: cobra.NoArgs,

		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("directory") {
				flags.dir = ""
			}
			return runList(cmd.Context(), cmd.OutOrStdout(), flags)
		},
	}

	cmd.Flags().StringVarP(&flags.dir, "directory", "d", ".", "Show only the lab in this directory")
	cmd.Flags().BoolVar(&flags.allUsers, "all", false, "Include labs of every user")

	return cmd
}

// runList lists deployed labs. When flags.dir is set the listing is
// restricted to the lab deployed from that directory, matched by hash.
func runList(ctx context.Context, w io.Writer, flags *listFlags) error {
	hash := ""
	if flags.dir != "" {
		h, err := labHash(flags.dir)
		if err != nil {
			return err
		}
		hash = h
	}

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	labs, err := s.orch.Info(ctx, hash, flags.allUsers)
	if err != nil {
		return model.WrapCLIError("failed to list labs", err)
	}
	VerboseLog("Found %d deployed labs", len(labs))

	printListResult(w, labs)
	return nil
}

func printListResult(w io.Writer, labs []orchestrator.LabInfo) {
	if IsJSONOutput() {
		// An empty slice renders as [] instead of null.
		if labs == nil {
			labs = []orchestrator.LabInfo{}
		}
		printJSON(w, map[string]any{"labs": labs})
		return
	}
	printListResultText(w, labs)
}

// printListResultText outputs one row per unit:
//
//	LAB                     USER    UNIT   NAME              STATUS   NETWORKS
//	V4e3DvvH09OI3Gafh29f9Q  alice   r1     netlab_alice_r1   running  netlab_alice_A,netlab_alice_B
func printListResultText(w io.Writer, labs []orchestrator.LabInfo) {
	if len(labs) == 0 {
		fmt.Fprintln(w, "No deployed labs found.")
		return
	}

	fmt.Fprintf(w, "%-24s %-12s %-16s %-32s %-8s %s\n",
		"LAB", "USER", "UNIT", "NAME", "STATUS", "NETWORKS")
	for _, lab := range labs {
		for _, u := range lab.Units {
			fmt.Fprintf(w, "%-24s %-12s %-16s %-32s %-8s %s\n",
				lab.Hash,
				lab.User,
				u.LogicalName,
				u.Name,
				FormatStatus(u.Running),
				FormatNetworks(u.Networks),
			)
		}
	}
}

// FormatStatus renders the running flag of a unit.
func FormatStatus(running bool) string {
	if running {
		return "running"
	}
	return "stopped"
}

// FormatNetworks joins network names in lexical order. Returns "-" for a
// unit with no network.
func FormatNetworks(networks []string) string {
	if len(networks) == 0 {
		return "-"
	}
	return strings.Join(slices.Sorted(slices.Values(networks)), ",")
}

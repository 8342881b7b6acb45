// undeploy.go implements the "netlab undeploy" and "netlab wipe" commands.
//
// Both remove units first and networks second, through the same
// orchestrator teardown. They differ only in scope: undeploy targets one
// lab of the current user, identified by the hash of its directory, while
// wipe targets every lab of the current user, or of every user with --all.
//
// Neither command reads the lab files. A lab whose directory was edited or
// removed since deployment can still be taken down, since everything
// needed is recorded in the labels of the deployed objects.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mmr-tortoise/netlab/internal/model"
)

// undeployFlags holds the flag values for the undeploy command.
type undeployFlags struct {
	dir string
}

// NewUndeployCommand creates the "undeploy" cobra command.
func NewUndeployCommand() *cobra.Command {
	flags := &undeployFlags{}

	cmd := &cobra.Command{
		Use:   "undeploy [unit...]",
		Short: "Remove a deployed lab",
		Long: `Remove the units of the lab in the lab directory, running their shutdown
commands first, then every network of the lab no remaining unit uses.

With unit names, only those units are removed.

Examples:
  netlab undeploy
  netlab undeploy -d ~/labs/ospf r2`,

		RunE: func(cmd *cobra.Command, args []string) error {
			return runUndeploy(cmd.Context(), cmd.OutOrStdout(), args, flags)
		},
	}

	cmd.Flags().StringVarP(&flags.dir, "directory", "d", ".", "Lab directory")

	return cmd
}

// runUndeploy removes the lab deployed from flags.dir. With a selection,
// only the named units are removed, and networks are removed only when no
// remaining unit uses them.
func runUndeploy(ctx context.Context, w io.Writer, selected []string, flags *undeployFlags) error {
	hash, err := labHash(flags.dir)
	if err != nil {
		return err
	}

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.orch.Undeploy(ctx, hash, selected); err != nil {
		return model.WrapCLIError(fmt.Sprintf("failed to undeploy lab %s", hash), err)
	}

	printTeardownResult(w, "undeployed", map[string]any{"hash": hash, "units": selected})
	return nil
}

// wipeFlags holds the flag values for the wipe command.
type wipeFlags struct {
	// allUsers extends the wipe to units of every user.
	allUsers bool

	// force skips the interactive confirmation prompt.
	force bool
}

// NewWipeCommand creates the "wipe" cobra command.
func NewWipeCommand() *cobra.Command {
	flags := &wipeFlags{}

	cmd := &cobra.Command{
		Use:   "wipe",
		Short: "Remove every deployed lab",
		Long: `Remove every unit and network netlab created for the current user, in
every lab. With --all, units of every user are removed.

Unless --force is specified, the command prompts for confirmation.

Examples:
  netlab wipe
  netlab wipe --all --force`,

		Args: cobra.NoArgs,

		RunE: func(cmd *cobra.Command, args []string) error {
			return runWipe(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout(), flags)
		},
	}

	cmd.Flags().BoolVar(&flags.allUsers, "all", false, "Remove labs of every user")
	cmd.Flags().BoolVarP(&flags.force, "force", "f", false, "Remove without confirmation")

	return cmd
}

// runWipe asks for confirmation unless forced, then removes every lab in
// scope. The prompt comes first so a declined wipe never contacts the
// backend.
func runWipe(ctx context.Context, in io.Reader, w io.Writer, flags *wipeFlags) error {
	if !flags.force {
		scope := "your labs"
		if flags.allUsers {
			scope = "the labs of every user"
		}
		confirmed, err := promptConfirmation(in, w, fmt.Sprintf("About to remove %s.", scope))
		if err != nil {
			return model.WrapCLIError("failed to read user input", err)
		}
		if !confirmed {
			return model.NewCLIError(model.ExitGeneralError, "operation cancelled by user")
		}
	}

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.orch.WipeAll(ctx, !flags.allUsers); err != nil {
		return model.WrapCLIError("failed to wipe labs", err)
	}

	printTeardownResult(w, "wiped", map[string]any{"allUsers": flags.allUsers})
	return nil
}

// promptConfirmation prints message and reads a single line from in,
// accepting "y" or "yes". A closed input counts as "no".
func promptConfirmation(in io.Reader, w io.Writer, message string) (bool, error) {
	fmt.Fprintln(w, message)
	fmt.Fprint(w, "\nContinue? [y/N] ")

	scanner := bufio.NewScanner(in)
	if scanner.Scan() {
		answer := strings.TrimSpace(strings.ToLower(scanner.Text()))
		return answer == "y" || answer == "yes", nil
	}
	return false, scanner.Err()
}

// printTeardownResult reports a completed undeploy or wipe. fields are
// merged into the JSON object; in text mode a "hash" field selects the
// single-lab message.
func printTeardownResult(w io.Writer, action string, fields map[string]any) {
	if IsJSONOutput() {
		result := map[string]any{"action": action}
		for k, v := range fields {
			result[k] = v
		}
		printJSON(w, result)
		return
	}

	if hash, ok := fields["hash"].(string); ok {
		fmt.Fprintf(w, "Lab %s %s\n", hash, action)
		return
	}
	fmt.Fprintf(w, "Labs %s\n", action)
}

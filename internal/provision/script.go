// script.go renders the shell scripts run inside units. Startup commands
// are dispatched once after start as a single detached script; shutdown
// commands are written into the unit at creation and run attached just
// before the unit is deleted.
package provision

import (
	"strings"
)

const (
	// StartupLog receives an echo of every startup command.
	StartupLog = "/var/log/startup.log"

	// StartupDoneMarker is touched once the startup script has finished.
	// The script runs detached, so this file is the only signal a user or a
	// test harness has that every startup command completed.
	StartupDoneMarker = "/tmp/EOS"

	// startupGuard prevents the startup script from running twice when it
	// is dispatched again to a unit that is already up.
	startupGuard = "/tmp/netlab_started"

	// ShutdownScript is where a unit's shutdown commands are stored at
	// creation, so they can be run later knowing only the handle.
	ShutdownScript = "/etc/netlab/shutdown.sh"
)

// shellQuote quotes s for a POSIX shell. Single quotes inside s are closed,
// escaped and reopened.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// startupScript builds the script dispatched after a unit starts. Commands
// run in order; each is echoed to StartupLog first.
//
// A failing command does not stop the script: lab authors routinely list
// commands such as "ip link set eth3 up" that only some images accept, and
// the remaining commands must still run. The output of every command goes
// nowhere since the script is detached, which is why each is logged.
func startupScript(commands []string) string {
	lines := []string{
		"if [ -f " + startupGuard + " ]; then exit 0; fi",
		"touch " + startupGuard,
	}
	for _, c := range commands {
		lines = append(lines,
			"echo "+shellQuote("+ "+c)+" >> "+StartupLog,
			c,
		)
	}
	lines = append(lines, "touch "+StartupDoneMarker)
	return strings.Join(lines, "\n")
}

// shutdownFile renders the commands stored at ShutdownScript. The file has
// no shebang; it is always run through the unit's shell.
func shutdownFile(commands []string) string {
	return strings.Join(commands, "\n") + "\n"
}

// shutdownInvocation runs ShutdownScript with shell when it exists and
// succeeds otherwise. A unit created without shutdown commands has no
// script, and a unit created by an older netlab may not have one either.
func shutdownInvocation(shell string) string {
	return "if [ -f " + ShutdownScript + " ]; then " + shell + " " + ShutdownScript + "; fi"
}

// config.go holds the settings shared by the unit and network
// provisioners. A Config is built once per orchestrator from the effective
// settings and never changes afterwards.
package provision

import (
	"log/slog"

	"github.com/mmr-tortoise/netlab/internal/backend"
)

// Config is shared by both provisioners.
type Config struct {
	// Namer derives backend object names from logical names. Its User is
	// also written into the labels of every created object, which scopes
	// undeploy and wipe to the invoking user.
	Namer backend.Namer

	// Workers bounds the number of concurrent backend calls during release.
	Workers int

	// IPv6 enables IPv6 on created networks and inside units.
	IPv6 bool

	// Defaults fill in what neither the lab options nor the unit metadata
	// set.
	Defaults UnitDefaults

	// Logger receives provisioning progress. Nil discards it.
	Logger *slog.Logger
}

// UnitDefaults are the engine defaults a unit falls back to.
type UnitDefaults struct {
	// Image is used for units whose lab and metadata name no image.
	Image string

	// Shell runs the startup and shutdown scripts. It is recorded in a
	// label at creation, so teardown uses the shell the unit was built with
	// even when the defaults changed in between.
	Shell string

	// HostHome is mounted at /hosthome when a lab asks for it.
	HostHome string
}

func (c Config) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return c.Logger
}

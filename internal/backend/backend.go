package backend

import (
	"context"

	"github.com/mmr-tortoise/netlab/internal/model"
)

// Backend is the set of operations the orchestrator needs from an execution
// engine. Implementations classify failures with the model error kinds:
// ErrBackendUnavailable when the engine cannot be reached,
// ErrUnitAlreadyExists and ErrNetworkAlreadyExists on name collisions,
// ErrResourceInUse when a network still has attachments and ErrNotFound for
// missing objects.
type Backend interface {
	// Name identifies the engine (e.g., "docker").
	Name() string

	// FindUnits returns the labeled units matching f.
	FindUnits(ctx context.Context, f Filter) ([]*model.UnitHandle, error)

	// FindNetworks returns the labeled networks matching f.
	FindNetworks(ctx context.Context, f Filter) ([]*model.NetworkHandle, error)

	// CreateNetwork creates a network. It never adopts an existing one.
	CreateNetwork(ctx context.Context, spec NetworkSpec) (*model.NetworkHandle, error)

	// HostBridge returns the engine's network that gives units host
	// connectivity. It is neither labeled nor ever deleted.
	HostBridge(ctx context.Context) (*model.NetworkHandle, error)

	// AttachExternal connects a network to a host interface. Engines that
	// cannot do so return an error wrapping errors.ErrUnsupported.
	AttachExternal(ctx context.Context, network *model.NetworkHandle, link model.ExternalLink) error

	// CreateUnit creates a unit without starting it.
	CreateUnit(ctx context.Context, spec UnitSpec) (*model.UnitHandle, error)

	// InjectFiles extracts a gzip-compressed tar archive at "/" in a
	// created unit.
	InjectFiles(ctx context.Context, unit *model.UnitHandle, archive []byte) error

	// StartUnit starts a created unit.
	StartUnit(ctx context.Context, unit *model.UnitHandle) error

	// AttachUnitToNetwork connects a running unit to a network as the given
	// interface number. Engines that wire every network at creation treat
	// an attachment listed in the UnitSpec as already done.
	AttachUnitToNetwork(ctx context.Context, unit *model.UnitHandle, a Attachment) error

	// ExecInUnit runs a command in a running unit. A detached command
	// returns as soon as it is dispatched, with a zero ExecResult.
	ExecInUnit(ctx context.Context, unit *model.UnitHandle, cmd Exec) (ExecResult, error)

	// DeleteUnit stops and removes a unit.
	DeleteUnit(ctx context.Context, unit *model.UnitHandle) error

	// DeleteNetwork removes a network.
	DeleteNetwork(ctx context.Context, network *model.NetworkHandle) error

	// Close releases the connection to the engine.
	Close() error
}

// NetworkSpec describes a network to create.
type NetworkSpec struct {
	// Name is the derived backend name.
	Name        string
	LogicalName string
	Labels      map[string]string
	IPv6        bool
}

// Attachment places a unit on a network as interface number Interface.
type Attachment struct {
	Network   *model.NetworkHandle
	Interface int
}

// Mount binds a host path into a unit.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// UnitSpec describes a unit to create. All defaults are already resolved.
type UnitSpec struct {
	// Name is the derived backend name.
	Name        string
	LogicalName string
	Hostname    string
	Labels      map[string]string

	Image        string
	Memory       string
	CPUs         float64
	Privileged   bool
	Ports        []model.PortMapping
	Sysctls      map[string]string
	Env          map[string]string
	Capabilities []string
	Shell        string
	Mounts       []Mount

	// Networks lists every attachment in interface order. The first entry
	// is the primary network, connected at creation. Engines that cannot
	// attach after start wire all of them at creation.
	Networks []Attachment
}

// Primary returns the attachment connected at creation, if any.
func (s UnitSpec) Primary() (Attachment, bool) {
	if len(s.Networks) == 0 {
		return Attachment{}, false
	}
	return s.Networks[0], true
}

// Exec is a command to run inside a unit.
type Exec struct {
	Cmd    []string
	Detach bool
}

// ExecResult is the outcome of an attached command.
type ExecResult struct {
	ExitCode int
	Output   string
}

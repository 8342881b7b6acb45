// Package memory provides an in-process Backend. It keeps units and networks
// in maps, records every call in an event log and lets callers inject
// faults through hooks. The CLI uses it for dry runs; tests use it to
// observe what the orchestrator asked the engine to do.
package memory

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/mmr-tortoise/netlab/internal/backend"
	"github.com/mmr-tortoise/netlab/internal/model"
)

// BridgeName is the name of the pre-existing host bridge network.
const BridgeName = "bridge"

// Event operations recorded in the log.
const (
	OpCreateNetwork  = "create_network"
	OpAttachExternal = "attach_external"
	OpCreateUnit     = "create_unit"
	OpInjectFiles    = "inject_files"
	OpStartUnit      = "start_unit"
	OpAttach         = "attach"
	OpExec           = "exec"
	OpDeleteUnit     = "delete_unit"
	OpDeleteNetwork  = "delete_network"
)

// Event is one recorded backend call. Name is the derived backend name of
// the unit or network the call acted on.
type Event struct {
	Op     string
	Name   string
	Detail string
}

// String renders the event as "op:name".
func (e Event) String() string {
	return e.Op + ":" + e.Name
}

// Hooks inject behavior before a call mutates state. A non-nil error is
// returned to the caller as is.
type Hooks struct {
	BeforeCreateNetwork func(ctx context.Context, spec backend.NetworkSpec) error
	BeforeCreateUnit    func(ctx context.Context, spec backend.UnitSpec) error
	BeforeStartUnit     func(ctx context.Context, unit *model.UnitHandle) error
	BeforeDeleteNetwork func(ctx context.Context, network *model.NetworkHandle) error

	// Exec produces the result of a command. The default reports success.
	Exec func(ctx context.Context, unit *model.UnitHandle, cmd backend.Exec) (backend.ExecResult, error)
}

type unit struct {
	handle   model.UnitHandle
	spec     backend.UnitSpec
	networks []string
	files    [][]byte
}

type network struct {
	handle   model.NetworkHandle
	external []model.ExternalLink
}

// Backend is an in-memory engine. The zero value is not usable; call New.
type Backend struct {
	// Hooks may be set before the backend is shared between goroutines.
	Hooks Hooks

	mu          sync.Mutex
	unavailable bool
	nextID      int
	units       map[string]*unit
	networks    map[string]*network
	events      []Event
}

var _ backend.Backend = (*Backend)(nil)

// New creates an empty in-memory backend.
func New() *Backend {
	return &Backend{
		units:    make(map[string]*unit),
		networks: make(map[string]*network),
	}
}

// SetUnavailable makes every subsequent call fail with ErrBackendUnavailable.
func (b *Backend) SetUnavailable(v bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unavailable = v
}

// Events returns a copy of the call log.
func (b *Backend) Events() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.events)
}

// UnitNames returns the backend names of existing units, sorted.
func (b *Backend) UnitNames() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Sorted(maps.Keys(b.units))
}

// NetworkNames returns the backend names of existing labeled networks, sorted.
func (b *Backend) NetworkNames() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Sorted(maps.Keys(b.networks))
}

// UnitSpec returns the spec a unit was created with.
func (b *Backend) UnitSpec(name string) (backend.UnitSpec, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	u, ok := b.units[name]
	if !ok {
		return backend.UnitSpec{}, false
	}
	return u.spec, true
}

// UnitNetworks returns the backend names of the networks a unit is attached
// to, in attachment order.
func (b *Backend) UnitNetworks(name string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if u, ok := b.units[name]; ok {
		return slices.Clone(u.networks)
	}
	return nil
}

// UnitFiles returns the archives injected into a unit.
func (b *Backend) UnitFiles(name string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if u, ok := b.units[name]; ok {
		return slices.Clone(u.files)
	}
	return nil
}

// AddNetwork registers a network as if another process had created it.
func (b *Backend) AddNetwork(name string, labels map[string]string) *model.NetworkHandle {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := &network{handle: *backend.NetworkHandleFromLabels(b.newID(), name, labels)}
	b.networks[name] = n
	h := n.handle
	return &h
}

// newID must be called with mu held.
func (b *Backend) newID() string {
	b.nextID++
	return fmt.Sprintf("mem-%04d", b.nextID)
}

// record must be called with mu held.
func (b *Backend) record(op, name, detail string) {
	b.events = append(b.events, Event{Op: op, Name: name, Detail: detail})
}

// check must be called with mu held.
func (b *Backend) check(op, name string) error {
	if b.unavailable {
		return model.NewError(model.ErrBackendUnavailable, op, name, errors.New("memory backend switched off"))
	}
	return nil
}

func (b *Backend) Name() string { return "memory" }

func (b *Backend) FindUnits(_ context.Context, f backend.Filter) ([]*model.UnitHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check("list units", ""); err != nil {
		return nil, err
	}

	var out []*model.UnitHandle
	for _, name := range slices.Sorted(maps.Keys(b.units)) {
		u := b.units[name]
		if !f.Matches(u.handle.Labels) {
			continue
		}
		h := u.handle
		h.Networks = slices.Clone(u.networks)
		out = append(out, &h)
	}
	return out, nil
}

func (b *Backend) FindNetworks(_ context.Context, f backend.Filter) ([]*model.NetworkHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check("list networks", ""); err != nil {
		return nil, err
	}

	var out []*model.NetworkHandle
	for _, name := range slices.Sorted(maps.Keys(b.networks)) {
		n := b.networks[name]
		if f.Matches(n.handle.Labels) {
			h := n.handle
			out = append(out, &h)
		}
	}
	return out, nil
}

func (b *Backend) CreateNetwork(ctx context.Context, spec backend.NetworkSpec) (*model.NetworkHandle, error) {
	if hook := b.Hooks.BeforeCreateNetwork; hook != nil {
		if err := hook(ctx, spec); err != nil {
			return nil, err
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check("create network", spec.Name); err != nil {
		return nil, err
	}
	if _, exists := b.networks[spec.Name]; exists || spec.Name == BridgeName {
		return nil, model.NewError(model.ErrNetworkAlreadyExists, "create network", spec.Name, nil)
	}

	n := &network{handle: *backend.NetworkHandleFromLabels(b.newID(), spec.Name, spec.Labels)}
	b.networks[spec.Name] = n
	b.record(OpCreateNetwork, spec.Name, "")
	h := n.handle
	return &h, nil
}

func (b *Backend) HostBridge(context.Context) (*model.NetworkHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check("find host bridge", BridgeName); err != nil {
		return nil, err
	}
	return &model.NetworkHandle{ID: BridgeName, Name: BridgeName, LogicalName: model.BridgeNetworkName}, nil
}

func (b *Backend) AttachExternal(_ context.Context, h *model.NetworkHandle, link model.ExternalLink) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check("attach external", h.Name); err != nil {
		return err
	}
	n, ok := b.networks[h.Name]
	if !ok {
		return model.NewError(model.ErrNotFound, "attach external", h.Name, nil)
	}
	n.external = append(n.external, link)
	b.record(OpAttachExternal, h.Name, link.String())
	return nil
}

func (b *Backend) CreateUnit(ctx context.Context, spec backend.UnitSpec) (*model.UnitHandle, error) {
	if hook := b.Hooks.BeforeCreateUnit; hook != nil {
		if err := hook(ctx, spec); err != nil {
			return nil, err
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check("create unit", spec.Name); err != nil {
		return nil, err
	}
	if _, exists := b.units[spec.Name]; exists {
		return nil, model.NewError(model.ErrUnitAlreadyExists, "create unit", spec.Name, nil)
	}

	u := &unit{
		handle: *backend.UnitHandleFromLabels(b.newID(), spec.Name, spec.Labels),
		spec:   spec,
	}
	if primary, ok := spec.Primary(); ok {
		if err := b.attachLocked(u, primary.Network); err != nil {
			return nil, err
		}
	}
	b.units[spec.Name] = u
	b.record(OpCreateUnit, spec.Name, "")

	h := u.handle
	h.Networks = slices.Clone(u.networks)
	return &h, nil
}

// attachLocked must be called with mu held.
func (b *Backend) attachLocked(u *unit, h *model.NetworkHandle) error {
	if h == nil {
		return model.NewError(model.ErrNotFound, "attach", u.handle.Name, errors.New("nil network"))
	}
	if _, ok := b.networks[h.Name]; !ok && h.Name != BridgeName {
		return model.NewError(model.ErrNotFound, "attach", h.Name, nil)
	}
	if slices.Contains(u.networks, h.Name) {
		return nil
	}
	u.networks = append(u.networks, h.Name)
	return nil
}

// lookup must be called with mu held.
func (b *Backend) lookup(op string, h *model.UnitHandle) (*unit, error) {
	if err := b.check(op, h.Name); err != nil {
		return nil, err
	}
	u, ok := b.units[h.Name]
	if !ok {
		return nil, model.NewError(model.ErrNotFound, op, h.Name, nil)
	}
	return u, nil
}

func (b *Backend) InjectFiles(_ context.Context, h *model.UnitHandle, archive []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	u, err := b.lookup("inject files", h)
	if err != nil {
		return err
	}
	u.files = append(u.files, slices.Clone(archive))
	b.record(OpInjectFiles, h.Name, "")
	return nil
}

func (b *Backend) StartUnit(ctx context.Context, h *model.UnitHandle) error {
	if hook := b.Hooks.BeforeStartUnit; hook != nil {
		if err := hook(ctx, h); err != nil {
			return err
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	u, err := b.lookup("start unit", h)
	if err != nil {
		return err
	}
	u.handle.Running = true
	b.record(OpStartUnit, h.Name, "")
	return nil
}

func (b *Backend) AttachUnitToNetwork(_ context.Context, h *model.UnitHandle, a backend.Attachment) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	u, err := b.lookup("attach", h)
	if err != nil {
		return err
	}
	if err := b.attachLocked(u, a.Network); err != nil {
		return err
	}
	b.record(OpAttach, h.Name, fmt.Sprintf("eth%d=%s", a.Interface, a.Network.Name))
	return nil
}

func (b *Backend) ExecInUnit(ctx context.Context, h *model.UnitHandle, cmd backend.Exec) (backend.ExecResult, error) {
	b.mu.Lock()
	_, err := b.lookup("exec", h)
	if err == nil {
		b.record(OpExec, h.Name, fmt.Sprintf("detach=%t", cmd.Detach))
	}
	b.mu.Unlock()
	if err != nil {
		return backend.ExecResult{}, err
	}

	if b.Hooks.Exec != nil {
		return b.Hooks.Exec(ctx, h, cmd)
	}
	return backend.ExecResult{}, nil
}

func (b *Backend) DeleteUnit(_ context.Context, h *model.UnitHandle) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := b.lookup("delete unit", h); err != nil {
		return err
	}
	delete(b.units, h.Name)
	b.record(OpDeleteUnit, h.Name, "")
	return nil
}

func (b *Backend) DeleteNetwork(ctx context.Context, h *model.NetworkHandle) error {
	if hook := b.Hooks.BeforeDeleteNetwork; hook != nil {
		if err := hook(ctx, h); err != nil {
			return err
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check("delete network", h.Name); err != nil {
		return err
	}
	if _, ok := b.networks[h.Name]; !ok {
		return model.NewError(model.ErrNotFound, "delete network", h.Name, nil)
	}
	for _, u := range b.units {
		if slices.Contains(u.networks, h.Name) {
			return model.NewError(model.ErrResourceInUse, "delete network", h.Name,
				fmt.Errorf("unit %s is still attached", u.handle.Name))
		}
	}
	delete(b.networks, h.Name)
	b.record(OpDeleteNetwork, h.Name, "")
	return nil
}

func (b *Backend) Close() error { return nil }

package orchestrator

import (
	"cmp"
	"context"
	"log/slog"
	"maps"
	"runtime"
	"slices"

	"github.com/mmr-tortoise/netlab/internal/backend"
	"github.com/mmr-tortoise/netlab/internal/depgraph"
	"github.com/mmr-tortoise/netlab/internal/model"
	"github.com/mmr-tortoise/netlab/internal/port"
	"github.com/mmr-tortoise/netlab/internal/provision"
	"github.com/mmr-tortoise/netlab/internal/workpool"
)

// Options configures an Orchestrator.
type Options struct {
	// User is the sanitized identity of the invoking user.
	User string

	NetworkPrefix string
	UnitPrefix    string

	// Workers bounds concurrent backend calls. Zero means runtime.NumCPU().
	Workers int

	IPv6     bool
	Defaults provision.UnitDefaults

	// CheckHostPorts warns about published ports already bound on this
	// machine. Only meaningful when the engine runs locally.
	CheckHostPorts bool

	Logger *slog.Logger

	// OnTransition, when set, is called on every phase change.
	OnTransition func(Transition)
}

// Orchestrator deploys and tears down labs on one backend.
type Orchestrator struct {
	backend      backend.Backend
	user         string
	workers      int
	checkPorts   bool
	networks     *provision.NetworkProvisioner
	units        *provision.UnitProvisioner
	log          *slog.Logger
	onTransition func(Transition)
}

// New creates an Orchestrator for b.
func New(b backend.Backend, opts Options) *Orchestrator {
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	cfg := provision.Config{
		Namer: backend.Namer{
			NetworkPrefix: opts.NetworkPrefix,
			UnitPrefix:    opts.UnitPrefix,
			User:          opts.User,
		},
		Workers:  workers,
		IPv6:     opts.IPv6,
		Defaults: opts.Defaults,
		Logger:   logger,
	}

	return &Orchestrator{
		backend:      b,
		user:         opts.User,
		workers:      workers,
		checkPorts:   opts.CheckHostPorts,
		networks:     provision.NewNetworkProvisioner(b, cfg),
		units:        provision.NewUnitProvisioner(b, cfg),
		log:          logger.With("backend", b.Name()),
		onTransition: opts.OnTransition,
	}
}

// plan is the output of PLANNING.
type plan struct {
	lab      *model.Lab
	order    depgraph.Order
	networks []*model.Network
	units    []*model.Unit
}

// Deploy provisions the selected units of lab (all when selected is empty)
// and the networks they reference. Validation errors are returned before any
// backend call. On a provisioning failure, resources already created stay in
// place.
func (o *Orchestrator) Deploy(ctx context.Context, lab *model.Lab, selected []string) error {
	t := &tracker{o: o, op: "deploy", labHash: lab.Hash}

	t.enter(PhasePlanning)
	p, err := o.plan(lab, selected)
	if err != nil {
		return t.fail(err)
	}
	o.log.Info("Deploying lab", "lab", lab.Name, "lab_hash", lab.Hash,
		"units", len(p.units), "networks", len(p.networks), "ordered", !p.order.Unordered())

	t.enter(PhaseProvisioningNetworks)
	err = workpool.Run(ctx, o.workers, p.networks, func(ctx context.Context, n *model.Network) error {
		h, err := o.networks.Ensure(ctx, lab.Hash, n)
		if err != nil {
			return err
		}
		n.Handle = h
		return nil
	})
	if err != nil {
		return t.fail(err)
	}

	t.enter(PhaseProvisioningUnits)
	deploy := func(ctx context.Context, u *model.Unit) error {
		h, err := o.units.Create(ctx, p.lab, u)
		if err != nil {
			return err
		}
		u.Handle = h
		return nil
	}
	if p.order.Unordered() {
		err = workpool.Run(ctx, o.workers, p.units, deploy)
	} else {
		err = workpool.Run(ctx, 1, p.units, deploy)
	}
	if err != nil {
		return t.fail(err)
	}

	t.enter(PhaseDone)
	o.log.Info("Lab deployed", "lab", lab.Name, "lab_hash", lab.Hash)
	return nil
}

// plan validates the selection and computes what to provision. It makes no
// backend call.
func (o *Orchestrator) plan(lab *model.Lab, selected []string) (*plan, error) {
	target, err := lab.Select(selected)
	if err != nil {
		return nil, err
	}
	order, err := Check(target)
	if err != nil {
		return nil, err
	}
	if o.checkPorts {
		for _, c := range port.FindConflicts(target, port.NewScanner()) {
			o.log.Warn("Host port already in use", "unit", c.Unit, "port", c.Mapping.String())
		}
	}

	p := &plan{lab: target, order: order}

	names := order
	if order.Unordered() {
		names = target.UnitNames()
	}
	for _, name := range names {
		p.units = append(p.units, target.Units[name])
	}

	for _, name := range slices.Sorted(maps.Keys(target.Networks)) {
		p.networks = append(p.networks, target.Networks[name])
	}
	if target.NeedsHostBridge() {
		p.networks = append(p.networks, target.HostBridge())
	}

	return p, nil
}

// Check validates lab without touching any backend and returns its
// deployment order: interface contiguity, known dependency targets, unique
// host ports and an acyclic dependency graph.
func Check(lab *model.Lab) (depgraph.Order, error) {
	if err := lab.Validate(); err != nil {
		return nil, err
	}
	if err := port.ValidateLab(lab); err != nil {
		return nil, err
	}
	return depgraph.Resolve(lab.Dependencies, lab.UnitNames())
}

// Undeploy deletes the selected units of the lab identified by labHash (all
// when selected is empty), then every network of that lab no remaining unit
// references.
func (o *Orchestrator) Undeploy(ctx context.Context, labHash string, selected []string) error {
	t := &tracker{o: o, op: "undeploy", labHash: labHash}
	scope := backend.Filter{LabHash: labHash, User: o.user}

	t.enter(PhaseSelectTargets)
	deployed, err := o.backend.FindUnits(ctx, scope)
	if err != nil {
		return t.fail(model.Wrap("list units", labHash, err))
	}
	targets, survivors := splitTargets(deployed, selected)
	o.log.Info("Undeploying lab", "lab_hash", labHash, "targets", len(targets), "survivors", len(survivors))

	return o.teardown(ctx, t, scope, targets)
}

// WipeAll deletes every managed unit and network on the backend, or only
// those of the invoking user when owningUserOnly is set.
func (o *Orchestrator) WipeAll(ctx context.Context, owningUserOnly bool) error {
	t := &tracker{o: o, op: "wipe"}
	scope := backend.Filter{}
	if owningUserOnly {
		scope.User = o.user
	}

	t.enter(PhaseSelectTargets)
	targets, err := o.backend.FindUnits(ctx, scope)
	if err != nil {
		return t.fail(model.Wrap("list units", "", err))
	}
	o.log.Info("Wiping labs", "user_only", owningUserOnly, "targets", len(targets))

	return o.teardown(ctx, t, scope, targets)
}

func (o *Orchestrator) teardown(ctx context.Context, t *tracker, scope backend.Filter, targets []*model.UnitHandle) error {
	t.enter(PhaseDeleteUnits)
	err := workpool.Run(ctx, o.workers, targets, o.units.Delete)
	if err != nil {
		return t.fail(err)
	}

	// Every target is gone at this point, so a cancel that arrived during the
	// last deletions must not leave their networks behind.
	t.enter(PhaseDeleteNetworks)
	if err := o.networks.Release(context.WithoutCancel(ctx), scope, targets); err != nil {
		return t.fail(err)
	}

	t.enter(PhaseDone)
	return nil
}

// splitTargets partitions deployed units into those named in selected and
// the rest. An empty selection targets everything.
func splitTargets(deployed []*model.UnitHandle, selected []string) (targets, survivors []*model.UnitHandle) {
	if len(selected) == 0 {
		return deployed, nil
	}
	for _, h := range deployed {
		if slices.Contains(selected, h.LogicalName) {
			targets = append(targets, h)
		} else {
			survivors = append(survivors, h)
		}
	}
	return targets, survivors
}

// LabInfo describes a deployed lab.
type LabInfo struct {
	Hash  string              `json:"hash"`
	User  string              `json:"user"`
	Units []*model.UnitHandle `json:"units"`
}

// Info lists the deployed units grouped by lab, optionally restricted to one
// lab. Only the invoking user's units are listed unless allUsers is set.
func (o *Orchestrator) Info(ctx context.Context, labHash string, allUsers bool) ([]LabInfo, error) {
	f := backend.Filter{LabHash: labHash}
	if !allUsers {
		f.User = o.user
	}
	units, err := o.backend.FindUnits(ctx, f)
	if err != nil {
		return nil, model.Wrap("list units", labHash, err)
	}

	type key struct{ hash, user string }
	grouped := make(map[key][]*model.UnitHandle)
	for _, u := range units {
		k := key{u.LabHash, u.User}
		grouped[k] = append(grouped[k], u)
	}

	infos := make([]LabInfo, 0, len(grouped))
	for k, us := range grouped {
		slices.SortFunc(us, func(a, b *model.UnitHandle) int {
			return cmp.Compare(a.LogicalName, b.LogicalName)
		})
		infos = append(infos, LabInfo{Hash: k.hash, User: k.user, Units: us})
	}
	slices.SortFunc(infos, func(a, b LabInfo) int {
		if c := cmp.Compare(a.User, b.User); c != 0 {
			return c
		}
		return cmp.Compare(a.Hash, b.Hash)
	})
	return infos, nil
}

// network.go maps the logical collision domains of a lab onto backend
// networks. Networks are looked up by label before they are created, so
// deploying a lab twice reuses its networks, and they are released by
// reference counting over every managed unit on the backend.
package provision

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/sync/singleflight"

	"github.com/mmr-tortoise/netlab/internal/backend"
	"github.com/mmr-tortoise/netlab/internal/model"
	"github.com/mmr-tortoise/netlab/internal/workpool"
)

// NetworkProvisioner finds or creates backend networks.
//
// It is safe for concurrent use. The orchestrator ensures all networks of a
// lab in parallel, and concurrent Ensure calls for one backend name are
// collapsed into one.
type NetworkProvisioner struct {
	backend backend.Backend
	cfg     Config
	log     *slog.Logger

	// inflight collapses concurrent Ensure calls for the same backend name.
	inflight singleflight.Group
}

// NewNetworkProvisioner creates a NetworkProvisioner.
func NewNetworkProvisioner(b backend.Backend, cfg Config) *NetworkProvisioner {
	return &NetworkProvisioner{backend: b, cfg: cfg, log: cfg.logger()}
}

// Ensure returns the backend network for n, creating it if this lab does
// not already have one. Concurrent calls for the same name share a single
// lookup-or-create, so exactly one backend object results.
//
// When creation collides with a network of the same derived name owned by
// another lab, that network is adopted. External links are attached only to
// networks this call created.
func (p *NetworkProvisioner) Ensure(ctx context.Context, labHash string, n *model.Network) (*model.NetworkHandle, error) {
	if n.Name == model.BridgeNetworkName {
		h, err := p.backend.HostBridge(ctx)
		if err != nil {
			return nil, model.Wrap("ensure network", n.Name, err)
		}
		return h, nil
	}

	name := p.cfg.Namer.NetworkName(n.Name)
	v, err, shared := p.inflight.Do(name, func() (any, error) {
		return p.ensure(ctx, labHash, name, n)
	})
	if err != nil {
		return nil, model.Wrap("ensure network", n.Name, err)
	}
	if shared {
		p.log.Debug("Network ensure shared with concurrent caller", "network", n.Name)
	}
	return v.(*model.NetworkHandle), nil
}

func (p *NetworkProvisioner) ensure(ctx context.Context, labHash, name string, n *model.Network) (*model.NetworkHandle, error) {
	user := p.cfg.Namer.User

	existing, err := p.find(ctx, backend.Filter{LabHash: labHash, Name: n.Name, User: user}, name)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		p.log.Debug("Reusing network", "network", n.Name, "backend_name", name)
		return existing, nil
	}

	labels := backend.BuildLabels(labHash, n.Name, user)
	if len(n.External) > 0 {
		labels[backend.LabelExternal] = backend.ExternalLabel(n.External)
	}

	h, err := p.backend.CreateNetwork(ctx, backend.NetworkSpec{
		Name:        name,
		LogicalName: n.Name,
		Labels:      labels,
		IPv6:        p.cfg.IPv6,
	})
	if errors.Is(err, model.ErrNetworkAlreadyExists) {
		adopted, findErr := p.find(ctx, backend.Filter{Name: n.Name, User: user}, name)
		if findErr != nil {
			return nil, findErr
		}
		if adopted == nil {
			return nil, err
		}
		p.log.Info("Adopting network owned by another lab", "network", n.Name, "lab_hash", adopted.LabHash)
		return adopted, nil
	}
	if err != nil {
		return nil, err
	}
	p.log.Info("Created network", "network", n.Name, "backend_name", name)

	for _, link := range n.External {
		err := p.backend.AttachExternal(ctx, h, link)
		switch {
		case err == nil:
			p.log.Info("Attached external link", "network", n.Name, "link", link.String())
		case errors.Is(err, errors.ErrUnsupported):
			p.log.Warn("External link not supported by backend", "network", n.Name, "link", link.String(), "backend", p.backend.Name())
		default:
			return nil, model.Wrap("attach external link", link.String(), err)
		}
	}

	return h, nil
}

// find returns the network matching f whose backend name is name, or nil.
// The label filter alone is not enough: labels do not record the network
// prefix, so networks created under another prefix setting match too.
func (p *NetworkProvisioner) find(ctx context.Context, f backend.Filter, name string) (*model.NetworkHandle, error) {
	nets, err := p.backend.FindNetworks(ctx, f)
	if err != nil {
		return nil, err
	}
	for _, h := range nets {
		if h.Name == name {
			return h, nil
		}
	}
	return nil, nil
}

// Release deletes every network in scope that no remaining unit references.
// References are counted over all managed units on the backend, in every
// lab and for every user, minus the units in deleted: an engine may still
// list a unit whose deletion it has accepted.
//
// A deletion refused because the network is still in use, or because it is
// already gone, is logged and skipped.
func (p *NetworkProvisioner) Release(ctx context.Context, scope backend.Filter, deleted []*model.UnitHandle) error {
	nets, err := p.backend.FindNetworks(ctx, scope)
	if err != nil {
		return model.Wrap("list networks", scope.LabHash, err)
	}
	if len(nets) == 0 {
		return nil
	}

	units, err := p.backend.FindUnits(ctx, backend.Filter{})
	if err != nil {
		return model.Wrap("list units", "", err)
	}

	gone := make(map[string]bool, len(deleted))
	for _, u := range deleted {
		gone[u.ID] = true
	}
	refs := make(map[string]int)
	for _, u := range units {
		if gone[u.ID] {
			continue
		}
		for _, n := range u.Networks {
			refs[n]++
		}
	}

	var victims []*model.NetworkHandle
	for _, n := range nets {
		if refs[n.Name] > 0 {
			p.log.Debug("Keeping network still in use", "network", n.LogicalName, "references", refs[n.Name])
			continue
		}
		victims = append(victims, n)
	}

	return workpool.Run(ctx, p.cfg.Workers, victims, func(ctx context.Context, n *model.NetworkHandle) error {
		err := p.backend.DeleteNetwork(ctx, n)
		switch {
		case err == nil:
			p.log.Info("Deleted network", "network", n.LogicalName, "lab_hash", n.LabHash)
			return nil
		case errors.Is(err, model.ErrResourceInUse), errors.Is(err, model.ErrNotFound):
			p.log.Warn("Network not deleted", "network", n.LogicalName, "error", err)
			return nil
		default:
			return model.Wrap("delete network", n.LogicalName, err)
		}
	})
}

// unit.go provisions units: resolving the backend spec from lab options,
// unit metadata and engine defaults, then driving a backend through
// create, inject, start, attach and startup dispatch. Delete reverses it
// after running the unit's shutdown commands.
package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"path/filepath"
	"slices"

	"github.com/mmr-tortoise/netlab/internal/backend"
	"github.com/mmr-tortoise/netlab/internal/model"
	"github.com/mmr-tortoise/netlab/internal/overlay"
)

// DefaultCapabilities are granted to every unprivileged unit. They cover
// what routing daemons and network tools need: configuring interfaces and
// routes, raw sockets for ping and OSPF, and mounting for tools that set up
// network namespaces inside the unit.
var DefaultCapabilities = []string{"NET_ADMIN", "NET_RAW", "NET_BROADCAST", "NET_BIND_SERVICE", "SYS_ADMIN"}

// DefaultSysctls returns the kernel settings every unit starts with. Units
// forward packets and do not filter on reverse path.
func DefaultSysctls(ipv6 bool) map[string]string {
	s := map[string]string{
		"net.ipv4.conf.all.rp_filter":     "0",
		"net.ipv4.conf.default.rp_filter": "0",
		"net.ipv4.conf.lo.rp_filter":      "0",
		"net.ipv4.ip_forward":             "1",
		"net.ipv4.icmp_ratelimit":         "0",
	}
	if ipv6 {
		s["net.ipv6.conf.all.disable_ipv6"] = "0"
		s["net.ipv6.conf.all.forwarding"] = "1"
	} else {
		s["net.ipv6.conf.all.disable_ipv6"] = "1"
	}
	return s
}

// UnitProvisioner creates and deletes backend units. It keeps no state
// between calls and is safe for concurrent use.
type UnitProvisioner struct {
	backend backend.Backend
	cfg     Config
	log     *slog.Logger
}

// NewUnitProvisioner creates a UnitProvisioner.
func NewUnitProvisioner(b backend.Backend, cfg Config) *UnitProvisioner {
	return &UnitProvisioner{backend: b, cfg: cfg, log: cfg.logger()}
}

// Spec resolves the backend spec of u. Lab options win over unit metadata,
// which wins over engine defaults. Every network u attaches to, including
// the host bridge, must already carry a handle.
//
// Precedence by field:
//   - Image, Memory, CPUs: lab options, unit metadata, engine default.
//   - Privileged: set when either the lab or the unit asks for it.
//   - Capabilities: DefaultCapabilities plus the unit's own, unless
//     privileged, where the engine grants all of them anyway.
//   - Sysctls: DefaultSysctls overridden key by key by the unit's.
//
// Networks lists interfaces in ascending order, with the host bridge last.
// Backends treat the first entry as the primary network.
func (p *UnitProvisioner) Spec(lab *model.Lab, u *model.Unit) (backend.UnitSpec, error) {
	opts := lab.Options
	meta := u.Meta

	spec := backend.UnitSpec{
		Name:        p.cfg.Namer.UnitName(u.Name),
		LogicalName: u.Name,
		Hostname:    u.Name,
		Labels:      backend.BuildLabels(lab.Hash, u.Name, p.cfg.Namer.User),
		Image:       firstNonEmpty(opts.Image, meta.Image, p.cfg.Defaults.Image),
		Memory:      firstNonEmpty(opts.Memory, meta.Memory),
		CPUs:        meta.CPUs,
		Privileged:  opts.Privileged || meta.Privileged,
		Ports:       slices.Clone(meta.Ports),
		Env:         maps.Clone(meta.Env),
		Shell:       firstNonEmpty(meta.Shell, p.cfg.Defaults.Shell),
	}
	if opts.CPUs > 0 {
		spec.CPUs = opts.CPUs
	}
	spec.Labels[backend.LabelShell] = spec.Shell

	spec.Sysctls = DefaultSysctls(p.cfg.IPv6)
	maps.Copy(spec.Sysctls, meta.Sysctls)

	if !spec.Privileged {
		caps := slices.Clone(DefaultCapabilities)
		for _, c := range meta.Capabilities {
			if !slices.Contains(caps, c) {
				caps = append(caps, c)
			}
		}
		spec.Capabilities = caps
	}

	if opts.SharedMount && lab.Path != "" {
		spec.Mounts = append(spec.Mounts, backend.Mount{Source: filepath.Join(lab.Path, "shared"), Target: "/shared"})
	}
	if opts.HostHomeMount && p.cfg.Defaults.HostHome != "" {
		spec.Mounts = append(spec.Mounts, backend.Mount{Source: p.cfg.Defaults.HostHome, Target: "/hosthome"})
	}

	for _, i := range u.SortedInterfaces() {
		n := u.Interfaces[i]
		if n.Handle == nil {
			return spec, model.NewError(nil, "resolve network", n.Name, errors.New("network is not provisioned"))
		}
		spec.Networks = append(spec.Networks, backend.Attachment{Network: n.Handle, Interface: i})
	}
	if u.Bridged {
		bridge := lab.HostBridge()
		if bridge.Handle == nil {
			return spec, model.NewError(nil, "resolve network", bridge.Name, errors.New("host bridge is not provisioned"))
		}
		spec.Networks = append(spec.Networks, backend.Attachment{Network: bridge.Handle, Interface: u.BridgeInterface()})
	}

	return spec, nil
}

// Create provisions u: create with the primary network, inject the overlay
// and shutdown script, start, attach the remaining networks in ascending
// interface order and dispatch the startup script without waiting for it.
//
// A unit whose backend object already exists fails with
// ErrUnitAlreadyExists; it is never adopted. Startup dispatch failures are
// logged and do not fail the unit.
func (p *UnitProvisioner) Create(ctx context.Context, lab *model.Lab, u *model.Unit) (*model.UnitHandle, error) {
	spec, err := p.Spec(lab, u)
	if err != nil {
		return nil, model.Wrap("create unit", u.Name, err)
	}

	h, err := p.backend.CreateUnit(ctx, spec)
	if err != nil {
		return nil, model.Wrap("create unit", u.Name, err)
	}
	p.log.Debug("Created unit", "unit", u.Name, "backend_name", spec.Name, "image", spec.Image)

	if len(u.Overlay) > 0 {
		if err := p.backend.InjectFiles(ctx, h, u.Overlay); err != nil {
			return nil, model.Wrap("inject files", u.Name, err)
		}
	}
	if len(u.Shutdown) > 0 {
		archive, err := overlay.FromFiles(overlay.File{
			Path:    ShutdownScript,
			Content: []byte(shutdownFile(u.Shutdown)),
			Mode:    0o755,
		})
		if err != nil {
			return nil, model.Wrap("build shutdown script", u.Name, err)
		}
		if err := p.backend.InjectFiles(ctx, h, archive); err != nil {
			return nil, model.Wrap("inject shutdown script", u.Name, err)
		}
	}

	if err := p.backend.StartUnit(ctx, h); err != nil {
		return nil, model.Wrap("start unit", u.Name, err)
	}
	h.Running = true

	// Attachments run one at a time in interface order. Backends that
	// cannot name interfaces number them in this order.
	if len(spec.Networks) > 1 {
		for _, a := range spec.Networks[1:] {
			if err := p.backend.AttachUnitToNetwork(ctx, h, a); err != nil {
				return nil, model.Wrap("attach unit", fmt.Sprintf("%s eth%d", u.Name, a.Interface), err)
			}
		}
	}
	for _, a := range spec.Networks {
		if !slices.Contains(h.Networks, a.Network.Name) {
			h.Networks = append(h.Networks, a.Network.Name)
		}
	}

	// Detached: startup commands usually launch daemons that never exit.
	_, err = p.backend.ExecInUnit(ctx, h, backend.Exec{
		Cmd:    []string{spec.Shell, "-c", startupScript(u.Startup)},
		Detach: true,
	})
	if err != nil {
		p.log.Warn("Startup script not dispatched", "unit", u.Name, "error", model.NewError(model.ErrCommandFailed, "startup", u.Name, err))
	}

	p.log.Info("Deployed unit", "unit", u.Name, "interfaces", len(spec.Networks))
	return h, nil
}

// Delete runs the unit's shutdown script when the unit is running, then
// deletes it. A failing or non-zero shutdown script is logged and does not
// prevent deletion; a unit that is already gone counts as deleted.
func (p *UnitProvisioner) Delete(ctx context.Context, h *model.UnitHandle) error {
	if h.Running {
		shell := firstNonEmpty(h.Shell, p.cfg.Defaults.Shell)
		res, err := p.backend.ExecInUnit(ctx, h, backend.Exec{
			Cmd: []string{shell, "-c", shutdownInvocation(shell)},
		})
		if err == nil && res.ExitCode != 0 {
			err = fmt.Errorf("exit code %d: %s", res.ExitCode, res.Output)
		}
		if err != nil {
			p.log.Warn("Shutdown script failed", "unit", h.LogicalName, "error", model.NewError(model.ErrCommandFailed, "shutdown", h.LogicalName, err))
		}
	}

	err := p.backend.DeleteUnit(ctx, h)
	switch {
	case errors.Is(err, model.ErrNotFound):
		p.log.Warn("Unit already gone", "unit", h.LogicalName)
		return nil
	case err != nil:
		return model.Wrap("delete unit", h.LogicalName, err)
	}
	p.log.Info("Deleted unit", "unit", h.LogicalName, "lab_hash", h.LabHash)
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// backend.go implements backend.Backend on a Docker daemon. Units are
// containers and collision domains are user-defined bridge networks.
//
// Every object netlab creates carries the labels built by
// backend.BuildLabels, and all lookups filter on them server-side. No state
// is kept outside the daemon: a second netlab process, or the same one after
// a restart, rediscovers a deployed lab from its labels alone.
package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/strslice"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"github.com/docker/go-units"
	"golang.org/x/sync/singleflight"

	"github.com/mmr-tortoise/netlab/internal/backend"
	"github.com/mmr-tortoise/netlab/internal/model"
)

const (
	// Name is the engine identifier reported by Backend.Name.
	Name = "docker"

	// hostBridge is the daemon's default NAT network.
	hostBridge = "bridge"

	// ifnameOpt is the endpoint driver option that names the interface
	// inside the container. Without it the name depends on the order in
	// which the daemon plugs endpoints, which the API does not promise.
	// Setting it on every endpoint pins "eth<N>" to the network declared
	// for interface N.
	//
	// Engines before 28.0 ignore the option. On those, interface names follow
	// attachment order, which the unit provisioner keeps ascending.
	ifnameOpt = "com.docker.network.endpoint.ifname"

	// networkDriver is the driver of every collision domain. Collision
	// domains are created as internal bridges, so the daemon installs no
	// NAT rule and traffic between units never leaves the host.
	networkDriver = "bridge"
)

// Backend implements backend.Backend on a Docker daemon.
//
// A Backend is safe for concurrent use: the orchestrator creates units and
// networks from several goroutines at once. All methods translate daemon
// errors into the model error kinds through classify, so callers never
// inspect Docker SDK errors directly.
type Backend struct {
	// api is the subset of the Docker client the backend calls. Tests
	// substitute a fake.
	api engineAPI

	log *slog.Logger

	// pulls collapses concurrent pulls of the same image. Units of one lab
	// usually share an image, so a parallel deploy on a fresh host would
	// otherwise start one pull per unit.
	pulls singleflight.Group
}

var _ backend.Backend = (*Backend)(nil)

// New creates a Backend on top of c. A nil logger discards output.
func New(c *Client, logger *slog.Logger) *Backend {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Backend{api: c.inner, log: logger}
}

// Name returns "docker".
func (b *Backend) Name() string {
	return Name
}

// labelFilter converts a backend.Filter into Docker list filters.
func labelFilter(f backend.Filter) filters.Args {
	args := filters.NewArgs()
	for _, pair := range f.Pairs() {
		args.Add("label", pair)
	}
	return args
}

// FindUnits lists every container, running or not, that carries the
// filter's labels.
//
// Stopped containers are included because undeploy must remove them too.
// The logical unit name, lab hash and user are read back from the labels;
// Networks lists the backend names of every network the container is
// attached to, in lexical order.
func (b *Backend) FindUnits(ctx context.Context, f backend.Filter) ([]*model.UnitHandle, error) {
	containers, err := b.api.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: labelFilter(f),
	})
	if err != nil {
		return nil, classify("find units", f.LabHash, nil, err)
	}

	handles := make([]*model.UnitHandle, 0, len(containers))
	for _, c := range containers {
		h := backend.UnitHandleFromLabels(c.ID, containerName(c.Names), c.Labels)
		h.Running = c.State == "running"
		if c.NetworkSettings != nil {
			h.Networks = slices.Sorted(maps.Keys(c.NetworkSettings.Networks))
		}
		handles = append(handles, h)
	}
	return handles, nil
}

// containerName returns the primary name of a container without the
// leading slash the API adds.
func containerName(names []string) string {
	if len(names) == 0 {
		return ""
	}
	return strings.TrimPrefix(names[0], "/")
}

// FindNetworks lists the networks that carry the filter's labels.
func (b *Backend) FindNetworks(ctx context.Context, f backend.Filter) ([]*model.NetworkHandle, error) {
	nets, err := b.api.NetworkList(ctx, network.ListOptions{Filters: labelFilter(f)})
	if err != nil {
		return nil, classify("find networks", f.LabHash, nil, err)
	}

	handles := make([]*model.NetworkHandle, 0, len(nets))
	for _, n := range nets {
		handles = append(handles, backend.NetworkHandleFromLabels(n.ID, n.Name, n.Labels))
	}
	return handles, nil
}

// CreateNetwork creates an internal bridge network. A name collision is
// reported as model.ErrNetworkAlreadyExists.
//
// Collisions are expected: network names are derived from the user and the
// logical name only, so two labs of the same user that declare the same
// collision domain race for one name. The network provisioner resolves the
// collision by adopting the existing network.
func (b *Backend) CreateNetwork(ctx context.Context, spec backend.NetworkSpec) (*model.NetworkHandle, error) {
	ipv6 := spec.IPv6
	resp, err := b.api.NetworkCreate(ctx, spec.Name, network.CreateOptions{
		Driver:     networkDriver,
		Internal:   true,
		EnableIPv6: &ipv6,
		Labels:     spec.Labels,
	})
	if err != nil {
		return nil, classify("create network", spec.LogicalName, model.ErrNetworkAlreadyExists, err)
	}
	if resp.Warning != "" {
		b.log.Warn("Network created with warning", "network", spec.LogicalName, "warning", resp.Warning)
	}
	return backend.NetworkHandleFromLabels(resp.ID, spec.Name, spec.Labels), nil
}

// HostBridge returns the daemon's default bridge network. Units bridged to
// the host reach the outside world through it. It is never created or
// deleted by netlab, and its handle carries model.BridgeNetworkName as the
// logical name.
func (b *Backend) HostBridge(ctx context.Context) (*model.NetworkHandle, error) {
	n, err := b.api.NetworkInspect(ctx, hostBridge, network.InspectOptions{})
	if err != nil {
		return nil, classify("inspect network", hostBridge, nil, err)
	}
	return &model.NetworkHandle{
		ID:          n.ID,
		Name:        n.Name,
		LogicalName: model.BridgeNetworkName,
	}, nil
}

// AttachExternal is not supported: the bridge driver cannot enslave a
// host interface. The returned error wraps errors.ErrUnsupported; the
// network provisioner logs it as a warning and keeps the network, which then
// only connects the lab's own units.
func (b *Backend) AttachExternal(_ context.Context, n *model.NetworkHandle, link model.ExternalLink) error {
	return model.NewError(nil, "attach external", n.LogicalName,
		fmt.Errorf("%s on %s: %w", link, Name, errors.ErrUnsupported))
}

// CreateUnit creates a container, pulling its image first when the daemon
// does not have it. A name collision is reported as
// model.ErrUnitAlreadyExists.
//
// The container is created attached to the primary network only (the one
// of its lowest interface), or to no network at all. The remaining
// interfaces are attached after start by AttachUnitToNetwork, because the
// create call accepts a single endpoint. The returned handle lists the
// primary network so reference counting sees it before start.
func (b *Backend) CreateUnit(ctx context.Context, spec backend.UnitSpec) (*model.UnitHandle, error) {
	cfg, hostCfg, netCfg, err := containerConfig(spec)
	if err != nil {
		return nil, model.NewError(model.ErrValidation, "create unit", spec.LogicalName, err)
	}

	resp, err := b.api.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, spec.Name)
	if err != nil && isMissingImage(err) {
		if perr := b.pull(ctx, spec.Image); perr != nil {
			return nil, classify("pull image", spec.LogicalName, nil, perr)
		}
		resp, err = b.api.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, spec.Name)
	}
	if err != nil {
		return nil, classify("create unit", spec.LogicalName, model.ErrUnitAlreadyExists, err)
	}
	for _, w := range resp.Warnings {
		b.log.Warn("Container created with warning", "unit", spec.LogicalName, "warning", w)
	}

	h := backend.UnitHandleFromLabels(resp.ID, spec.Name, spec.Labels)
	if a, ok := spec.Primary(); ok {
		h.Networks = []string{a.Network.Name}
	}
	return h, nil
}

// isMissingImage reports whether a create failure is caused by an image
// absent from the daemon. The daemon reports it as a plain not-found error
// with no dedicated type, so the message is matched.
func isMissingImage(err error) bool {
	return strings.Contains(err.Error(), "No such image")
}

// pull fetches ref from its registry. Concurrent callers for the same
// reference share a single pull and its result.
func (b *Backend) pull(ctx context.Context, ref string) error {
	_, err, _ := b.pulls.Do(ref, func() (any, error) {
		b.log.Info("Pulling image", "image", ref)
		rc, err := b.api.ImagePull(ctx, ref, image.PullOptions{})
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		// The pull completes only once the progress stream is drained.
		_, err = io.Copy(io.Discard, rc)
		return nil, err
	})
	return err
}

// containerConfig translates a UnitSpec into the three create-time
// structures of the Docker API.
//
// Key decisions:
//   - Tty and OpenStdin keep the image's default shell alive, so images
//     whose entrypoint is a shell do not exit right after start.
//   - Env is sorted by key so the same spec always yields the same config.
//   - Memory accepts the human-readable sizes of docker run ("256m", "1g").
//   - A unit without interfaces gets network mode "none" instead of the
//     daemon's default bridge.
func containerConfig(spec backend.UnitSpec) (*container.Config, *container.HostConfig, *network.NetworkingConfig, error) {
	cfg := &container.Config{
		Image:     spec.Image,
		Hostname:  spec.Hostname,
		Labels:    spec.Labels,
		Tty:       true,
		OpenStdin: true,
	}
	for _, k := range slices.Sorted(maps.Keys(spec.Env)) {
		cfg.Env = append(cfg.Env, k+"="+spec.Env[k])
	}

	hostCfg := &container.HostConfig{
		Privileged: spec.Privileged,
		Sysctls:    spec.Sysctls,
	}
	if len(spec.Capabilities) > 0 {
		hostCfg.CapAdd = strslice.StrSlice(spec.Capabilities)
	}
	if spec.Memory != "" {
		mem, err := units.RAMInBytes(spec.Memory)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("memory %q: %w", spec.Memory, err)
		}
		hostCfg.Memory = mem
	}
	if spec.CPUs > 0 {
		hostCfg.NanoCPUs = int64(spec.CPUs * 1e9)
	}
	for _, m := range spec.Mounts {
		bind := m.Source + ":" + m.Target
		if m.ReadOnly {
			bind += ":ro"
		}
		hostCfg.Binds = append(hostCfg.Binds, bind)
	}

	if len(spec.Ports) > 0 {
		cfg.ExposedPorts = nat.PortSet{}
		hostCfg.PortBindings = nat.PortMap{}
		for _, p := range spec.Ports {
			guest, err := nat.NewPort(p.Protocol, fmt.Sprint(p.Guest))
			if err != nil {
				return nil, nil, nil, fmt.Errorf("port %s: %w", p, err)
			}
			cfg.ExposedPorts[guest] = struct{}{}
			hostCfg.PortBindings[guest] = append(hostCfg.PortBindings[guest], nat.PortBinding{
				HostPort: fmt.Sprint(p.Host),
			})
		}
	}

	netCfg := &network.NetworkingConfig{}
	if a, ok := spec.Primary(); ok {
		hostCfg.NetworkMode = container.NetworkMode(a.Network.Name)
		netCfg.EndpointsConfig = map[string]*network.EndpointSettings{
			a.Network.Name: endpoint(a),
		}
	} else {
		hostCfg.NetworkMode = "none"
	}
	return cfg, hostCfg, netCfg, nil
}

// endpoint returns the settings that name the interface "eth<N>" through
// the ifname driver option. Both create-time and hot-plug attachments use
// it, so the primary interface is named the same way as the others.
func endpoint(a backend.Attachment) *network.EndpointSettings {
	return &network.EndpointSettings{
		NetworkID:  a.Network.ID,
		DriverOpts: map[string]string{ifnameOpt: fmt.Sprintf("eth%d", a.Interface)},
	}
}

// InjectFiles copies a gzip-compressed tar archive to the container root.
// The daemon decompresses it.
//
// It is called between create and start, so files such as daemon
// configuration are in place before the entrypoint runs. Paths in the
// archive are relative to "/".
func (b *Backend) InjectFiles(ctx context.Context, h *model.UnitHandle, archive []byte) error {
	err := b.api.CopyToContainer(ctx, h.ID, "/", bytes.NewReader(archive), container.CopyToContainerOptions{})
	return classify("inject files", h.LogicalName, nil, err)
}

// StartUnit starts a created container.
func (b *Backend) StartUnit(ctx context.Context, h *model.UnitHandle) error {
	err := b.api.ContainerStart(ctx, h.ID, container.StartOptions{})
	return classify("start unit", h.LogicalName, nil, err)
}

// AttachUnitToNetwork connects a running container to a network under the
// interface name "eth<N>".
func (b *Backend) AttachUnitToNetwork(ctx context.Context, h *model.UnitHandle, a backend.Attachment) error {
	err := b.api.NetworkConnect(ctx, a.Network.ID, h.ID, endpoint(a))
	if err != nil {
		return classify("attach", h.LogicalName, nil,
			fmt.Errorf("eth%d to %s: %w", a.Interface, a.Network.LogicalName, err))
	}
	return nil
}

// ExecInUnit runs a command in a running container.
//
// An attached command blocks until it exits. Its stdout and stderr are
// demultiplexed from the attach stream into one buffer, interleaved, and
// the exit code is read back with an exec inspect once the stream closes.
//
// A detached command returns as soon as the daemon has started it, with an
// empty result. Startup scripts run detached because they commonly launch
// long-running daemons (routing suites, servers) that never exit, and an
// attached exec would then never return.
func (b *Backend) ExecInUnit(ctx context.Context, h *model.UnitHandle, cmd backend.Exec) (backend.ExecResult, error) {
	created, err := b.api.ContainerExecCreate(ctx, h.ID, container.ExecOptions{
		Cmd:          cmd.Cmd,
		Detach:       cmd.Detach,
		AttachStdout: !cmd.Detach,
		AttachStderr: !cmd.Detach,
	})
	if err != nil {
		return backend.ExecResult{}, classify("exec", h.LogicalName, nil, err)
	}

	if cmd.Detach {
		err := b.api.ContainerExecStart(ctx, created.ID, container.ExecStartOptions{Detach: true})
		return backend.ExecResult{}, classify("exec", h.LogicalName, nil, err)
	}

	resp, err := b.api.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return backend.ExecResult{}, classify("exec", h.LogicalName, nil, err)
	}
	defer resp.Close()

	var out bytes.Buffer
	if _, err := stdcopy.StdCopy(&out, &out, resp.Reader); err != nil {
		return backend.ExecResult{}, model.NewError(nil, "exec", h.LogicalName, err)
	}

	info, err := b.api.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return backend.ExecResult{}, classify("exec", h.LogicalName, nil, err)
	}
	return backend.ExecResult{ExitCode: info.ExitCode, Output: out.String()}, nil
}

// DeleteUnit force-removes a container and its anonymous volumes. Force
// kills a running container without a stop timeout: shutdown commands have
// already run by the time DeleteUnit is called.
func (b *Backend) DeleteUnit(ctx context.Context, h *model.UnitHandle) error {
	err := b.api.ContainerRemove(ctx, h.ID, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	})
	return classify("delete unit", h.LogicalName, nil, err)
}

// DeleteNetwork removes a network. A network with attached containers is
// reported as model.ErrResourceInUse.
//
// Containers of another lab may still be attached when networks are shared
// between labs through an adopted name. The daemon refuses the removal in
// that case, and the network provisioner treats the refusal as a skip.
func (b *Backend) DeleteNetwork(ctx context.Context, n *model.NetworkHandle) error {
	return classifyNetworkRemove(n.LogicalName, b.api.NetworkRemove(ctx, n.ID))
}

// Close closes the daemon connection.
func (b *Backend) Close() error {
	return b.api.Close()
}

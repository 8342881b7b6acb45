package docker

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"strings"
	"sync"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// createCall records the arguments of one ContainerCreate call.
type createCall struct {
	config  *container.Config
	host    *container.HostConfig
	network *network.NetworkingConfig
	name    string
}

// fakeEngine is an engineAPI that records calls and returns canned
// responses. Fields are set by each test before use.
type fakeEngine struct {
	mu sync.Mutex

	containers []container.Summary
	networks   []network.Summary

	creates    []createCall
	connects   []*network.EndpointSettings
	netCreates map[string]network.CreateOptions
	removed    []string
	pulled     []string
	copied     map[string][]byte

	// missingImage makes the first ContainerCreate fail as if the image
	// were absent.
	missingImage bool

	createErr    error
	netCreateErr error
	netRemoveErr error
	listErr      error

	execOutput   string
	execExitCode int
	execDetached bool
}

var _ engineAPI = (*fakeEngine)(nil)

func (f *fakeEngine) Ping(context.Context) (types.Ping, error) {
	return types.Ping{}, f.listErr
}

func (f *fakeEngine) ContainerList(_ context.Context, opts container.ListOptions) ([]container.Summary, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []container.Summary
	for _, c := range f.containers {
		if matchLabels(opts.Filters.Get("label"), c.Labels) {
			out = append(out, c)
		}
	}
	return out, nil
}

func matchLabels(pairs []string, labels map[string]string) bool {
	for _, p := range pairs {
		k, v, _ := strings.Cut(p, "=")
		if labels[k] != v {
			return false
		}
	}
	return true
}

func (f *fakeEngine) ContainerCreate(_ context.Context, cfg *container.Config, host *container.HostConfig,
	netCfg *network.NetworkingConfig, _ *ocispec.Platform, name string) (container.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.missingImage {
		f.missingImage = false
		return container.CreateResponse{}, cerrdefs.ErrNotFound.WithMessage("No such image: " + cfg.Image)
	}
	if f.createErr != nil {
		return container.CreateResponse{}, f.createErr
	}
	f.creates = append(f.creates, createCall{config: cfg, host: host, network: netCfg, name: name})
	return container.CreateResponse{ID: "id-" + name}, nil
}

func (f *fakeEngine) ContainerStart(context.Context, string, container.StartOptions) error {
	return nil
}

func (f *fakeEngine) ContainerRemove(_ context.Context, id string, opts container.RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !opts.Force {
		return cerrdefs.ErrConflict.WithMessage("container is running")
	}
	for _, c := range f.containers {
		if c.ID == id {
			f.removed = append(f.removed, id)
			return nil
		}
	}
	return cerrdefs.ErrNotFound.WithMessage("No such container: " + id)
}

func (f *fakeEngine) CopyToContainer(_ context.Context, id, dst string, content io.Reader, _ container.CopyToContainerOptions) error {
	data, err := io.ReadAll(content)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.copied == nil {
		f.copied = map[string][]byte{}
	}
	f.copied[id+":"+dst] = data
	return nil
}

func (f *fakeEngine) ContainerExecCreate(_ context.Context, _ string, opts container.ExecOptions) (container.ExecCreateResponse, error) {
	return container.ExecCreateResponse{ID: "exec-" + strings.Join(opts.Cmd, " ")}, nil
}

func (f *fakeEngine) ContainerExecStart(_ context.Context, _ string, cfg container.ExecStartOptions) error {
	f.execDetached = cfg.Detach
	return nil
}

func (f *fakeEngine) ContainerExecAttach(context.Context, string, container.ExecAttachOptions) (types.HijackedResponse, error) {
	var buf bytes.Buffer
	w := stdcopy.NewStdWriter(&buf, stdcopy.Stdout)
	if _, err := w.Write([]byte(f.execOutput)); err != nil {
		return types.HijackedResponse{}, err
	}
	conn, peer := net.Pipe()
	peer.Close()
	return types.HijackedResponse{Conn: conn, Reader: bufio.NewReader(&buf)}, nil
}

func (f *fakeEngine) ContainerExecInspect(context.Context, string) (container.ExecInspect, error) {
	return container.ExecInspect{ExitCode: f.execExitCode}, nil
}

func (f *fakeEngine) ImagePull(_ context.Context, ref string, _ image.PullOptions) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulled = append(f.pulled, ref)
	return io.NopCloser(strings.NewReader(`{"status":"Downloaded"}`)), nil
}

func (f *fakeEngine) NetworkList(_ context.Context, opts network.ListOptions) ([]network.Summary, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []network.Summary
	for _, n := range f.networks {
		if matchLabels(opts.Filters.Get("label"), n.Labels) {
			out = append(out, n)
		}
	}
	return out, nil
}

func (f *fakeEngine) NetworkInspect(_ context.Context, id string, _ network.InspectOptions) (network.Inspect, error) {
	if id == hostBridge {
		return network.Inspect{ID: "bridge-id", Name: hostBridge}, nil
	}
	return network.Inspect{}, cerrdefs.ErrNotFound.WithMessage("network " + id + " not found")
}

func (f *fakeEngine) NetworkCreate(_ context.Context, name string, opts network.CreateOptions) (network.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.netCreateErr != nil {
		return network.CreateResponse{}, f.netCreateErr
	}
	if f.netCreates == nil {
		f.netCreates = map[string]network.CreateOptions{}
	}
	f.netCreates[name] = opts
	return network.CreateResponse{ID: "net-" + name}, nil
}

func (f *fakeEngine) NetworkConnect(_ context.Context, _, _ string, cfg *network.EndpointSettings) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects = append(f.connects, cfg)
	return nil
}

func (f *fakeEngine) NetworkRemove(context.Context, string) error {
	return f.netRemoveErr
}

func (f *fakeEngine) Close() error {
	return nil
}

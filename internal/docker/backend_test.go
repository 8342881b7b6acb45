package docker

import (
	"context"
	"errors"
	"testing"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmr-tortoise/netlab/internal/backend"
	"github.com/mmr-tortoise/netlab/internal/model"
)

func newTestBackend(f *fakeEngine) *Backend {
	return New(&Client{inner: f}, nil)
}

func testNetwork(name string) *model.NetworkHandle {
	return &model.NetworkHandle{ID: "net-" + name, Name: name, LogicalName: name}
}

func TestCreateUnit_TranslatesSpec(t *testing.T) {
	// Arrange
	f := &fakeEngine{}
	b := newTestBackend(f)
	spec := backend.UnitSpec{
		Name:         "netlab_alice_r1",
		LogicalName:  "r1",
		Hostname:     "r1",
		Labels:       backend.BuildLabels("hash", "r1", "alice"),
		Image:        "frr:latest",
		Memory:       "256m",
		CPUs:         1.5,
		Ports:        []model.PortMapping{{Host: 8080, Guest: 80, Protocol: "tcp"}},
		Sysctls:      map[string]string{"net.ipv4.ip_forward": "1"},
		Env:          map[string]string{"B": "2", "A": "1"},
		Capabilities: []string{"NET_ADMIN"},
		Mounts:       []backend.Mount{{Source: "/src", Target: "/shared", ReadOnly: true}},
		Networks: []backend.Attachment{
			{Network: testNetwork("netlab_alice_A"), Interface: 0},
			{Network: testNetwork("netlab_alice_B"), Interface: 1},
		},
	}

	// Act
	h, err := b.CreateUnit(context.Background(), spec)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, "id-netlab_alice_r1", h.ID)
	assert.Equal(t, "r1", h.LogicalName)
	assert.Equal(t, []string{"netlab_alice_A"}, h.Networks)

	require.Len(t, f.creates, 1)
	call := f.creates[0]
	assert.Equal(t, "netlab_alice_r1", call.name)
	assert.Equal(t, "frr:latest", call.config.Image)
	assert.Equal(t, []string{"A=1", "B=2"}, call.config.Env)
	assert.Equal(t, int64(256*1024*1024), call.host.Memory)
	assert.Equal(t, int64(1_500_000_000), call.host.NanoCPUs)
	assert.Equal(t, []string{"NET_ADMIN"}, []string(call.host.CapAdd))
	assert.Equal(t, []string{"/src:/shared:ro"}, call.host.Binds)
	assert.Equal(t, "1", call.host.Sysctls["net.ipv4.ip_forward"])

	port := nat.Port("80/tcp")
	assert.Contains(t, call.config.ExposedPorts, port)
	assert.Equal(t, []nat.PortBinding{{HostPort: "8080"}}, call.host.PortBindings[port])

	// Only the primary network is wired at creation, named eth0.
	assert.Equal(t, container.NetworkMode("netlab_alice_A"), call.host.NetworkMode)
	require.Len(t, call.network.EndpointsConfig, 1)
	assert.Equal(t, "eth0", call.network.EndpointsConfig["netlab_alice_A"].DriverOpts[ifnameOpt])
}

func TestCreateUnit_NoNetworks(t *testing.T) {
	// Arrange
	f := &fakeEngine{}
	b := newTestBackend(f)

	// Act
	_, err := b.CreateUnit(context.Background(), backend.UnitSpec{Name: "u", LogicalName: "u", Image: "debian"})

	// Assert
	require.NoError(t, err)
	assert.Equal(t, container.NetworkMode("none"), f.creates[0].host.NetworkMode)
	assert.Empty(t, f.creates[0].network.EndpointsConfig)
}

func TestCreateUnit_Errors(t *testing.T) {
	tests := []struct {
		name      string
		engine    *fakeEngine
		spec      backend.UnitSpec
		wantKind  error
		wantPulls []string
	}{
		{
			name:     "name collision",
			engine:   &fakeEngine{createErr: cerrdefs.ErrConflict.WithMessage("name already in use")},
			spec:     backend.UnitSpec{Name: "u", LogicalName: "u", Image: "debian"},
			wantKind: model.ErrUnitAlreadyExists,
		},
		{
			name:     "invalid memory",
			engine:   &fakeEngine{},
			spec:     backend.UnitSpec{Name: "u", LogicalName: "u", Image: "debian", Memory: "lots"},
			wantKind: model.ErrValidation,
		},
		{
			name:      "missing image is pulled",
			engine:    &fakeEngine{missingImage: true},
			spec:      backend.UnitSpec{Name: "u", LogicalName: "u", Image: "debian"},
			wantPulls: []string{"debian"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Arrange
			b := newTestBackend(tt.engine)

			// Act
			_, err := b.CreateUnit(context.Background(), tt.spec)

			// Assert
			if tt.wantKind != nil {
				require.ErrorIs(t, err, tt.wantKind)
				assert.Contains(t, err.Error(), "u")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantPulls, tt.engine.pulled)
		})
	}
}

func TestFindUnits(t *testing.T) {
	// Arrange
	mine := backend.BuildLabels("hash", "r1", "alice")
	other := backend.BuildLabels("other", "r1", "alice")
	f := &fakeEngine{containers: []container.Summary{
		{
			ID:     "c1",
			Names:  []string{"/netlab_alice_r1"},
			Labels: mine,
			State:  "running",
			NetworkSettings: &container.NetworkSettingsSummary{Networks: map[string]*network.EndpointSettings{
				"netlab_alice_B": {}, "netlab_alice_A": {},
			}},
		},
		{ID: "c2", Names: []string{"/netlab_alice_r1x"}, Labels: other, State: "exited"},
	}}
	b := newTestBackend(f)

	// Act
	units, err := b.FindUnits(context.Background(), backend.Filter{LabHash: "hash", User: "alice"})

	// Assert
	require.NoError(t, err)
	require.Len(t, units, 1)
	assert.Equal(t, "c1", units[0].ID)
	assert.Equal(t, "netlab_alice_r1", units[0].Name)
	assert.Equal(t, "r1", units[0].LogicalName)
	assert.True(t, units[0].Running)
	assert.Equal(t, []string{"netlab_alice_A", "netlab_alice_B"}, units[0].Networks)
}

func TestCreateNetwork(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantKind error
	}{
		{name: "created"},
		{name: "collision", err: cerrdefs.ErrConflict.WithMessage("network exists"), wantKind: model.ErrNetworkAlreadyExists},
		{name: "daemon down", err: errors.New("boom"), wantKind: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Arrange
			f := &fakeEngine{netCreateErr: tt.err}
			b := newTestBackend(f)
			spec := backend.NetworkSpec{
				Name:        "netlab_alice_A",
				LogicalName: "A",
				Labels:      backend.BuildLabels("hash", "A", "alice"),
				IPv6:        true,
			}

			// Act
			h, err := b.CreateNetwork(context.Background(), spec)

			// Assert
			if tt.err != nil {
				require.Error(t, err)
				if tt.wantKind != nil {
					assert.ErrorIs(t, err, tt.wantKind)
				}
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "net-netlab_alice_A", h.ID)
			assert.Equal(t, "A", h.LogicalName)
			opts := f.netCreates["netlab_alice_A"]
			assert.True(t, opts.Internal)
			require.NotNil(t, opts.EnableIPv6)
			assert.True(t, *opts.EnableIPv6)
		})
	}
}

func TestDeleteNetwork_Classification(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantKind error
	}{
		{name: "removed"},
		{name: "active endpoints", err: cerrdefs.ErrPermissionDenied.WithMessage("error while removing network: network A has active endpoints"), wantKind: model.ErrResourceInUse},
		{name: "already gone", err: cerrdefs.ErrNotFound.WithMessage("network A not found"), wantKind: model.ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Arrange
			b := newTestBackend(&fakeEngine{netRemoveErr: tt.err})

			// Act
			err := b.DeleteNetwork(context.Background(), testNetwork("A"))

			// Assert
			if tt.wantKind == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantKind)
		})
	}
}

func TestHostBridge(t *testing.T) {
	// Arrange
	b := newTestBackend(&fakeEngine{})

	// Act
	h, err := b.HostBridge(context.Background())

	// Assert
	require.NoError(t, err)
	assert.Equal(t, "bridge", h.Name)
	assert.Equal(t, model.BridgeNetworkName, h.LogicalName)
}

func TestAttachExternal_Unsupported(t *testing.T) {
	// Arrange
	b := newTestBackend(&fakeEngine{})

	// Act
	err := b.AttachExternal(context.Background(), testNetwork("A"), model.ExternalLink{Interface: "eth1", VLAN: 10})

	// Assert
	assert.ErrorIs(t, err, errors.ErrUnsupported)
	assert.Contains(t, err.Error(), "eth1.10")
}

func TestAttachUnitToNetwork_NamesInterface(t *testing.T) {
	// Arrange
	f := &fakeEngine{}
	b := newTestBackend(f)
	h := &model.UnitHandle{ID: "c1", LogicalName: "r1"}

	// Act
	err := b.AttachUnitToNetwork(context.Background(), h, backend.Attachment{Network: testNetwork("B"), Interface: 3})

	// Assert
	require.NoError(t, err)
	require.Len(t, f.connects, 1)
	assert.Equal(t, "eth3", f.connects[0].DriverOpts[ifnameOpt])
}

func TestExecInUnit(t *testing.T) {
	t.Run("attached collects output and exit code", func(t *testing.T) {
		// Arrange
		f := &fakeEngine{execOutput: "bye\n", execExitCode: 2}
		b := newTestBackend(f)

		// Act
		res, err := b.ExecInUnit(context.Background(), &model.UnitHandle{ID: "c1"}, backend.Exec{Cmd: []string{"sh", "-c", "exit 2"}})

		// Assert
		require.NoError(t, err)
		assert.Equal(t, 2, res.ExitCode)
		assert.Equal(t, "bye\n", res.Output)
	})

	t.Run("detached returns immediately", func(t *testing.T) {
		// Arrange
		f := &fakeEngine{}
		b := newTestBackend(f)

		// Act
		res, err := b.ExecInUnit(context.Background(), &model.UnitHandle{ID: "c1"}, backend.Exec{Cmd: []string{"true"}, Detach: true})

		// Assert
		require.NoError(t, err)
		assert.True(t, f.execDetached)
		assert.Equal(t, backend.ExecResult{}, res)
	})
}

func TestDeleteUnit(t *testing.T) {
	// Arrange
	f := &fakeEngine{containers: []container.Summary{{ID: "c1"}}}
	b := newTestBackend(f)

	// Act
	err := b.DeleteUnit(context.Background(), &model.UnitHandle{ID: "c1", LogicalName: "r1"})
	missing := b.DeleteUnit(context.Background(), &model.UnitHandle{ID: "c9", LogicalName: "r9"})

	// Assert
	require.NoError(t, err)
	assert.Equal(t, []string{"c1"}, f.removed)
	assert.ErrorIs(t, missing, model.ErrNotFound)
	assert.Contains(t, missing.Error(), "r9")
}

func TestInjectFiles(t *testing.T) {
	// Arrange
	f := &fakeEngine{}
	b := newTestBackend(f)

	// Act
	err := b.InjectFiles(context.Background(), &model.UnitHandle{ID: "c1"}, []byte("archive"))

	// Assert
	require.NoError(t, err)
	assert.Equal(t, []byte("archive"), f.copied["c1:/"])
}

package kube

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	dynamicfake "k8s.io/client-go/dynamic/fake"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"

	"github.com/mmr-tortoise/netlab/internal/backend"
	"github.com/mmr-tortoise/netlab/internal/model"
)

const testLabHash = "V4e3DvvH09OI3Gafh29f9Q"

// execRecorder is an execFunc that records commands and answers with a
// fixed result.
type execRecorder struct {
	mu    sync.Mutex
	calls [][]string
	out   string
	code  int
}

func (r *execRecorder) exec(_ context.Context, _, _ string, cmd []string) (string, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, cmd)
	return r.out, r.code, nil
}

type testEnv struct {
	backend   *Backend
	clientset *fake.Clientset
	dyn       *dynamicfake.FakeDynamicClient
	exec      *execRecorder
}

// newTestEnv returns a backend on fake clients. Pods report Running as soon
// as they are created.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	clientset := fake.NewSimpleClientset()
	clientset.PrependReactor("create", "pods", func(action k8stesting.Action) (bool, runtime.Object, error) {
		pod := action.(k8stesting.CreateAction).GetObject().(*corev1.Pod)
		pod.Status.Phase = corev1.PodRunning
		return false, nil, nil
	})
	dyn := dynamicfake.NewSimpleDynamicClientWithCustomListKinds(runtime.NewScheme(),
		map[schema.GroupVersionResource]string{nadGVR: "NetworkAttachmentDefinitionList"})
	rec := &execRecorder{}
	b := newBackend(clientset, dyn, rec.exec, Config{NamespacePrefix: "netlab-"}, nil)
	return &testEnv{backend: b, clientset: clientset, dyn: dyn, exec: rec}
}

func (e *testEnv) createNetwork(t *testing.T, logical string) *model.NetworkHandle {
	t.Helper()
	h, err := e.backend.CreateNetwork(context.Background(), backend.NetworkSpec{
		Name:        "netlab_alice_" + logical,
		LogicalName: logical,
		Labels:      backend.BuildLabels(testLabHash, logical, "alice"),
	})
	require.NoError(t, err)
	return h
}

func unitSpec(logical string, nets ...*model.NetworkHandle) backend.UnitSpec {
	labels := backend.BuildLabels(testLabHash, logical, "alice")
	labels[backend.LabelShell] = "/bin/bash"
	spec := backend.UnitSpec{
		Name:        "netlab_alice_" + logical,
		LogicalName: logical,
		Hostname:    logical,
		Labels:      labels,
		Image:       "debian:stable-slim",
		Memory:      "128m",
		Sysctls:     map[string]string{"net.ipv4.ip_forward": "1"},
	}
	for i, n := range nets {
		spec.Networks = append(spec.Networks, backend.Attachment{Network: n, Interface: i})
	}
	return spec
}

func TestCreateNetwork(t *testing.T) {
	// Arrange
	env := newTestEnv(t)
	ctx := context.Background()

	// Act
	h := env.createNetwork(t, "A")
	_, dupErr := env.backend.CreateNetwork(ctx, backend.NetworkSpec{
		Name:        "netlab_alice_A",
		LogicalName: "A",
		Labels:      backend.BuildLabels(testLabHash, "A", "alice"),
	})

	// Assert
	assert.Equal(t, "netlab_alice_A", h.Name)
	assert.Equal(t, "netlab-v4e3dvvh09oi3gafh29f9q/"+objectName("netlab_alice_A"), h.ID)
	assert.ErrorIs(t, dupErr, model.ErrNetworkAlreadyExists)

	_, err := env.clientset.CoreV1().Namespaces().Get(ctx, "netlab-v4e3dvvh09oi3gafh29f9q", metav1.GetOptions{})
	require.NoError(t, err, "lab namespace should be created")

	nad, err := env.dyn.Resource(nadGVR).Namespace("netlab-v4e3dvvh09oi3gafh29f9q").
		Get(ctx, objectName("netlab_alice_A"), metav1.GetOptions{})
	require.NoError(t, err)
	config, _, err := unstructured.NestedString(nad.Object, "spec", "config")
	require.NoError(t, err)
	var cni cniConfig
	require.NoError(t, json.Unmarshal([]byte(config), &cni))
	assert.Equal(t, "bridge", cni.Type)
	assert.LessOrEqual(t, len(cni.Bridge), 15)

	found, err := env.backend.FindNetworks(ctx, backend.Filter{LabHash: testLabHash, User: "alice"})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "netlab_alice_A", found[0].Name)
	assert.Equal(t, "A", found[0].LogicalName)
}

func TestUnitLifecycle(t *testing.T) {
	// Arrange
	env := newTestEnv(t)
	ctx := context.Background()
	a := env.createNetwork(t, "A")
	bNet := env.createNetwork(t, "B")
	bridge, err := env.backend.HostBridge(ctx)
	require.NoError(t, err)
	spec := unitSpec("r1", a, bNet)
	spec.Networks = append(spec.Networks, backend.Attachment{Network: bridge, Interface: 2})

	// Act
	h, err := env.backend.CreateUnit(ctx, spec)
	require.NoError(t, err)
	require.NoError(t, env.backend.InjectFiles(ctx, h, []byte("archive")))
	require.NoError(t, env.backend.StartUnit(ctx, h))

	// Assert: every attachment is wired at creation.
	for _, att := range spec.Networks {
		assert.NoError(t, env.backend.AttachUnitToNetwork(ctx, h, att))
	}

	ns, name, err := splitID(h.ID)
	require.NoError(t, err)
	pod, err := env.clientset.CoreV1().Pods(ns).Get(ctx, name, metav1.GetOptions{})
	require.NoError(t, err)

	var nets []multusNetwork
	require.NoError(t, json.Unmarshal([]byte(pod.Annotations[multusAnnotation]), &nets))
	require.Len(t, nets, 2, "the host bridge is the cluster network, not a Multus attachment")
	assert.Equal(t, "net0", nets[0].Interface)
	assert.Equal(t, "net1", nets[1].Interface)
	assert.Equal(t, "/bin/bash", pod.Annotations[annotationPrefix+backend.LabelShell])
	assert.NotContains(t, pod.Labels, backend.LabelShell)
	assert.Equal(t, "r1", pod.Spec.Hostname)
	assert.Equal(t, "128Mi", pod.Spec.Containers[0].Resources.Limits.Memory().String())

	_, err = env.clientset.CoreV1().ConfigMaps(ns).Get(ctx, name+filesSuffix, metav1.GetOptions{})
	assert.NoError(t, err, "archives should be stored in a ConfigMap")

	require.Len(t, env.exec.calls, 1)
	script := env.exec.calls[0][2]
	assert.Contains(t, script, "tar -xzf")
	assert.Contains(t, script, "sysctl -qw net.ipv4.ip_forward=1")

	units, err := env.backend.FindUnits(ctx, backend.Filter{LabHash: testLabHash, User: "alice"})
	require.NoError(t, err)
	require.Len(t, units, 1)
	assert.Equal(t, "netlab_alice_r1", units[0].Name)
	assert.Equal(t, "/bin/bash", units[0].Shell)
	assert.True(t, units[0].Running)
	assert.Equal(t, []string{"netlab_alice_A", "netlab_alice_B"}, units[0].Networks)
}

func TestCreateUnit_AlreadyExists(t *testing.T) {
	// Arrange
	env := newTestEnv(t)
	ctx := context.Background()
	h, err := env.backend.CreateUnit(ctx, unitSpec("r1"))
	require.NoError(t, err)
	require.NoError(t, env.backend.StartUnit(ctx, h))

	// Act
	_, err = env.backend.CreateUnit(ctx, unitSpec("r1"))

	// Assert
	require.ErrorIs(t, err, model.ErrUnitAlreadyExists)
	assert.Contains(t, err.Error(), "r1")
}

func TestAttachUnitToNetwork_AfterStartUnsupported(t *testing.T) {
	// Arrange
	env := newTestEnv(t)
	ctx := context.Background()
	h, err := env.backend.CreateUnit(ctx, unitSpec("r1"))
	require.NoError(t, err)
	late := env.createNetwork(t, "C")

	// Act
	err = env.backend.AttachUnitToNetwork(ctx, h, backend.Attachment{Network: late, Interface: 0})

	// Assert
	assert.ErrorIs(t, err, errors.ErrUnsupported)
}

func TestDeleteNetwork_InUseUntilUnitDeleted(t *testing.T) {
	// Arrange
	env := newTestEnv(t)
	ctx := context.Background()
	a := env.createNetwork(t, "A")
	h, err := env.backend.CreateUnit(ctx, unitSpec("r1", a))
	require.NoError(t, err)
	require.NoError(t, env.backend.StartUnit(ctx, h))

	// Act
	inUse := env.backend.DeleteNetwork(ctx, a)
	require.NoError(t, env.backend.DeleteUnit(ctx, h))
	deleted := env.backend.DeleteNetwork(ctx, a)

	// Assert
	assert.ErrorIs(t, inUse, model.ErrResourceInUse)
	assert.NoError(t, deleted)

	_, err = env.clientset.CoreV1().Namespaces().Get(ctx, "netlab-v4e3dvvh09oi3gafh29f9q", metav1.GetOptions{})
	assert.Error(t, err, "empty lab namespace should be deleted")
}

func TestDeleteUnit_NotFound(t *testing.T) {
	// Arrange
	env := newTestEnv(t)

	// Act
	err := env.backend.DeleteUnit(context.Background(), &model.UnitHandle{ID: "ns/missing", LogicalName: "ghost"})

	// Assert
	require.ErrorIs(t, err, model.ErrNotFound)
	assert.Contains(t, err.Error(), "ghost")
}

func TestDeleteUnit_StagedOnly(t *testing.T) {
	// Arrange
	env := newTestEnv(t)
	ctx := context.Background()
	h, err := env.backend.CreateUnit(ctx, unitSpec("r1"))
	require.NoError(t, err)

	// Act
	err = env.backend.DeleteUnit(ctx, h)

	// Assert
	require.NoError(t, err)
	assert.Error(t, env.backend.StartUnit(ctx, h), "a forgotten unit cannot be started")
}

func TestExecInUnit(t *testing.T) {
	tests := []struct {
		name     string
		cmd      backend.Exec
		wantArgv []string
		wantRes  backend.ExecResult
	}{
		{
			name:     "attached",
			cmd:      backend.Exec{Cmd: []string{"/bin/bash", "-c", "exit 3"}},
			wantArgv: []string{"/bin/bash", "-c", "exit 3"},
			wantRes:  backend.ExecResult{ExitCode: 3, Output: "out"},
		},
		{
			name:     "detached",
			cmd:      backend.Exec{Cmd: []string{"/bin/bash", "-c", "sleep 1"}, Detach: true},
			wantArgv: []string{"sh", "-c", `nohup "$0" "$@" >/dev/null 2>&1 &`, "/bin/bash", "-c", "sleep 1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Arrange
			env := newTestEnv(t)
			env.exec.out, env.exec.code = "out", 3

			// Act
			res, err := env.backend.ExecInUnit(context.Background(), &model.UnitHandle{ID: "ns/pod"}, tt.cmd)

			// Assert
			require.NoError(t, err)
			assert.Equal(t, tt.wantRes, res)
			require.Len(t, env.exec.calls, 1)
			assert.Equal(t, tt.wantArgv, env.exec.calls[0])
		})
	}
}

func TestSetupScript(t *testing.T) {
	// Act
	script := setupScript(false, map[string]string{"b.x": "1", "a.y": "0"})

	// Assert
	lines := strings.Split(script, "\n")
	assert.Equal(t, []string{"sysctl -qw a.y=0 || true", "sysctl -qw b.x=1 || true"}, lines)
	assert.Empty(t, setupScript(false, nil))
}

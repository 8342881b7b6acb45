// backend.go implements backend.Backend on a Kubernetes cluster with the
// Multus CNI meta-plugin installed.
//
// The unit lifecycle the orchestrator drives (create, inject files, start,
// attach further networks, exec) assumes an engine like Docker, where a
// container exists before it runs and can gain interfaces while running.
// Pods have neither property, so this adapter reshapes the lifecycle:
//   - CreateUnit only builds the pod in memory, with every network of the
//     unit already listed in its Multus annotation.
//   - InjectFiles queues archives on the staged pod.
//   - StartUnit stores the archives in a ConfigMap, submits the pod, waits
//     for it to run and unpacks the archives inside it.
//   - AttachUnitToNetwork accepts the networks wired at creation and
//     rejects any other.
//
// Staged pods live only in this process. A deploy interrupted between
// create and start leaves nothing on the cluster.
package kube

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/docker/go-units"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"

	"github.com/mmr-tortoise/netlab/internal/backend"
	"github.com/mmr-tortoise/netlab/internal/model"
)

const (
	// Name is the engine identifier reported by Backend.Name.
	Name = "kubernetes"

	// unitContainer is the name of the single container of a unit pod.
	unitContainer = "unit"

	// filesDir is where injected archives are mounted before extraction.
	filesDir = "/netlab/files"

	// filesSuffix names the ConfigMap holding a unit's archives.
	filesSuffix = "-files"

	// podNetwork is the name reported for the cluster network, which
	// stands in for the host bridge.
	podNetwork = "default"

	annotationPrefix   = "netlab.io/"
	annotationName     = annotationPrefix + "name"
	annotationNetworks = annotationPrefix + "networks"

	// multusAnnotation lists the secondary networks of a pod.
	multusAnnotation = "k8s.v1.cni.cncf.io/networks"
)

// nadGVR is the Multus NetworkAttachmentDefinition resource.
var nadGVR = schema.GroupVersionResource{
	Group:    "k8s.cni.cncf.io",
	Version:  "v1",
	Resource: "network-attachment-definitions",
}

// annotatedLabels are kept as annotations: their values (paths, comma
// lists) are not valid label values.
var annotatedLabels = []string{backend.LabelShell, backend.LabelExternal}

// multusNetwork is one entry of the Multus networks annotation.
type multusNetwork struct {
	Name      string `json:"name"`
	Namespace string `json:"namespace"`
	Interface string `json:"interface"`
}

// cniConfig is the bridge plugin configuration embedded in a
// NetworkAttachmentDefinition.
type cniConfig struct {
	CNIVersion string         `json:"cniVersion"`
	Name       string         `json:"name"`
	Type       string         `json:"type"`
	Bridge     string         `json:"bridge"`
	IPAM       map[string]any `json:"ipam"`
}

// stagedUnit is a unit created but not yet submitted to the cluster.
// A pod cannot be stopped, so nothing reaches the API server before
// StartUnit.
//
// Files injected before start cannot be copied into a pod that does not
// exist yet; they accumulate in archives and are applied in order once the
// pod runs. sysctls are applied at the same time, since most of the
// settings units need are not in the set the kubelet allows by default.
type stagedUnit struct {
	pod      *corev1.Pod
	sysctls  map[string]string
	archives [][]byte
}

// Backend implements backend.Backend on a Kubernetes cluster. Units are
// pods and networks are Multus NetworkAttachmentDefinitions backed by the
// bridge CNI plugin. Each lab lives in its own namespace.
type Backend struct {
	clients kubernetes.Interface
	dyn     dynamic.Interface
	exec    execFunc
	cfg     Config
	log     *slog.Logger

	// mu guards staged. Units of one lab are created concurrently.
	mu sync.Mutex

	// staged holds pods between CreateUnit and StartUnit, keyed by unit ID.
	staged map[string]*stagedUnit
}

var _ backend.Backend = (*Backend)(nil)

// New connects to the cluster selected by cfg. A nil logger discards output.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Backend, error) {
	rc, clientset, dyn, err := connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return newBackend(clientset, dyn, spdyExec(rc, clientset), cfg, logger), nil
}

func newBackend(clientset kubernetes.Interface, dyn dynamic.Interface, exec execFunc, cfg Config, logger *slog.Logger) *Backend {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = defaultStartTimeout
	}
	return &Backend{
		clients: clientset,
		dyn:     dyn,
		exec:    exec,
		cfg:     cfg,
		log:     logger,
		staged:  make(map[string]*stagedUnit),
	}
}

// Name returns "kubernetes".
func (b *Backend) Name() string {
	return Name
}

// splitLabels separates the values that can be stored as labels from the
// ones that must become annotations.
func splitLabels(all map[string]string) (labels, annotations map[string]string) {
	labels = make(map[string]string, len(all))
	annotations = make(map[string]string)
	for k, v := range all {
		if slices.Contains(annotatedLabels, k) {
			annotations[annotationPrefix+k] = v
			continue
		}
		labels[k] = v
	}
	return labels, annotations
}

// joinLabels reverses splitLabels.
func joinLabels(labels, annotations map[string]string) map[string]string {
	all := maps.Clone(labels)
	if all == nil {
		all = make(map[string]string)
	}
	for _, k := range annotatedLabels {
		if v, ok := annotations[annotationPrefix+k]; ok {
			all[k] = v
		}
	}
	return all
}

// ensureNamespace creates the namespace of a lab if it does not exist.
func (b *Backend) ensureNamespace(ctx context.Context, labHash string) (string, error) {
	ns := namespaceName(b.cfg.NamespacePrefix, labHash)
	_, err := b.clients.CoreV1().Namespaces().Create(ctx, &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{
			Name: ns,
			Labels: map[string]string{
				backend.LabelApp:     backend.AppValue,
				backend.LabelLabHash: labHash,
			},
		},
	}, metav1.CreateOptions{})
	if err != nil && !apierrors.IsAlreadyExists(err) {
		return "", classify("create namespace", ns, nil, err)
	}
	return ns, nil
}

// FindUnits lists the pods that carry the filter's labels in every
// namespace.
func (b *Backend) FindUnits(ctx context.Context, f backend.Filter) ([]*model.UnitHandle, error) {
	pods, err := b.clients.CoreV1().Pods(metav1.NamespaceAll).List(ctx, metav1.ListOptions{LabelSelector: f.Selector()})
	if err != nil {
		return nil, classify("find units", f.LabHash, nil, err)
	}

	handles := make([]*model.UnitHandle, 0, len(pods.Items))
	for i := range pods.Items {
		handles = append(handles, unitHandle(&pods.Items[i]))
	}
	return handles, nil
}

func unitHandle(pod *corev1.Pod) *model.UnitHandle {
	h := backend.UnitHandleFromLabels(
		objectID(pod.Namespace, pod.Name),
		pod.Annotations[annotationName],
		joinLabels(pod.Labels, pod.Annotations),
	)
	h.Running = pod.Status.Phase == corev1.PodRunning && pod.DeletionTimestamp == nil
	if v := pod.Annotations[annotationNetworks]; v != "" {
		h.Networks = strings.Split(v, ",")
	}
	return h
}

// FindNetworks lists the NetworkAttachmentDefinitions that carry the
// filter's labels in every namespace.
func (b *Backend) FindNetworks(ctx context.Context, f backend.Filter) ([]*model.NetworkHandle, error) {
	list, err := b.dyn.Resource(nadGVR).Namespace(metav1.NamespaceAll).List(ctx, metav1.ListOptions{LabelSelector: f.Selector()})
	if err != nil {
		return nil, classify("find networks", f.LabHash, nil, err)
	}

	handles := make([]*model.NetworkHandle, 0, len(list.Items))
	for _, item := range list.Items {
		annotations := item.GetAnnotations()
		handles = append(handles, backend.NetworkHandleFromLabels(
			objectID(item.GetNamespace(), item.GetName()),
			annotations[annotationName],
			joinLabels(item.GetLabels(), annotations),
		))
	}
	return handles, nil
}

// CreateNetwork creates a NetworkAttachmentDefinition in the lab's
// namespace. A name collision is reported as model.ErrNetworkAlreadyExists.
func (b *Backend) CreateNetwork(ctx context.Context, spec backend.NetworkSpec) (*model.NetworkHandle, error) {
	ns, err := b.ensureNamespace(ctx, spec.Labels[backend.LabelLabHash])
	if err != nil {
		return nil, err
	}
	name := objectName(spec.Name)

	config, err := json.Marshal(cniConfig{
		CNIVersion: "0.3.1",
		Name:       name,
		Type:       "bridge",
		Bridge:     bridgeName(spec.Name),
		IPAM:       map[string]any{},
	})
	if err != nil {
		return nil, model.NewError(nil, "create network", spec.LogicalName, err)
	}

	labels, annotations := splitLabels(spec.Labels)
	annotations[annotationName] = spec.Name

	obj := &unstructured.Unstructured{}
	obj.SetAPIVersion(nadGVR.GroupVersion().String())
	obj.SetKind("NetworkAttachmentDefinition")
	obj.SetName(name)
	obj.SetNamespace(ns)
	obj.SetLabels(labels)
	obj.SetAnnotations(annotations)
	if err := unstructured.SetNestedField(obj.Object, string(config), "spec", "config"); err != nil {
		return nil, model.NewError(nil, "create network", spec.LogicalName, err)
	}

	if _, err := b.dyn.Resource(nadGVR).Namespace(ns).Create(ctx, obj, metav1.CreateOptions{}); err != nil {
		return nil, classify("create network", spec.LogicalName, model.ErrNetworkAlreadyExists, err)
	}
	return backend.NetworkHandleFromLabels(objectID(ns, name), spec.Name, spec.Labels), nil
}

// HostBridge returns the cluster network every pod already has.
func (b *Backend) HostBridge(context.Context) (*model.NetworkHandle, error) {
	return &model.NetworkHandle{Name: podNetwork, LogicalName: model.BridgeNetworkName}, nil
}

// AttachExternal is not supported: the bridge plugin has no uplink option.
func (b *Backend) AttachExternal(_ context.Context, n *model.NetworkHandle, link model.ExternalLink) error {
	return model.NewError(nil, "attach external", n.LogicalName,
		fmt.Errorf("%s on %s: %w", link, Name, errors.ErrUnsupported))
}

// CreateUnit prepares the pod of a unit. The pod is submitted by StartUnit,
// with every network of the spec attached.
//
// The existence check runs against both the cluster and the staged set, so
// a second create for the same unit fails with model.ErrUnitAlreadyExists
// whether or not the first one has been started. The returned handle lists
// every network, because no attachment happens later.
func (b *Backend) CreateUnit(ctx context.Context, spec backend.UnitSpec) (*model.UnitHandle, error) {
	ns, err := b.ensureNamespace(ctx, spec.Labels[backend.LabelLabHash])
	if err != nil {
		return nil, err
	}
	name := objectName(spec.Name)
	id := objectID(ns, name)

	_, err = b.clients.CoreV1().Pods(ns).Get(ctx, name, metav1.GetOptions{})
	switch {
	case err == nil:
		return nil, model.NewError(model.ErrUnitAlreadyExists, "create unit", spec.LogicalName,
			fmt.Errorf("pod %s already exists", id))
	case !apierrors.IsNotFound(err):
		return nil, classify("create unit", spec.LogicalName, nil, err)
	}

	pod, err := podFor(ns, name, spec)
	if err != nil {
		return nil, model.NewError(model.ErrValidation, "create unit", spec.LogicalName, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.staged[id]; ok {
		return nil, model.NewError(model.ErrUnitAlreadyExists, "create unit", spec.LogicalName,
			fmt.Errorf("pod %s is already being created", id))
	}
	b.staged[id] = &stagedUnit{pod: pod, sysctls: spec.Sysctls}

	h := backend.UnitHandleFromLabels(id, spec.Name, spec.Labels)
	for _, a := range spec.Networks {
		h.Networks = append(h.Networks, a.Network.Name)
	}
	return h, nil
}

// podFor builds the pod of a unit. Lab interface N is named "net<N>"
// because the cluster network holds eth0.
func podFor(ns, name string, spec backend.UnitSpec) (*corev1.Pod, error) {
	labels, annotations := splitLabels(spec.Labels)
	annotations[annotationName] = spec.Name

	var secondary []multusNetwork
	var attached []string
	for _, a := range spec.Networks {
		if a.Network.LogicalName == model.BridgeNetworkName {
			continue
		}
		nadNS, nadName, err := splitID(a.Network.ID)
		if err != nil {
			return nil, err
		}
		secondary = append(secondary, multusNetwork{
			Name:      nadName,
			Namespace: nadNS,
			Interface: fmt.Sprintf("net%d", a.Interface),
		})
		attached = append(attached, a.Network.Name)
	}
	if len(secondary) > 0 {
		data, err := json.Marshal(secondary)
		if err != nil {
			return nil, err
		}
		annotations[multusAnnotation] = string(data)
		annotations[annotationNetworks] = strings.Join(attached, ",")
	}

	c := corev1.Container{
		Name:  unitContainer,
		Image: spec.Image,
		Stdin: true,
		TTY:   true,
		SecurityContext: &corev1.SecurityContext{
			Privileged: &spec.Privileged,
		},
	}
	if len(spec.Capabilities) > 0 {
		c.SecurityContext.Capabilities = &corev1.Capabilities{}
		for _, capName := range spec.Capabilities {
			c.SecurityContext.Capabilities.Add = append(c.SecurityContext.Capabilities.Add, corev1.Capability(capName))
		}
	}
	for _, k := range slices.Sorted(maps.Keys(spec.Env)) {
		c.Env = append(c.Env, corev1.EnvVar{Name: k, Value: spec.Env[k]})
	}
	for _, p := range spec.Ports {
		c.Ports = append(c.Ports, corev1.ContainerPort{
			ContainerPort: int32(p.Guest),
			HostPort:      int32(p.Host),
			Protocol:      corev1.Protocol(strings.ToUpper(p.Protocol)),
		})
	}

	limits := corev1.ResourceList{}
	if spec.Memory != "" {
		mem, err := units.RAMInBytes(spec.Memory)
		if err != nil {
			return nil, fmt.Errorf("memory %q: %w", spec.Memory, err)
		}
		limits[corev1.ResourceMemory] = *resource.NewQuantity(mem, resource.BinarySI)
	}
	if spec.CPUs > 0 {
		limits[corev1.ResourceCPU] = *resource.NewMilliQuantity(int64(spec.CPUs*1000), resource.DecimalSI)
	}
	if len(limits) > 0 {
		c.Resources.Limits = limits
	}

	var volumes []corev1.Volume
	for i, m := range spec.Mounts {
		vol := fmt.Sprintf("mount-%d", i)
		volumes = append(volumes, corev1.Volume{
			Name:         vol,
			VolumeSource: corev1.VolumeSource{HostPath: &corev1.HostPathVolumeSource{Path: m.Source}},
		})
		c.VolumeMounts = append(c.VolumeMounts, corev1.VolumeMount{Name: vol, MountPath: m.Target, ReadOnly: m.ReadOnly})
	}

	grace := int64(0)
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:        name,
			Namespace:   ns,
			Labels:      labels,
			Annotations: annotations,
		},
		Spec: corev1.PodSpec{
			Hostname:                      hostname(spec.Hostname),
			Containers:                    []corev1.Container{c},
			Volumes:                       volumes,
			TerminationGracePeriodSeconds: &grace,
		},
	}, nil
}

// InjectFiles queues an archive for extraction when the unit starts.
func (b *Backend) InjectFiles(_ context.Context, h *model.UnitHandle, archive []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.staged[h.ID]
	if !ok {
		return model.NewError(nil, "inject files", h.LogicalName, errors.New("unit is not awaiting start"))
	}
	st.archives = append(st.archives, archive)
	return nil
}

// StartUnit submits the pod, waits for it to run, then extracts the
// injected archives and applies the sysctls inside it.
func (b *Backend) StartUnit(ctx context.Context, h *model.UnitHandle) error {
	b.mu.Lock()
	st, ok := b.staged[h.ID]
	b.mu.Unlock()
	if !ok {
		return model.NewError(nil, "start unit", h.LogicalName, errors.New("unit is not awaiting start"))
	}
	pod := st.pod

	if len(st.archives) > 0 {
		if err := b.createFiles(ctx, pod, st.archives); err != nil {
			return classify("inject files", h.LogicalName, nil, err)
		}
	}

	if _, err := b.clients.CoreV1().Pods(pod.Namespace).Create(ctx, pod, metav1.CreateOptions{}); err != nil {
		return classify("start unit", h.LogicalName, model.ErrUnitAlreadyExists, err)
	}
	b.mu.Lock()
	delete(b.staged, h.ID)
	b.mu.Unlock()

	if err := b.waitRunning(ctx, pod.Namespace, pod.Name); err != nil {
		return classify("start unit", h.LogicalName, nil, err)
	}

	script := setupScript(len(st.archives) > 0, st.sysctls)
	if script == "" {
		return nil
	}
	out, code, err := b.exec(ctx, pod.Namespace, pod.Name, []string{"sh", "-c", script})
	if err != nil {
		return classify("start unit", h.LogicalName, nil, err)
	}
	if code != 0 {
		return model.NewError(model.ErrCommandFailed, "start unit", h.LogicalName,
			fmt.Errorf("setup exited with code %d: %s", code, strings.TrimSpace(out)))
	}
	return nil
}

// createFiles stores the archives in a ConfigMap and mounts it into pod.
func (b *Backend) createFiles(ctx context.Context, pod *corev1.Pod, archives [][]byte) error {
	cm := &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{
			Name:      pod.Name + filesSuffix,
			Namespace: pod.Namespace,
			Labels:    pod.Labels,
		},
		BinaryData: make(map[string][]byte, len(archives)),
	}
	for i, a := range archives {
		cm.BinaryData[fmt.Sprintf("%02d.tar.gz", i)] = a
	}
	if _, err := b.clients.CoreV1().ConfigMaps(pod.Namespace).Create(ctx, cm, metav1.CreateOptions{}); err != nil {
		return err
	}

	pod.Spec.Volumes = append(pod.Spec.Volumes, corev1.Volume{
		Name: "files",
		VolumeSource: corev1.VolumeSource{
			ConfigMap: &corev1.ConfigMapVolumeSource{LocalObjectReference: corev1.LocalObjectReference{Name: cm.Name}},
		},
	})
	c := &pod.Spec.Containers[0]
	c.VolumeMounts = append(c.VolumeMounts, corev1.VolumeMount{Name: "files", MountPath: filesDir, ReadOnly: true})
	return nil
}

// setupScript extracts the mounted archives in order and applies sysctls.
// A sysctl the node refuses is skipped.
func setupScript(files bool, sysctls map[string]string) string {
	var lines []string
	if files {
		lines = append(lines, "for f in "+filesDir+"/*.tar.gz; do tar -xzf \"$f\" -C / || exit 1; done")
	}
	for _, k := range slices.Sorted(maps.Keys(sysctls)) {
		lines = append(lines, fmt.Sprintf("sysctl -qw %s=%s || true", k, sysctls[k]))
	}
	return strings.Join(lines, "\n")
}

func (b *Backend) waitRunning(ctx context.Context, ns, name string) error {
	return wait.PollUntilContextTimeout(ctx, time.Second, b.cfg.StartTimeout, true, func(ctx context.Context) (bool, error) {
		pod, err := b.clients.CoreV1().Pods(ns).Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			return false, err
		}
		switch pod.Status.Phase {
		case corev1.PodRunning:
			return true, nil
		case corev1.PodFailed, corev1.PodSucceeded:
			return false, fmt.Errorf("pod %s/%s ended in phase %s", ns, name, pod.Status.Phase)
		}
		return false, nil
	})
}

// AttachUnitToNetwork succeeds for networks wired at creation. Pods cannot
// gain interfaces once running.
//
// The host bridge is always accepted: it maps onto the cluster network,
// which every pod has on eth0. Any other network yields an error wrapping
// errors.ErrUnsupported.
func (b *Backend) AttachUnitToNetwork(_ context.Context, h *model.UnitHandle, a backend.Attachment) error {
	if a.Network.LogicalName == model.BridgeNetworkName || slices.Contains(h.Networks, a.Network.Name) {
		return nil
	}
	return model.NewError(nil, "attach", h.LogicalName,
		fmt.Errorf("net%d to %s after start: %w", a.Interface, a.Network.LogicalName, errors.ErrUnsupported))
}

// ExecInUnit runs a command in the unit container over the exec
// subresource.
//
// The exec API has no detached mode: the stream stays open until the
// command exits. A detached command is therefore wrapped in a shell that
// starts it in the background with nohup and its output discarded, so the
// stream ends at once and the command outlives it. Its result is empty, as
// on Docker.
func (b *Backend) ExecInUnit(ctx context.Context, h *model.UnitHandle, cmd backend.Exec) (backend.ExecResult, error) {
	ns, name, err := splitID(h.ID)
	if err != nil {
		return backend.ExecResult{}, model.NewError(nil, "exec", h.LogicalName, err)
	}

	argv := cmd.Cmd
	if cmd.Detach {
		argv = append([]string{"sh", "-c", `nohup "$0" "$@" >/dev/null 2>&1 &`}, cmd.Cmd...)
	}

	out, code, err := b.exec(ctx, ns, name, argv)
	if err != nil {
		return backend.ExecResult{}, classify("exec", h.LogicalName, nil, err)
	}
	if cmd.Detach {
		return backend.ExecResult{}, nil
	}
	return backend.ExecResult{ExitCode: code, Output: out}, nil
}

// DeleteUnit deletes the pod of a unit without a grace period, along with
// its files. A unit that was never started is only forgotten.
func (b *Backend) DeleteUnit(ctx context.Context, h *model.UnitHandle) error {
	b.mu.Lock()
	_, staged := b.staged[h.ID]
	delete(b.staged, h.ID)
	b.mu.Unlock()
	if staged {
		return nil
	}

	ns, name, err := splitID(h.ID)
	if err != nil {
		return model.NewError(nil, "delete unit", h.LogicalName, err)
	}

	grace := int64(0)
	err = b.clients.CoreV1().Pods(ns).Delete(ctx, name, metav1.DeleteOptions{GracePeriodSeconds: &grace})
	if err != nil {
		return classify("delete unit", h.LogicalName, nil, err)
	}
	cmErr := b.clients.CoreV1().ConfigMaps(ns).Delete(ctx, name+filesSuffix, metav1.DeleteOptions{})
	if cmErr != nil && !apierrors.IsNotFound(cmErr) {
		b.log.Warn("Failed to delete unit files", "unit", h.LogicalName, "error", cmErr)
	}
	b.pruneNamespace(ctx, ns)
	return nil
}

// DeleteNetwork deletes a NetworkAttachmentDefinition. A network still
// referenced by a live pod is reported as model.ErrResourceInUse.
func (b *Backend) DeleteNetwork(ctx context.Context, n *model.NetworkHandle) error {
	ns, name, err := splitID(n.ID)
	if err != nil {
		return model.NewError(nil, "delete network", n.LogicalName, err)
	}

	pods, err := b.clients.CoreV1().Pods(metav1.NamespaceAll).List(ctx, metav1.ListOptions{
		LabelSelector: backend.LabelApp + "=" + backend.AppValue,
	})
	if err != nil {
		return classify("delete network", n.LogicalName, nil, err)
	}
	for i := range pods.Items {
		pod := &pods.Items[i]
		if pod.DeletionTimestamp == nil && usesNetwork(pod, n.ID) {
			return model.NewError(model.ErrResourceInUse, "delete network", n.LogicalName,
				fmt.Errorf("attached to pod %s/%s", pod.Namespace, pod.Name))
		}
	}

	if err := b.dyn.Resource(nadGVR).Namespace(ns).Delete(ctx, name, metav1.DeleteOptions{}); err != nil {
		return classify("delete network", n.LogicalName, nil, err)
	}
	b.pruneNamespace(ctx, ns)
	return nil
}

// usesNetwork reports whether the Multus annotation of pod references the
// NetworkAttachmentDefinition with the given ID.
func usesNetwork(pod *corev1.Pod, id string) bool {
	var nets []multusNetwork
	if err := json.Unmarshal([]byte(pod.Annotations[multusAnnotation]), &nets); err != nil {
		return false
	}
	return slices.ContainsFunc(nets, func(m multusNetwork) bool {
		return objectID(m.Namespace, m.Name) == id
	})
}

// pruneNamespace deletes a lab namespace once it holds no live pod and no
// network. Failures only leave an empty namespace behind.
func (b *Backend) pruneNamespace(ctx context.Context, ns string) {
	pods, err := b.clients.CoreV1().Pods(ns).List(ctx, metav1.ListOptions{})
	if err != nil {
		return
	}
	for _, p := range pods.Items {
		if p.DeletionTimestamp == nil {
			return
		}
	}
	nads, err := b.dyn.Resource(nadGVR).Namespace(ns).List(ctx, metav1.ListOptions{})
	if err != nil || len(nads.Items) > 0 {
		return
	}
	err = b.clients.CoreV1().Namespaces().Delete(ctx, ns, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		b.log.Debug("Failed to delete namespace", "namespace", ns, "error", err)
		return
	}
	b.log.Debug("Deleted namespace", "namespace", ns)
}

// Close is a no-op: the clients hold no long-lived connection.
func (b *Backend) Close() error {
	return nil
}

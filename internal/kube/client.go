package kube

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	utilnet "k8s.io/apimachinery/pkg/util/net"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	_ "k8s.io/client-go/plugin/pkg/client/auth" // auth providers referenced by kubeconfigs
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/tools/remotecommand"
	utilexec "k8s.io/client-go/util/exec"

	"github.com/mmr-tortoise/netlab/internal/model"
)

// Config selects the cluster and shapes the objects the backend creates.
type Config struct {
	// Kubeconfig is an explicit kubeconfig path. Empty uses the default
	// loading rules ($KUBECONFIG, ~/.kube/config, in-cluster).
	Kubeconfig string

	// Context overrides the kubeconfig's current context.
	Context string

	// NamespacePrefix is prepended to the lowercase lab hash to name the
	// namespace of a lab.
	NamespacePrefix string

	// StartTimeout bounds the wait for a pod to reach Running.
	StartTimeout time.Duration
}

// defaultStartTimeout applies when Config.StartTimeout is zero.
const defaultStartTimeout = 5 * time.Minute

// connectTimeout bounds every request to the API server.
const connectTimeout = 30 * time.Second

// restConfig builds a client configuration from the kubeconfig loading
// rules and the context override.
func restConfig(cfg Config) (*rest.Config, error) {
	loadingRules := clientcmd.NewDefaultClientConfigLoadingRules()
	if cfg.Kubeconfig != "" {
		loadingRules.ExplicitPath = cfg.Kubeconfig
	}
	configOverrides := &clientcmd.ConfigOverrides{CurrentContext: cfg.Context}
	kubeConfig := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(loadingRules, configOverrides)

	rc, err := kubeConfig.ClientConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to get REST config for context %q: %w", cfg.Context, err)
	}
	rc.Timeout = connectTimeout
	return rc, nil
}

// connect creates the typed and dynamic clients and checks that the API
// server answers.
func connect(ctx context.Context, cfg Config) (*rest.Config, kubernetes.Interface, dynamic.Interface, error) {
	rc, err := restConfig(cfg)
	if err != nil {
		return nil, nil, nil, model.NewError(model.ErrBackendUnavailable, "connect", Name, err)
	}
	clientset, err := kubernetes.NewForConfig(rc)
	if err != nil {
		return nil, nil, nil, model.NewError(model.ErrBackendUnavailable, "connect", Name, err)
	}
	dyn, err := dynamic.NewForConfig(rc)
	if err != nil {
		return nil, nil, nil, model.NewError(model.ErrBackendUnavailable, "connect", Name, err)
	}

	// ServerVersion has no context parameter; run it with a bounded wait.
	done := make(chan error, 1)
	go func() {
		_, err := clientset.Discovery().ServerVersion()
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			return nil, nil, nil, model.NewError(model.ErrBackendUnavailable, "connect", Name,
				fmt.Errorf("API server is not responding: %w", err))
		}
	case <-ctx.Done():
		return nil, nil, nil, model.NewError(model.ErrBackendUnavailable, "connect", Name, ctx.Err())
	}
	return rc, clientset, dyn, nil
}

// execFunc runs cmd in the unit container of a pod and returns its combined
// output and exit code. A non-zero exit is not an error.
type execFunc func(ctx context.Context, namespace, pod string, cmd []string) (string, int, error)

// spdyExec returns an execFunc that streams commands over SPDY.
func spdyExec(rc *rest.Config, clientset kubernetes.Interface) execFunc {
	return func(ctx context.Context, namespace, pod string, cmd []string) (string, int, error) {
		req := clientset.CoreV1().RESTClient().Post().
			Resource("pods").
			Namespace(namespace).
			Name(pod).
			SubResource("exec").
			VersionedParams(&corev1.PodExecOptions{
				Container: unitContainer,
				Command:   cmd,
				Stdout:    true,
				Stderr:    true,
			}, scheme.ParameterCodec)

		executor, err := remotecommand.NewSPDYExecutor(rc, http.MethodPost, req.URL())
		if err != nil {
			return "", 0, fmt.Errorf("failed to create SPDY executor: %w", err)
		}

		var stdout, stderr bytes.Buffer
		err = executor.StreamWithContext(ctx, remotecommand.StreamOptions{Stdout: &stdout, Stderr: &stderr})
		out := stdout.String() + stderr.String()

		var exitErr utilexec.ExitError
		if errors.As(err, &exitErr) {
			return out, exitErr.ExitStatus(), nil
		}
		if err != nil {
			return out, 0, err
		}
		return out, 0, nil
	}
}

// classify maps an API error to a model error kind. conflict is the kind an
// AlreadyExists response means for this operation.
func classify(op, name string, conflict, err error) error {
	switch {
	case err == nil:
		return nil
	case apierrors.IsNotFound(err):
		return model.NewError(model.ErrNotFound, op, name, err)
	case conflict != nil && (apierrors.IsAlreadyExists(err) || apierrors.IsConflict(err)):
		return model.NewError(conflict, op, name, err)
	case utilnet.IsConnectionRefused(err), apierrors.IsServiceUnavailable(err):
		return model.NewError(model.ErrBackendUnavailable, op, name, err)
	default:
		return model.NewError(nil, op, name, err)
	}
}

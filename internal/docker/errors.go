package docker

import (
	"strings"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/client"

	"github.com/mmr-tortoise/netlab/internal/model"
)

// classify maps a Docker SDK error to a model error kind. conflict is the
// kind a 409 response means for this operation.
func classify(op, name string, conflict, err error) error {
	switch {
	case err == nil:
		return nil
	case client.IsErrConnectionFailed(err):
		return model.NewError(model.ErrBackendUnavailable, op, name, err)
	case cerrdefs.IsNotFound(err):
		return model.NewError(model.ErrNotFound, op, name, err)
	case conflict != nil && cerrdefs.IsConflict(err):
		return model.NewError(conflict, op, name, err)
	default:
		return model.NewError(nil, op, name, err)
	}
}

// classifyNetworkRemove recognizes the daemon's refusal to remove a network
// with attached endpoints. Depending on the engine version it arrives as a
// 403 or a 409.
func classifyNetworkRemove(name string, err error) error {
	if err == nil {
		return nil
	}
	if cerrdefs.IsPermissionDenied(err) || cerrdefs.IsConflict(err) ||
		strings.Contains(err.Error(), "active endpoints") {
		return model.NewError(model.ErrResourceInUse, "delete network", name, err)
	}
	return classify("delete network", name, nil, err)
}

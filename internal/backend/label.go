package backend

import (
	"maps"
	"slices"
	"strings"

	"github.com/mmr-tortoise/netlab/internal/model"
)

// Label keys applied to every unit and network. The values must stay
// bit-exact: older deployments are discovered through them.
const (
	// LabelApp marks objects managed by netlab. Value: AppValue.
	LabelApp = "app"

	// LabelLabHash stores the owning lab's identifier.
	LabelLabHash = "lab_hash"

	// LabelName stores the logical (unmangled) unit or network name.
	LabelName = "name"

	// LabelUser stores the identity of the user who deployed the object.
	LabelUser = "user"

	// LabelShell stores the shell used for startup and shutdown scripts.
	// Units only.
	LabelShell = "shell"

	// LabelExternal stores the comma-separated external links of a network.
	LabelExternal = "external"
)

// AppValue is the value of LabelApp on every managed object.
const AppValue = "netlab"

// BuildLabels returns the label set for an object of the given lab, name and
// user.
func BuildLabels(labHash, name, user string) map[string]string {
	return map[string]string{
		LabelApp:     AppValue,
		LabelLabHash: labHash,
		LabelName:    name,
		LabelUser:    user,
	}
}

// Filter selects managed objects by label. Empty fields match any value.
type Filter struct {
	LabHash string
	Name    string
	User    string
}

// Labels returns the label equality constraints of the filter, always
// including the app marker.
func (f Filter) Labels() map[string]string {
	labels := map[string]string{LabelApp: AppValue}
	if f.LabHash != "" {
		labels[LabelLabHash] = f.LabHash
	}
	if f.Name != "" {
		labels[LabelName] = f.Name
	}
	if f.User != "" {
		labels[LabelUser] = f.User
	}
	return labels
}

// Pairs returns the constraints as sorted "key=value" strings, the form
// both engines accept for label filtering.
func (f Filter) Pairs() []string {
	labels := f.Labels()
	pairs := make([]string, 0, len(labels))
	for _, k := range slices.Sorted(maps.Keys(labels)) {
		pairs = append(pairs, k+"="+labels[k])
	}
	return pairs
}

// Selector returns the constraints as a comma-separated label selector.
func (f Filter) Selector() string {
	return strings.Join(f.Pairs(), ",")
}

// Matches reports whether labels satisfy the filter.
func (f Filter) Matches(labels map[string]string) bool {
	for k, v := range f.Labels() {
		if labels[k] != v {
			return false
		}
	}
	return true
}

// UnitHandleFromLabels fills the label-derived fields of a unit handle.
func UnitHandleFromLabels(id, name string, labels map[string]string) *model.UnitHandle {
	return &model.UnitHandle{
		ID:          id,
		Name:        name,
		LogicalName: labels[LabelName],
		LabHash:     labels[LabelLabHash],
		User:        labels[LabelUser],
		Shell:       labels[LabelShell],
		Labels:      maps.Clone(labels),
	}
}

// NetworkHandleFromLabels fills the label-derived fields of a network handle.
func NetworkHandleFromLabels(id, name string, labels map[string]string) *model.NetworkHandle {
	return &model.NetworkHandle{
		ID:          id,
		Name:        name,
		LogicalName: labels[LabelName],
		LabHash:     labels[LabelLabHash],
		User:        labels[LabelUser],
		Labels:      maps.Clone(labels),
	}
}

// ExternalLabel encodes external links as a LabelExternal value.
func ExternalLabel(links []model.ExternalLink) string {
	parts := make([]string, 0, len(links))
	for _, l := range links {
		parts = append(parts, l.String())
	}
	return strings.Join(parts, ",")
}

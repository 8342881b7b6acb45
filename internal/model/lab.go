package model

import (
	"crypto/md5"
	"encoding/base64"
	"fmt"
	"maps"
	"regexp"
	"slices"
	"strings"
)

// BridgeNetworkName is the logical name of the special network that gives a
// bridged unit connectivity to the host. It is never declared in a lab file.
const BridgeNetworkName = "netlab_host_bridge"

// Options holds lab-wide settings applied to every unit. A non-zero option
// overrides the unit's own metadata.
type Options struct {
	// Image overrides the image of every unit.
	Image string `json:"image,omitempty" yaml:"image"`

	// Memory is a memory limit such as "256m".
	Memory string `json:"memory,omitempty" yaml:"memory"`

	// CPUs is a fractional CPU limit (e.g., 0.5).
	CPUs float64 `json:"cpus,omitempty" yaml:"cpus"`

	// Privileged runs every unit in privileged mode.
	Privileged bool `json:"privileged,omitempty" yaml:"privileged"`

	// SharedMount mounts "<lab path>/shared" into every unit at /shared.
	SharedMount bool `json:"sharedMount,omitempty" yaml:"shared_mount"`

	// HostHomeMount mounts the invoking user's home directory at /hosthome.
	HostHomeMount bool `json:"hostHomeMount,omitempty" yaml:"hosthome_mount"`
}

// PortMapping publishes a guest port of a unit on the host.
type PortMapping struct {
	Host     int    `json:"host"`
	Guest    int    `json:"guest"`
	Protocol string `json:"protocol"`
}

// String renders the mapping in "host:guest/protocol" form.
func (p PortMapping) String() string {
	return fmt.Sprintf("%d:%d/%s", p.Host, p.Guest, p.Protocol)
}

// Meta is the per-unit runtime configuration.
type Meta struct {
	Image        string            `json:"image,omitempty"`
	Memory       string            `json:"memory,omitempty"`
	CPUs         float64           `json:"cpus,omitempty"`
	Privileged   bool              `json:"privileged,omitempty"`
	Ports        []PortMapping     `json:"ports,omitempty"`
	Sysctls      map[string]string `json:"sysctls,omitempty"`
	Env          map[string]string `json:"env,omitempty"`
	Capabilities []string          `json:"capabilities,omitempty"`
	Shell        string            `json:"shell,omitempty"`
}

// UnitHandle identifies a unit object on the backend. Every field except ID
// is reconstructed from the backend's labels.
type UnitHandle struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	LogicalName string            `json:"logicalName"`
	LabHash     string            `json:"labHash"`
	User        string            `json:"user"`
	Shell       string            `json:"shell,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`

	// Networks holds the backend names of the attached networks.
	Networks []string `json:"networks,omitempty"`

	Running bool `json:"running"`
}

// NetworkHandle identifies a network object on the backend.
type NetworkHandle struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	LogicalName string            `json:"logicalName"`
	LabHash     string            `json:"labHash"`
	User        string            `json:"user"`
	Labels      map[string]string `json:"labels,omitempty"`
}

// ExternalLink attaches a network to a host interface, optionally tagged.
type ExternalLink struct {
	Interface string `json:"interface" yaml:"interface"`
	VLAN      int    `json:"vlan,omitempty" yaml:"vlan"`
}

// String renders the link as "iface" or "iface.vlan".
func (e ExternalLink) String() string {
	if e.VLAN > 0 {
		return fmt.Sprintf("%s.%d", e.Interface, e.VLAN)
	}
	return e.Interface
}

// Network is a collision domain. Whether it is in use is derived from the
// units the backend reports, never stored here.
type Network struct {
	Name     string         `json:"name"`
	External []ExternalLink `json:"external,omitempty"`

	// Handle is nil until the network is created or discovered. It is
	// written once, by the task that provisions this network.
	Handle *NetworkHandle `json:"-"`
}

// Unit is a device of the lab.
type Unit struct {
	Name string `json:"name"`

	// Interfaces maps interface numbers to networks. Numbers must be
	// contiguous from 0.
	Interfaces map[int]*Network `json:"-"`

	// Bridged attaches the unit to the host bridge network after its
	// declared interfaces.
	Bridged bool `json:"bridged,omitempty"`

	Meta     Meta     `json:"meta"`
	Startup  []string `json:"startup,omitempty"`
	Shutdown []string `json:"shutdown,omitempty"`

	// Overlay is a gzip-compressed tar archive extracted at "/" before the
	// unit starts.
	Overlay []byte `json:"-"`

	// Handle is nil until the unit is created. It is written once, by the
	// task that creates this unit.
	Handle *UnitHandle `json:"-"`
}

// SortedInterfaces returns the unit's interface numbers in ascending order.
func (u *Unit) SortedInterfaces() []int {
	return slices.Sorted(maps.Keys(u.Interfaces))
}

// ValidateInterfaces checks that interface numbers are contiguous from 0.
func (u *Unit) ValidateInterfaces() error {
	for i, n := range u.SortedInterfaces() {
		if n != i {
			return Validationf("unit", u.Name, "interface numbers must be contiguous from 0, missing eth%d", i)
		}
	}
	return nil
}

// BridgeInterface returns the interface number the host bridge takes on a
// bridged unit: one past the highest declared interface.
func (u *Unit) BridgeInterface() int {
	return len(u.Interfaces)
}

// Lab is a complete topology deployment request.
type Lab struct {
	Name string `json:"name"`

	// Path is the directory the lab was loaded from, if any.
	Path string `json:"path,omitempty"`

	// Hash is the stable identifier applied as the lab_hash label.
	Hash string `json:"hash"`

	Options  Options             `json:"options"`
	Units    map[string]*Unit    `json:"units"`
	Networks map[string]*Network `json:"networks"`

	// Dependencies maps a unit name to the units that must be running
	// before it is created. Nil means no ordering constraint.
	Dependencies map[string][]string `json:"dependencies,omitempty"`

	bridge *Network
}

// NewLab creates an empty lab. The hash is derived from path when it is set,
// otherwise from name.
func NewLab(name, path string) *Lab {
	source := path
	if source == "" {
		source = name
	}
	return &Lab{
		Name:     name,
		Path:     path,
		Hash:     LabHash(source),
		Units:    make(map[string]*Unit),
		Networks: make(map[string]*Network),
	}
}

var nonASCII = regexp.MustCompile(`[^\x00-\x7F]+`)

// LabHash returns the stable identifier of a lab: the URL-safe base64 MD5 of
// its ASCII-only source string, without padding, '-' or '_'.
func LabHash(source string) string {
	sum := md5.Sum([]byte(nonASCII.ReplaceAllString(source, "")))
	encoded := base64.RawURLEncoding.EncodeToString(sum[:])
	return strings.NewReplacer("-", "", "_", "").Replace(encoded)
}

// GetOrNewUnit returns the named unit, creating it when absent.
func (l *Lab) GetOrNewUnit(name string) *Unit {
	if u, ok := l.Units[name]; ok {
		return u
	}
	u := &Unit{Name: name, Interfaces: make(map[int]*Network)}
	l.Units[name] = u
	return u
}

// GetOrNewNetwork returns the named network, creating it when absent.
func (l *Lab) GetOrNewNetwork(name string) *Network {
	if n, ok := l.Networks[name]; ok {
		return n
	}
	n := &Network{Name: name}
	l.Networks[name] = n
	return n
}

// Connect attaches interface iface of the named unit to the named network,
// creating either when absent.
func (l *Lab) Connect(unitName string, iface int, networkName string) error {
	if iface < 0 {
		return Validationf("unit", unitName, "negative interface number %d", iface)
	}
	if networkName == BridgeNetworkName {
		return Validationf("network", networkName, "name is reserved")
	}
	u := l.GetOrNewUnit(unitName)
	if existing, ok := u.Interfaces[iface]; ok {
		return Validationf("unit", unitName, "interface eth%d already attached to %s", iface, existing.Name)
	}
	u.Interfaces[iface] = l.GetOrNewNetwork(networkName)
	return nil
}

// HostBridge returns the lab's host bridge network.
func (l *Lab) HostBridge() *Network {
	if l.bridge == nil {
		l.bridge = &Network{Name: BridgeNetworkName}
	}
	return l.bridge
}

// UnitNames returns the unit names in lexical order.
func (l *Lab) UnitNames() []string {
	return slices.Sorted(maps.Keys(l.Units))
}

// Validate checks interface contiguity of every unit and that every
// dependency names a unit of the lab.
func (l *Lab) Validate() error {
	for _, name := range l.UnitNames() {
		if err := l.Units[name].ValidateInterfaces(); err != nil {
			return err
		}
	}
	for unit, deps := range l.Dependencies {
		if _, ok := l.Units[unit]; !ok {
			return Validationf("dependency", unit, "unit is not defined in the lab")
		}
		for _, d := range deps {
			if _, ok := l.Units[d]; !ok {
				return Validationf("dependency", unit, "prerequisite %s is not defined in the lab", d)
			}
		}
	}
	return nil
}

// Select returns a copy of the lab restricted to the named units and the
// networks they reference. An empty selection returns the lab itself.
// Dependency edges are kept only between selected units.
func (l *Lab) Select(names []string) (*Lab, error) {
	if len(names) == 0 {
		return l, nil
	}

	selected := &Lab{
		Name:     l.Name,
		Path:     l.Path,
		Hash:     l.Hash,
		Options:  l.Options,
		Units:    make(map[string]*Unit, len(names)),
		Networks: make(map[string]*Network),
		bridge:   l.bridge,
	}
	for _, name := range names {
		u, ok := l.Units[name]
		if !ok {
			return nil, Validationf("unit", name, "not defined in lab %s", l.Name)
		}
		selected.Units[name] = u
		for _, n := range u.Interfaces {
			selected.Networks[n.Name] = n
		}
	}

	if l.Dependencies != nil {
		selected.Dependencies = make(map[string][]string)
		for unit, deps := range l.Dependencies {
			if _, ok := selected.Units[unit]; !ok {
				continue
			}
			var kept []string
			for _, d := range deps {
				if _, ok := selected.Units[d]; ok {
					kept = append(kept, d)
				}
			}
			selected.Dependencies[unit] = kept
		}
	}

	return selected, nil
}

// NeedsHostBridge reports whether any unit of the lab is bridged.
func (l *Lab) NeedsHostBridge() bool {
	for _, u := range l.Units {
		if u.Bridged {
			return true
		}
	}
	return false
}

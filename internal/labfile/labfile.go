// Package labfile loads a lab directory into the topology model.
//
// A lab directory holds:
//   - lab.yaml: units, their interfaces and metadata, networks and options
//   - lab.dep (optional): startup dependencies, "unit: dep1 dep2" per line
//   - <unit>/ (optional): files copied into the unit's root filesystem
//   - <unit>.startup, <unit>.shutdown, shared.startup, shared.shutdown
//     (optional): shell scripts run when a unit starts or is deleted
//   - shared/ (optional): mounted at /shared when options.shared_mount is set
package labfile

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mmr-tortoise/netlab/internal/depgraph"
	"github.com/mmr-tortoise/netlab/internal/model"
	"github.com/mmr-tortoise/netlab/internal/overlay"
	"github.com/mmr-tortoise/netlab/internal/port"
)

// FileName is the lab description inside a lab directory.
const FileName = "lab.yaml"

// sharedName is reserved: it cannot name a unit.
const sharedName = "shared"

// File is the structure of lab.yaml.
type File struct {
	// Name is the lab's display name. It defaults to the directory name.
	Name string `yaml:"name"`

	Options  model.Options           `yaml:"options"`
	Units    map[string]UnitEntry    `yaml:"units"`
	Networks map[string]NetworkEntry `yaml:"networks"`
}

// UnitEntry describes one unit.
type UnitEntry struct {
	// Interfaces maps interface numbers to network names.
	Interfaces map[int]string `yaml:"interfaces"`

	Bridged bool `yaml:"bridged"`

	Image        string            `yaml:"image"`
	Memory       string            `yaml:"memory"`
	CPUs         float64           `yaml:"cpus"`
	Privileged   bool              `yaml:"privileged"`
	Ports        []string          `yaml:"ports"`
	Sysctls      map[string]string `yaml:"sysctls"`
	Env          map[string]string `yaml:"env"`
	Capabilities []string          `yaml:"capabilities"`
	Shell        string            `yaml:"shell"`

	Startup  []string `yaml:"startup"`
	Shutdown []string `yaml:"shutdown"`
}

// NetworkEntry describes one network. Networks referenced by interfaces
// need no entry.
type NetworkEntry struct {
	External []model.ExternalLink `yaml:"external"`
}

// ResolveDir returns the canonical path of a lab directory: absolute, with
// every symlink resolved. The lab hash is derived from this path, so a lab
// reached through a symlink hashes the same as through its real location.
//
// A directory that no longer exists resolves to its absolute path, which
// keeps the hash of a lab whose files were removed stable for undeploy.
func ResolveDir(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve lab directory: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return abs, nil
	case err != nil:
		return "", fmt.Errorf("failed to resolve lab directory: %w", err)
	}
	return resolved, nil
}

// Load reads the lab in dir. The lab hash is derived from the directory
// path as returned by ResolveDir. A missing lab.yaml yields an error
// wrapping fs.ErrNotExist.
func Load(dir string) (*model.Lab, error) {
	abs, err := ResolveDir(dir)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filepath.Join(abs, FileName))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("no %s in %s: %w", FileName, abs, err)
		}
		return nil, fmt.Errorf("failed to read %s: %w", FileName, err)
	}

	lab, err := Decode(data, abs)
	if err != nil {
		return nil, err
	}

	deps, err := loadDeps(abs)
	if err != nil {
		return nil, err
	}
	lab.Dependencies = deps

	for _, name := range lab.UnitNames() {
		if err := loadUnitFiles(abs, lab.Units[name]); err != nil {
			return nil, err
		}
	}
	return lab, nil
}

// Decode builds a lab from lab.yaml content. path is the lab directory and
// may be empty, in which case the hash is derived from the lab name. Unknown
// fields are rejected.
func Decode(data []byte, path string) (*model.Lab, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, model.Validationf("parse", FileName, "%v", err)
	}

	name := f.Name
	if name == "" && path != "" {
		name = filepath.Base(path)
	}
	if name == "" {
		return nil, model.Validationf("parse", FileName, "lab has no name")
	}

	lab := model.NewLab(name, path)
	lab.Options = f.Options

	unitNames := make([]string, 0, len(f.Units))
	for n := range f.Units {
		unitNames = append(unitNames, n)
	}
	slices.Sort(unitNames)

	for _, unitName := range unitNames {
		if unitName == sharedName {
			return nil, model.Validationf("unit", unitName, "name is reserved")
		}
		entry := f.Units[unitName]
		u := lab.GetOrNewUnit(unitName)

		ifaces := make([]int, 0, len(entry.Interfaces))
		for i := range entry.Interfaces {
			ifaces = append(ifaces, i)
		}
		slices.Sort(ifaces)
		for _, i := range ifaces {
			if err := lab.Connect(unitName, i, entry.Interfaces[i]); err != nil {
				return nil, err
			}
		}

		ports, err := port.ParseAll(unitName, entry.Ports)
		if err != nil {
			return nil, err
		}

		u.Bridged = entry.Bridged
		u.Meta = model.Meta{
			Image:        entry.Image,
			Memory:       entry.Memory,
			CPUs:         entry.CPUs,
			Privileged:   entry.Privileged,
			Ports:        ports,
			Sysctls:      entry.Sysctls,
			Env:          entry.Env,
			Capabilities: entry.Capabilities,
			Shell:        entry.Shell,
		}
		u.Startup = entry.Startup
		u.Shutdown = entry.Shutdown
	}

	for netName, entry := range f.Networks {
		if netName == model.BridgeNetworkName {
			return nil, model.Validationf("network", netName, "name is reserved")
		}
		lab.GetOrNewNetwork(netName).External = entry.External
	}

	return lab, nil
}

func loadDeps(dir string) (map[string][]string, error) {
	f, err := os.Open(filepath.Join(dir, depgraph.FileName))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", depgraph.FileName, err)
	}
	defer func() { _ = f.Close() }()
	return depgraph.Parse(f)
}

// loadUnitFiles packs the unit's directory into its overlay and prepends
// the script files to its startup and shutdown commands. Startup runs
// shared.startup, then <unit>.startup, then the declared commands.
// Shutdown runs <unit>.shutdown, then shared.shutdown, then the declared
// commands.
func loadUnitFiles(dir string, u *model.Unit) error {
	archive, err := overlay.FromDir(filepath.Join(dir, u.Name))
	if err != nil {
		return model.Wrap("load overlay", u.Name, err)
	}
	u.Overlay = archive

	startup, err := readScripts(dir, sharedName+".startup", u.Name+".startup")
	if err != nil {
		return model.Wrap("load startup", u.Name, err)
	}
	u.Startup = append(startup, u.Startup...)

	shutdown, err := readScripts(dir, u.Name+".shutdown", sharedName+".shutdown")
	if err != nil {
		return model.Wrap("load shutdown", u.Name, err)
	}
	u.Shutdown = append(shutdown, u.Shutdown...)
	return nil
}

// readScripts returns the trimmed content of each existing, non-empty file,
// in the given order.
func readScripts(dir string, names ...string) ([]string, error) {
	var scripts []string
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if s := strings.TrimSpace(string(data)); s != "" {
			scripts = append(scripts, s)
		}
	}
	return scripts, nil
}

package port

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/mmr-tortoise/netlab/internal/model"
)

// maxPort is the highest valid TCP/UDP port number.
const maxPort = 65535

// Parse converts a "[host:]guest[/protocol]" string into a PortMapping.
// The host port defaults to the guest port and the protocol to tcp.
func Parse(s string) (model.PortMapping, error) {
	m := model.PortMapping{Protocol: "tcp"}

	spec := strings.TrimSpace(s)
	if base, proto, ok := strings.Cut(spec, "/"); ok {
		m.Protocol = strings.ToLower(proto)
		spec = base
	}
	if m.Protocol != "tcp" && m.Protocol != "udp" {
		return m, fmt.Errorf("port mapping %q: invalid protocol %q (valid: tcp, udp)", s, m.Protocol)
	}

	hostStr, guestStr, hasHost := strings.Cut(spec, ":")
	if !hasHost {
		guestStr = hostStr
	}

	guest, err := parsePort(guestStr)
	if err != nil {
		return m, fmt.Errorf("port mapping %q: guest port: %w", s, err)
	}
	m.Guest = guest
	m.Host = guest

	if hasHost {
		host, err := parsePort(hostStr)
		if err != nil {
			return m, fmt.Errorf("port mapping %q: host port: %w", s, err)
		}
		m.Host = host
	}

	return m, nil
}

func parsePort(s string) (int, error) {
	p, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%q is not a number", s)
	}
	if p < 1 || p > maxPort {
		return 0, fmt.Errorf("%d out of range (1-%d)", p, maxPort)
	}
	return p, nil
}

// ParseAll parses a list of mapping strings for the named unit.
func ParseAll(unit string, specs []string) ([]model.PortMapping, error) {
	mappings := make([]model.PortMapping, 0, len(specs))
	for _, s := range specs {
		m, err := Parse(s)
		if err != nil {
			return nil, model.Validationf("unit", unit, "%v", err)
		}
		mappings = append(mappings, m)
	}
	return mappings, nil
}

// ValidateLab checks that no two mappings of the lab publish the same host
// port with the same protocol. Units are visited in name order so the error
// is deterministic.
func ValidateLab(lab *model.Lab) error {
	// Key: "hostPort/protocol", value: owning unit.
	seen := make(map[string]string)

	for _, name := range lab.UnitNames() {
		for _, m := range lab.Units[name].Meta.Ports {
			key := fmt.Sprintf("%d/%s", m.Host, m.Protocol)
			if owner, exists := seen[key]; exists {
				if owner == name {
					return model.Validationf("unit", name, "host port %s is published twice", key)
				}
				return model.Validationf("unit", name, "host port %s is already published by %s", key, owner)
			}
			seen[key] = name
		}
	}
	return nil
}

// Conflict is a mapping whose host port is already bound on this machine.
type Conflict struct {
	Unit    string
	Mapping model.PortMapping
}

// FindConflicts returns the mappings of the lab whose host ports are not
// available on this machine, in unit name order.
func FindConflicts(lab *model.Lab, scanner *Scanner) []Conflict {
	var conflicts []Conflict
	for _, name := range lab.UnitNames() {
		for _, m := range lab.Units[name].Meta.Ports {
			if !scanner.IsPortAvailable(m.Host, m.Protocol) {
				conflicts = append(conflicts, Conflict{Unit: name, Mapping: m})
			}
		}
	}
	return conflicts
}

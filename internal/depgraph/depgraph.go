package depgraph

import (
	"maps"
	"slices"
	"strings"

	"github.com/mmr-tortoise/netlab/internal/model"
)

// Order is a deployment order over unit names. A nil Order means there is no
// ordering constraint and units may be deployed in parallel.
type Order []string

// Unordered reports whether the order places no constraint on deployment.
func (o Order) Unordered() bool {
	return o == nil
}

// visit states of the depth-first search.
const (
	unvisited = iota
	inProgress
	done
)

// Resolve flattens deps into an order in which every unit appears after all
// of its prerequisites. Units that take no part in any dependency come first.
// Only names in units are emitted; the result is deterministic for a given
// input.
//
// An empty mapping yields a nil Order. A cycle yields an ErrValidation error
// naming the units on the cycle.
func Resolve(deps map[string][]string, units []string) (Order, error) {
	if len(deps) == 0 {
		return nil, nil
	}

	involved := make(map[string]bool)
	for unit, prereqs := range deps {
		involved[unit] = true
		for _, p := range prereqs {
			involved[p] = true
		}
	}

	wanted := make(map[string]bool, len(units))
	for _, u := range units {
		wanted[u] = true
	}

	order := make(Order, 0, len(units))

	// Independent units have no edges, so they can start first.
	for _, u := range slices.Sorted(slices.Values(units)) {
		if !involved[u] {
			order = append(order, u)
		}
	}

	state := make(map[string]int, len(involved))
	var path []string

	var visit func(name string) error
	visit = func(name string) error {
		switch state[name] {
		case done:
			return nil
		case inProgress:
			start := slices.Index(path, name)
			cycle := append(slices.Clone(path[start:]), name)
			return model.Validationf("dependency", name, "cycle detected: %s", strings.Join(cycle, " -> "))
		}

		state[name] = inProgress
		path = append(path, name)

		prereqs := slices.Clone(deps[name])
		slices.Sort(prereqs)
		for _, p := range prereqs {
			if err := visit(p); err != nil {
				return err
			}
		}

		path = path[:len(path)-1]
		state[name] = done
		if wanted[name] {
			order = append(order, name)
		}
		return nil
	}

	for _, name := range slices.Sorted(maps.Keys(involved)) {
		if err := visit(name); err != nil {
			return nil, err
		}
	}

	return order, nil
}

// Prerequisites returns every unit that must be running before name,
// transitively, in lexical order.
func Prerequisites(deps map[string][]string, name string) []string {
	seen := make(map[string]bool)
	stack := slices.Clone(deps[name])
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[n] || n == name {
			continue
		}
		seen[n] = true
		stack = append(stack, deps[n]...)
	}
	return slices.Sorted(maps.Keys(seen))
}

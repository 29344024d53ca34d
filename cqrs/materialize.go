package cqrs

import (
	"fmt"
	"log/slog"
	"reflect"
	"strings"

	"github.com/glimte/mmate-cqrs/contracts"
)

// Materialize runs registrations in two phases: every Create, then every
// Process. Registrations providing a dependency type are created before the
// ones depending on it; otherwise the given order is kept.
func Materialize(engine Engine, logger *slog.Logger, registrations ...Registration) error {
	if engine == nil {
		return fmt.Errorf("%w: engine cannot be nil", contracts.ErrInvalidArgument)
	}
	if logger == nil {
		logger = slog.Default()
	}

	ordered, err := orderRegistrations(registrations)
	if err != nil {
		return err
	}

	for _, r := range ordered {
		if err := r.Create(engine); err != nil {
			return fmt.Errorf("failed to create %s: %w", describe(r), err)
		}
	}
	for _, r := range ordered {
		if err := r.Process(engine); err != nil {
			return fmt.Errorf("failed to process %s: %w", describe(r), err)
		}
	}

	logger.Info("registrations materialized", "count", len(ordered))
	return nil
}

// orderRegistrations is a stable Kahn sort over provider edges
func orderRegistrations(registrations []Registration) ([]Registration, error) {
	regs := make([]Registration, 0, len(registrations))
	for _, r := range registrations {
		if r != nil {
			regs = append(regs, r)
		}
	}

	providers := make(map[reflect.Type][]int)
	for i, r := range regs {
		p, ok := r.(Provider)
		if !ok {
			continue
		}
		for _, t := range p.Provides() {
			providers[t] = append(providers[t], i)
		}
	}

	dependents := make([][]int, len(regs))
	inDegree := make([]int, len(regs))
	for i, r := range regs {
		seen := make(map[int]bool)
		for _, t := range r.Dependencies() {
			for _, p := range providers[t] {
				if p == i || seen[p] {
					continue
				}
				seen[p] = true
				dependents[p] = append(dependents[p], i)
				inDegree[i]++
			}
		}
	}

	ordered := make([]Registration, 0, len(regs))
	done := make([]bool, len(regs))
	for len(ordered) < len(regs) {
		next := -1
		for i := range regs {
			if !done[i] && inDegree[i] == 0 {
				next = i
				break
			}
		}
		if next < 0 {
			var names []string
			for i, r := range regs {
				if !done[i] {
					names = append(names, describe(r))
				}
			}
			return nil, contracts.NewConfigConflict("materialization", strings.Join(names, ", "),
				"registrations depend on each other in a cycle")
		}
		done[next] = true
		ordered = append(ordered, regs[next])
		for _, d := range dependents[next] {
			inDegree[d]--
		}
	}
	return ordered, nil
}

func describe(r Registration) string {
	if named, ok := r.(interface{ Name() string }); ok {
		return fmt.Sprintf("bounded context %s", named.Name())
	}
	return fmt.Sprintf("%T", r)
}

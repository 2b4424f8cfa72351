// Package adapter assembles the subsystem adapter set from
// configuration. Each concrete adapter package registers a factory for
// its subsystem in init(), mirroring how resource provisioners
// self-register in plugin-style codebases.
package adapter

import (
	"fmt"
	"sort"

	"github.com/openlakehouse/lakesource/pkg/config"
	"github.com/openlakehouse/lakesource/pkg/engine"
	"github.com/openlakehouse/lakesource/pkg/telemetry"
)

// Factory builds a subsystem adapter from configuration.
type Factory func(cfg *config.Config, log *telemetry.Logger) (engine.Adapter, error)

var registry = make(map[engine.Subsystem]Factory)

// Register registers a factory for a subsystem. Duplicate registration
// is a programming error.
func Register(subsystem engine.Subsystem, factory Factory) {
	if _, dup := registry[subsystem]; dup {
		panic(fmt.Sprintf("adapter factory for subsystem %q registered twice", subsystem))
	}
	registry[subsystem] = factory
}

// Registered reports whether a factory exists for the subsystem.
func Registered(subsystem engine.Subsystem) bool {
	_, ok := registry[subsystem]
	return ok
}

// BuildAll constructs one adapter per registered subsystem, in stable
// subsystem order.
func BuildAll(cfg *config.Config, log *telemetry.Logger) ([]engine.Adapter, error) {
	subsystems := make([]engine.Subsystem, 0, len(registry))
	for sub := range registry {
		subsystems = append(subsystems, sub)
	}
	sort.Slice(subsystems, func(i, j int) bool { return subsystems[i] < subsystems[j] })

	adapters := make([]engine.Adapter, 0, len(subsystems))
	for _, sub := range subsystems {
		a, err := registry[sub](cfg, log)
		if err != nil {
			return nil, fmt.Errorf("building %s adapter: %w", sub, err)
		}
		adapters = append(adapters, a)
	}
	return adapters, nil
}

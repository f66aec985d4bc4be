package migrate

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/charmbracelet/log"
)

// Migrator applies the schema for one datastore plugin. Each migrator
// inspects the config in ctx and returns nil when its backend is not the
// selected one, so RunAll can invoke every registered migrator.
type Migrator interface {
	Name() string
	Migrate(ctx context.Context) error
}

// Plugin represents a migrator with an order for deterministic execution sequence.
type Plugin struct {
	Order    int
	Migrator Migrator
}

var plugins []Plugin

// Register adds a migration plugin. Called from init() in plugin packages.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

func sorted() []Plugin {
	out := make([]Plugin, len(plugins))
	copy(out, plugins)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

// Names returns the registered migrator names in execution order.
func Names() []string {
	ps := sorted()
	names := make([]string, len(ps))
	for i, p := range ps {
		names[i] = p.Migrator.Name()
	}
	return names
}

// RunAll executes all registered migrators sorted by Order and stops at the first failure.
func RunAll(ctx context.Context) error {
	for _, p := range sorted() {
		start := time.Now()
		if err := p.Migrator.Migrate(ctx); err != nil {
			return fmt.Errorf("migration %s failed: %w", p.Migrator.Name(), err)
		}
		log.Debug("Migrator finished", "name", p.Migrator.Name(), "took", time.Since(start))
	}
	return nil
}

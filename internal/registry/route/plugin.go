package route

import (
	"fmt"
	"sort"

	"github.com/gin-gonic/gin"
)

// RouterLoader initializes routes on the gin engine.
type RouterLoader func(r *gin.Engine) error

// Plugin contributes management routes (health, readiness, metrics). They are
// served on the management listener when one is configured, otherwise on the
// main router.
type Plugin struct {
	Name   string
	Order  int
	Loader RouterLoader
}

var plugins []Plugin

// Register adds a route plugin. Called from init() in plugin packages.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Mount runs every registered loader against r in Order.
func Mount(r *gin.Engine) error {
	ps := make([]Plugin, len(plugins))
	copy(ps, plugins)
	sort.SliceStable(ps, func(i, j int) bool { return ps[i].Order < ps[j].Order })
	for _, p := range ps {
		if err := p.Loader(r); err != nil {
			return fmt.Errorf("route plugin %s: %w", p.Name, err)
		}
	}
	return nil
}

package system

import (
	"net/http"
	"sync/atomic"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	registryroute "github.com/chirino/conversation-service/internal/registry/route"
)

const (
	stateStarting int32 = iota
	stateReady
	stateDraining
)

var state atomic.Int32

// MarkReady signals that the service has finished initializing and is ready to
// serve traffic. Call this once StartServer has completed successfully.
func MarkReady() {
	state.Store(stateReady)
}

// MarkDraining makes /ready fail so load balancers stop routing new requests
// while in-flight ones finish.
func MarkDraining() {
	state.Store(stateDraining)
}

// Ready reports whether the service currently accepts traffic.
func Ready() bool {
	return state.Load() == stateReady
}

func init() {
	registryroute.Register(registryroute.Plugin{
		Name:  "system",
		Order: 0,
		Loader: func(r *gin.Engine) error {
			// Liveness: process is up
			r.GET("/health", func(c *gin.Context) {
				c.JSON(http.StatusOK, gin.H{"status": "ok"})
			})

			r.GET("/ready", func(c *gin.Context) {
				switch state.Load() {
				case stateReady:
					c.JSON(http.StatusOK, gin.H{"status": "ready"})
				case stateDraining:
					c.JSON(http.StatusServiceUnavailable, gin.H{"status": "draining"})
				default:
					c.JSON(http.StatusServiceUnavailable, gin.H{"status": "starting"})
				}
			})

			r.GET("/metrics", gin.WrapH(promhttp.Handler()))
			return nil
		},
	})
}

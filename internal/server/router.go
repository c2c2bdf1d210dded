// Package server exposes the worker's read-only ops endpoint: liveness,
// a status snapshot of the lifecycle, registry and rate window, and the
// metrics dump. It never writes job state; the jobs table is mutated
// only through the claim protocol.
package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"registre-backend/internal/fleet"
	"registre-backend/internal/ratebudget"
	"registre-backend/internal/server/middleware"
	"registre-backend/internal/server/respond"
	"registre-backend/internal/shared/metrics"
	"registre-backend/internal/worker"
)

// Deps carries the read-only views the ops endpoint reports on.
type Deps struct {
	WorkerID     string
	WorkerKind   string
	Environments []string

	State    func() worker.State
	Registry fleet.Registry
	Budget   ratebudget.Budget
}

// NewRouter constructs the Gin engine with middleware and routes registered.
func NewRouter(deps Deps) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	r.Use(
		middleware.RequestID(),
		middleware.Logging(),
		middleware.Recovery(),
	)

	r.GET("/healthz", func(c *gin.Context) {
		respond.OK(c, gin.H{"ok": true})
	})

	r.GET("/status", func(c *gin.Context) {
		payload := gin.H{
			"worker_id":    deps.WorkerID,
			"worker_kind":  deps.WorkerKind,
			"environments": deps.Environments,
		}
		if deps.State != nil {
			payload["state"] = string(deps.State())
		}
		if deps.Registry != nil {
			records, err := deps.Registry.List(c.Request.Context())
			if err != nil {
				respond.Error(c, http.StatusInternalServerError, "registry", "Failed to list workers", nil)
				return
			}
			payload["workers"] = records
		}
		if deps.Budget != nil {
			snapshot, err := deps.Budget.Snapshot(c.Request.Context())
			if err != nil {
				respond.Error(c, http.StatusInternalServerError, "budget", "Failed to read rate window", nil)
				return
			}
			payload["budget"] = snapshot
		}
		respond.OK(c, payload)
	})

	r.GET("/metrics", metrics.Handler())

	return r
}

// Addr normalizes the listen address.
func Addr(port string) string {
	if port == "" {
		return ":8080"
	}
	if port[0] == ':' {
		return port
	}
	return ":" + port
}

package server

import (
	"context"
	"net/http"
	"time"

	gosundheit "github.com/AppsFlyer/go-sundheit"
	"github.com/AppsFlyer/go-sundheit/checks"
	gosundheithttp "github.com/AppsFlyer/go-sundheit/http"

	"github.com/diracgrid/dirac-auth/storage"
)

// healthHandler builds the /healthz surface, grounded on cmd/dex/serve.go's
// go-sundheit wiring: a custom check backed by a FlowStore
// garbage-collection pass using the server's own TTLs (which only removes
// expired rows), exposed as the library's standard JSON handler.
func (s *Server) healthHandler() http.Handler {
	healthChecker := gosundheit.New()
	healthChecker.RegisterCheck(&gosundheit.Config{
		Check: &checks.CustomCheck{
			CheckName: "flow-store",
			CheckFunc: func() (interface{}, error) {
				_, err := s.store.GarbageCollect(context.Background(), time.Now(), map[storage.Kind]time.Duration{
					storage.Device:   s.ttls.Device,
					storage.AuthCode: s.ttls.AuthCode,
				})
				return nil, err
			},
		},
		ExecutionPeriod:  30 * time.Second,
		InitiallyPassing: true,
	})
	return gosundheithttp.HandleHealthJSON(healthChecker)
}

package multibuilder

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/stableexo/warden-relay/metrics"
	"github.com/stableexo/warden-relay/spike"
	"go.uber.org/zap"
)

var (
	DefaultHealthCacheTTL    = 10 * time.Second
	DefaultHealthErrCacheTTL = 2 * time.Second
)

type HealthReport struct {
	BuilderID string `json:"builderId"`
	Healthy   bool   `json:"healthy"`
	Active    bool   `json:"active"`
	Error     string `json:"error,omitempty"`
}

// HealthMonitor probes builders off the submission path. Concurrent probes of one builder share
// a single request and the outcome is cached for a while.
type HealthMonitor struct {
	log     *zap.Logger
	manager *Manager
	probes  *spike.Manager[bool]
	// AutoToggle deactivates builders that fail a sweep and reactivates them once they recover.
	AutoToggle bool
}

func NewHealthMonitor(log *zap.Logger, manager *Manager, cacheTTL time.Duration) *HealthMonitor {
	if cacheTTL <= 0 {
		cacheTTL = DefaultHealthCacheTTL
	}
	h := &HealthMonitor{
		log:     log,
		manager: manager,
	}
	h.probes = spike.NewManager(h.probe, cacheTTL, DefaultHealthErrCacheTTL)
	return h
}

func (h *HealthMonitor) probe(ctx context.Context, builderID string) (bool, error) {
	endpoint, ok := h.manager.Registry().GetBuilder(builderID)
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownBuilder, builderID)
	}
	client, err := h.manager.Client(endpoint)
	if err != nil {
		return false, err
	}
	healthy := client.HealthCheck(ctx)
	metrics.RecordBuilderHealth(builderID, healthy)
	return healthy, nil
}

// Check reports whether builderID answered its last probe.
func (h *HealthMonitor) Check(ctx context.Context, builderID string) (bool, error) {
	return h.probes.GetResult(ctx, builderID)
}

// Sweep probes every registered builder in parallel, inactive ones included.
func (h *HealthMonitor) Sweep(ctx context.Context) []HealthReport {
	builders := h.manager.Registry().GetAllBuilders()
	reports := make([]HealthReport, len(builders))

	var wg sync.WaitGroup
	for idx, endpoint := range builders {
		wg.Add(1)
		go func(idx int, endpoint BuilderEndpoint) {
			defer wg.Done()
			report := HealthReport{BuilderID: endpoint.ID, Active: endpoint.Active}
			healthy, err := h.Check(ctx, endpoint.ID)
			if err != nil {
				report.Error = err.Error()
			}
			report.Healthy = healthy
			reports[idx] = report
		}(idx, endpoint)
	}
	wg.Wait()

	if !h.AutoToggle {
		return reports
	}
	registry := h.manager.Registry()
	for i, r := range reports {
		switch {
		case r.Healthy && !r.Active:
			registry.Activate(r.BuilderID)
			reports[i].Active = true
			h.log.Info("Builder recovered, activating", zap.String("builder", r.BuilderID))
		case !r.Healthy && r.Active:
			registry.Deactivate(r.BuilderID)
			reports[i].Active = false
			h.log.Warn("Builder unhealthy, deactivating", zap.String("builder", r.BuilderID), zap.String("error", r.Error))
		}
	}
	return reports
}

// Run sweeps every interval until ctx is done.
func (h *HealthMonitor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Sweep(ctx)
		}
	}
}

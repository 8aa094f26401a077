// Package harvester schedules background harvests so market pools track
// external yield without manual calls.
package harvester

import (
	"context"
	"errors"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/nodepass-labs/yieldpass/internal/app/adapter"
	"github.com/nodepass-labs/yieldpass/internal/app/metrics"
	enginesvc "github.com/nodepass-labs/yieldpass/internal/app/services/engine"
	marketsvc "github.com/nodepass-labs/yieldpass/internal/app/services/markets"
	"github.com/nodepass-labs/yieldpass/internal/app/system"
	"github.com/nodepass-labs/yieldpass/pkg/logger"
)

// Harvester runs engine harvests on a cron schedule for every market whose
// adapter has not reported completion yet.
type Harvester struct {
	engine   *enginesvc.Service
	registry *marketsvc.Service
	schedule string
	log      *logger.Logger

	mu        sync.Mutex
	cron      *cron.Cron
	running   bool
	completed map[string]bool
}

var _ system.Service = (*Harvester)(nil)

// New builds a harvester with a cron schedule (e.g. "@every 1m").
func New(engine *enginesvc.Service, registry *marketsvc.Service, schedule string, log *logger.Logger) *Harvester {
	if log == nil {
		log = logger.NewDefault("harvester")
	}
	if schedule == "" {
		schedule = "@every 1m"
	}
	return &Harvester{
		engine:    engine,
		registry:  registry,
		schedule:  schedule,
		log:       log,
		completed: make(map[string]bool),
	}
}

func (h *Harvester) Name() string { return "harvester" }

// Start registers the cron entry and begins scheduling.
func (h *Harvester) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return nil
	}

	runner := cron.New()
	if _, err := runner.AddFunc(h.schedule, func() { h.tick(context.Background()) }); err != nil {
		return err
	}
	runner.Start()

	h.cron = runner
	h.running = true
	h.log.Infof("harvester started with schedule %q", h.schedule)
	return nil
}

// Stop halts scheduling and waits for an in-flight tick to finish.
func (h *Harvester) Stop(ctx context.Context) error {
	h.mu.Lock()
	runner := h.cron
	h.running = false
	h.cron = nil
	h.mu.Unlock()

	if runner == nil {
		return nil
	}

	stopCtx := runner.Stop()
	select {
	case <-stopCtx.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Harvester) tick(ctx context.Context) {
	markets, err := h.registry.List(ctx)
	if err != nil {
		h.log.WithError(err).Warn("list markets failed")
		return
	}

	for _, m := range markets {
		if h.isCompleted(m.ID) {
			continue
		}

		amount, err := h.engine.Harvest(ctx, m.ID, nil)
		if err != nil {
			if errors.Is(err, adapter.ErrHarvestCompleted) {
				h.markCompleted(m.ID)
				h.log.WithField("market_id", m.ID).Info("harvest complete; market settled")
				continue
			}
			metrics.RecordHarvestRun(false)
			h.log.WithError(err).Warnf("harvest failed for market %s", m.ID)
			continue
		}
		metrics.RecordHarvestRun(true)
		if amount != "0" {
			h.log.WithField("market_id", m.ID).
				WithField("amount", amount).
				Info("scheduled harvest")
		}
	}
}

func (h *Harvester) isCompleted(marketID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.completed[marketID]
}

func (h *Harvester) markCompleted(marketID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.completed[marketID] = true
}

// RunOnce triggers a single harvest pass immediately.
func (h *Harvester) RunOnce(ctx context.Context) {
	h.tick(ctx)
}

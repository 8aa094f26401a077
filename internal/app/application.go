package app

import (
	"context"
	"fmt"

	"github.com/nodepass-labs/yieldpass/internal/app/adapter"
	"github.com/nodepass-labs/yieldpass/internal/app/events"
	enginesvc "github.com/nodepass-labs/yieldpass/internal/app/services/engine"
	"github.com/nodepass-labs/yieldpass/internal/app/services/harvester"
	marketsvc "github.com/nodepass-labs/yieldpass/internal/app/services/markets"
	tokensvc "github.com/nodepass-labs/yieldpass/internal/app/services/tokens"
	"github.com/nodepass-labs/yieldpass/internal/app/storage"
	"github.com/nodepass-labs/yieldpass/internal/app/storage/memory"
	"github.com/nodepass-labs/yieldpass/internal/app/system"
	"github.com/nodepass-labs/yieldpass/pkg/logger"
)

// Stores encapsulates persistence dependencies. Nil stores default to the
// in-memory implementation.
type Stores struct {
	Markets     storage.MarketStore
	Tokens      storage.TokenStore
	Redemptions storage.RedemptionStore
	Events      storage.EventStore
}

// Options tunes optional application behaviour.
type Options struct {
	// HarvestSchedule is a cron expression for the background harvester.
	// Empty disables scheduled harvesting.
	HarvestSchedule string
	// Adapters overrides the default adapter registry.
	Adapters *adapter.Registry
}

// Application ties the engine services together and manages their lifecycle.
type Application struct {
	manager *system.Manager
	log     *logger.Logger

	Adapters  *adapter.Registry
	Bus       *events.Bus
	Events    storage.EventStore
	Markets   *marketsvc.Service
	Tokens    *tokensvc.Service
	Engine    *enginesvc.Service
	Harvester *harvester.Harvester
}

// New builds a fully initialised application with the provided stores.
func New(stores Stores, opts Options, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("app")
	}

	mem := memory.New()
	if stores.Markets == nil {
		stores.Markets = mem
	}
	if stores.Tokens == nil {
		stores.Tokens = mem
	}
	if stores.Redemptions == nil {
		stores.Redemptions = mem
	}
	if stores.Events == nil {
		stores.Events = mem
	}

	registry := opts.Adapters
	if registry == nil {
		registry = adapter.NewRegistry()
		registry.Register("stakingpool", adapter.StakingPoolFactory("yield-token"))
	}

	manager := system.NewManager()
	bus := events.NewBus(log)
	recorder := events.NewRecorder(stores.Events, bus, log)

	marketService := marketsvc.New(stores.Markets, registry, recorder, log)
	tokenService := tokensvc.New(stores.Tokens, log)
	engineService := enginesvc.New(marketService, tokenService, stores.Markets, stores.Redemptions, recorder, log)

	for _, name := range []string{"markets", "tokens", "engine"} {
		if err := manager.Register(system.NoopService{ServiceName: name}); err != nil {
			return nil, fmt.Errorf("register %s service: %w", name, err)
		}
	}

	var harvestRunner *harvester.Harvester
	if opts.HarvestSchedule != "" {
		harvestRunner = harvester.New(engineService, marketService, opts.HarvestSchedule, log)
		if err := manager.Register(harvestRunner); err != nil {
			return nil, fmt.Errorf("register harvester: %w", err)
		}
	} else {
		log.Warn("harvest schedule not set; scheduled harvesting disabled")
	}

	return &Application{
		manager:   manager,
		log:       log,
		Adapters:  registry,
		Bus:       bus,
		Events:    stores.Events,
		Markets:   marketService,
		Tokens:    tokenService,
		Engine:    engineService,
		Harvester: harvestRunner,
	}, nil
}

// Attach registers an additional lifecycle-managed service. Call before Start.
func (a *Application) Attach(service system.Service) error {
	return a.manager.Register(service)
}

// Start begins all registered services.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop stops all services.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}

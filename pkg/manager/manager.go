package manager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/cumulus/pkg/cloud"
	"github.com/cuemby/cumulus/pkg/cloud/ec2"
	"github.com/cuemby/cumulus/pkg/cloud/fake"
	"github.com/cuemby/cumulus/pkg/cloud/hcloud"
	"github.com/cuemby/cumulus/pkg/config"
	"github.com/cuemby/cumulus/pkg/events"
	"github.com/cuemby/cumulus/pkg/handlers"
	"github.com/cuemby/cumulus/pkg/log"
	"github.com/cuemby/cumulus/pkg/metrics"
	"github.com/cuemby/cumulus/pkg/reconciler"
	"github.com/cuemby/cumulus/pkg/security"
	"github.com/cuemby/cumulus/pkg/storage"
	"github.com/cuemby/cumulus/pkg/types"
	"github.com/cuemby/cumulus/pkg/worker"
)

var (
	// ErrInvalidState is returned for a requested state that is not defined
	ErrInvalidState = errors.New("invalid UCI state")

	// ErrNeedsReset is returned when work is requested for a UCI in error
	ErrNeedsReset = errors.New("uci is in error state and must be reset first")

	// ErrNotInError is returned by Reset for a UCI that has not failed
	ErrNotInError = errors.New("uci is not in error state")
)

// collectorInterval is how often the UCI state gauges are refreshed
const collectorInterval = 15 * time.Second

// Manager is the composition root of the orchestrator. It owns the store,
// the worker pool, the reconciler and the event broker.
type Manager struct {
	cfg    *config.Config
	logger zerolog.Logger

	store       storage.Store
	registry    *cloud.Registry
	locks       *storage.KeyedMutex
	eventBroker *events.Broker
	dispatcher  *handlers.Dispatcher
	pool        *worker.Pool
	reconciler  *reconciler.Reconciler
	collector   *metrics.Collector

	mu      sync.Mutex
	started bool
	stopped bool
}

// NewManager opens the store under cfg.DataDir and wires every component.
// Nothing runs until Start is called.
func NewManager(cfg *config.Config) (*Manager, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	var opts []storage.Option
	if cfg.SecretsKey != "" {
		sm, err := security.NewSecretsManagerFromPassword(cfg.SecretsKey)
		if err != nil {
			return nil, fmt.Errorf("failed to create secrets manager: %w", err)
		}
		opts = append(opts, storage.WithSealer(sm))
	}

	store, err := storage.NewBoltStore(cfg.DataDir, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}

	registry := cloud.NewRegistry()
	registry.Register(types.ProviderEC2, ec2.Dial)
	registry.Register(types.ProviderEucalyptus, ec2.Dial)
	registry.Register(types.ProviderHCloud, hcloud.Dial)
	if cfg.Provider.Type == string(types.ProviderFake) {
		registry.Register(types.ProviderFake, fake.New().Dial)
	}

	locks := storage.NewKeyedMutex()
	eventBroker := events.NewBroker()

	dispatcher := handlers.NewDispatcher(&handlers.Deps{
		Store:  store,
		Dialer: registry,
		Events: eventBroker,
		Settings: handlers.Settings{
			DefaultZone:              cfg.DefaultZone,
			SecurityGroup:            cfg.SecurityGroup.Name,
			SecurityGroupDescription: cfg.SecurityGroup.Description,
			IngressRules:             cfg.IngressRules(),
			KeyPairPrefix:            cfg.KeyPairPrefix,
			DefaultInstanceType:      cfg.DefaultInstance,
			Architecture:             cfg.Architecture,
		},
	}, cfg.BackendTimeout)

	m := &Manager{
		cfg:         cfg,
		logger:      log.WithComponent("manager"),
		store:       store,
		registry:    registry,
		locks:       locks,
		eventBroker: eventBroker,
		dispatcher:  dispatcher,
		pool: worker.NewPool(worker.Config{
			Size:       cfg.Workers,
			Store:      store,
			Dispatcher: dispatcher,
			Locks:      locks,
		}),
		reconciler: reconciler.NewReconciler(reconciler.Config{
			Store:         store,
			Dialer:        registry,
			Locks:         locks,
			Events:        eventBroker,
			Interval:      cfg.ReconcileInterval,
			ZombieTimeout: cfg.ZombieTimeout,
		}),
		collector: metrics.NewCollector(store, collectorInterval),
	}
	return m, nil
}

// Store returns the resource repository
func (m *Manager) Store() storage.Store { return m.store }

// Registry returns the provider registry so embedders can add backends
func (m *Manager) Registry() *cloud.Registry { return m.registry }

// Events returns the event broker
func (m *Manager) Events() *events.Broker { return m.eventBroker }

// Start launches the event broker, the workers, the reconciler and the
// metrics collector
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started || m.stopped {
		return
	}
	m.started = true

	m.eventBroker.Start()
	m.pool.Start()
	m.reconciler.Start()
	m.collector.Start()

	m.logger.Info().
		Int("workers", m.cfg.Workers).
		Dur("reconcile_interval", m.cfg.ReconcileInterval).
		Str("data_dir", m.cfg.DataDir).
		Msg("Manager started")
}

// GetUCI returns the persisted UCI
func (m *Manager) GetUCI(id string) (*types.UCI, error) {
	return m.store.GetUCI(id)
}

// Enqueue queues work for a UCI whose requested state was just changed.
// A UI pending suffix on the stored state is stripped and the canonical
// state persisted before the job is queued.
func (m *Manager) Enqueue(ctx context.Context, uciID string) error {
	uci, err := m.store.UpdateUCIFunc(uciID, func(u *types.UCI) error {
		state, ok := types.NormalizeUCIState(string(u.State))
		if !ok {
			return fmt.Errorf("%w: %q", ErrInvalidState, u.State)
		}
		if state == u.State {
			return storage.ErrNoChange
		}
		u.State = state
		return nil
	})
	if err != nil {
		return err
	}
	return m.queue(ctx, uci)
}

// Request records a requested state for a UCI and queues it. The state may
// carry the UI pending suffix.
func (m *Manager) Request(ctx context.Context, uciID, requested string) error {
	state, ok := types.NormalizeUCIState(requested)
	if !ok {
		return fmt.Errorf("%w: %q", ErrInvalidState, requested)
	}

	uci, err := m.store.UpdateUCIFunc(uciID, func(u *types.UCI) error {
		if u.State == types.UCIStateError && state != types.UCIStateDeleting {
			return ErrNeedsReset
		}
		if u.State == state {
			return storage.ErrNoChange
		}
		u.State = state
		return nil
	})
	if err != nil {
		return err
	}

	m.logger.Info().Str("uci_id", uciID).Str("state", string(state)).Msg("UCI state requested")
	return m.queue(ctx, uci)
}

func (m *Manager) queue(ctx context.Context, uci *types.UCI) error {
	if err := m.pool.Enqueue(ctx, uci.ID); err != nil {
		return fmt.Errorf("failed to enqueue %s: %w", uci.ID, err)
	}
	m.logger.Debug().Str("uci_id", uci.ID).Str("state", string(uci.State)).Msg("UCI enqueued")
	return nil
}

// Reset clears a failed UCI. It returns to available when any of its
// volumes exists on the backend and to new otherwise, so the next enqueue
// provisions from scratch.
func (m *Manager) Reset(uciID string) (*types.UCI, error) {
	volumes, err := m.store.ListVolumesByUCI(uciID)
	if err != nil {
		return nil, err
	}
	target := types.UCIStateNew
	if slices.ContainsFunc(volumes, func(v *types.Volume) bool { return v.BackendID != "" }) {
		target = types.UCIStateAvailable
	}

	uci, err := m.store.UpdateUCIFunc(uciID, func(u *types.UCI) error {
		if u.State != types.UCIStateError {
			return fmt.Errorf("%w: %s", ErrNotInError, u.State)
		}
		u.State = target
		u.Error = ""
		u.LaunchTime = nil
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info().Str("uci_id", uciID).Str("state", string(target)).Msg("UCI reset")
	m.eventBroker.Publish(&events.Event{
		Type:     events.EventUCIStateChanged,
		UCIID:    uciID,
		Message:  fmt.Sprintf("%s -> %s", types.UCIStateError, target),
		Metadata: map[string]string{"from": string(types.UCIStateError), "to": string(target), "source": "reset"},
	})
	return uci, nil
}

// Reconcile runs one reconciliation sweep immediately
func (m *Manager) Reconcile(ctx context.Context) error {
	return m.reconciler.Sweep(ctx)
}

// QueueLen returns the number of jobs waiting for a worker
func (m *Manager) QueueLen() int {
	return m.pool.QueueLen()
}

// Shutdown drains the worker pool, stops the reconciler and closes the store
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	started := m.started
	m.mu.Unlock()

	m.logger.Info().Msg("Shutting down manager")

	if started {
		m.pool.Shutdown()
		m.reconciler.Stop()
		m.collector.Stop()
		m.eventBroker.Stop()
	}

	if err := m.store.Close(); err != nil {
		return fmt.Errorf("failed to close store: %w", err)
	}
	return nil
}

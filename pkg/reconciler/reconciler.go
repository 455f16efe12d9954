package reconciler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/cuemby/cumulus/pkg/cloud"
	"github.com/cuemby/cumulus/pkg/events"
	"github.com/cuemby/cumulus/pkg/log"
	"github.com/cuemby/cumulus/pkg/metrics"
	"github.com/cuemby/cumulus/pkg/storage"
	"github.com/cuemby/cumulus/pkg/types"
)

const (
	// DefaultInterval is the time between two sweeps
	DefaultInterval = 60 * time.Second
	// DefaultZombieTimeout is how long an instance may sit in a submitted
	// UCI before it is treated as a zombie
	DefaultZombieTimeout = 180 * time.Second
)

// ErrSweepInProgress is returned by Sweep when another sweep is running
var ErrSweepInProgress = errors.New("sweep already in progress")

var tracer = otel.Tracer("github.com/cuemby/cumulus/pkg/reconciler")

// Config configures a Reconciler
type Config struct {
	Store         storage.Store
	Dialer        cloud.Dialer
	Locks         *storage.KeyedMutex
	Events        *events.Broker
	Interval      time.Duration
	ZombieTimeout time.Duration
	// Now is the clock used for zombie ages
	Now func() time.Time
}

// Reconciler periodically re-reads every in-flight resource from the
// backend and corrects local records that drifted
type Reconciler struct {
	store         storage.Store
	dialer        cloud.Dialer
	locks         *storage.KeyedMutex
	events        *events.Broker
	interval      time.Duration
	zombieTimeout time.Duration
	now           func() time.Time
	logger        zerolog.Logger

	sweepMu  sync.Mutex
	stopCh   chan struct{}
	stopOnce sync.Once
	doneCh   chan struct{}
}

// NewReconciler creates a new reconciler
func NewReconciler(cfg Config) *Reconciler {
	r := &Reconciler{
		store:         cfg.Store,
		dialer:        cfg.Dialer,
		locks:         cfg.Locks,
		events:        cfg.Events,
		interval:      cfg.Interval,
		zombieTimeout: cfg.ZombieTimeout,
		now:           cfg.Now,
		logger:        log.WithComponent("reconciler"),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	if r.locks == nil {
		r.locks = storage.NewKeyedMutex()
	}
	if r.interval <= 0 {
		r.interval = DefaultInterval
	}
	if r.zombieTimeout <= 0 {
		r.zombieTimeout = DefaultZombieTimeout
	}
	if r.now == nil {
		r.now = func() time.Time { return time.Now().UTC() }
	}
	return r
}

// Start begins the reconciliation loop
func (r *Reconciler) Start() {
	metrics.UpdateComponent("reconciler", true, "running")
	go r.run()
}

// Stop stops the loop and waits for a running sweep to finish
func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
		<-r.doneCh
		metrics.UpdateComponent("reconciler", false, "stopped")
	})
}

// run is the main reconciliation loop
func (r *Reconciler) run() {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := r.Sweep(context.Background()); err != nil {
				r.logger.Error().Err(err).Msg("Reconciliation sweep failed")
			}
		case <-r.stopCh:
			return
		}
	}
}

// Sweep performs one reconciliation cycle. Only one sweep runs at a time;
// a concurrent call returns ErrSweepInProgress.
func (r *Reconciler) Sweep(ctx context.Context) error {
	if !r.sweepMu.TryLock() {
		return ErrSweepInProgress
	}
	defer r.sweepMu.Unlock()

	ctx, span := tracer.Start(ctx, "reconciler.sweep")
	defer span.End()

	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconciliationDuration)
		metrics.ReconciliationCyclesTotal.Inc()
	}()

	work, err := r.collect()
	if err != nil {
		return err
	}
	span.SetAttributes(attribute.Int("ucis", len(work.order)))

	s := &sweep{Reconciler: r, sessions: make(map[string]*session)}
	for _, uciID := range work.order {
		release, ok := r.locks.TryLock(uciID)
		if !ok {
			metrics.ReconciliationSkippedTotal.Inc()
			r.logger.Debug().Str("uci_id", uciID).Msg("UCI busy, skipped this sweep")
			continue
		}
		s.reconcileUCI(ctx, uciID, work)
		release()
	}

	r.logger.Debug().
		Int("ucis", len(work.order)).
		Dur("duration", timer.Duration()).
		Msg("Reconciliation sweep complete")
	return nil
}

// workset is the set of in-flight records one sweep looks at, grouped by UCI
type workset struct {
	order     []string
	instances map[string][]*types.Instance
	volumes   map[string][]*types.Volume
	snapshots map[string][]*types.Snapshot
	submitted map[string]bool
}

func (w *workset) add(uciID string) {
	if !slices.Contains(w.order, uciID) {
		w.order = append(w.order, uciID)
	}
}

func (r *Reconciler) collect() (*workset, error) {
	w := &workset{
		instances: make(map[string][]*types.Instance),
		volumes:   make(map[string][]*types.Volume),
		snapshots: make(map[string][]*types.Snapshot),
		submitted: make(map[string]bool),
	}

	instances, err := r.store.ListInstancesByState(
		types.InstanceStateRunning,
		types.InstanceStatePending,
		types.InstanceStateShuttingDown,
		types.InstanceStateStopping,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	for _, inst := range instances {
		w.instances[inst.UCIID] = append(w.instances[inst.UCIID], inst)
		w.add(inst.UCIID)
	}

	volumes, err := r.store.ListVolumesByStatus(
		types.VolumeStatusInUse,
		types.VolumeStatusCreating,
		types.VolumeStatusUnknown,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list volumes: %w", err)
	}
	for _, vol := range volumes {
		w.volumes[vol.UCIID] = append(w.volumes[vol.UCIID], vol)
		w.add(vol.UCIID)
	}

	snapshots, err := r.store.ListSnapshotsByStatus(types.SnapshotStatusPending, types.SnapshotStatusDelete)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	for _, snap := range snapshots {
		w.snapshots[snap.UCIID] = append(w.snapshots[snap.UCIID], snap)
		w.add(snap.UCIID)
	}

	submitted, err := r.store.ListUCIsByState(types.UCIStateSubmitted)
	if err != nil {
		return nil, fmt.Errorf("failed to list submitted UCIs: %w", err)
	}
	for _, uci := range submitted {
		w.submitted[uci.ID] = true
		w.add(uci.ID)
	}

	return w, nil
}

// session is a backend connection shared by every UCI of one credential
// during a sweep
type session struct {
	conn cloud.Connector
	err  error
}

// sweep holds the state of one reconciliation cycle
type sweep struct {
	*Reconciler
	sessions map[string]*session
}

func (s *sweep) connect(ctx context.Context, uci *types.UCI) (cloud.Connector, error) {
	if sess, ok := s.sessions[uci.CredentialsID]; ok {
		return sess.conn, sess.err
	}

	sess := &session{}
	creds, err := s.store.GetCredentials(uci.CredentialsID)
	if err != nil {
		sess.err = err
	} else {
		sess.conn, sess.err = s.dialer.Dial(ctx, creds)
	}
	s.sessions[uci.CredentialsID] = sess
	return sess.conn, sess.err
}

func (s *sweep) reconcileUCI(ctx context.Context, uciID string, w *workset) {
	ctx, span := tracer.Start(ctx, "reconciler.uci", trace.WithAttributes(attribute.String("uci.id", uciID)))
	defer span.End()

	uci, err := s.store.GetUCI(uciID)
	if err != nil {
		s.logger.Error().Err(err).Str("uci_id", uciID).Msg("Failed to load UCI")
		return
	}
	if uci.State == types.UCIStateDeleted {
		return
	}

	conn, err := s.connect(ctx, uci)
	if err != nil {
		metrics.BackendErrorsTotal.WithLabelValues(string(cloud.Classify(err))).Inc()
		s.logger.Warn().Err(err).Str("uci_id", uciID).Msg("No backend session, skipping UCI")
		return
	}

	s.reconcileInstances(ctx, conn, uciID, w.instances[uciID])
	s.reconcileVolumes(ctx, conn, uciID, w.volumes[uciID])
	s.reconcileSnapshots(ctx, conn, uciID, w.snapshots[uciID])
	if w.submitted[uciID] {
		s.reconcileZombies(ctx, conn, uciID)
	}
}

// updateUCI applies fn to the latest UCI and writes it only if something
// changed. State changes are logged and published.
func (s *sweep) updateUCI(uciID string, fn func(u *types.UCI)) {
	logger := log.WithUCIID(s.logger, uciID)
	var from, to types.UCIState
	_, err := s.store.UpdateUCIFunc(uciID, func(u *types.UCI) error {
		before := *u
		fn(u)
		if *u == before {
			return storage.ErrNoChange
		}
		from, to = before.State, u.State
		return nil
	})
	if err != nil {
		logger.Error().Err(err).Msg("Failed to update UCI")
		return
	}
	if from == to {
		return
	}

	logger.Info().Str("from", string(from)).Str("to", string(to)).Msg("UCI state corrected")
	eventType := events.EventUCIStateChanged
	if to == types.UCIStateError {
		eventType = events.EventUCIError
	}
	s.events.Publish(&events.Event{
		Type:     eventType,
		UCIID:    uciID,
		Message:  fmt.Sprintf("%s -> %s", from, to),
		Metadata: map[string]string{"from": string(from), "to": string(to), "source": "reconciler"},
	})
}

// failUCI moves a UCI to error with msg, unless it already failed
func (s *sweep) failUCI(uciID, msg string) {
	s.updateUCI(uciID, func(u *types.UCI) {
		if u.State == types.UCIStateError {
			return
		}
		u.State = types.UCIStateError
		u.Error = msg
	})
}

// transient reports whether err says nothing about the resource itself
func transient(err error) bool {
	return cloud.IsConnection(err) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}

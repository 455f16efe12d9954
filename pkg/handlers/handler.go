package handlers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/cumulus/pkg/cloud"
	"github.com/cuemby/cumulus/pkg/events"
	"github.com/cuemby/cumulus/pkg/log"
	"github.com/cuemby/cumulus/pkg/metrics"
	"github.com/cuemby/cumulus/pkg/storage"
	"github.com/cuemby/cumulus/pkg/types"
)

var (
	// ErrStateChanged is returned when the UCI left the state a handler
	// was dispatched for before the handler could act
	ErrStateChanged = errors.New("uci state changed")

	// ErrRejected is returned when a handler refuses to act on a UCI in error
	ErrRejected = errors.New("uci is in error state")
)

// Handler performs the backend work for one UCI state
type Handler interface {
	// Name identifies the handler in logs, metrics and spans
	Name() string
	// Handle runs one backend-call lifecycle for uci. Contained failures are
	// recorded on the affected records and also returned.
	Handle(ctx context.Context, uci *types.UCI) error
}

// Settings carries the configuration handlers read
type Settings struct {
	DefaultZone              string
	SecurityGroup            string
	SecurityGroupDescription string
	IngressRules             []cloud.IngressRule
	KeyPairPrefix            string
	DefaultInstanceType      string
	// Architecture picks the image architecture for an instance type
	Architecture func(instanceType string) string
}

// Deps are the collaborators shared by all handlers
type Deps struct {
	Store    storage.Store
	Dialer   cloud.Dialer
	Events   *events.Broker
	Settings Settings
	Now      func() time.Time
}

// base implements the bookkeeping every handler shares
type base struct {
	*Deps
	name   string
	logger zerolog.Logger
}

func newBase(deps *Deps, name string) base {
	if deps.Now == nil {
		deps.Now = func() time.Time { return time.Now().UTC() }
	}
	return base{Deps: deps, name: name, logger: log.WithComponent("handler." + name)}
}

func (b *base) Name() string { return b.name }

// session loads the UCI's credentials and dials a fresh backend session
func (b *base) session(ctx context.Context, uci *types.UCI) (cloud.Connector, *types.Credentials, error) {
	creds, err := b.Store.GetCredentials(uci.CredentialsID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load credentials %s: %w", uci.CredentialsID, err)
	}
	conn, err := b.Dialer.Dial(ctx, creds)
	if err != nil {
		return nil, nil, err
	}
	return conn, creds, nil
}

// transition moves the UCI from one state to another in a single
// read-modify-write. mutate may adjust other fields; it runs after the
// state is set. A UCI no longer in from is left alone and ErrStateChanged
// is returned.
func (b *base) transition(uciID string, from, to types.UCIState, mutate func(*types.UCI)) (*types.UCI, error) {
	uci, err := b.Store.UpdateUCIFunc(uciID, func(u *types.UCI) error {
		if u.State != from {
			return ErrStateChanged
		}
		before := *u
		u.State = to
		if mutate != nil {
			mutate(u)
		}
		if *u == before {
			return storage.ErrNoChange
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if from != to {
		logger := log.WithUCIID(b.logger, uciID)
		logger.Info().
			Str("from", string(from)).
			Str("to", string(to)).
			Msg("UCI state changed")
		b.Events.Publish(&events.Event{
			Type:     events.EventUCIStateChanged,
			UCIID:    uciID,
			Message:  fmt.Sprintf("%s -> %s", from, to),
			Metadata: map[string]string{"from": string(from), "to": string(to)},
		})
	}
	return uci, nil
}

// fail records cause on the UCI and moves it to error. The returned error
// wraps cause so callers can hand it straight back to the worker.
func (b *base) fail(uciID string, cause error) error {
	kind := cloud.Classify(cause)
	metrics.BackendErrorsTotal.WithLabelValues(string(kind)).Inc()

	logger := log.WithUCIID(b.logger, uciID)
	_, err := b.Store.UpdateUCIFunc(uciID, func(u *types.UCI) error {
		u.State = types.UCIStateError
		u.Error = cause.Error()
		return nil
	})
	if err != nil {
		logger.Error().Err(err).Msg("Failed to record UCI error")
	}

	logger.Error().Err(cause).Str("kind", string(kind)).Msg("UCI failed")
	b.Events.Publish(&events.Event{
		Type:     events.EventUCIError,
		UCIID:    uciID,
		Message:  cause.Error(),
		Metadata: map[string]string{"kind": string(kind), "handler": b.name},
	})
	return fmt.Errorf("%s %s: %w", b.name, uciID, cause)
}

// expect re-reads the UCI and refuses to act unless it is still in state
func (b *base) expect(uci *types.UCI, state types.UCIState) (*types.UCI, error) {
	current, err := b.Store.GetUCI(uci.ID)
	if err != nil {
		return nil, err
	}
	if current.State == types.UCIStateError {
		return nil, ErrRejected
	}
	if current.State != state {
		return nil, fmt.Errorf("%w: expected %s, found %s", ErrStateChanged, state, current.State)
	}
	return current, nil
}

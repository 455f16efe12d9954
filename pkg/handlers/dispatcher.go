package handlers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/cuemby/cumulus/pkg/metrics"
	"github.com/cuemby/cumulus/pkg/types"
)

// ErrUnknownState is returned for a UCI whose state is not a defined state
var ErrUnknownState = errors.New("unknown uci state")

var tracer = otel.Tracer("github.com/cuemby/cumulus/pkg/handlers")

// Dispatcher routes a UCI to the handler for its current state
type Dispatcher struct {
	create   Handler
	delete   Handler
	start    Handler
	stop     Handler
	snapshot Handler
	timeout  time.Duration
}

// NewDispatcher wires the five state handlers. timeout bounds each handler
// invocation; zero means no bound.
func NewDispatcher(deps *Deps, timeout time.Duration) *Dispatcher {
	return &Dispatcher{
		create:   NewCreateHandler(deps),
		delete:   NewDeleteHandler(deps),
		start:    NewStartHandler(deps),
		stop:     NewStopHandler(deps),
		snapshot: NewSnapshotHandler(deps),
		timeout:  timeout,
	}
}

// Route returns the handler for state, or nil when the state needs no
// worker action
func (d *Dispatcher) Route(state types.UCIState) (Handler, error) {
	switch state {
	case types.UCIStateNew:
		return d.create, nil
	case types.UCIStateDeleting:
		return d.delete, nil
	case types.UCIStateSubmitted:
		return d.start, nil
	case types.UCIStateShuttingDown:
		return d.stop, nil
	case types.UCIStateSnapshot:
		return d.snapshot, nil
	case types.UCIStateCreating,
		types.UCIStateAvailable,
		types.UCIStatePending,
		types.UCIStateRunning,
		types.UCIStateDeleted,
		types.UCIStateError:
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownState, state)
	}
}

// Dispatch runs the handler for uci's current state
func (d *Dispatcher) Dispatch(ctx context.Context, uci *types.UCI) error {
	h, err := d.Route(uci.State)
	if err != nil {
		return err
	}
	if h == nil {
		metrics.JobsTotal.WithLabelValues("none", "noop").Inc()
		return nil
	}

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	ctx, span := tracer.Start(ctx, "handler."+h.Name(), trace.WithAttributes(
		attribute.String("uci.id", uci.ID),
		attribute.String("uci.state", string(uci.State)),
	))
	defer span.End()

	timer := metrics.NewTimer()
	err = h.Handle(ctx, uci)
	timer.ObserveDurationVec(metrics.HandlerDuration, h.Name())

	switch {
	case err == nil:
		metrics.JobsTotal.WithLabelValues(h.Name(), "success").Inc()
	case errors.Is(err, ErrStateChanged):
		metrics.JobsTotal.WithLabelValues(h.Name(), "skipped").Inc()
	default:
		metrics.JobsTotal.WithLabelValues(h.Name(), "error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

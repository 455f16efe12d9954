package handlers

import (
	"context"
	"fmt"
	"strings"

	"github.com/cuemby/cumulus/pkg/types"
)

// StopHandler shuts down the compute instances of a UCI
type StopHandler struct {
	base
}

// NewStopHandler creates a StopHandler
func NewStopHandler(deps *Deps) *StopHandler {
	return &StopHandler{base: newBase(deps, "stop")}
}

// Handle stops every instance that has a backend id. An instance whose stop
// call fails is left unchanged and the failure is recorded on the UCI; the
// remaining instances are still stopped. The UCI launch time is always
// cleared.
func (h *StopHandler) Handle(ctx context.Context, uci *types.UCI) error {
	uci, err := h.expect(uci, types.UCIStateShuttingDown)
	if err != nil {
		return err
	}

	conn, _, err := h.session(ctx, uci)
	if err != nil {
		return h.fail(uci.ID, err)
	}

	instances, err := h.Store.ListInstancesByUCI(uci.ID)
	if err != nil {
		return h.fail(uci.ID, err)
	}

	var failed []string
	for _, inst := range instances {
		if inst.BackendID == "" || inst.State == types.InstanceStateTerminated {
			continue
		}

		stopped, err := conn.StopInstances(ctx, inst.BackendID)
		if err != nil {
			h.logger.Error().Err(err).Str("uci_id", uci.ID).Str("instance_id", inst.BackendID).Msg("Failed to stop instance")
			failed = append(failed, fmt.Sprintf("%s: %v", inst.BackendID, err))
			continue
		}

		state := types.InstanceStateShuttingDown
		if len(stopped) > 0 && stopped[0].State != "" {
			state = types.InstanceState(stopped[0].State)
		}
		now := h.Now()
		if _, err := h.Store.UpdateInstanceFunc(inst.ID, func(i *types.Instance) error {
			i.State = state
			i.StopTime = &now
			return nil
		}); err != nil {
			h.logger.Error().Err(err).Str("instance", inst.ID).Msg("Failed to record instance stop")
		}
		h.logger.Info().Str("uci_id", uci.ID).Str("instance_id", inst.BackendID).Str("state", string(state)).Msg("Instance stopping")
	}

	if len(failed) > 0 {
		if _, err := h.Store.UpdateUCIFunc(uci.ID, func(u *types.UCI) error {
			u.LaunchTime = nil
			return nil
		}); err != nil {
			h.logger.Error().Err(err).Str("uci_id", uci.ID).Msg("Failed to clear launch time")
		}
		return h.fail(uci.ID, fmt.Errorf("failed to stop instances: %s", strings.Join(failed, "; ")))
	}

	instances, err = h.Store.ListInstancesByUCI(uci.ID)
	if err != nil {
		return h.fail(uci.ID, err)
	}
	_, err = h.transition(uci.ID, types.UCIStateShuttingDown, types.AggregateInstanceState(instances), func(u *types.UCI) {
		u.LaunchTime = nil
	})
	return err
}

package handlers

import (
	"context"
	"fmt"
	"strings"

	"github.com/cuemby/cumulus/pkg/types"
)

// DeleteHandler releases the backend storage of a UCI
type DeleteHandler struct {
	base
}

// NewDeleteHandler creates a DeleteHandler
func NewDeleteHandler(deps *Deps) *DeleteHandler {
	return &DeleteHandler{base: newBase(deps, "delete")}
}

// Handle deletes every volume of the UCI, continuing past individual
// failures. The UCI is deleted only when every volume is gone.
func (h *DeleteHandler) Handle(ctx context.Context, uci *types.UCI) error {
	uci, err := h.expect(uci, types.UCIStateDeleting)
	if err != nil {
		return err
	}

	conn, _, err := h.session(ctx, uci)
	if err != nil {
		return h.fail(uci.ID, err)
	}

	volumes, err := h.Store.ListVolumesByUCI(uci.ID)
	if err != nil {
		return h.fail(uci.ID, err)
	}

	var deleted, failed []string
	for _, vol := range volumes {
		if vol.Status == types.VolumeStatusDeleted {
			continue
		}

		if vol.BackendID != "" {
			if err := conn.DeleteVolume(ctx, vol.BackendID); err != nil {
				h.logger.Error().Err(err).Str("uci_id", uci.ID).Str("volume_id", vol.BackendID).Msg("Failed to delete volume")
				failed = append(failed, vol.BackendID)
				_, _ = h.Store.UpdateVolumeFunc(vol.ID, func(v *types.Volume) error {
					v.Status = types.VolumeStatusError
					v.Error = err.Error()
					return nil
				})
				continue
			}
			deleted = append(deleted, vol.BackendID)
		}

		if _, err := h.Store.UpdateVolumeFunc(vol.ID, func(v *types.Volume) error {
			v.Status = types.VolumeStatusDeleted
			v.Error = ""
			return nil
		}); err != nil {
			h.logger.Error().Err(err).Str("volume", vol.ID).Msg("Failed to record volume deletion")
		}
	}

	if len(failed) > 0 {
		return h.fail(uci.ID, fmt.Errorf("failed to delete volumes [%s]; deleted [%s]",
			strings.Join(failed, ", "), strings.Join(deleted, ", ")))
	}

	h.logger.Info().Str("uci_id", uci.ID).Strs("volumes", deleted).Msg("UCI storage deleted")
	_, err = h.transition(uci.ID, types.UCIStateDeleting, types.UCIStateDeleted, func(u *types.UCI) {
		u.Error = ""
		u.LaunchTime = nil
	})
	return err
}

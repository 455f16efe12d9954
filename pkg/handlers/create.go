package handlers

import (
	"context"
	"fmt"

	"github.com/cuemby/cumulus/pkg/cloud"
	"github.com/cuemby/cumulus/pkg/types"
)

// CreateHandler provisions the storage of a new UCI
type CreateHandler struct {
	base
}

// NewCreateHandler creates a CreateHandler
func NewCreateHandler(deps *Deps) *CreateHandler {
	return &CreateHandler{base: newBase(deps, "create")}
}

// Handle creates one backend volume per volume record that has none yet,
// then mirrors the reported volume status onto the UCI
func (h *CreateHandler) Handle(ctx context.Context, uci *types.UCI) error {
	uci, err := h.expect(uci, types.UCIStateNew)
	if err != nil {
		return err
	}

	conn, _, err := h.session(ctx, uci)
	if err != nil {
		return h.fail(uci.ID, err)
	}

	zone := uci.Zone
	if zone == "" {
		zone = h.Settings.DefaultZone
	}
	uci, err = h.transition(uci.ID, types.UCIStateNew, types.UCIStateCreating, func(u *types.UCI) {
		u.Zone = zone
		u.Error = ""
	})
	if err != nil {
		return err
	}

	volumes, err := h.Store.ListVolumesByUCI(uci.ID)
	if err != nil {
		return h.fail(uci.ID, err)
	}
	if len(volumes) == 0 {
		if uci.TotalSize <= 0 {
			return h.fail(uci.ID, cloud.Validationf("uci %s requests no storage", uci.ID))
		}
		vol := &types.Volume{UCIID: uci.ID, Size: uci.TotalSize, Zone: zone}
		if err := h.Store.CreateVolume(vol); err != nil {
			return h.fail(uci.ID, err)
		}
		volumes = append(volumes, vol)
	}

	var backendIDs []string
	byBackendID := make(map[string]string)
	for _, vol := range volumes {
		if vol.BackendID != "" {
			continue
		}
		volZone := vol.Zone
		if volZone == "" {
			volZone = zone
		}

		created, err := conn.CreateVolume(ctx, vol.Size, volZone)
		if err != nil {
			h.markVolumeError(vol.ID, err)
			return h.fail(uci.ID, fmt.Errorf("failed to create volume %s: %w", vol.ID, err))
		}

		_, err = h.Store.UpdateVolumeFunc(vol.ID, func(v *types.Volume) error {
			v.BackendID = created.ID
			v.Zone = volZone
			v.Status = types.VolumeStatus(created.Status)
			v.Error = ""
			return nil
		})
		if err != nil {
			return h.fail(uci.ID, fmt.Errorf("failed to record volume %s: %w", created.ID, err))
		}
		h.logger.Info().Str("uci_id", uci.ID).Str("volume_id", created.ID).Int("size", vol.Size).Msg("Volume created")

		backendIDs = append(backendIDs, created.ID)
		byBackendID[created.ID] = vol.ID
	}

	if len(backendIDs) > 0 {
		fresh, err := conn.ListVolumes(ctx, backendIDs...)
		if err != nil {
			return h.fail(uci.ID, fmt.Errorf("failed to query new volumes: %w", err))
		}
		seen := make(map[string]bool, len(fresh))
		for _, bv := range fresh {
			id, ok := byBackendID[bv.ID]
			if !ok {
				continue
			}
			seen[bv.ID] = true
			if _, err := h.Store.UpdateVolumeFunc(id, func(v *types.Volume) error {
				v.Status = types.VolumeStatus(bv.Status)
				return nil
			}); err != nil {
				return h.fail(uci.ID, err)
			}
		}
		for _, backendID := range backendIDs {
			if !seen[backendID] {
				err := cloud.Inconsistent("DescribeVolumes", "created volume %s missing from the volume listing", backendID)
				h.markVolumeError(byBackendID[backendID], err)
				return h.fail(uci.ID, err)
			}
		}
	}

	volumes, err = h.Store.ListVolumesByUCI(uci.ID)
	if err != nil {
		return h.fail(uci.ID, err)
	}
	state := types.AggregateVolumeStatus(volumes)
	if state == types.UCIStateError {
		return h.fail(uci.ID, fmt.Errorf("backend reported a volume in error"))
	}

	_, err = h.transition(uci.ID, types.UCIStateCreating, state, nil)
	return err
}

func (h *CreateHandler) markVolumeError(id string, cause error) {
	_, err := h.Store.UpdateVolumeFunc(id, func(v *types.Volume) error {
		v.Status = types.VolumeStatusError
		v.Error = cause.Error()
		return nil
	})
	if err != nil {
		h.logger.Error().Err(err).Str("volume", id).Msg("Failed to record volume error")
	}
}

package handlers

import (
	"context"
	"fmt"

	"github.com/cuemby/cumulus/pkg/cloud"
	"github.com/cuemby/cumulus/pkg/types"
)

// SnapshotHandler snapshots the volumes of a UCI
type SnapshotHandler struct {
	base
}

// NewSnapshotHandler creates a SnapshotHandler
func NewSnapshotHandler(deps *Deps) *SnapshotHandler {
	return &SnapshotHandler{base: newBase(deps, "snapshot")}
}

// Handle creates a backend snapshot for every submitted snapshot record.
// The first failure aborts the rest of the batch.
func (h *SnapshotHandler) Handle(ctx context.Context, uci *types.UCI) error {
	uci, err := h.expect(uci, types.UCIStateSnapshot)
	if err != nil {
		return err
	}

	conn, _, err := h.session(ctx, uci)
	if err != nil {
		return h.fail(uci.ID, err)
	}

	snapshots, err := h.Store.ListSnapshotsByUCI(uci.ID)
	if err != nil {
		return h.fail(uci.ID, err)
	}

	for _, snap := range snapshots {
		if snap.Status != types.SnapshotStatusSubmitted {
			continue
		}
		if err := h.create(ctx, conn, uci, snap); err != nil {
			// The snapshot keeps its status; the error is recorded on the UCI
			return h.fail(uci.ID, fmt.Errorf("failed to snapshot %s: %w", snap.ID, err))
		}
	}

	_, err = h.transition(uci.ID, types.UCIStateSnapshot, types.UCIStateAvailable, nil)
	return err
}

func (h *SnapshotHandler) create(ctx context.Context, conn cloud.Connector, uci *types.UCI, snap *types.Snapshot) error {
	vol, err := h.Store.GetVolume(snap.VolumeID)
	if err != nil {
		return fmt.Errorf("failed to load volume %s: %w", snap.VolumeID, err)
	}
	if vol.BackendID == "" {
		return cloud.Validationf("volume %s has not been provisioned", vol.ID)
	}

	created, err := conn.CreateSnapshot(ctx, vol.BackendID, fmt.Sprintf("cumulus snapshot of %s (%s)", uci.Name, uci.ID))
	if err != nil {
		return err
	}
	if _, err := h.Store.UpdateSnapshotFunc(snap.ID, func(s *types.Snapshot) error {
		s.BackendID = created.ID
		s.Status = types.SnapshotStatus(created.Status)
		s.Progress = created.Progress
		return nil
	}); err != nil {
		return err
	}

	fresh, err := conn.ListSnapshots(ctx, created.ID)
	if err != nil {
		return err
	}
	if len(fresh) == 0 {
		return cloud.Inconsistent("ListSnapshots", "snapshot %s vanished after creation", created.ID)
	}
	_, err = h.Store.UpdateSnapshotFunc(snap.ID, func(s *types.Snapshot) error {
		s.Status = types.SnapshotStatus(fresh[0].Status)
		s.Progress = fresh[0].Progress
		return nil
	})
	if err == nil {
		h.logger.Info().Str("uci_id", uci.ID).Str("snapshot_id", created.ID).Str("volume_id", vol.BackendID).Msg("Snapshot created")
	}
	return err
}

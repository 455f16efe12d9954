package reconciler

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/cuemby/cumulus/pkg/cloud"
	"github.com/cuemby/cumulus/pkg/events"
	"github.com/cuemby/cumulus/pkg/metrics"
	"github.com/cuemby/cumulus/pkg/storage"
	"github.com/cuemby/cumulus/pkg/types"
)

// instanceTracking are the UCI states the reconciler may move based on what
// the backend reports for the UCI's instances. Other states belong to a
// queued or running handler.
var instanceTracking = []types.UCIState{
	types.UCIStateAvailable,
	types.UCIStatePending,
	types.UCIStateRunning,
	types.UCIStateShuttingDown,
}

func (s *sweep) reconcileInstances(ctx context.Context, conn cloud.Connector, uciID string, instances []*types.Instance) {
	if len(instances) == 0 {
		return
	}

	for _, inst := range instances {
		if inst.BackendID == "" {
			continue
		}

		found, err := conn.ListInstances(ctx, cloud.InstanceFilter{IDs: []string{inst.BackendID}})
		if err != nil {
			s.backendError(err, uciID, "instance", inst.BackendID)
			continue
		}

		if len(found) == 0 {
			s.updateInstance(inst.ID, func(i *types.Instance) {
				i.State = types.InstanceStateTerminated
				i.LaunchTime = nil
			})
			msg := fmt.Sprintf("instance %s no longer exists on the backend", inst.BackendID)
			s.updateUCI(uciID, func(u *types.UCI) {
				if u.State != types.UCIStateError {
					u.State = types.UCIStateError
					u.Error = msg
				}
				u.LaunchTime = nil
			})
			continue
		}

		observed := found[0]
		s.updateInstance(inst.ID, func(i *types.Instance) {
			i.State = types.InstanceState(observed.State)
			i.PublicAddress = observed.PublicAddress
			i.PrivateAddress = observed.PrivateAddress
			if i.LaunchTime == nil && observed.LaunchTime != nil {
				i.LaunchTime = observed.LaunchTime
			}
		})
	}

	s.trackInstances(uciID)
}

// trackInstances lets the UCI follow the aggregate state of its instances
func (s *sweep) trackInstances(uciID string) {
	all, err := s.store.ListInstancesByUCI(uciID)
	if err != nil {
		s.logger.Error().Err(err).Str("uci_id", uciID).Msg("Failed to list instances")
		return
	}
	state := types.AggregateInstanceState(all)

	s.updateUCI(uciID, func(u *types.UCI) {
		if !slices.Contains(instanceTracking, u.State) {
			return
		}
		u.State = state
		switch state {
		case types.UCIStateAvailable:
			u.LaunchTime = nil
		case types.UCIStateError:
			if u.Error == "" {
				u.Error = "instance failed"
			}
		}
	})
}

func (s *sweep) reconcileVolumes(ctx context.Context, conn cloud.Connector, uciID string, volumes []*types.Volume) {
	advance := false
	for _, vol := range volumes {
		if vol.BackendID == "" {
			continue
		}

		found, err := conn.ListVolumes(ctx, vol.BackendID)
		if err == nil && len(found) == 0 {
			err = cloud.Inconsistent("DescribeVolumes", "volume %s missing from response", vol.BackendID)
		}
		if err != nil {
			if s.backendError(err, uciID, "volume", vol.BackendID) {
				continue
			}
			s.updateVolume(vol.ID, func(v *types.Volume) {
				v.Status = types.VolumeStatusError
				v.Error = err.Error()
			})
			s.failUCI(uciID, fmt.Sprintf("volume %s: %v", vol.BackendID, err))
			continue
		}

		if vol.Status == types.VolumeStatusUnknown {
			advance = true
		}
		observed := found[0]
		s.updateVolume(vol.ID, func(v *types.Volume) {
			v.Status = types.VolumeStatus(observed.Status)
			v.InstanceID = observed.InstanceID
			v.Device = observed.Device
			if !sameTime(v.AttachTime, observed.AttachTime) {
				v.AttachTime = observed.AttachTime
			}
		})
	}

	all, err := s.store.ListVolumesByUCI(uciID)
	if err != nil || len(all) == 0 {
		return
	}
	state := types.AggregateVolumeStatus(all)

	s.updateUCI(uciID, func(u *types.UCI) {
		switch {
		case u.State == types.UCIStateCreating:
		case advance && u.State == types.UCIStateAvailable:
		default:
			return
		}
		u.State = state
		if state == types.UCIStateError && u.Error == "" {
			u.Error = "volume failed"
		}
	})
}

func (s *sweep) reconcileSnapshots(ctx context.Context, conn cloud.Connector, uciID string, snapshots []*types.Snapshot) {
	for _, snap := range snapshots {
		if snap.Status == types.SnapshotStatusDelete {
			s.deleteSnapshot(ctx, conn, uciID, snap)
			continue
		}
		if snap.BackendID == "" {
			continue
		}

		observed, err := s.fetchSnapshot(ctx, conn, snap.BackendID)
		if err != nil {
			if s.backendError(err, uciID, "snapshot", snap.BackendID) {
				continue
			}
			s.updateSnapshot(snap.ID, func(sn *types.Snapshot) {
				sn.Status = types.SnapshotStatusError
				sn.Error = err.Error()
			})
			s.failUCI(uciID, fmt.Sprintf("snapshot %s: %v", snap.BackendID, err))
			continue
		}

		s.updateSnapshot(snap.ID, func(sn *types.Snapshot) {
			sn.Status = types.SnapshotStatus(observed.Status)
			sn.Progress = observed.Progress
		})
	}
}

// deleteSnapshot honours a user's delete request. Only completed snapshots
// may be deleted; anything else is refused and marked as error.
func (s *sweep) deleteSnapshot(ctx context.Context, conn cloud.Connector, uciID string, snap *types.Snapshot) {
	if snap.BackendID != "" {
		observed, err := s.fetchSnapshot(ctx, conn, snap.BackendID)
		if err != nil {
			if s.backendError(err, uciID, "snapshot", snap.BackendID) {
				return
			}
			s.updateSnapshot(snap.ID, func(sn *types.Snapshot) {
				sn.Status = types.SnapshotStatusError
				sn.Error = err.Error()
			})
			return
		}

		if types.SnapshotStatus(observed.Status) != types.SnapshotStatusCompleted {
			s.updateSnapshot(snap.ID, func(sn *types.Snapshot) {
				sn.Status = types.SnapshotStatusError
				sn.Error = fmt.Sprintf("cannot delete snapshot in status %q", observed.Status)
			})
			return
		}

		if err := conn.DeleteSnapshot(ctx, snap.BackendID); err != nil {
			if s.backendError(err, uciID, "snapshot", snap.BackendID) {
				return
			}
			s.updateSnapshot(snap.ID, func(sn *types.Snapshot) {
				sn.Status = types.SnapshotStatusError
				sn.Error = err.Error()
			})
			return
		}
	}

	s.updateSnapshot(snap.ID, func(sn *types.Snapshot) {
		sn.Status = types.SnapshotStatusDeleted
		sn.Error = ""
	})
	s.logger.Info().Str("uci_id", uciID).Str("snapshot", snap.ID).Msg("Snapshot deleted")
	s.events.Publish(&events.Event{
		Type:     events.EventSnapshotDeleted,
		UCIID:    uciID,
		Message:  fmt.Sprintf("snapshot %s deleted", snap.ID),
		Metadata: map[string]string{"snapshot_id": snap.ID, "backend_id": snap.BackendID},
	})
}

func (s *sweep) fetchSnapshot(ctx context.Context, conn cloud.Connector, backendID string) (*cloud.Snapshot, error) {
	found, err := conn.ListSnapshots(ctx, backendID)
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, cloud.Inconsistent("DescribeSnapshots", "snapshot %s missing from response", backendID)
	}
	return found[0], nil
}

// backendError counts and logs a failed backend call. It reports true when
// the error is transient and the resource should be left for the next sweep.
func (s *sweep) backendError(err error, uciID, resource, backendID string) bool {
	kind := cloud.Classify(err)
	metrics.BackendErrorsTotal.WithLabelValues(string(kind)).Inc()

	skip := transient(err)
	s.logger.Warn().
		Err(err).
		Str("uci_id", uciID).
		Str(resource, backendID).
		Str("kind", string(kind)).
		Bool("transient", skip).
		Msg("Backend refresh failed")
	return skip
}

func (s *sweep) updateInstance(id string, fn func(*types.Instance)) {
	_, err := s.store.UpdateInstanceFunc(id, func(i *types.Instance) error {
		before := *i
		fn(i)
		if *i == before {
			return storage.ErrNoChange
		}
		return nil
	})
	if err != nil {
		s.logger.Error().Err(err).Str("instance", id).Msg("Failed to update instance")
	}
}

func (s *sweep) updateVolume(id string, fn func(*types.Volume)) {
	_, err := s.store.UpdateVolumeFunc(id, func(v *types.Volume) error {
		before := *v
		fn(v)
		if *v == before {
			return storage.ErrNoChange
		}
		return nil
	})
	if err != nil {
		s.logger.Error().Err(err).Str("volume", id).Msg("Failed to update volume")
	}
}

func (s *sweep) updateSnapshot(id string, fn func(*types.Snapshot)) {
	_, err := s.store.UpdateSnapshotFunc(id, func(sn *types.Snapshot) error {
		before := *sn
		fn(sn)
		if *sn == before {
			return storage.ErrNoChange
		}
		return nil
	})
	if err != nil {
		s.logger.Error().Err(err).Str("snapshot", id).Msg("Failed to update snapshot")
	}
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

package reconciler

import (
	"context"
	"fmt"
	"slices"

	"github.com/cuemby/cumulus/pkg/cloud"
	"github.com/cuemby/cumulus/pkg/events"
	"github.com/cuemby/cumulus/pkg/metrics"
	"github.com/cuemby/cumulus/pkg/types"
)

// reconcileZombies looks for instances a start never finished recording: the
// UCI is still submitted and the instance has not been written for longer
// than the zombie timeout.
func (s *sweep) reconcileZombies(ctx context.Context, conn cloud.Connector, uciID string) {
	uci, err := s.store.GetUCI(uciID)
	if err != nil || uci.State != types.UCIStateSubmitted {
		return
	}

	instances, err := s.store.ListInstancesByUCI(uciID)
	if err != nil {
		s.logger.Error().Err(err).Str("uci_id", uciID).Msg("Failed to list instances")
		return
	}

	now := s.now()
	found := false
	for _, inst := range instances {
		switch inst.State {
		case types.InstanceStateNone, types.InstanceStateTerminated, types.InstanceStateError:
			continue
		}
		if now.Sub(inst.UpdatedAt) < s.zombieTimeout {
			continue
		}
		found = true
		s.resolveZombie(ctx, conn, uci, inst, claimed(instances, inst))
	}
	if !found {
		return
	}

	all, err := s.store.ListInstancesByUCI(uciID)
	if err != nil {
		return
	}
	state := types.AggregateInstanceState(all)
	s.updateUCI(uciID, func(u *types.UCI) {
		if u.State != types.UCIStateSubmitted {
			return
		}
		u.State = state
		if state == types.UCIStateAvailable {
			u.LaunchTime = nil
		}
	})
}

// claimed returns the backend ids already recorded by the UCI's other instances
func claimed(instances []*types.Instance, self *types.Instance) []string {
	var ids []string
	for _, inst := range instances {
		if inst.ID != self.ID && inst.BackendID != "" {
			ids = append(ids, inst.BackendID)
		}
	}
	return ids
}

// identifiable reports whether enough of a start survived to look the
// instance up on the backend
func identifiable(inst *types.Instance) bool {
	return inst.BackendID != "" || inst.ReservationID != "" || inst.LaunchTime != nil
}

func (s *sweep) resolveZombie(ctx context.Context, conn cloud.Connector, uci *types.UCI, inst *types.Instance, taken []string) {
	logger := s.logger.With().Str("uci_id", uci.ID).Str("instance", inst.ID).Logger()

	if !identifiable(inst) {
		msg := fmt.Sprintf("instance %s was submitted but has no backend id, reservation id or launch time", inst.ID)
		s.updateInstance(inst.ID, func(i *types.Instance) {
			i.State = types.InstanceStateError
			i.Error = msg
		})
		s.failUCI(uci.ID, msg)

		metrics.ZombiesDetectedTotal.WithLabelValues("failed").Inc()
		logger.Warn().Msg("Zombie instance could not be identified")
		s.publishZombie(uci.ID, inst.ID, "failed", msg)
		return
	}

	observed, err := s.locate(ctx, conn, uci, inst, taken)
	if err != nil {
		// Backend unreachable, try again next sweep
		return
	}
	if observed == nil {
		metrics.ZombiesDetectedTotal.WithLabelValues("unresolved").Inc()
		logger.Warn().Msg("Zombie instance not found on the backend")
		s.publishZombie(uci.ID, inst.ID, "unresolved", fmt.Sprintf("instance %s could not be matched to a backend instance", inst.ID))
		return
	}

	s.updateInstance(inst.ID, func(i *types.Instance) {
		if i.BackendID == "" {
			i.BackendID = observed.ID
		}
		if i.ReservationID == "" {
			i.ReservationID = observed.ReservationID
		}
		if i.ImageID == "" {
			i.ImageID = observed.ImageID
		}
		if i.InstanceType == "" {
			i.InstanceType = observed.InstanceType
		}
		if i.LaunchTime == nil && observed.LaunchTime != nil {
			launched := *observed.LaunchTime
			i.LaunchTime = &launched
		}
		i.State = types.InstanceState(observed.State)
		i.PublicAddress = observed.PublicAddress
		i.PrivateAddress = observed.PrivateAddress
	})

	metrics.ZombiesDetectedTotal.WithLabelValues("repaired").Inc()
	logger.Info().Str("backend_id", observed.ID).Str("state", observed.State).Msg("Zombie instance repaired")
	s.publishZombie(uci.ID, inst.ID, "repaired", fmt.Sprintf("instance %s matched backend instance %s", inst.ID, observed.ID))
}

// locate finds the backend instance behind a zombie record: by backend id,
// then by reservation id, then by launch time among the instances holding
// the UCI's key pair. A failed lookup is skipped and the next one tried. It
// returns nil, nil when nothing matches and an error only when the backend
// could not be reached.
func (s *sweep) locate(ctx context.Context, conn cloud.Connector, uci *types.UCI, inst *types.Instance, taken []string) (*cloud.Instance, error) {
	var lookups []func() (*cloud.Instance, error)
	if inst.BackendID != "" {
		lookups = append(lookups, func() (*cloud.Instance, error) {
			return conn.UpdateInstance(ctx, inst.BackendID)
		})
	}
	if inst.ReservationID != "" {
		lookups = append(lookups, func() (*cloud.Instance, error) {
			return match(ctx, conn, cloud.InstanceFilter{ReservationID: inst.ReservationID}, inst, taken)
		})
	}
	if inst.LaunchTime != nil && uci.KeyPairName != "" {
		lookups = append(lookups, func() (*cloud.Instance, error) {
			return match(ctx, conn, cloud.InstanceFilter{KeyName: uci.KeyPairName}, inst, taken)
		})
	}

	for _, lookup := range lookups {
		found, err := lookup()
		if err != nil {
			if s.backendError(err, uci.ID, "instance", inst.BackendID) {
				return nil, err
			}
			continue
		}
		if found != nil {
			return found, nil
		}
	}
	return nil, nil
}

// match returns the first live instance selected by filter that agrees with
// every identifier inst already carries and is not owned by another record
func match(ctx context.Context, conn cloud.Connector, filter cloud.InstanceFilter, inst *types.Instance, taken []string) (*cloud.Instance, error) {
	found, err := conn.ListInstances(ctx, filter)
	if err != nil {
		return nil, err
	}
	for _, candidate := range found {
		switch {
		case candidate.State == string(types.InstanceStateTerminated),
			slices.Contains(taken, candidate.ID),
			inst.BackendID != "" && candidate.ID != inst.BackendID,
			inst.ReservationID != "" && candidate.ReservationID != inst.ReservationID,
			inst.LaunchTime != nil && (candidate.LaunchTime == nil || !candidate.LaunchTime.Equal(*inst.LaunchTime)):
			continue
		}
		return candidate, nil
	}
	return nil, nil
}

func (s *sweep) publishZombie(uciID, instanceID, outcome, msg string) {
	s.events.Publish(&events.Event{
		Type:     events.EventZombieDetected,
		UCIID:    uciID,
		Message:  msg,
		Metadata: map[string]string{"instance_id": instanceID, "outcome": outcome},
	})
}

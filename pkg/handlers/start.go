package handlers

import (
	"context"
	"fmt"

	"github.com/cuemby/cumulus/pkg/cloud"
	"github.com/cuemby/cumulus/pkg/storage"
	"github.com/cuemby/cumulus/pkg/types"
)

// StartHandler launches the compute instances of a UCI
type StartHandler struct {
	base
}

// NewStartHandler creates a StartHandler
func NewStartHandler(deps *Deps) *StartHandler {
	return &StartHandler{base: newBase(deps, "start")}
}

// Handle makes sure the key pair and security group exist, then runs every
// submitted instance and mirrors the backend state onto the UCI
func (h *StartHandler) Handle(ctx context.Context, uci *types.UCI) error {
	uci, err := h.expect(uci, types.UCIStateSubmitted)
	if err != nil {
		return err
	}

	conn, creds, err := h.session(ctx, uci)
	if err != nil {
		return h.fail(uci.ID, err)
	}

	uci, err = h.ensureKeyPair(ctx, conn, uci)
	if err != nil {
		return h.fail(uci.ID, err)
	}
	if err := h.ensureSecurityGroup(ctx, conn); err != nil {
		return h.fail(uci.ID, err)
	}

	instances, err := h.Store.ListInstancesByUCI(uci.ID)
	if err != nil {
		return h.fail(uci.ID, err)
	}
	if len(instances) == 0 {
		inst := &types.Instance{
			UCIID:        uci.ID,
			InstanceType: h.Settings.DefaultInstanceType,
			State:        types.InstanceStateSubmitted,
		}
		if err := h.Store.CreateInstance(inst); err != nil {
			return h.fail(uci.ID, err)
		}
		instances = append(instances, inst)
	}

	volumeID, err := h.bootVolume(uci.ID)
	if err != nil {
		return h.fail(uci.ID, err)
	}
	userData, err := bootMetadata(volumeID, creds)
	if err != nil {
		return h.fail(uci.ID, err)
	}

	images, err := h.Store.ListImages(creds.Provider.Type)
	if err != nil {
		return h.fail(uci.ID, err)
	}

	for _, inst := range instances {
		if inst.State != types.InstanceStateSubmitted {
			continue
		}

		arch := h.Settings.Architecture(inst.InstanceType)
		image := imageFor(images, arch)
		if image == nil {
			err := cloud.Validationf("no image registered for architecture %s (instance type %s)", arch, inst.InstanceType)
			h.markInstanceError(inst.ID, err)
			return h.fail(uci.ID, err)
		}

		res, err := conn.RunInstances(ctx, cloud.RunInstancesInput{
			ImageID:        image.ImageID,
			InstanceType:   inst.InstanceType,
			KeyName:        uci.KeyPairName,
			SecurityGroups: []string{h.Settings.SecurityGroup},
			UserData:       userData,
			Zone:           uci.Zone,
			Count:          1,
			VolumeID:       volumeID,
		})
		if err == nil && len(res.Instances) == 0 {
			err = cloud.Inconsistent("RunInstances", "reservation %s has no instances", res.ID)
		}
		if err != nil {
			h.markInstanceError(inst.ID, err)
			return h.fail(uci.ID, fmt.Errorf("failed to run instance %s: %w", inst.ID, err))
		}

		launched := res.Instances[0]
		launchTime := launched.LaunchTime
		if launchTime == nil {
			now := h.Now()
			launchTime = &now
		}
		_, err = h.Store.UpdateInstanceFunc(inst.ID, func(i *types.Instance) error {
			i.BackendID = launched.ID
			i.ReservationID = res.ID
			i.ImageID = image.ImageID
			i.State = types.InstanceState(launched.State)
			i.PublicAddress = launched.PublicAddress
			i.PrivateAddress = launched.PrivateAddress
			i.LaunchTime = launchTime
			i.Error = ""
			return nil
		})
		if err != nil {
			return h.fail(uci.ID, fmt.Errorf("failed to record instance %s: %w", launched.ID, err))
		}

		// The first instance to launch stamps the UCI
		if _, err := h.Store.UpdateUCIFunc(uci.ID, func(u *types.UCI) error {
			if u.LaunchTime != nil {
				return storage.ErrNoChange
			}
			u.LaunchTime = launchTime
			return nil
		}); err != nil {
			h.logger.Error().Err(err).Str("uci_id", uci.ID).Msg("Failed to stamp launch time")
		}

		h.logger.Info().
			Str("uci_id", uci.ID).
			Str("instance_id", launched.ID).
			Str("reservation_id", res.ID).
			Str("image", image.ImageID).
			Msg("Instance launched")
	}

	instances, err = h.Store.ListInstancesByUCI(uci.ID)
	if err != nil {
		return h.fail(uci.ID, err)
	}
	state := types.AggregateInstanceState(instances)
	if state == types.UCIStateError {
		return h.fail(uci.ID, fmt.Errorf("backend reported an instance in error"))
	}
	_, err = h.transition(uci.ID, types.UCIStateSubmitted, state, nil)
	return err
}

// ensureKeyPair makes sure the backend holds a key pair whose private
// material is known locally. A pair whose material was lost or whose
// fingerprint no longer matches is replaced.
func (h *StartHandler) ensureKeyPair(ctx context.Context, conn cloud.Connector, uci *types.UCI) (*types.UCI, error) {
	name := uci.KeyPairName
	if name == "" {
		name = fmt.Sprintf("%s-%s", h.Settings.KeyPairPrefix, uci.ID)
	}

	existing, err := conn.GetKeyPair(ctx, name)
	if err != nil {
		return uci, fmt.Errorf("failed to look up key pair %s: %w", name, err)
	}
	valid := existing != nil && uci.KeyPairMaterial != "" && existing.Fingerprint == uci.KeyPairFingerprint
	if valid && uci.KeyPairName == name {
		return uci, nil
	}
	if !valid {
		if existing != nil {
			h.logger.Warn().Str("uci_id", uci.ID).Str("key_pair", name).Msg("Key pair material missing or mismatched, regenerating")
			if err := conn.DeleteKeyPair(ctx, name); err != nil {
				return uci, fmt.Errorf("failed to delete stale key pair %s: %w", name, err)
			}
		}
		kp, err := conn.CreateKeyPair(ctx, name)
		if err != nil {
			return uci, fmt.Errorf("failed to create key pair %s: %w", name, err)
		}
		existing = kp
	}

	updated, err := h.Store.UpdateUCIFunc(uci.ID, func(u *types.UCI) error {
		u.KeyPairName = name
		if existing.Material != "" {
			u.KeyPairMaterial = existing.Material
		}
		u.KeyPairFingerprint = existing.Fingerprint
		return nil
	})
	if err != nil {
		return uci, err
	}
	return updated, nil
}

func (h *StartHandler) ensureSecurityGroup(ctx context.Context, conn cloud.Connector) error {
	name := h.Settings.SecurityGroup
	sg, err := conn.GetSecurityGroup(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to look up security group %s: %w", name, err)
	}
	if sg != nil {
		return nil
	}
	if _, err := conn.CreateSecurityGroup(ctx, name, h.Settings.SecurityGroupDescription, h.Settings.IngressRules); err != nil {
		return fmt.Errorf("failed to create security group %s: %w", name, err)
	}
	h.logger.Info().Str("security_group", name).Msg("Security group created")
	return nil
}

// bootVolume returns the backend id of the first provisioned volume
func (h *StartHandler) bootVolume(uciID string) (string, error) {
	volumes, err := h.Store.ListVolumesByUCI(uciID)
	if err != nil {
		return "", err
	}
	for _, v := range volumes {
		if v.BackendID != "" && v.Status != types.VolumeStatusDeleted {
			return v.BackendID, nil
		}
	}
	return "", cloud.Validationf("uci %s has no provisioned volume", uciID)
}

func (h *StartHandler) markInstanceError(id string, cause error) {
	_, err := h.Store.UpdateInstanceFunc(id, func(i *types.Instance) error {
		i.State = types.InstanceStateError
		i.Error = cause.Error()
		return nil
	})
	if err != nil {
		h.logger.Error().Err(err).Str("instance", id).Msg("Failed to record instance error")
	}
}

func imageFor(images []*types.Image, arch string) *types.Image {
	for _, img := range images {
		if !img.Deleted && img.Architecture == arch {
			return img
		}
	}
	return nil
}

package handlers

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/cuemby/cumulus/pkg/cloud"
	"github.com/cuemby/cumulus/pkg/types"
)

func (e *testEnv) submittedUCI(t *testing.T, mutate ...func(*types.UCI)) *types.UCI {
	t.Helper()
	uci := e.newUCI(t, types.UCIStateSubmitted, append([]func(*types.UCI){func(u *types.UCI) { u.Zone = "zone-a" }}, mutate...)...)
	e.provisionVolume(t, uci.ID, "vol-boot")
	return uci
}

func TestStartHandler(t *testing.T) {
	t.Run("happy path", func(t *testing.T) {
		env := newTestEnv(t)
		uci := env.submittedUCI(t)
		inst := &types.Instance{UCIID: uci.ID, InstanceType: "m1.large", State: types.InstanceStateSubmitted}
		require.NoError(t, env.store.CreateInstance(inst))

		require.NoError(t, NewStartHandler(env.deps).Handle(context.Background(), uci))

		got := env.reload(t, uci.ID)
		assert.Equal(t, types.UCIStatePending, got.State)
		assert.Equal(t, "cumulus-"+uci.ID, got.KeyPairName)
		assert.NotEmpty(t, got.KeyPairMaterial)
		assert.NotEmpty(t, got.KeyPairFingerprint)
		require.NotNil(t, got.LaunchTime)

		assert.Contains(t, env.backend.SecurityGroups, "cumulus")

		launched, err := env.store.GetInstance(inst.ID)
		require.NoError(t, err)
		assert.NotEmpty(t, launched.BackendID)
		assert.NotEmpty(t, launched.ReservationID)
		assert.Equal(t, "emi-x86", launched.ImageID)
		assert.Equal(t, types.InstanceStatePending, launched.State)

		backend := env.backend.Instances[launched.BackendID]
		require.NotNil(t, backend)
		assert.Equal(t, got.KeyPairName, backend.KeyName)
	})

	t.Run("creates default instance record", func(t *testing.T) {
		env := newTestEnv(t)
		uci := env.submittedUCI(t)

		require.NoError(t, NewStartHandler(env.deps).Handle(context.Background(), uci))

		instances, err := env.store.ListInstancesByUCI(uci.ID)
		require.NoError(t, err)
		require.Len(t, instances, 1)
		assert.Equal(t, "m1.small", instances[0].InstanceType)
		assert.NotEmpty(t, instances[0].BackendID)
	})

	t.Run("launch time stamped only once", func(t *testing.T) {
		env := newTestEnv(t)
		earlier := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
		uci := env.submittedUCI(t, func(u *types.UCI) { u.LaunchTime = &earlier })

		require.NoError(t, NewStartHandler(env.deps).Handle(context.Background(), uci))

		got := env.reload(t, uci.ID)
		require.NotNil(t, got.LaunchTime)
		assert.True(t, got.LaunchTime.Equal(earlier))
	})

	t.Run("reuses matching key pair", func(t *testing.T) {
		env := newTestEnv(t)
		uci := env.submittedUCI(t, func(u *types.UCI) {
			u.KeyPairName = "cumulus-keep"
			u.KeyPairMaterial = "PRIVATE"
			u.KeyPairFingerprint = "fp-keep"
		})
		env.backend.KeyPairs["cumulus-keep"] = &cloud.KeyPair{Name: "cumulus-keep", Fingerprint: "fp-keep"}

		require.NoError(t, NewStartHandler(env.deps).Handle(context.Background(), uci))
		assert.Equal(t, 0, env.backend.Calls("CreateKeyPair"))
		assert.Equal(t, 0, env.backend.Calls("DeleteKeyPair"))
		assert.Equal(t, "PRIVATE", env.reload(t, uci.ID).KeyPairMaterial)
	})

	t.Run("regenerates key pair without local material", func(t *testing.T) {
		env := newTestEnv(t)
		uci := env.submittedUCI(t, func(u *types.UCI) { u.KeyPairName = "cumulus-lost" })
		env.backend.KeyPairs["cumulus-lost"] = &cloud.KeyPair{Name: "cumulus-lost", Fingerprint: "fp-old"}

		require.NoError(t, NewStartHandler(env.deps).Handle(context.Background(), uci))
		assert.Equal(t, 1, env.backend.Calls("DeleteKeyPair"))
		assert.Equal(t, 1, env.backend.Calls("CreateKeyPair"))

		got := env.reload(t, uci.ID)
		assert.NotEmpty(t, got.KeyPairMaterial)
		assert.NotEqual(t, "fp-old", got.KeyPairFingerprint)
	})

	t.Run("regenerates mismatched key pair", func(t *testing.T) {
		env := newTestEnv(t)
		uci := env.submittedUCI(t, func(u *types.UCI) {
			u.KeyPairName = "cumulus-rotated"
			u.KeyPairMaterial = "PRIVATE"
			u.KeyPairFingerprint = "fp-mine"
		})
		env.backend.KeyPairs["cumulus-rotated"] = &cloud.KeyPair{Name: "cumulus-rotated", Fingerprint: "fp-theirs"}

		require.NoError(t, NewStartHandler(env.deps).Handle(context.Background(), uci))
		assert.Equal(t, 1, env.backend.Calls("CreateKeyPair"))
		assert.NotEqual(t, "PRIVATE", env.reload(t, uci.ID).KeyPairMaterial)
	})

	t.Run("no image for architecture", func(t *testing.T) {
		env := newTestEnv(t)
		uci := env.submittedUCI(t)
		inst := &types.Instance{UCIID: uci.ID, InstanceType: "a1.medium", State: types.InstanceStateSubmitted}
		require.NoError(t, env.store.CreateInstance(inst))

		err := NewStartHandler(env.deps).Handle(context.Background(), uci)
		assert.Equal(t, cloud.KindValidation, cloud.Classify(err))
		assert.Equal(t, 0, env.backend.Calls("RunInstances"))

		got := env.reload(t, uci.ID)
		assert.Equal(t, types.UCIStateError, got.State)
		assert.Contains(t, got.Error, "arm64")

		failed, err := env.store.GetInstance(inst.ID)
		require.NoError(t, err)
		assert.Equal(t, types.InstanceStateError, failed.State)
	})

	t.Run("run instances fails", func(t *testing.T) {
		env := newTestEnv(t)
		uci := env.submittedUCI(t)
		env.backend.FailOn("RunInstances", &cloud.APIError{Op: "RunInstances", Code: "InsufficientInstanceCapacity", Message: "no capacity"})

		err := NewStartHandler(env.deps).Handle(context.Background(), uci)
		require.Error(t, err)

		got := env.reload(t, uci.ID)
		assert.Equal(t, types.UCIStateError, got.State)
		assert.Contains(t, got.Error, "no capacity")
		assert.Nil(t, got.LaunchTime)
	})

	t.Run("requires a provisioned volume", func(t *testing.T) {
		env := newTestEnv(t)
		uci := env.newUCI(t, types.UCIStateSubmitted)

		err := NewStartHandler(env.deps).Handle(context.Background(), uci)
		assert.Equal(t, cloud.KindValidation, cloud.Classify(err))
		assert.Equal(t, 0, env.backend.Calls("RunInstances"))
	})
}

func TestBootMetadata(t *testing.T) {
	creds := &types.Credentials{
		AccessKey: "AKID",
		SecretKey: "secret",
		Provider:  types.Provider{Type: types.ProviderEucalyptus, RegionName: "eucalyptus", Endpoint: "cloud.example.org"},
	}

	out, err := bootMetadata("vol-1", creds)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(out, "#cumulus-boot\n"))

	var md BootMetadata
	require.NoError(t, yaml.Unmarshal([]byte(out), &md))
	assert.Equal(t, "vol-1", md.VolumeID)
	assert.Equal(t, "eucalyptus", md.Provider)
	assert.Equal(t, "cloud.example.org", md.Endpoint)
	assert.Equal(t, "AKID", md.AccessKey)
	assert.Empty(t, md.Token)
}

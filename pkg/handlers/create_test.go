package handlers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/cumulus/pkg/cloud"
	"github.com/cuemby/cumulus/pkg/types"
)

func TestCreateHandler(t *testing.T) {
	t.Run("happy path", func(t *testing.T) {
		env := newTestEnv(t)
		uci := env.newUCI(t, types.UCIStateNew)

		require.NoError(t, NewCreateHandler(env.deps).Handle(context.Background(), uci))

		got := env.reload(t, uci.ID)
		assert.Equal(t, types.UCIStateAvailable, got.State)
		assert.Equal(t, "zone-a", got.Zone)
		assert.Empty(t, got.Error)

		volumes, err := env.store.ListVolumesByUCI(uci.ID)
		require.NoError(t, err)
		require.Len(t, volumes, 1)
		assert.NotEmpty(t, volumes[0].BackendID)
		assert.Equal(t, 10, volumes[0].Size)
		assert.Equal(t, types.VolumeStatusAvailable, volumes[0].Status)
		assert.Contains(t, env.backend.Volumes, volumes[0].BackendID)
	})

	t.Run("keeps explicit zone and existing volumes", func(t *testing.T) {
		env := newTestEnv(t)
		uci := env.newUCI(t, types.UCIStateNew, func(u *types.UCI) { u.Zone = "zone-b" })
		env.provisionVolume(t, uci.ID, "vol-existing")
		require.NoError(t, env.store.CreateVolume(&types.Volume{UCIID: uci.ID, Size: 5}))

		require.NoError(t, NewCreateHandler(env.deps).Handle(context.Background(), uci))

		assert.Equal(t, 1, env.backend.Calls("CreateVolume"))
		got := env.reload(t, uci.ID)
		assert.Equal(t, "zone-b", got.Zone)
		assert.Equal(t, types.UCIStateAvailable, got.State)
	})

	t.Run("volume still creating", func(t *testing.T) {
		env := newTestEnv(t)
		env.backend.VolumeStatus = "creating"
		uci := env.newUCI(t, types.UCIStateNew)

		require.NoError(t, NewCreateHandler(env.deps).Handle(context.Background(), uci))
		assert.Equal(t, types.UCIStateCreating, env.reload(t, uci.ID).State)
	})

	t.Run("backend rejects create", func(t *testing.T) {
		env := newTestEnv(t)
		env.backend.FailOn("CreateVolume", &cloud.APIError{Op: "CreateVolume", Code: "VolumeLimitExceeded", Message: "too many volumes"})
		uci := env.newUCI(t, types.UCIStateNew)

		err := NewCreateHandler(env.deps).Handle(context.Background(), uci)
		code, ok := cloud.APIErrorCode(err)
		require.True(t, ok)
		assert.Equal(t, "VolumeLimitExceeded", code)

		got := env.reload(t, uci.ID)
		assert.Equal(t, types.UCIStateError, got.State)
		assert.Contains(t, got.Error, "too many volumes")

		volumes, err := env.store.ListVolumesByUCI(uci.ID)
		require.NoError(t, err)
		require.Len(t, volumes, 1)
		assert.Empty(t, volumes[0].BackendID)
		assert.Equal(t, types.VolumeStatusError, volumes[0].Status)
	})

	t.Run("no storage requested", func(t *testing.T) {
		env := newTestEnv(t)
		uci := env.newUCI(t, types.UCIStateNew, func(u *types.UCI) { u.TotalSize = 0 })

		err := NewCreateHandler(env.deps).Handle(context.Background(), uci)
		assert.Equal(t, cloud.KindValidation, cloud.Classify(err))
		assert.Equal(t, types.UCIStateError, env.reload(t, uci.ID).State)
		assert.Equal(t, 0, env.backend.Calls("CreateVolume"))
	})

	t.Run("created volume missing from listing", func(t *testing.T) {
		env := newTestEnv(t)
		env.deps.Dialer = dialerFunc(func(ctx context.Context, creds *types.Credentials) (cloud.Connector, error) {
			return emptyListingConnector{env.backend}, nil
		})
		uci := env.newUCI(t, types.UCIStateNew)

		err := NewCreateHandler(env.deps).Handle(context.Background(), uci)
		assert.Equal(t, cloud.KindConsistency, cloud.Classify(err))

		got := env.reload(t, uci.ID)
		assert.Equal(t, types.UCIStateError, got.State)
		assert.Contains(t, got.Error, "missing from the volume listing")

		volumes, err := env.store.ListVolumesByUCI(uci.ID)
		require.NoError(t, err)
		require.Len(t, volumes, 1)
		assert.NotEmpty(t, volumes[0].BackendID)
		assert.Equal(t, types.VolumeStatusError, volumes[0].Status)
	})
}

// emptyListingConnector creates volumes normally but never lists them
type emptyListingConnector struct {
	cloud.Connector
}

func (emptyListingConnector) ListVolumes(ctx context.Context, ids ...string) ([]*cloud.Volume, error) {
	return nil, nil
}

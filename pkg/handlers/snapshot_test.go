package handlers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/cumulus/pkg/cloud"
	"github.com/cuemby/cumulus/pkg/types"
)

func TestSnapshotHandler(t *testing.T) {
	t.Run("whole batch succeeds", func(t *testing.T) {
		env := newTestEnv(t)
		uci := env.newUCI(t, types.UCIStateSnapshot)
		vol := env.provisionVolume(t, uci.ID, "vol-1")
		a := &types.Snapshot{UCIID: uci.ID, VolumeID: vol.ID, Status: types.SnapshotStatusSubmitted}
		b := &types.Snapshot{UCIID: uci.ID, VolumeID: vol.ID, Status: types.SnapshotStatusSubmitted}
		done := &types.Snapshot{UCIID: uci.ID, VolumeID: vol.ID, BackendID: "snap-old", Status: types.SnapshotStatusCompleted}
		for _, s := range []*types.Snapshot{a, b, done} {
			require.NoError(t, env.store.CreateSnapshot(s))
		}

		require.NoError(t, NewSnapshotHandler(env.deps).Handle(context.Background(), uci))
		assert.Equal(t, 2, env.backend.Calls("CreateSnapshot"))
		assert.Equal(t, types.UCIStateAvailable, env.reload(t, uci.ID).State)

		for _, id := range []string{a.ID, b.ID} {
			s, err := env.store.GetSnapshot(id)
			require.NoError(t, err)
			assert.NotEmpty(t, s.BackendID)
			assert.Equal(t, types.SnapshotStatusPending, s.Status)
		}
	})

	t.Run("second failure keeps the first and aborts", func(t *testing.T) {
		env := newTestEnv(t)
		uci := env.newUCI(t, types.UCIStateSnapshot)
		vol1 := env.provisionVolume(t, uci.ID, "vol-1")
		vol2 := env.provisionVolume(t, uci.ID, "vol-2")
		first := &types.Snapshot{UCIID: uci.ID, VolumeID: vol1.ID, Status: types.SnapshotStatusSubmitted}
		require.NoError(t, env.store.CreateSnapshot(first))
		second := &types.Snapshot{UCIID: uci.ID, VolumeID: vol2.ID, Status: types.SnapshotStatusSubmitted}
		require.NoError(t, env.store.CreateSnapshot(second))
		env.backend.FailOnID("CreateSnapshot", "vol-2", &cloud.APIError{Op: "CreateSnapshot", Code: "SnapshotLimitExceeded", Message: "quota"})

		err := NewSnapshotHandler(env.deps).Handle(context.Background(), uci)
		require.Error(t, err)
		assert.Equal(t, 2, env.backend.Calls("CreateSnapshot"))

		created, err := env.store.GetSnapshot(first.ID)
		require.NoError(t, err)
		assert.NotEmpty(t, created.BackendID)
		assert.Contains(t, env.backend.Snapshots, created.BackendID)
		assert.Equal(t, types.SnapshotStatusPending, created.Status)

		unsubmitted, err := env.store.GetSnapshot(second.ID)
		require.NoError(t, err)
		assert.Empty(t, unsubmitted.BackendID)
		assert.Equal(t, types.SnapshotStatusSubmitted, unsubmitted.Status)
		assert.Equal(t, second.Version, unsubmitted.Version)

		got := env.reload(t, uci.ID)
		assert.Equal(t, types.UCIStateError, got.State)
		assert.Contains(t, got.Error, "quota")
	})

	t.Run("first failure skips the rest", func(t *testing.T) {
		env := newTestEnv(t)
		uci := env.newUCI(t, types.UCIStateSnapshot)
		vol := env.provisionVolume(t, uci.ID, "vol-1")
		first := &types.Snapshot{UCIID: uci.ID, VolumeID: vol.ID, Status: types.SnapshotStatusSubmitted}
		require.NoError(t, env.store.CreateSnapshot(first))
		second := &types.Snapshot{UCIID: uci.ID, VolumeID: vol.ID, Status: types.SnapshotStatusSubmitted}
		require.NoError(t, env.store.CreateSnapshot(second))
		env.backend.FailOn("CreateSnapshot", &cloud.APIError{Op: "CreateSnapshot", Code: "SnapshotLimitExceeded", Message: "quota"})

		require.Error(t, NewSnapshotHandler(env.deps).Handle(context.Background(), uci))
		assert.Equal(t, 1, env.backend.Calls("CreateSnapshot"))
		assert.Equal(t, types.UCIStateError, env.reload(t, uci.ID).State)
	})

	t.Run("unprovisioned source volume", func(t *testing.T) {
		env := newTestEnv(t)
		uci := env.newUCI(t, types.UCIStateSnapshot)
		vol := &types.Volume{UCIID: uci.ID, Size: 10}
		require.NoError(t, env.store.CreateVolume(vol))
		require.NoError(t, env.store.CreateSnapshot(&types.Snapshot{UCIID: uci.ID, VolumeID: vol.ID, Status: types.SnapshotStatusSubmitted}))

		err := NewSnapshotHandler(env.deps).Handle(context.Background(), uci)
		assert.Equal(t, cloud.KindValidation, cloud.Classify(err))
		assert.Equal(t, 0, env.backend.Calls("CreateSnapshot"))
	})
}

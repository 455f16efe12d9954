package reconciler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/cumulus/pkg/cloud"
	"github.com/cuemby/cumulus/pkg/cloud/fake"
	"github.com/cuemby/cumulus/pkg/storage"
	"github.com/cuemby/cumulus/pkg/types"
)

type testEnv struct {
	store   *storage.BoltStore
	backend *fake.Backend
	locks   *storage.KeyedMutex
	creds   *types.Credentials
	now     time.Time
	rec     *Reconciler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	backend := fake.New()
	registry := cloud.NewRegistry()
	registry.Register(types.ProviderFake, backend.Dial)

	creds := &types.Credentials{Name: "default", Provider: types.Provider{Type: types.ProviderFake}}
	require.NoError(t, store.CreateCredentials(creds))

	env := &testEnv{
		store:   store,
		backend: backend,
		locks:   storage.NewKeyedMutex(),
		creds:   creds,
		now:     time.Now().UTC(),
	}
	env.rec = NewReconciler(Config{
		Store:         store,
		Dialer:        registry,
		Locks:         env.locks,
		Interval:      10 * time.Millisecond,
		ZombieTimeout: DefaultZombieTimeout,
		Now:           func() time.Time { return env.now },
	})
	return env
}

func (e *testEnv) newUCI(t *testing.T, state types.UCIState, mutate ...func(*types.UCI)) *types.UCI {
	t.Helper()
	uci := &types.UCI{Name: "research", Owner: "alice", CredentialsID: e.creds.ID, State: state, TotalSize: 10}
	for _, m := range mutate {
		m(uci)
	}
	require.NoError(t, e.store.CreateUCI(uci))
	return uci
}

func (e *testEnv) newInstance(t *testing.T, uciID string, state types.InstanceState, mutate ...func(*types.Instance)) *types.Instance {
	t.Helper()
	inst := &types.Instance{UCIID: uciID, State: state, InstanceType: "m1.small"}
	for _, m := range mutate {
		m(inst)
	}
	require.NoError(t, e.store.CreateInstance(inst))
	return inst
}

func (e *testEnv) sweep(t *testing.T) {
	t.Helper()
	require.NoError(t, e.rec.Sweep(context.Background()))
}

func (e *testEnv) uci(t *testing.T, id string) *types.UCI {
	t.Helper()
	uci, err := e.store.GetUCI(id)
	require.NoError(t, err)
	return uci
}

func (e *testEnv) instance(t *testing.T, id string) *types.Instance {
	t.Helper()
	inst, err := e.store.GetInstance(id)
	require.NoError(t, err)
	return inst
}

func TestSweepRefreshesInstances(t *testing.T) {
	env := newTestEnv(t)
	uci := env.newUCI(t, types.UCIStatePending)
	inst := env.newInstance(t, uci.ID, types.InstanceStatePending, func(i *types.Instance) { i.BackendID = "i-1" })
	env.backend.SetInstance(cloud.Instance{
		ID:             "i-1",
		State:          "running",
		PublicAddress:  "203.0.113.5",
		PrivateAddress: "10.0.0.5",
	})

	env.sweep(t)

	got := env.instance(t, inst.ID)
	assert.Equal(t, types.InstanceStateRunning, got.State)
	assert.Equal(t, "203.0.113.5", got.PublicAddress)
	assert.Equal(t, "10.0.0.5", got.PrivateAddress)
	assert.Equal(t, types.UCIStateRunning, env.uci(t, uci.ID).State)

	t.Run("second sweep writes nothing", func(t *testing.T) {
		uciVersion := env.uci(t, uci.ID).Version
		instVersion := env.instance(t, inst.ID).Version

		env.sweep(t)

		assert.Equal(t, uciVersion, env.uci(t, uci.ID).Version)
		assert.Equal(t, instVersion, env.instance(t, inst.ID).Version)
	})
}

func TestSweepInstanceVanished(t *testing.T) {
	env := newTestEnv(t)
	launched := env.now.Add(-time.Hour)
	uci := env.newUCI(t, types.UCIStateRunning, func(u *types.UCI) { u.LaunchTime = &launched })
	inst := env.newInstance(t, uci.ID, types.InstanceStateRunning, func(i *types.Instance) { i.BackendID = "i-gone" })

	env.sweep(t)

	assert.Equal(t, types.InstanceStateTerminated, env.instance(t, inst.ID).State)
	got := env.uci(t, uci.ID)
	assert.Equal(t, types.UCIStateError, got.State)
	assert.Contains(t, got.Error, "i-gone")
	assert.Nil(t, got.LaunchTime)
}

func TestSweepTerminatedInstanceFreesUCI(t *testing.T) {
	env := newTestEnv(t)
	launched := env.now.Add(-time.Hour)
	uci := env.newUCI(t, types.UCIStateShuttingDown, func(u *types.UCI) { u.LaunchTime = &launched })
	inst := env.newInstance(t, uci.ID, types.InstanceStateShuttingDown, func(i *types.Instance) { i.BackendID = "i-1" })
	env.backend.SetInstance(cloud.Instance{ID: "i-1", State: "terminated"})

	env.sweep(t)

	assert.Equal(t, types.InstanceStateTerminated, env.instance(t, inst.ID).State)
	got := env.uci(t, uci.ID)
	assert.Equal(t, types.UCIStateAvailable, got.State)
	assert.Nil(t, got.LaunchTime)
}

func TestSweepLeavesHandlerStatesAlone(t *testing.T) {
	env := newTestEnv(t)
	uci := env.newUCI(t, types.UCIStateSnapshot)
	env.newInstance(t, uci.ID, types.InstanceStatePending, func(i *types.Instance) { i.BackendID = "i-1" })
	env.backend.SetInstance(cloud.Instance{ID: "i-1", State: "running"})

	env.sweep(t)

	assert.Equal(t, types.UCIStateSnapshot, env.uci(t, uci.ID).State)
}

func TestSweepTransientErrorLeavesInstance(t *testing.T) {
	env := newTestEnv(t)
	uci := env.newUCI(t, types.UCIStatePending)
	inst := env.newInstance(t, uci.ID, types.InstanceStatePending, func(i *types.Instance) { i.BackendID = "i-1" })
	env.backend.FailOn("ListInstances", &cloud.ConnectionError{Provider: "fake", Err: errors.New("connection reset")})

	env.sweep(t)

	assert.Equal(t, types.InstanceStatePending, env.instance(t, inst.ID).State)
	assert.Equal(t, types.UCIStatePending, env.uci(t, uci.ID).State)
}

func TestSweepVolumes(t *testing.T) {
	t.Run("creating volume becomes available", func(t *testing.T) {
		env := newTestEnv(t)
		uci := env.newUCI(t, types.UCIStateCreating)
		vol := &types.Volume{UCIID: uci.ID, BackendID: "vol-1", Size: 10, Status: types.VolumeStatusCreating}
		require.NoError(t, env.store.CreateVolume(vol))
		env.backend.SetVolume(cloud.Volume{ID: "vol-1", Size: 10, Status: "available"})

		env.sweep(t)

		got, err := env.store.GetVolume(vol.ID)
		require.NoError(t, err)
		assert.Equal(t, types.VolumeStatusAvailable, got.Status)
		assert.Equal(t, types.UCIStateAvailable, env.uci(t, uci.ID).State)
	})

	t.Run("attachment is copied", func(t *testing.T) {
		env := newTestEnv(t)
		uci := env.newUCI(t, types.UCIStateRunning)
		vol := &types.Volume{UCIID: uci.ID, BackendID: "vol-1", Size: 10, Status: types.VolumeStatusInUse}
		require.NoError(t, env.store.CreateVolume(vol))
		attached := env.now.Add(-time.Minute)
		env.backend.SetVolume(cloud.Volume{ID: "vol-1", Status: "in-use", InstanceID: "i-1", Device: "/dev/sdf", AttachTime: &attached})

		env.sweep(t)

		got, err := env.store.GetVolume(vol.ID)
		require.NoError(t, err)
		assert.Equal(t, "i-1", got.InstanceID)
		assert.Equal(t, "/dev/sdf", got.Device)
		require.NotNil(t, got.AttachTime)
		assert.True(t, attached.Equal(*got.AttachTime))
		assert.Equal(t, types.UCIStateRunning, env.uci(t, uci.ID).State)

		version := got.Version
		env.sweep(t)
		got, err = env.store.GetVolume(vol.ID)
		require.NoError(t, err)
		assert.Equal(t, version, got.Version)
	})

	t.Run("missing volume fails the UCI", func(t *testing.T) {
		env := newTestEnv(t)
		uci := env.newUCI(t, types.UCIStateRunning)
		vol := &types.Volume{UCIID: uci.ID, BackendID: "vol-gone", Size: 10, Status: types.VolumeStatusInUse}
		require.NoError(t, env.store.CreateVolume(vol))

		env.sweep(t)

		got, err := env.store.GetVolume(vol.ID)
		require.NoError(t, err)
		assert.Equal(t, types.VolumeStatusError, got.Status)
		assert.NotEmpty(t, got.Error)
		assert.Equal(t, types.UCIStateError, env.uci(t, uci.ID).State)
	})
}

func TestSweepSnapshots(t *testing.T) {
	env := newTestEnv(t)
	uci := env.newUCI(t, types.UCIStateAvailable)

	pending := &types.Snapshot{UCIID: uci.ID, BackendID: "snap-1", Status: types.SnapshotStatusPending}
	deletable := &types.Snapshot{UCIID: uci.ID, BackendID: "snap-2", Status: types.SnapshotStatusDelete}
	busy := &types.Snapshot{UCIID: uci.ID, BackendID: "snap-3", Status: types.SnapshotStatusDelete}
	for _, s := range []*types.Snapshot{pending, deletable, busy} {
		require.NoError(t, env.store.CreateSnapshot(s))
	}
	env.backend.SetSnapshot(cloud.Snapshot{ID: "snap-1", Status: "completed", Progress: "100%"})
	env.backend.SetSnapshot(cloud.Snapshot{ID: "snap-2", Status: "completed", Progress: "100%"})
	env.backend.SetSnapshot(cloud.Snapshot{ID: "snap-3", Status: "pending", Progress: "40%"})

	env.sweep(t)

	got, err := env.store.GetSnapshot(pending.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SnapshotStatusCompleted, got.Status)
	assert.Equal(t, "100%", got.Progress)

	got, err = env.store.GetSnapshot(deletable.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SnapshotStatusDeleted, got.Status)
	assert.NotContains(t, env.backend.Snapshots, "snap-2")

	got, err = env.store.GetSnapshot(busy.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SnapshotStatusError, got.Status)
	assert.Contains(t, got.Error, "pending")
	assert.Contains(t, env.backend.Snapshots, "snap-3")

	assert.Equal(t, 1, env.backend.Calls("DeleteSnapshot"))
	assert.Equal(t, types.UCIStateAvailable, env.uci(t, uci.ID).State)
}

func TestSweepZombies(t *testing.T) {
	t.Run("young instances are left alone", func(t *testing.T) {
		env := newTestEnv(t)
		uci := env.newUCI(t, types.UCIStateSubmitted)
		inst := env.newInstance(t, uci.ID, types.InstanceStateSubmitted)

		env.sweep(t)

		assert.Equal(t, types.InstanceStateSubmitted, env.instance(t, inst.ID).State)
		assert.Equal(t, types.UCIStateSubmitted, env.uci(t, uci.ID).State)
	})

	t.Run("repaired through reservation", func(t *testing.T) {
		env := newTestEnv(t)
		uci := env.newUCI(t, types.UCIStateSubmitted)
		inst := env.newInstance(t, uci.ID, types.InstanceStateSubmitted, func(i *types.Instance) { i.ReservationID = "r-1" })
		launched := env.now
		env.backend.SetInstance(cloud.Instance{ID: "i-9", ReservationID: "r-1", ImageID: "emi-x86", State: "running", LaunchTime: &launched})
		env.now = env.now.Add(200 * time.Second)

		env.sweep(t)

		got := env.instance(t, inst.ID)
		assert.Equal(t, "i-9", got.BackendID)
		assert.Equal(t, "emi-x86", got.ImageID)
		assert.Equal(t, types.InstanceStateRunning, got.State)
		assert.NotNil(t, got.LaunchTime)
		assert.Equal(t, types.UCIStateRunning, env.uci(t, uci.ID).State)
	})

	t.Run("known instance id fills reservation", func(t *testing.T) {
		env := newTestEnv(t)
		uci := env.newUCI(t, types.UCIStateSubmitted)
		inst := env.newInstance(t, uci.ID, types.InstanceStateSubmitted, func(i *types.Instance) { i.BackendID = "i-7" })
		env.backend.SetInstance(cloud.Instance{ID: "i-7", ReservationID: "r-7", State: "running", PublicAddress: "203.0.113.7"})
		env.now = env.now.Add(200 * time.Second)

		env.sweep(t)

		got := env.instance(t, inst.ID)
		assert.Equal(t, "r-7", got.ReservationID)
		assert.Equal(t, types.InstanceStateRunning, got.State)
		assert.Equal(t, "203.0.113.7", got.PublicAddress)
		assert.Equal(t, 1, env.backend.Calls("UpdateInstance"))

		u := env.uci(t, uci.ID)
		assert.Equal(t, types.UCIStateRunning, u.State)
		assert.Empty(t, u.Error)
	})

	t.Run("launch time matched among key pair instances", func(t *testing.T) {
		env := newTestEnv(t)
		launched := env.now.Add(-time.Minute).Truncate(time.Second)
		other := launched.Add(-time.Hour)
		uci := env.newUCI(t, types.UCIStateSubmitted, func(u *types.UCI) { u.KeyPairName = "cumulus-research" })
		inst := env.newInstance(t, uci.ID, types.InstanceStateSubmitted, func(i *types.Instance) { i.LaunchTime = &launched })
		env.backend.SetInstance(cloud.Instance{ID: "i-old", ReservationID: "r-1", KeyName: "cumulus-research", State: "running", LaunchTime: &other})
		env.backend.SetInstance(cloud.Instance{ID: "i-new", ReservationID: "r-2", KeyName: "cumulus-research", State: "pending", LaunchTime: &launched})
		env.now = env.now.Add(200 * time.Second)

		env.sweep(t)

		got := env.instance(t, inst.ID)
		assert.Equal(t, "i-new", got.BackendID)
		assert.Equal(t, "r-2", got.ReservationID)
		assert.Equal(t, types.InstanceStatePending, got.State)

		u := env.uci(t, uci.ID)
		assert.Equal(t, types.UCIStatePending, u.State)
		assert.Empty(t, u.Error)
	})

	t.Run("identified but not found leaves the UCI submitted", func(t *testing.T) {
		env := newTestEnv(t)
		launched := env.now.Add(-time.Minute)
		uci := env.newUCI(t, types.UCIStateSubmitted, func(u *types.UCI) { u.KeyPairName = "cumulus-research" })
		inst := env.newInstance(t, uci.ID, types.InstanceStateSubmitted, func(i *types.Instance) { i.LaunchTime = &launched })
		env.now = env.now.Add(200 * time.Second)

		env.sweep(t)

		got := env.instance(t, inst.ID)
		assert.Equal(t, types.InstanceStateSubmitted, got.State)
		assert.Empty(t, got.Error)

		u := env.uci(t, uci.ID)
		assert.Equal(t, types.UCIStateSubmitted, u.State)
		assert.Empty(t, u.Error)
	})

	t.Run("no identifiers fails despite key pair name", func(t *testing.T) {
		env := newTestEnv(t)
		uci := env.newUCI(t, types.UCIStateSubmitted, func(u *types.UCI) { u.KeyPairName = "cumulus-research" })
		inst := env.newInstance(t, uci.ID, types.InstanceStateSubmitted)
		env.backend.SetInstance(cloud.Instance{ID: "i-other", KeyName: "cumulus-research", State: "running"})
		env.now = env.now.Add(200 * time.Second)

		env.sweep(t)

		got := env.instance(t, inst.ID)
		assert.Equal(t, types.InstanceStateError, got.State)
		assert.Empty(t, got.BackendID)
		assert.Equal(t, types.UCIStateError, env.uci(t, uci.ID).State)
		assert.Zero(t, env.backend.Calls("ListInstances"))
	})

	t.Run("unidentifiable instance fails", func(t *testing.T) {
		env := newTestEnv(t)
		uci := env.newUCI(t, types.UCIStateSubmitted)
		inst := env.newInstance(t, uci.ID, types.InstanceStateSubmitted)
		env.now = env.now.Add(200 * time.Second)

		env.sweep(t)

		assert.Equal(t, types.InstanceStateError, env.instance(t, inst.ID).State)
		got := env.uci(t, uci.ID)
		assert.Equal(t, types.UCIStateError, got.State)
		assert.NotEmpty(t, got.Error)
	})
}

func TestSweepSkipsLockedUCI(t *testing.T) {
	env := newTestEnv(t)
	uci := env.newUCI(t, types.UCIStatePending)
	env.newInstance(t, uci.ID, types.InstanceStatePending, func(i *types.Instance) { i.BackendID = "i-1" })
	env.backend.SetInstance(cloud.Instance{ID: "i-1", State: "running"})

	release := env.locks.Lock(uci.ID)
	env.sweep(t)
	assert.Equal(t, types.UCIStatePending, env.uci(t, uci.ID).State)
	assert.Zero(t, env.backend.Calls("ListInstances"))

	release()
	env.sweep(t)
	assert.Equal(t, types.UCIStateRunning, env.uci(t, uci.ID).State)
}

func TestSweepDialsOncePerCredential(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 3; i++ {
		uci := env.newUCI(t, types.UCIStatePending)
		env.newInstance(t, uci.ID, types.InstanceStatePending, func(inst *types.Instance) { inst.BackendID = "i-1" })
	}
	env.backend.SetInstance(cloud.Instance{ID: "i-1", State: "running"})

	env.sweep(t)

	assert.Equal(t, 1, env.backend.Calls("Dial"))
	assert.Equal(t, 3, env.backend.Calls("ListInstances"))
}

func TestSweepDialFailure(t *testing.T) {
	env := newTestEnv(t)
	uci := env.newUCI(t, types.UCIStatePending)
	env.newInstance(t, uci.ID, types.InstanceStatePending, func(i *types.Instance) { i.BackendID = "i-1" })
	env.backend.DialErr = errors.New("no route to host")

	env.sweep(t)

	assert.Equal(t, types.UCIStatePending, env.uci(t, uci.ID).State)
}

func TestSweepInProgress(t *testing.T) {
	env := newTestEnv(t)

	env.rec.sweepMu.Lock()
	err := env.rec.Sweep(context.Background())
	env.rec.sweepMu.Unlock()

	assert.ErrorIs(t, err, ErrSweepInProgress)
}

func TestStartStop(t *testing.T) {
	env := newTestEnv(t)
	uci := env.newUCI(t, types.UCIStatePending)
	env.newInstance(t, uci.ID, types.InstanceStatePending, func(i *types.Instance) { i.BackendID = "i-1" })
	env.backend.SetInstance(cloud.Instance{ID: "i-1", State: "running"})

	env.rec.Start()
	require.Eventually(t, func() bool {
		return env.uci(t, uci.ID).State == types.UCIStateRunning
	}, 2*time.Second, 10*time.Millisecond)

	env.rec.Stop()
	env.rec.Stop()
}

package handlers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/cumulus/pkg/cloud"
	"github.com/cuemby/cumulus/pkg/types"
)

func (e *testEnv) runningInstance(t *testing.T, uciID, backendID string) *types.Instance {
	t.Helper()
	inst := &types.Instance{UCIID: uciID, BackendID: backendID, State: types.InstanceStateRunning}
	if backendID != "" {
		e.backend.SetInstance(cloud.Instance{ID: backendID, State: "running"})
	} else {
		inst.State = types.InstanceStateNone
	}
	require.NoError(t, e.store.CreateInstance(inst))
	return inst
}

func TestStopHandler(t *testing.T) {
	launched := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	withLaunch := func(u *types.UCI) { u.LaunchTime = &launched }

	t.Run("skips instances without backend id", func(t *testing.T) {
		env := newTestEnv(t)
		uci := env.newUCI(t, types.UCIStateShuttingDown, withLaunch)
		env.runningInstance(t, uci.ID, "")
		inst := env.runningInstance(t, uci.ID, "i-1")

		require.NoError(t, NewStopHandler(env.deps).Handle(context.Background(), uci))
		assert.Equal(t, 1, env.backend.Calls("StopInstances"))

		stopped, err := env.store.GetInstance(inst.ID)
		require.NoError(t, err)
		assert.Equal(t, types.InstanceStateShuttingDown, stopped.State)
		assert.NotNil(t, stopped.StopTime)

		got := env.reload(t, uci.ID)
		assert.Equal(t, types.UCIStateShuttingDown, got.State)
		assert.Nil(t, got.LaunchTime)
	})

	t.Run("nothing to stop", func(t *testing.T) {
		env := newTestEnv(t)
		uci := env.newUCI(t, types.UCIStateShuttingDown, withLaunch)
		env.runningInstance(t, uci.ID, "")

		require.NoError(t, NewStopHandler(env.deps).Handle(context.Background(), uci))
		assert.Equal(t, 0, env.backend.Calls("StopInstances"))

		got := env.reload(t, uci.ID)
		assert.Equal(t, types.UCIStateAvailable, got.State)
		assert.Nil(t, got.LaunchTime)
	})

	t.Run("failure on one instance continues", func(t *testing.T) {
		env := newTestEnv(t)
		uci := env.newUCI(t, types.UCIStateShuttingDown, withLaunch)
		first := env.runningInstance(t, uci.ID, "i-1")
		second := env.runningInstance(t, uci.ID, "i-2")
		env.backend.FailOnID("StopInstances", "i-1", &cloud.ConnectionError{Provider: "fake", Err: errors.New("timeout")})

		err := NewStopHandler(env.deps).Handle(context.Background(), uci)
		require.Error(t, err)
		assert.Equal(t, 2, env.backend.Calls("StopInstances"))

		unchanged, err := env.store.GetInstance(first.ID)
		require.NoError(t, err)
		assert.Equal(t, types.InstanceStateRunning, unchanged.State)
		assert.Equal(t, first.Version, unchanged.Version)

		stopped, err := env.store.GetInstance(second.ID)
		require.NoError(t, err)
		assert.Equal(t, types.InstanceStateShuttingDown, stopped.State)

		got := env.reload(t, uci.ID)
		assert.Equal(t, types.UCIStateError, got.State)
		assert.Contains(t, got.Error, "i-1")
		assert.Nil(t, got.LaunchTime)
	})

	t.Run("terminated on return makes the UCI available", func(t *testing.T) {
		env := newTestEnv(t)
		uci := env.newUCI(t, types.UCIStateShuttingDown, withLaunch)
		inst := env.runningInstance(t, uci.ID, "i-1")

		// Backends that delete synchronously report the final state
		env.deps.Dialer = dialerFunc(func(ctx context.Context, creds *types.Credentials) (cloud.Connector, error) {
			return terminatingConnector{env.backend}, nil
		})

		require.NoError(t, NewStopHandler(env.deps).Handle(context.Background(), uci))

		stopped, err := env.store.GetInstance(inst.ID)
		require.NoError(t, err)
		assert.Equal(t, types.InstanceStateTerminated, stopped.State)
		assert.Equal(t, types.UCIStateAvailable, env.reload(t, uci.ID).State)
	})
}

type dialerFunc func(ctx context.Context, creds *types.Credentials) (cloud.Connector, error)

func (f dialerFunc) Dial(ctx context.Context, creds *types.Credentials) (cloud.Connector, error) {
	return f(ctx, creds)
}

type terminatingConnector struct {
	cloud.Connector
}

func (c terminatingConnector) StopInstances(ctx context.Context, ids ...string) ([]*cloud.Instance, error) {
	out := make([]*cloud.Instance, 0, len(ids))
	for _, id := range ids {
		out = append(out, &cloud.Instance{ID: id, State: "terminated"})
	}
	return out, nil
}

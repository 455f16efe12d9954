/*
Package manager wires the orchestrator together.

A Manager owns one bbolt store, one provider registry, the state handler
dispatcher, the worker pool, the reconciler, the event broker and the UCI
state collector. Workers and the reconciler share a single per-UCI lock
table, so a sweep never races a handler on the same UCI.

	mgr, err := manager.NewManager(cfg)
	if err != nil {
		return err
	}
	mgr.Start()
	defer mgr.Shutdown()

	// An external actor changed the requested state of a UCI
	err = mgr.Enqueue(ctx, uciID)

Request combines both steps: it persists a requested state, stripping the
UI pending suffix, and queues the UCI. Reset is the only way out of the
error state.
*/
package manager

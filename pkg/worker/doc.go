/*
Package worker runs handler jobs on a fixed pool of goroutines.

	Enqueue(id) ──► Queue (buffered) ──► worker 1..N
	                                        │
	                                        ├─ lock UCI
	                                        ├─ re-read UCI from the store
	                                        └─ Dispatcher.Dispatch

A job only names a UCI. The worker re-reads the UCI when it dequeues the job
and dispatches on the state it finds then, so a job queued for a state the
UCI has since left is harmless. A UCI deleted from the store in the meantime
is skipped.

Work on one UCI is serialized through a storage.KeyedMutex shared with the
reconciler. Errors and panics from a handler are logged and the worker moves
on to the next job.

Shutdown pushes one stop sentinel per worker behind the jobs already queued
and waits: every worker finishes the job it holds and the queued jobs ahead
of its sentinel before it exits. Enqueue fails with ErrShutdown afterwards.
*/
package worker

/*
Package types defines the orchestrator's records and their state enums.

A UCI (user configured instance) is the aggregate root: it owns volumes,
instances and snapshots on one cloud account, referenced through
Credentials. The UCI state drives all worker activity:

	new ──► creating ──► available ──► submitted ──► pending ──► running
	                        ▲  │                                   │
	                        │  ├──► snapshot ──┐                   │
	                        │  │               │                   ▼
	                        └──┼───────────────┘            shutting-down
	                           │                                   │
	                           ▼                      (back to available)
	                       deleting ──► deleted

Any state may move to error, which is left only through an explicit reset.
The deleted state is terminal and never mutated again.

The web UI marks a requested but not yet processed state with the "UCI"
suffix ("submittedUCI"); NormalizeUCIState strips it.

Volume, instance and snapshot states mirror what the backend reports.
VolumeStatus.UCIState, InstanceState.UCIState and the Aggregate* functions
translate them into the UCI state they imply.
*/
package types

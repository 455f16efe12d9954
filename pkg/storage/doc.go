/*
Package storage provides bbolt-backed persistence for the orchestrator's
records: UCIs, volumes, instances, snapshots, images and credentials.

# Architecture

All records live in a single bbolt file with one bucket per record kind:

	┌──────────────────── BOLTDB STORAGE ──────────────────────┐
	│                                                            │
	│  File: <dataDir>/cumulus.db                                │
	│                                                            │
	│  ┌────────────────────────────┐                           │
	│  │ ucis         (UCI ID)      │                           │
	│  │ volumes      (Volume ID)   │                           │
	│  │ instances    (Instance ID) │                           │
	│  │ snapshots    (Snapshot ID) │                           │
	│  │ images       (Image ID)    │                           │
	│  │ credentials  (Creds ID)    │                           │
	│  └────────────────────────────┘                           │
	│                                                            │
	│  Values: JSON encoded records                             │
	└────────────────────────────────────────────────────────────┘

Records get a uuid on create when they have no id. Created and updated
timestamps are owned by the store.

# Versioning

Every record carries a Version that the store increments on each write. The
Update*Func methods run the whole read-modify-write inside one bbolt write
transaction, so fn always sees the latest persisted record and no concurrent
writer is lost:

	uci, err := store.UpdateUCIFunc(id, func(u *types.UCI) error {
		if u.State != types.UCIStateCreating {
			return storage.ErrNoChange
		}
		u.State = types.UCIStateAvailable
		return nil
	})

Returning ErrNoChange skips the write and keeps the Version, which is how the
reconciler stays write-free on a settled system. Any other error aborts the
transaction and is returned unchanged.

UpdateUCI is a compare-and-swap on Version and returns ErrConflict when the
record moved on since it was read.

A UCI that reached the deleted state is frozen: every later mutation fails
with ErrDeleted.

# Locking

KeyedMutex serializes work per UCI id across goroutines. Workers Lock it for
the whole handler run; the reconciler uses TryLock and skips UCIs that are
busy.

# Secrets

With WithSealer, UCI key pair material and the secret key and token of
Credentials are sealed before they are written and opened again on read.
The struct passed to a write is left in plaintext.
*/
package storage

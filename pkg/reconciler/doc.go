/*
Package reconciler detects and corrects drift between local records and what
the cloud backend actually reports.

Handlers only observe the backend at the moment they call it. Instances boot,
volumes attach and snapshots complete afterwards, and sometimes a resource
disappears without anyone asking. The reconciler closes that gap with a
periodic sweep.

# Sweep

Every interval (60 seconds by default) one sweep runs:

	┌──────────────────────────────────────────────┐
	│ collect in-flight records, grouped by UCI    │
	└──────────────────────┬───────────────────────┘
	                       │  per UCI: TryLock, skip if busy
	                       ▼
	  instances   running / pending / shutting-down
	  volumes     in-use / creating / no status yet
	  snapshots   pending / delete requested
	  zombies     submitted UCIs older than the zombie timeout

One backend session is dialed per credential and shared by every UCI of that
credential during the sweep. A UCI a worker is currently handling is skipped
and picked up by the next sweep.

Records are only written when an observed field differs, so a sweep over a
settled system performs no writes and leaves every Version unchanged.

# Errors

Connection errors say nothing about the resource and leave it untouched.
Other backend errors are recorded on the resource and cascade onto the UCI,
except for refused snapshot deletions which only mark the snapshot.

# Zombies

A UCI stuck in submitted means a start was interrupted after the backend
accepted it. An instance carrying a backend id, a reservation id or a launch
time is looked up on the backend (a launch time is matched among instances
holding the UCI's key pair); each missing field is filled in when found and
the UCI follows its instances again. A lookup that finds nothing is logged
and retried next sweep, never failing the UCI. An instance with none of the
three identifiers cannot be told apart from any other, so both the instance
and the UCI move to error.
*/
package reconciler

/*
Package api implements the admin HTTP API of the orchestrator.

# Endpoints

	GET  /health                 liveness and component health
	GET  /ready                  200 once store, workers and reconciler are up
	GET  /metrics                Prometheus exposition
	GET  /v1/ucis/{id}           UCI with its volumes, instances and snapshots
	POST /v1/ucis/{id}/enqueue   queue the UCI; optional body {"state": "..."}
	POST /v1/ucis/{id}/reset     move a failed UCI back to new or available

The enqueue body may carry the UI pending suffix ("submittedUCI"); it is
stripped before the state is stored. Errors are returned as
{"error": "..."} with 404 for unknown UCIs, 400 for unknown states, 409 for
requests the UCI's current state forbids and 503 while shutting down.

A server built with Config.ReadOnly answers every mutating request with 403,
for listeners exposed to monitoring only.

Every request is counted in cumulus_api_requests_total by route pattern and
status code.
*/
package api

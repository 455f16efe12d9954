/*
Package metrics provides Prometheus metrics and the health/readiness state of
the orchestrator.

All metrics are registered with the default registry at package init and
exposed by Handler:

	Queue and workers
	  cumulus_queue_depth                          jobs waiting for a worker
	  cumulus_jobs_total{handler,outcome}          success, skipped, error, noop
	  cumulus_handler_duration_seconds{handler}

	Reconciler
	  cumulus_reconciliation_duration_seconds
	  cumulus_reconciliation_cycles_total
	  cumulus_reconciliation_skipped_total         UCIs busy with a worker
	  cumulus_zombies_detected_total{outcome}      repaired, unresolved, failed

	State and backend
	  cumulus_ucis_total{state}                    refreshed by Collector
	  cumulus_backend_errors_total{kind}           connection, api, unexpected, ...

	Admin API
	  cumulus_api_requests_total{route,status}
	  cumulus_api_request_duration_seconds{route}

Durations are measured with Timer:

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.HandlerDuration, "start")

# Health

Components report their health with UpdateComponent. The process is ready
once every name in CriticalComponents (store, workers, reconciler) has
reported healthy; HealthHandler and ReadyHandler serve the reports as JSON.
*/
package metrics

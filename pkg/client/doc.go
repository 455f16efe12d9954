// Package client is a small HTTP client for the orchestrator's admin API,
// used by the cumulus CLI.
package client

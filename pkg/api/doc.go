// Package api exposes the Orchestrator's task lifecycle operations over a
// small JSON HTTP surface, alongside /health and /metrics, on the single
// port the daemon listens on. Grounded on the teacher's pkg/api health
// server: a bare http.ServeMux with one handler per route, no router
// framework, JSON written with encoding/json directly against
// http.ResponseWriter.
//
// This surface exists because pkg/storage's bbolt-backed Store can only be
// opened for writing by one process at a time; taskctl and the crontab
// submitter talk to the already-running daemon over HTTP rather than
// opening the database file themselves.
package api

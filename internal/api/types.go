package api

import "github.com/mattjoyce/repobench/internal/status"

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	status.Summary
	EventsDropped int64 `json:"events_dropped"`
}

// JobsResponse is returned by GET /jobs.
type JobsResponse struct {
	Jobs []status.Job `json:"jobs"`
}

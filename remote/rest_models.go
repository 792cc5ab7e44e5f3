// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package remote

// REST/JSON models for the records HTTP API.
// Records and writes travel as-is (see Record and Write).

// Error codes returned in ErrorResponse.Error
const (
	CodeNotFound         = "not_found"
	CodeRevisionMismatch = "revision_mismatch"
	CodeInvalid          = "invalid_request"
	CodeUnavailable      = "unavailable"
	CodeInternal         = "internal_error"
	CodeAuthFailed       = "authentication_failed"
)

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string  `json:"error"`
	Message string  `json:"message"`
	Current *Record `json:"current,omitempty"` // set on revision_mismatch when the record exists
}

// HealthResponse represents the health endpoint payload
type HealthResponse struct {
	Status  string `json:"status"` // healthy, unhealthy
	Version string `json:"version"`
}

// APIVersion is reported by the health endpoint.
const APIVersion = "v1"

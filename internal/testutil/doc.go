// Package testutil provides test fixtures for the issuer: principals, token
// records, clients, a controllable clock, and instrumentation backed by
// in-memory OpenTelemetry readers.
package testutil

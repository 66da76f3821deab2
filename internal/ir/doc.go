// Package ir provides the shared record, lock, manifest and error types for agos.
//
// This package contains type definitions and pure helpers only. All other
// internal packages import ir; ir imports nothing internal.
//
// Key design constraints:
//   - Dedup keys are opaque strings; only keycodec builds them
//   - Wall-clock times are always stored in UTC
//   - All JSON tags use snake_case
//   - Payload digests use canonical JSON and SHA-256 with domain separation
package ir

// Package harness replays alert and content timelines against a real engine
// and compares the decisions with golden traces.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: alert_storm
//	description: "Repeated failures inside the cooldown are suppressed"
//	start: 2026-03-01T09:00:00Z
//	policy:
//	  cooldown: 60m
//	  startup_silence: 10m
//	delivery:
//	  max_retries: 2
//	steps:
//	  - at: 0m
//	    alert: { key: "alert:bouncer:disk_full:host-a", failing: true }
//	    expect: { decision: send_alert, reason: first_failure }
//	  - at: 10m
//	    fail_sends: [503]
//	    ingest: { url: "https://example.com/post", deliver: true }
//	assertions:
//	  - type: decision_order
//	    decisions: [send_alert, inserted]
//	  - type: final_state
//	    key: "alert:bouncer:disk_full:host-a"
//	    expect: { status: failing_alerted, occurrence_count: 1 }
//
// Every step runs at start+at on a fixed clock. fail_sends scripts the
// HTTP status of the next sends in that step; a send without a scripted
// failure succeeds. Startup silence, when set, runs from start.
//
// # Assertion Types
//
//   - decision_count: a decision (optionally with a reason) appears N times
//   - decision_order: decisions appear in this relative order
//   - sent_count: the channel accepted exactly N messages
//   - final_state: the stored record for a key has these field values
//   - audit_count: the audit log holds N entries for a key
//
// # Deterministic Testing
//
// Each run uses a fresh in-memory store, a fixed clock and sequential trace
// ids ("<name>-0001", ...), so the same scenario always produces the same
// trace. Golden traces live in testdata/golden and are refreshed with
//
//	go test ./internal/harness -update
package harness

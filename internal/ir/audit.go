package ir

import "time"

// Action is the outcome of a governance decision.
type Action string

const (
	ActionSendAlert    Action = "send_alert"
	ActionSuppress     Action = "suppress"
	ActionSendRecovery Action = "send_recovery"
	ActionSilenced     Action = "no_op_silenced"
	ActionNoop         Action = "noop"

	ActionInserted  Action = "inserted"
	ActionDuplicate Action = "duplicate"

	ActionSkip  Action = "skip"
	ActionAbort Action = "abort"
)

// Sends reports whether the action requires an external send.
func (a Action) Sends() bool {
	return a == ActionSendAlert || a == ActionSendRecovery
}

// Reason is the machine-readable code attached to every audit entry.
type Reason string

const (
	ReasonFirstFailure       Reason = "first_failure"
	ReasonStartupSilence     Reason = "startup_silence"
	ReasonSilenceElapsed     Reason = "silence_elapsed"
	ReasonWithinCooldown     Reason = "within_cooldown"
	ReasonCooldownElapsed    Reason = "cooldown_elapsed"
	ReasonConditionCleared   Reason = "condition_cleared"
	ReasonRecoveredUnalerted Reason = "recovered_unalerted"
	ReasonHealthy            Reason = "healthy"

	ReasonNewItem        Reason = "new_item"
	ReasonDuplicateKey   Reason = "duplicate_key"
	ReasonForcedRevision Reason = "forced_revision"
	ReasonLegacyImport   Reason = "legacy_import"

	ReasonLockBusy          Reason = "lock_busy"
	ReasonDeliveryFailed    Reason = "delivery_failed"
	ReasonDeliveryFatal     Reason = "delivery_fatal"
	ReasonConflictExhausted Reason = "conflict_exhausted"
	ReasonStorageError      Reason = "storage_error"
	ReasonValidationError   Reason = "validation_error"
)

// AuditEntry records one decision. Silent no-ops are never allowed: every
// decide, insert, skip or abort produces exactly one entry.
type AuditEntry struct {
	ID        int64     `json:"id,omitempty"`
	TraceID   string    `json:"trace_id"`
	Key       DedupKey  `json:"key"`
	Kind      Kind      `json:"kind,omitempty"`
	Decision  Action    `json:"decision"`
	Reason    Reason    `json:"reason"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ManifestEntry is one immutable archive relocation.
type ManifestEntry struct {
	From        string    `json:"from"`
	To          string    `json:"to"`
	ContentHash string    `json:"content_hash"`
	Timestamp   time.Time `json:"timestamp"`
	OperationID string    `json:"operation_id"`
}

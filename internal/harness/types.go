package harness

// TraceEvent is the outcome of one scenario step.
type TraceEvent struct {
	Seq      int    `json:"seq"`
	At       string `json:"at"`
	Op       string `json:"op"` // "alert" or "ingest"
	Key      string `json:"key"`
	TraceID  string `json:"trace_id,omitempty"`
	Decision string `json:"decision"`
	Reason   string `json:"reason"`
	Status   string `json:"status,omitempty"`

	// Attempts is the number of send attempts the step made.
	Attempts int `json:"attempts,omitempty"`

	// Error is the error category when the step failed.
	Error string `json:"error,omitempty"`
}

// SentMessage is one message the channel accepted.
type SentMessage struct {
	Seq     int    `json:"seq"`
	Action  string `json:"action"`
	Key     string `json:"key"`
	TraceID string `json:"trace_id,omitempty"`
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every expect clause and assertion held.
	Pass bool `json:"pass"`

	// Trace holds one event per step, in order.
	Trace []TraceEvent `json:"trace"`

	// Sent lists the messages the channel accepted, in order.
	Sent []SentMessage `json:"sent"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Sent:   []SentMessage{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddTrace appends a step outcome.
func (r *Result) AddTrace(event TraceEvent) {
	r.Trace = append(r.Trace, event)
}

package harness

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/agos/internal/ir"
)

// DefaultStart is the clock origin for scenarios that do not set start.
var DefaultStart = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// Scenario is one replayable timeline.
type Scenario struct {
	// Name uniquely identifies this scenario. It names the golden file and
	// prefixes trace ids.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Start is the instant step offsets are measured from.
	Start time.Time `yaml:"start,omitempty"`

	Policy   PolicyConfig   `yaml:"policy,omitempty"`
	Delivery DeliveryConfig `yaml:"delivery,omitempty"`

	// Steps run in order; their offsets must not go backwards.
	Steps []Step `yaml:"steps"`

	// Assertions validate the trace and final state.
	Assertions []Assertion `yaml:"assertions"`
}

// PolicyConfig sets the cooldown windows.
type PolicyConfig struct {
	Cooldown       Offset `yaml:"cooldown,omitempty"`
	StartupSilence Offset `yaml:"startup_silence,omitempty"`
}

// DeliveryConfig sets the retry budget for sends.
type DeliveryConfig struct {
	MaxRetries int `yaml:"max_retries,omitempty"`
}

// Step is one observation. Exactly one of Alert or Ingest is set.
type Step struct {
	At Offset `yaml:"at"`

	// FailSends lists HTTP status codes returned by the next sends in this
	// step, in order.
	FailSends []int `yaml:"fail_sends,omitempty"`

	Alert  *AlertStep  `yaml:"alert,omitempty"`
	Ingest *IngestStep `yaml:"ingest,omitempty"`

	// Expect is checked against the step's outcome. If nil, nothing is
	// checked.
	Expect *Expect `yaml:"expect,omitempty"`
}

// AlertStep observes an alert condition.
type AlertStep struct {
	Key      string            `yaml:"key"`
	Failing  bool              `yaml:"failing"`
	Title    string            `yaml:"title,omitempty"`
	Metadata map[string]string `yaml:"metadata,omitempty"`
}

// IngestStep records a content item. With Deliver, the item is sent to the
// channel before it is recorded.
type IngestStep struct {
	URL        string `yaml:"url,omitempty"`
	SourceHost string `yaml:"source_host,omitempty"`
	Title      string `yaml:"title,omitempty"`
	Force      bool   `yaml:"force,omitempty"`
	Deliver    bool   `yaml:"deliver,omitempty"`
}

// Expect is a subset match on a step outcome. Empty fields are not checked.
type Expect struct {
	Decision string `yaml:"decision,omitempty"`
	Reason   string `yaml:"reason,omitempty"`
	Status   string `yaml:"status,omitempty"`

	// Error is the error category: validation, delivery, conflict or storage.
	Error string `yaml:"error,omitempty"`
}

// Assertion validates the trace or the final state.
type Assertion struct {
	Type string `yaml:"type"`

	// Decision and Reason select entries for decision_count.
	Decision string `yaml:"decision,omitempty"`
	Reason   string `yaml:"reason,omitempty"`

	// Decisions is the expected relative order for decision_order.
	Decisions []string `yaml:"decisions,omitempty"`

	// Key selects the record for final_state and audit_count.
	Key string `yaml:"key,omitempty"`

	// Expect holds record field values for final_state.
	Expect map[string]any `yaml:"expect,omitempty"`

	Count int `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertDecisionCount = "decision_count"
	AssertDecisionOrder = "decision_order"
	AssertSentCount     = "sent_count"
	AssertFinalState    = "final_state"
	AssertAuditCount    = "audit_count"
)

// Offset is a duration written the way time.ParseDuration reads it ("90m").
type Offset time.Duration

// Std returns o as a time.Duration.
func (o Offset) Std() time.Duration { return time.Duration(o) }

func (o Offset) String() string { return time.Duration(o).String() }

// UnmarshalYAML parses a duration string.
func (o *Offset) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*o = Offset(d)
	return nil
}

// MarshalYAML writes o as a duration string.
func (o Offset) MarshalYAML() (any, error) {
	return o.String(), nil
}

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict fields catch typos like "assertion:" vs "assertions:".
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}
	if s.Policy.Cooldown < 0 || s.Policy.StartupSilence < 0 {
		return fmt.Errorf("policy windows must be non-negative")
	}
	if s.Delivery.MaxRetries < 0 {
		return fmt.Errorf("delivery.max_retries must be non-negative")
	}

	var prev Offset
	for i, step := range s.Steps {
		if (step.Alert == nil) == (step.Ingest == nil) {
			return fmt.Errorf("steps[%d]: exactly one of alert or ingest is required", i)
		}
		if step.At < prev {
			return fmt.Errorf("steps[%d]: at %s is before the previous step (%s)", i, step.At, prev)
		}
		prev = step.At
		if step.Alert != nil && step.Alert.Key == "" {
			return fmt.Errorf("steps[%d]: alert.key is required", i)
		}
		if step.Expect != nil && step.Expect.Error != "" && !validErrorCategory(step.Expect.Error) {
			return fmt.Errorf("steps[%d].expect: unknown error category %q", i, step.Expect.Error)
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertDecisionCount:
		if a.Decision == "" {
			return fmt.Errorf("assertions[%d]: decision is required for decision_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative", index)
		}
	case AssertDecisionOrder:
		if len(a.Decisions) == 0 {
			return fmt.Errorf("assertions[%d]: decisions list is required for decision_order", index)
		}
	case AssertSentCount:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative", index)
		}
	case AssertFinalState:
		if a.Key == "" {
			return fmt.Errorf("assertions[%d]: key is required for final_state", index)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", index)
		}
	case AssertAuditCount:
		if a.Key == "" {
			return fmt.Errorf("assertions[%d]: key is required for audit_count", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}

func validErrorCategory(s string) bool {
	switch s {
	case "validation", "delivery", "conflict", "storage":
		return true
	}
	return false
}

// errorCategory names the category of err for traces and expectations.
func errorCategory(err error) string {
	switch {
	case err == nil:
		return ""
	case ir.IsValidation(err):
		return "validation"
	case ir.IsDelivery(err):
		return "delivery"
	case ir.IsConflict(err):
		return "conflict"
	case ir.IsStorage(err):
		return "storage"
	default:
		return "other"
	}
}

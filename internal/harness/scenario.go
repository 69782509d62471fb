package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Scenario is one scripted run of the engine.
type Scenario struct {
	// Name uniquely identifies this scenario. Golden files are keyed by it.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// StudentID is stamped on emitted events. Defaults to DefaultStudentID.
	StudentID string `yaml:"student_id,omitempty"`

	// Settings overrides engine and retry tunables.
	Settings Settings `yaml:"settings,omitempty"`

	// Steps are applied in offset order.
	Steps []Step `yaml:"steps"`

	// Until advances the clock after the last step so pending timers can fire.
	Until time.Duration `yaml:"until,omitempty"`

	// Assertions validate the final trace and state.
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// DefaultStudentID is used when a scenario does not name one.
const DefaultStudentID = "student-1"

// Settings are optional overrides; nil keeps the default.
type Settings struct {
	RSSIThreshold     *int           `yaml:"rssi_threshold,omitempty"`
	OutOfRangeTimeout *time.Duration `yaml:"out_of_range_timeout,omitempty"`
	AbsentTimeout     *time.Duration `yaml:"absent_timeout,omitempty"`
	SweepInterval     *time.Duration `yaml:"sweep_interval,omitempty"`
	ThrottleInterval  *time.Duration `yaml:"throttle_interval,omitempty"`
	BatchThreshold    *int           `yaml:"batch_threshold,omitempty"`
	QueueCapacity     *int           `yaml:"queue_capacity,omitempty"`
}

// Step is one scripted action.
type Step struct {
	// At is the offset from the start of the run.
	At time.Duration `yaml:"at"`

	// Observe is the beacon id to sight. RSSI is required with it.
	Observe string `yaml:"observe,omitempty"`
	RSSI    *int   `yaml:"rssi,omitempty"`

	// Every repeats the observation over [At, Through].
	Every   time.Duration `yaml:"every,omitempty"`
	Through time.Duration `yaml:"through,omitempty"`

	// API switches the fake service mode.
	API APIMode `yaml:"api,omitempty"`

	// Flush runs one offline queue pass.
	Flush bool `yaml:"flush,omitempty"`
}

// APIMode is a fake attendance service behaviour.
type APIMode string

const (
	APIOnline       APIMode = "online"
	APIOffline      APIMode = "offline"
	APIFailing      APIMode = "failing"
	APIUnauthorized APIMode = "unauthorized"
)

// Assertion validates the trace or final state.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Line is the trace line to find (trace_contains).
	Line string `yaml:"line,omitempty"`

	// Lines is the expected order (trace_order).
	Lines []string `yaml:"lines,omitempty"`

	// Kind, Beacon and Status filter trace lines (trace_count). Empty
	// filters match anything; status "rejected" matches every reason.
	// Beacon is also the expected primary (final_primary).
	Kind   string `yaml:"kind,omitempty"`
	Beacon string `yaml:"beacon,omitempty"`
	Status string `yaml:"status,omitempty"`

	// Count is the expected number (trace_count, queue_length).
	Count int `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertQueueLength   = "queue_length"
	AssertFinalPrimary  = "final_primary"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or fails validation.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict field validation catches typos like "assertion:" vs "assertions:".
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
	if s.Until < 0 {
		return fmt.Errorf("until must not be negative")
	}

	for i, step := range s.Steps {
		if err := validateStep(step); err != nil {
			return fmt.Errorf("step %d: %w", i, err)
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(a); err != nil {
			return fmt.Errorf("assertion %d: %w", i, err)
		}
	}
	return nil
}

func validateStep(st Step) error {
	if st.At < 0 {
		return fmt.Errorf("at must not be negative")
	}

	actions := 0
	if st.Observe != "" {
		actions++
	}
	if st.API != "" {
		actions++
	}
	if st.Flush {
		actions++
	}
	if actions > 1 {
		return fmt.Errorf("observe, api and flush are mutually exclusive")
	}

	if st.Observe != "" && st.RSSI == nil {
		return fmt.Errorf("observe %s requires rssi", st.Observe)
	}
	if st.Observe == "" && st.RSSI != nil {
		return fmt.Errorf("rssi requires observe")
	}

	switch {
	case st.Every < 0:
		return fmt.Errorf("every must be positive")
	case st.Every > 0 && st.Observe == "":
		return fmt.Errorf("every requires observe")
	case st.Every > 0 && st.Through < st.At:
		return fmt.Errorf("through %s is before at %s", st.Through, st.At)
	case st.Every == 0 && st.Through != 0:
		return fmt.Errorf("through requires every")
	}

	switch st.API {
	case "", APIOnline, APIOffline, APIFailing, APIUnauthorized:
	default:
		return fmt.Errorf("unknown api mode %q", st.API)
	}
	return nil
}

func validateAssertion(a Assertion) error {
	switch a.Type {
	case AssertTraceContains:
		if a.Line == "" {
			return fmt.Errorf("%s requires line", a.Type)
		}
	case AssertTraceOrder:
		if len(a.Lines) < 2 {
			return fmt.Errorf("%s requires at least two lines", a.Type)
		}
	case AssertTraceCount, AssertQueueLength:
		if a.Count < 0 {
			return fmt.Errorf("%s count must not be negative", a.Type)
		}
	case AssertFinalPrimary:
	case "":
		return fmt.Errorf("type is required")
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}

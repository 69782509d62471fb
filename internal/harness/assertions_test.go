package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleResult() *Result {
	r := NewResult()
	r.Trace = []TraceEvent{
		{Offset: 0, Kind: "present", Beacon: "B1", Status: "accepted"},
		{Offset: 0, Kind: "present", Beacon: "B1", Status: "synced"},
		{Offset: 5e9, Kind: "left", Beacon: "B1", Status: "rejected:throttled"},
		{Offset: 5e9, Kind: "present", Beacon: "B2", Status: "rejected:throttled"},
		{Offset: 25e9, Kind: "present", Beacon: "B2", Status: "rejected:duplicate"},
	}
	r.Primary = "B2"
	r.Queued = 0
	return r
}

func TestEvaluateAssertions_Passing(t *testing.T) {
	errs := EvaluateAssertions(sampleResult(), []Assertion{
		{Type: AssertTraceContains, Line: "t=5s left B1 rejected:throttled"},
		{Type: AssertTraceOrder, Lines: []string{"t=0s present B1 accepted", "t=25s present B2 rejected:duplicate"}},
		{Type: AssertTraceCount, Status: "rejected", Count: 3},
		{Type: AssertTraceCount, Status: "rejected:throttled", Count: 2},
		{Type: AssertTraceCount, Kind: "present", Beacon: "B2", Count: 2},
		{Type: AssertTraceCount, Kind: "absent", Count: 0},
		{Type: AssertQueueLength, Count: 0},
		{Type: AssertFinalPrimary, Beacon: "B2"},
	})
	assert.Empty(t, errs)
}

func TestEvaluateAssertions_Failing(t *testing.T) {
	tests := []struct {
		name      string
		assertion Assertion
		want      string
	}{
		{
			name:      "line missing",
			assertion: Assertion{Type: AssertTraceContains, Line: "t=0s absent B1 accepted"},
			want:      "not found in trace",
		},
		{
			name: "wrong order",
			assertion: Assertion{Type: AssertTraceOrder, Lines: []string{
				"t=5s present B2 rejected:throttled",
				"t=5s left B1 rejected:throttled",
			}},
			want: `"t=5s left B1 rejected:throttled" missing or out of order`,
		},
		{
			name:      "count mismatch",
			assertion: Assertion{Type: AssertTraceCount, Kind: "present", Status: "synced", Count: 2},
			want:      "Actual: 1 lines",
		},
		{
			name:      "queue length",
			assertion: Assertion{Type: AssertQueueLength, Count: 3},
			want:      "Expected: 3 queued events",
		},
		{
			name:      "primary",
			assertion: Assertion{Type: AssertFinalPrimary, Beacon: "B1"},
			want:      `Actual: primary "B2"`,
		},
		{
			name:      "unknown type",
			assertion: Assertion{Type: "final_state"},
			want:      "unknown assertion type: final_state",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := EvaluateAssertions(sampleResult(), []Assertion{tt.assertion})
			require.Len(t, errs, 1)
			assert.Contains(t, errs[0], tt.want)
		})
	}
}

func TestAssertionError_IncludesTrace(t *testing.T) {
	err := &AssertionError{
		Type:     AssertTraceContains,
		Expected: "x",
		Actual:   "y",
		Trace:    sampleResult().Trace[:1],
	}
	msg := err.Error()
	assert.Contains(t, msg, "Assertion failed: trace_contains")
	assert.Contains(t, msg, "  Expected: x\n")
	assert.Contains(t, msg, "  [1] t=0s present B1 accepted\n")
}

func TestMatchStatus(t *testing.T) {
	assert.True(t, matchStatus("rejected:throttled", "rejected"))
	assert.True(t, matchStatus("rejected:throttled", "rejected:throttled"))
	assert.True(t, matchStatus("synced", ""))
	assert.False(t, matchStatus("rejected:throttled", "rejected:duplicate"))
	assert.False(t, matchStatus("rejectedx", "rejected"))
}

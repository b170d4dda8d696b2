package harness

import (
	"fmt"
	"strings"
)

// TraceEvent records one step of a scenario run and what came of it.
type TraceEvent struct {
	Seq     int64  `json:"seq"`
	Step    string `json:"step"`
	Detail  string `json:"detail"`
	Outcome string `json:"outcome"`
}

// String renders the event as a single golden-file line.
func (e TraceEvent) String() string {
	return fmt.Sprintf("%d %s %s => %s", e.Seq, e.Step, e.Detail, e.Outcome)
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every assertion held.
	Pass bool `json:"pass"`

	// Trace lists every step in execution order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains assertion failures. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Tree is the final store rendered as indented text.
	Tree string `json:"tree"`

	// Failures lists published failures as "category description".
	Failures []string `json:"failures,omitempty"`

	// Calls lists backend ops in arrival order.
	Calls []string `json:"calls,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddTrace appends a trace event.
func (r *Result) AddTrace(seq int64, step, detail, outcome string) {
	r.Trace = append(r.Trace, TraceEvent{Seq: seq, Step: step, Detail: detail, Outcome: outcome})
}

// Dump renders the result in the golden-file layout.
func (r *Result) Dump(name string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "scenario: %s\n", name)
	b.WriteString("trace:\n")
	for _, e := range r.Trace {
		fmt.Fprintf(&b, "  %s\n", e)
	}
	b.WriteString("tree:\n")
	for _, line := range strings.Split(strings.TrimSuffix(r.Tree, "\n"), "\n") {
		if line != "" {
			fmt.Fprintf(&b, "  %s\n", line)
		}
	}
	if len(r.Failures) == 0 {
		b.WriteString("failures: none\n")
	} else {
		b.WriteString("failures:\n")
		for _, f := range r.Failures {
			fmt.Fprintf(&b, "  %s\n", f)
		}
	}
	return []byte(b.String())
}

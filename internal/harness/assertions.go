package harness

import (
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/treesync/internal/coordinator"
	"github.com/roach88/treesync/internal/hierarchy"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string // Assertion type for categorization
	Subject  string // What was checked (parent id, node id, ...)
	Expected string // Human-readable expected outcome
	Actual   string // Human-readable actual outcome
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s", e.Type)
	if e.Subject != "" {
		fmt.Fprintf(&buf, " (%s)", e.Subject)
	}
	fmt.Fprintf(&buf, "\n  Expected: %s\n  Actual: %s", e.Expected, e.Actual)
	return buf.String()
}

// AssertionContext provides the state assertions are evaluated against.
type AssertionContext struct {
	Store    *hierarchy.Store
	Calls    []string
	Failures []coordinator.Failure
}

func assertChildren(st *hierarchy.Store, a Assertion) error {
	got := st.GetChildren(a.Parent)
	if slices.Equal(got, a.Children) || (len(got) == 0 && len(a.Children) == 0) {
		return nil
	}
	return &AssertionError{
		Type:     AssertChildren,
		Subject:  a.Parent,
		Expected: fmt.Sprintf("%v", a.Children),
		Actual:   fmt.Sprintf("%v", got),
	}
}

func assertOrders(st *hierarchy.Store, a Assertion) error {
	entries := st.ChildEntries(a.Parent)
	got := make([]float64, len(entries))
	for i, c := range entries {
		got[i] = c.Order
	}
	if slices.Equal(got, a.Orders) {
		return nil
	}
	return &AssertionError{
		Type:     AssertOrders,
		Subject:  a.Parent,
		Expected: fmt.Sprintf("%v", a.Orders),
		Actual:   fmt.Sprintf("%v", got),
	}
}

func assertParent(st *hierarchy.Store, a Assertion) error {
	got, _ := st.GetParent(a.Node)
	if got == a.Want {
		return nil
	}
	return &AssertionError{
		Type:     AssertParent,
		Subject:  a.Node,
		Expected: quoteOrDetached(a.Want),
		Actual:   quoteOrDetached(got),
	}
}

func quoteOrDetached(id string) string {
	if id == "" {
		return "detached"
	}
	return fmt.Sprintf("%q", id)
}

func assertBackendCalls(calls []string, a Assertion) error {
	if slices.Equal(calls, a.Calls) || (len(calls) == 0 && len(a.Calls) == 0) {
		return nil
	}
	return &AssertionError{
		Type:     AssertBackendCalls,
		Expected: fmt.Sprintf("%v", a.Calls),
		Actual:   fmt.Sprintf("%v", calls),
	}
}

func assertFailures(failures []coordinator.Failure, a Assertion) error {
	count := 0
	for _, f := range failures {
		if a.Category == "" || string(f.Category) == a.Category {
			count++
		}
	}
	if count == a.Count {
		return nil
	}
	return &AssertionError{
		Type:     AssertFailures,
		Subject:  a.Category,
		Expected: fmt.Sprintf("%d failures", a.Count),
		Actual:   fmt.Sprintf("%d failures", count),
	}
}

func assertDiagnostics(st *hierarchy.Store, a Assertion) error {
	count := 0
	for _, d := range st.Diagnostics() {
		if a.Code == "" || string(d.Code) == a.Code {
			count++
		}
	}
	if count == a.Count {
		return nil
	}
	return &AssertionError{
		Type:     AssertDiagnostics,
		Subject:  a.Code,
		Expected: fmt.Sprintf("%d refused mutations", a.Count),
		Actual:   fmt.Sprintf("%d refused mutations", count),
	}
}

func assertNeedsRebalancing(st *hierarchy.Store, a Assertion) error {
	got := st.NeedsRebalancing(a.Parent)
	if a.Value != nil && got == *a.Value {
		return nil
	}
	want := "<unset>"
	if a.Value != nil {
		want = fmt.Sprintf("%t", *a.Value)
	}
	return &AssertionError{
		Type:     AssertNeedsRebalancing,
		Subject:  a.Parent,
		Expected: want,
		Actual:   fmt.Sprintf("%t", got),
	}
}

// EvaluateAssertions evaluates all assertions against actx.
// Returns a slice of error messages for failed assertions.
func EvaluateAssertions(assertions []Assertion, actx *AssertionContext) []string {
	var errs []string

	for i, a := range assertions {
		var err error

		switch a.Type {
		case AssertChildren:
			err = assertChildren(actx.Store, a)
		case AssertOrders:
			err = assertOrders(actx.Store, a)
		case AssertParent:
			err = assertParent(actx.Store, a)
		case AssertBackendCalls:
			err = assertBackendCalls(actx.Calls, a)
		case AssertFailures:
			err = assertFailures(actx.Failures, a)
		case AssertDiagnostics:
			err = assertDiagnostics(actx.Store, a)
		case AssertNeedsRebalancing:
			err = assertNeedsRebalancing(actx.Store, a)
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, a.Type)
		}

		if err != nil {
			errs = append(errs, err.Error())
		}
	}

	return errs
}

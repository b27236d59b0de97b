package policy

import (
	"errors"
	"fmt"
	"strings"
)

// Decision is the resolver outcome for one probe name.
type Decision struct {
	Category Category `json:"category" yaml:"category"`
	Name     string   `json:"name" yaml:"name"`
	Allowed  bool     `json:"allowed" yaml:"allowed"`
	Reason   string   `json:"reason,omitempty" yaml:"reason,omitempty"`
}

// Report summarises resolver decisions for a set of probes.
type Report struct {
	Decisions  []Decision `json:"decisions" yaml:"decisions"`
	Violations []string   `json:"violations" yaml:"violations"`
	Passed     bool       `json:"passed" yaml:"passed"`
}

// Evaluate runs Check for every probe in category order and collects the results.
func (s *Store) Evaluate(probes map[Category][]string) Report {
	var report Report
	for _, c := range Categories() {
		for _, name := range probes[c] {
			d := Decision{Category: c, Name: name, Allowed: true}
			if err := s.Check(c, name); err != nil {
				d.Allowed = false
				d.Reason = err.Error()
				var perr *Error
				if errors.As(err, &perr) {
					d.Reason = fmt.Sprintf("%s: %s", perr.Kind, perr.Reason)
				}
				report.Violations = append(report.Violations, fmt.Sprintf("%s %s denied (%s)", c, name, d.Reason))
			}
			report.Decisions = append(report.Decisions, d)
		}
	}
	report.Passed = len(report.Violations) == 0
	return report
}

// Err joins the violations into one error, or returns nil when every probe passed.
func (r Report) Err() error {
	if r.Passed {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrPolicy, strings.Join(r.Violations, "; "))
}

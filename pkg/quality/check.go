// Package quality is the rule engine deciding whether a snapshot may be
// promoted. Checks are named, severity-tagged pass/fail rules; every
// execution leaves one persisted result row per check per run.
package quality

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/rstrinati/bimwarehouse/pkg/warehouse"
)

// Outcome is the evaluated result of one check.
type Outcome struct {
	Passed  bool
	Details string
}

// Check is one named data-quality rule. Severity determines blocking
// behavior only within the issue suite; advisory and info checks never
// block. DetailsOnPass records the details text even when the check passes,
// for audit-trail checks.
type Check struct {
	Name          string
	Severity      string
	DetailsOnPass bool
	Run           func(ctx context.Context) (Outcome, error)
}

// Summary aggregates one suite execution.
type Summary struct {
	Total   int
	Passed  int
	Failed  int
	Results []warehouse.QualityCheckResult
}

// AllPassed reports whether every check in the suite passed.
func (s Summary) AllPassed() bool {
	return s.Failed == 0
}

// ResultStore persists check results.
type ResultStore interface {
	InsertQualityCheckResult(ctx context.Context, r *warehouse.QualityCheckResult) error
}

// Runner executes check suites and persists their results.
type Runner struct {
	log     logrus.FieldLogger
	results ResultStore
}

// NewRunner creates a check Runner.
func NewRunner(log logrus.FieldLogger, results ResultStore) *Runner {
	return &Runner{
		log:     log.WithField("component", "quality"),
		results: results,
	}
}

// RunChecks executes each check in order, persists one QualityCheckResult
// per check for the import run and logs failures. A check that errors (as
// opposed to failing) aborts the suite: that is a read error, not a data
// finding.
func (r *Runner) RunChecks(
	ctx context.Context, importRunID uint, checks []Check,
) (Summary, error) {
	summary := Summary{Total: len(checks)}

	for _, check := range checks {
		outcome, err := check.Run(ctx)
		if err != nil {
			return summary, fmt.Errorf("running check %s: %w", check.Name, err)
		}

		details := outcome.Details
		if outcome.Passed && !check.DetailsOnPass {
			details = ""
		}

		result := warehouse.QualityCheckResult{
			ImportRunID: importRunID,
			CheckName:   check.Name,
			Severity:    check.Severity,
			Passed:      outcome.Passed,
			Details:     details,
		}

		if err := r.results.InsertQualityCheckResult(ctx, &result); err != nil {
			return summary, fmt.Errorf("recording check %s: %w", check.Name, err)
		}

		summary.Results = append(summary.Results, result)

		if outcome.Passed {
			summary.Passed++

			r.log.WithField("check", check.Name).Debug("Check passed")

			continue
		}

		summary.Failed++

		r.log.WithFields(logrus.Fields{
			"check":    check.Name,
			"severity": check.Severity,
			"details":  outcome.Details,
		}).Warn("Check failed")
	}

	return summary, nil
}

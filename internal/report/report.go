// Package report holds the findings model shared by the security scanner,
// the penetration-test simulator and the key-rotation checker, plus the
// sinks that persist and publish scan results.
package report

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// Severity classifies how bad a failed check is.
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
	SeverityLow      Severity = "LOW"
)

// severityWeights are the score deductions per failed finding.
var severityWeights = map[Severity]int{
	SeverityCritical: 25,
	SeverityHigh:     10,
	SeverityMedium:   5,
	SeverityLow:      1,
}

// Weight returns the score deduction for a failed finding of this severity.
func (s Severity) Weight() int {
	return severityWeights[s]
}

// AtLeast reports whether the severity is at or above min.
func (s Severity) AtLeast(min Severity) bool {
	return s.Weight() >= min.Weight()
}

// Status is the outcome of a single check against a single resource.
type Status string

const (
	StatusPassed Status = "passed"
	StatusFailed Status = "failed"
	// StatusWarned marks an advisory outcome: the expectation was not met
	// but the check does not deduct from the score.
	StatusWarned Status = "warned"
	// StatusError marks a check that could not run; it is reported but
	// does not deduct from the score.
	StatusError Status = "error"
)

// Finding is one check outcome for one resource.
type Finding struct {
	CheckId     string   `json:"checkId"`
	Resource    string   `json:"resource"`
	Severity    Severity `json:"severity"`
	Status      Status   `json:"status"`
	Message     string   `json:"message"`
	Remediation string   `json:"remediation,omitempty"`
}

// Report is the result of one scan run.
type Report struct {
	ScanId      string        `json:"scanId"`
	Source      string        `json:"source"`
	Environment string        `json:"environment"`
	AccountId   string        `json:"accountId,omitempty"`
	StartedAt   time.Time     `json:"startedAt"`
	Duration    time.Duration `json:"duration"`
	Score       int           `json:"score"`
	Grade       string        `json:"grade"`
	Findings    []Finding     `json:"findings"`
}

// New starts a report for a scan source ("audit", "pentest", "keycheck").
func New(source, environment string) *Report {
	return &Report{
		ScanId:      uuid.NewString(),
		Source:      source,
		Environment: environment,
		StartedAt:   time.Now().UTC(),
	}
}

// Finish records the findings, stamps the duration and computes score and
// grade. Findings are sorted by check id then resource so repeated runs
// produce identical ordering.
func (r *Report) Finish(findings []Finding) {
	sort.Slice(findings, func(i, j int) bool {
		if findings[i].CheckId != findings[j].CheckId {
			return findings[i].CheckId < findings[j].CheckId
		}
		return findings[i].Resource < findings[j].Resource
	})
	r.Findings = findings
	r.Duration = time.Since(r.StartedAt)
	r.Score = ScoreFindings(findings)
	r.Grade = GradeFor(r.Score)
}

// ScoreFindings starts from 100 and deducts the severity weight for every
// failed finding, flooring at zero.
func ScoreFindings(findings []Finding) int {
	score := 100
	for _, f := range findings {
		if f.Status != StatusFailed {
			continue
		}
		score -= f.Severity.Weight()
	}
	if score < 0 {
		score = 0
	}
	return score
}

// GradeFor maps a score to a letter grade.
func GradeFor(score int) string {
	switch {
	case score >= 90:
		return "A"
	case score >= 80:
		return "B"
	case score >= 70:
		return "C"
	case score >= 50:
		return "D"
	default:
		return "F"
	}
}

// CountBySeverity tallies failed findings per severity.
func (r *Report) CountBySeverity() map[Severity]int {
	counts := make(map[Severity]int)
	for _, f := range r.Findings {
		if f.Status == StatusFailed {
			counts[f.Severity]++
		}
	}
	return counts
}

// Failed returns the number of failed findings.
func (r *Report) Failed() int {
	n := 0
	for _, f := range r.Findings {
		if f.Status == StatusFailed {
			n++
		}
	}
	return n
}

// HasCritical reports whether any failed finding is critical.
func (r *Report) HasCritical() bool {
	for _, f := range r.Findings {
		if f.Status == StatusFailed && f.Severity == SeverityCritical {
			return true
		}
	}
	return false
}

// HasFailedAtLeast reports whether any failed finding is at or above the
// given severity.
func (r *Report) HasFailedAtLeast(min Severity) bool {
	for _, f := range r.Findings {
		if f.Status == StatusFailed && f.Severity.AtLeast(min) {
			return true
		}
	}
	return false
}

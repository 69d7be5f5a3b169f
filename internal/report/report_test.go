package report

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScoreFindings(t *testing.T) {
	tests := []struct {
		name     string
		findings []Finding
		want     int
	}{
		{
			name: "no failures keeps a perfect score",
			findings: []Finding{
				{Severity: SeverityCritical, Status: StatusPassed},
				{Severity: SeverityHigh, Status: StatusPassed},
			},
			want: 100,
		},
		{
			name: "each severity deducts its weight",
			findings: []Finding{
				{Severity: SeverityCritical, Status: StatusFailed},
				{Severity: SeverityHigh, Status: StatusFailed},
				{Severity: SeverityMedium, Status: StatusFailed},
				{Severity: SeverityLow, Status: StatusFailed},
			},
			want: 100 - 25 - 10 - 5 - 1,
		},
		{
			name: "errors do not deduct",
			findings: []Finding{
				{Severity: SeverityCritical, Status: StatusError},
				{Severity: SeverityHigh, Status: StatusFailed},
			},
			want: 90,
		},
		{
			name: "advisory warnings do not deduct",
			findings: []Finding{
				{Severity: SeverityMedium, Status: StatusWarned},
				{Severity: SeverityLow, Status: StatusFailed},
			},
			want: 99,
		},
		{
			name: "score floors at zero",
			findings: []Finding{
				{Severity: SeverityCritical, Status: StatusFailed},
				{Severity: SeverityCritical, Status: StatusFailed},
				{Severity: SeverityCritical, Status: StatusFailed},
				{Severity: SeverityCritical, Status: StatusFailed},
				{Severity: SeverityCritical, Status: StatusFailed},
			},
			want: 0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ScoreFindings(tt.findings))
		})
	}
}

func TestGradeFor(t *testing.T) {
	tests := []struct {
		score int
		want  string
	}{
		{100, "A"},
		{90, "A"},
		{89, "B"},
		{80, "B"},
		{79, "C"},
		{70, "C"},
		{69, "D"},
		{50, "D"},
		{49, "F"},
		{0, "F"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, GradeFor(tt.score), "score %d", tt.score)
	}
}

func TestFinishSortsAndScores(t *testing.T) {
	assert := assert.New(t)

	r := New("audit", "prod")
	assert.NotEmpty(r.ScanId)
	assert.Equal("audit", r.Source)
	assert.Equal("prod", r.Environment)

	r.Finish([]Finding{
		{CheckId: "s3-encryption", Resource: "b", Severity: SeverityHigh, Status: StatusFailed},
		{CheckId: "cloudtrail-enabled", Resource: "account", Severity: SeverityHigh, Status: StatusPassed},
		{CheckId: "s3-encryption", Resource: "a", Severity: SeverityLow, Status: StatusFailed},
	})

	assert.Equal([]string{"cloudtrail-enabled", "s3-encryption", "s3-encryption"},
		[]string{r.Findings[0].CheckId, r.Findings[1].CheckId, r.Findings[2].CheckId})
	assert.Equal("a", r.Findings[1].Resource)
	assert.Equal("b", r.Findings[2].Resource)
	assert.Equal(100-10-1, r.Score)
	assert.Equal("B", r.Grade)
	assert.Equal(2, r.Failed())
	assert.False(r.HasCritical())
}

func TestCountBySeverity(t *testing.T) {
	r := &Report{Findings: []Finding{
		{Severity: SeverityCritical, Status: StatusFailed},
		{Severity: SeverityCritical, Status: StatusFailed},
		{Severity: SeverityHigh, Status: StatusPassed},
		{Severity: SeverityLow, Status: StatusFailed},
	}}
	counts := r.CountBySeverity()
	assert.Equal(t, 2, counts[SeverityCritical])
	assert.Equal(t, 1, counts[SeverityLow])
	assert.NotContains(t, counts, SeverityHigh)
	assert.True(t, r.HasCritical())
}

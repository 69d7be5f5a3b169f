package audit

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudtrail"

	"github.com/myideascope/hallucifix-infra/internal/report"
)

// checkCloudTrail verifies the account has at least one multi-region trail
// that is actually logging.
func (s *Scanner) checkCloudTrail(ctx context.Context) ([]report.Finding, error) {
	out, err := s.CloudTrail.DescribeTrails(ctx, &cloudtrail.DescribeTrailsInput{})
	if err != nil {
		return nil, err
	}

	var findings []report.Finding

	for _, trail := range out.TrailList {
		if !aws.ToBool(trail.IsMultiRegionTrail) {
			continue
		}
		name := aws.ToString(trail.Name)

		status, err := s.CloudTrail.GetTrailStatus(ctx, &cloudtrail.GetTrailStatusInput{Name: trail.TrailARN})
		if err != nil {
			findings = append(findings, report.Finding{
				CheckId:  "cloudtrail-enabled",
				Resource: name,
				Severity: report.SeverityHigh,
				Status:   report.StatusError,
				Message:  err.Error(),
			})
			continue
		}

		if aws.ToBool(status.IsLogging) {
			findings = append(findings, report.Finding{
				CheckId:  "cloudtrail-enabled",
				Resource: name,
				Severity: report.SeverityHigh,
				Status:   report.StatusPassed,
				Message:  "multi-region trail is logging",
			})
		} else {
			findings = append(findings, report.Finding{
				CheckId:     "cloudtrail-enabled",
				Resource:    name,
				Severity:    report.SeverityHigh,
				Status:      report.StatusFailed,
				Message:     "multi-region trail exists but is not logging",
				Remediation: "start logging on the trail",
			})
		}
	}

	if len(findings) == 0 {
		findings = append(findings, report.Finding{
			CheckId:     "cloudtrail-enabled",
			Resource:    "account",
			Severity:    report.SeverityHigh,
			Status:      report.StatusFailed,
			Message:     "no multi-region trail configured",
			Remediation: "create a multi-region trail delivering to a locked-down bucket",
		})
	}

	return findings, nil
}

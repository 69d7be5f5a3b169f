package audit

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"

	"github.com/myideascope/hallucifix-infra/internal/report"
)

const openWorld = "0.0.0.0/0"

// checkOpenIngress flags security groups that accept traffic from anywhere
// on ports other than 443. Remote-administration and data-store ports are
// the worst case.
func (s *Scanner) checkOpenIngress(ctx context.Context) ([]report.Finding, error) {
	var findings []report.Finding
	var nextToken *string
	for {
		out, err := s.EC2.DescribeSecurityGroups(ctx, &ec2.DescribeSecurityGroupsInput{NextToken: nextToken})
		if err != nil {
			return nil, err
		}

		for _, group := range out.SecurityGroups {
			groupID := aws.ToString(group.GroupId)
			open := false

			for _, permission := range group.IpPermissions {
				worldReachable := false
				for _, ipRange := range permission.IpRanges {
					if aws.ToString(ipRange.CidrIp) == openWorld {
						worldReachable = true
						break
					}
				}
				if !worldReachable {
					continue
				}

				from := int(aws.ToInt32(permission.FromPort))
				to := int(aws.ToInt32(permission.ToPort))
				if from == 443 && to == 443 {
					continue
				}
				open = true

				findings = append(findings, report.Finding{
					CheckId:     "sg-open-ingress",
					Resource:    fmt.Sprintf("%s:%d-%d", groupID, from, to),
					Severity:    ingressSeverity(from, to),
					Status:      report.StatusFailed,
					Message:     fmt.Sprintf("ingress from %s on ports %d-%d", openWorld, from, to),
					Remediation: "restrict the ingress rule to known source ranges or security groups",
				})
			}

			if !open {
				findings = append(findings, report.Finding{
					CheckId:  "sg-open-ingress",
					Resource: groupID,
					Severity: report.SeverityHigh,
					Status:   report.StatusPassed,
					Message:  "no world-open ingress outside 443",
				})
			}
		}

		if out.NextToken == nil {
			break
		}
		nextToken = out.NextToken
	}
	return findings, nil
}

// ingressSeverity rates a world-open port range. SSH, RDP and the data
// stores are critical; anything else world-open is still high.
func ingressSeverity(from, to int) report.Severity {
	for _, port := range []int{22, 3389, 5432, 6379} {
		if from <= port && port <= to {
			return report.SeverityCritical
		}
	}
	return report.SeverityHigh
}

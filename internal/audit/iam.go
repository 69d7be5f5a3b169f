package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"

	"github.com/myideascope/hallucifix-infra/internal/report"
)

// maxAccessKeyAge is how old an access key may get before it is flagged.
const maxAccessKeyAge = 90 * 24 * time.Hour

// checkIAMWildcardPolicies flags customer managed policies whose default
// version allows every action on every resource.
func (s *Scanner) checkIAMWildcardPolicies(ctx context.Context) ([]report.Finding, error) {
	var findings []report.Finding
	var marker *string
	for {
		out, err := s.IAM.ListPolicies(ctx, &iam.ListPoliciesInput{
			Scope:  iamtypes.PolicyScopeTypeLocal,
			Marker: marker,
		})
		if err != nil {
			return nil, err
		}

		for _, policy := range out.Policies {
			name := aws.ToString(policy.PolicyName)
			finding := report.Finding{
				CheckId:     "iam-wildcard-policies",
				Resource:    name,
				Severity:    report.SeverityCritical,
				Status:      report.StatusPassed,
				Message:     "policy is scoped",
				Remediation: "replace the wildcard statement with the specific actions and resources needed",
			}

			version, err := s.IAM.GetPolicyVersion(ctx, &iam.GetPolicyVersionInput{
				PolicyArn: policy.Arn,
				VersionId: policy.DefaultVersionId,
			})
			if err != nil {
				finding.Status = report.StatusError
				finding.Message = err.Error()
				findings = append(findings, finding)
				continue
			}

			wildcard, err := hasWildcardStatement(aws.ToString(version.PolicyVersion.Document))
			if err != nil {
				finding.Status = report.StatusError
				finding.Message = err.Error()
			} else if wildcard {
				finding.Status = report.StatusFailed
				finding.Message = "policy allows * actions on * resources"
			}
			findings = append(findings, finding)
		}

		if out.Marker == nil {
			break
		}
		marker = out.Marker
	}
	return findings, nil
}

// policyDocument models just enough of an IAM policy to spot wildcards.
// Statement, Action and Resource each accept both single values and lists.
type policyDocument struct {
	Statement []policyStatement
}

type policyStatement struct {
	Effect   string
	Action   stringList
	Resource stringList
}

type stringList []string

func (l *stringList) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*l = stringList{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*l = many
	return nil
}

func (d *policyDocument) UnmarshalJSON(data []byte) error {
	type alias struct {
		Statement json.RawMessage
	}
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	var single policyStatement
	if err := json.Unmarshal(a.Statement, &single); err == nil {
		d.Statement = []policyStatement{single}
		return nil
	}
	var many []policyStatement
	if err := json.Unmarshal(a.Statement, &many); err != nil {
		return err
	}
	d.Statement = many
	return nil
}

// hasWildcardStatement parses a URL-encoded policy document and reports
// whether any Allow statement grants "*" on "*".
func hasWildcardStatement(encoded string) (bool, error) {
	raw, err := url.QueryUnescape(encoded)
	if err != nil {
		return false, fmt.Errorf("decoding policy document: %w", err)
	}
	var doc policyDocument
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return false, fmt.Errorf("parsing policy document: %w", err)
	}
	for _, stmt := range doc.Statement {
		if stmt.Effect != "Allow" {
			continue
		}
		if contains(stmt.Action, "*") && contains(stmt.Resource, "*") {
			return true, nil
		}
	}
	return false, nil
}

func contains(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}

// checkIAMUserHygiene flags console users without MFA and stale access keys.
func (s *Scanner) checkIAMUserHygiene(ctx context.Context) ([]report.Finding, error) {
	var findings []report.Finding
	var marker *string
	now := time.Now()

	for {
		out, err := s.IAM.ListUsers(ctx, &iam.ListUsersInput{Marker: marker})
		if err != nil {
			return nil, err
		}

		for _, user := range out.Users {
			name := aws.ToString(user.UserName)

			hasPassword, err := s.userHasConsolePassword(ctx, name)
			if err != nil {
				findings = append(findings, report.Finding{
					CheckId:  "iam-user-hygiene",
					Resource: name,
					Severity: report.SeverityHigh,
					Status:   report.StatusError,
					Message:  err.Error(),
				})
				continue
			}

			if hasPassword {
				mfa, err := s.IAM.ListMFADevices(ctx, &iam.ListMFADevicesInput{UserName: user.UserName})
				if err != nil {
					return nil, err
				}
				finding := report.Finding{
					CheckId:     "iam-user-hygiene",
					Resource:    name,
					Severity:    report.SeverityHigh,
					Status:      report.StatusPassed,
					Message:     "console user has MFA",
					Remediation: "require an MFA device for every console user",
				}
				if len(mfa.MFADevices) == 0 {
					finding.Status = report.StatusFailed
					finding.Message = "console user has no MFA device"
				}
				findings = append(findings, finding)
			}

			keys, err := s.IAM.ListAccessKeys(ctx, &iam.ListAccessKeysInput{UserName: user.UserName})
			if err != nil {
				return nil, err
			}
			for _, key := range keys.AccessKeyMetadata {
				if key.Status != iamtypes.StatusTypeActive || key.CreateDate == nil {
					continue
				}
				age := now.Sub(*key.CreateDate)
				if age > maxAccessKeyAge {
					findings = append(findings, report.Finding{
						CheckId:     "iam-user-hygiene",
						Resource:    fmt.Sprintf("%s/%s", name, aws.ToString(key.AccessKeyId)),
						Severity:    report.SeverityMedium,
						Status:      report.StatusFailed,
						Message:     fmt.Sprintf("access key is %d days old", int(age.Hours()/24)),
						Remediation: "rotate access keys at least every 90 days",
					})
				}
			}
		}

		if out.Marker == nil {
			break
		}
		marker = out.Marker
	}
	return findings, nil
}

// userHasConsolePassword distinguishes console users from API-only users.
// GetLoginProfile returns NoSuchEntity for users without a password.
func (s *Scanner) userHasConsolePassword(ctx context.Context, name string) (bool, error) {
	_, err := s.IAM.GetLoginProfile(ctx, &iam.GetLoginProfileInput{UserName: aws.String(name)})
	if err != nil {
		var notFound *iamtypes.NoSuchEntityException
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

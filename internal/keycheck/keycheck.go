// Package keycheck audits customer-managed KMS keys for rotation and
// lifecycle hygiene.
package keycheck

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	kmstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"
	"go.uber.org/zap"

	"github.com/myideascope/hallucifix-infra/internal/report"
)

// maxKeyAge is how old an unrotated key may get before the finding
// escalates from high to critical.
const maxKeyAge = 365 * 24 * time.Hour

// KMSAPI is the slice of the KMS client the checker needs.
type KMSAPI interface {
	ListKeys(ctx context.Context, params *kms.ListKeysInput, optFns ...func(*kms.Options)) (*kms.ListKeysOutput, error)
	DescribeKey(ctx context.Context, params *kms.DescribeKeyInput, optFns ...func(*kms.Options)) (*kms.DescribeKeyOutput, error)
	GetKeyRotationStatus(ctx context.Context, params *kms.GetKeyRotationStatusInput, optFns ...func(*kms.Options)) (*kms.GetKeyRotationStatusOutput, error)
	ListAliases(ctx context.Context, params *kms.ListAliasesInput, optFns ...func(*kms.Options)) (*kms.ListAliasesOutput, error)
}

// Checker audits customer-managed keys. AWS-managed keys rotate on their
// own schedule and are skipped.
type Checker struct {
	KMS KMSAPI

	// now is swapped in tests.
	now func() time.Time
	log *zap.SugaredLogger
}

// NewChecker builds a checker from a loaded AWS config.
func NewChecker(cfg aws.Config, logger *zap.SugaredLogger) *Checker {
	return &Checker{KMS: kms.NewFromConfig(cfg), now: time.Now, log: logger}
}

// Run lists every key in the account and checks rotation, age, aliasing and
// pending deletions. One broken key does not stop the rest of the sweep.
func (c *Checker) Run(ctx context.Context) ([]report.Finding, error) {
	aliases, err := c.aliasIndex(ctx)
	if err != nil {
		return nil, err
	}

	var findings []report.Finding
	var marker *string
	for {
		out, err := c.KMS.ListKeys(ctx, &kms.ListKeysInput{Marker: marker})
		if err != nil {
			return nil, err
		}

		for _, entry := range out.Keys {
			keyID := aws.ToString(entry.KeyId)
			keyFindings, err := c.checkKey(ctx, keyID, aliases[keyID])
			if err != nil {
				c.logw().Warnw("key check failed", "keyId", keyID, "error", err)
				findings = append(findings, report.Finding{
					CheckId:  "kms-rotation",
					Resource: keyID,
					Severity: report.SeverityMedium,
					Status:   report.StatusError,
					Message:  err.Error(),
				})
				continue
			}
			findings = append(findings, keyFindings...)
		}

		if out.NextMarker == nil {
			break
		}
		marker = out.NextMarker
	}
	return findings, nil
}

// checkKey audits a single key. A nil return with no findings means the key
// was AWS-managed and skipped.
func (c *Checker) checkKey(ctx context.Context, keyID string, alias string) ([]report.Finding, error) {
	described, err := c.KMS.DescribeKey(ctx, &kms.DescribeKeyInput{KeyId: aws.String(keyID)})
	if err != nil {
		return nil, err
	}
	metadata := described.KeyMetadata
	if metadata == nil || metadata.KeyManager != kmstypes.KeyManagerTypeCustomer {
		return nil, nil
	}

	resource := keyID
	if alias != "" {
		resource = alias
	}

	if metadata.KeyState == kmstypes.KeyStatePendingDeletion {
		if alias != "" {
			return []report.Finding{{
				CheckId:     "kms-lifecycle",
				Resource:    resource,
				Severity:    report.SeverityMedium,
				Status:      report.StatusFailed,
				Message:     "key pending deletion still has an alias",
				Remediation: "repoint or delete the alias before the key is destroyed",
			}}, nil
		}
		return nil, nil
	}

	var findings []report.Finding

	rotation, err := c.KMS.GetKeyRotationStatus(ctx, &kms.GetKeyRotationStatusInput{KeyId: aws.String(keyID)})
	if err != nil {
		return nil, err
	}

	if rotation.KeyRotationEnabled {
		findings = append(findings, report.Finding{
			CheckId:  "kms-rotation",
			Resource: resource,
			Severity: report.SeverityHigh,
			Status:   report.StatusPassed,
			Message:  "annual rotation enabled",
		})
	} else {
		severity := report.SeverityHigh
		message := "rotation is not enabled"
		if metadata.CreationDate != nil {
			age := c.clock().Sub(*metadata.CreationDate)
			if age > maxKeyAge {
				severity = report.SeverityCritical
				message = fmt.Sprintf("rotation is not enabled and key material is %d days old", int(age.Hours()/24))
			}
		}
		findings = append(findings, report.Finding{
			CheckId:     "kms-rotation",
			Resource:    resource,
			Severity:    severity,
			Status:      report.StatusFailed,
			Message:     message,
			Remediation: "enable automatic annual rotation on the key",
		})
	}

	if alias == "" {
		findings = append(findings, report.Finding{
			CheckId:     "kms-lifecycle",
			Resource:    keyID,
			Severity:    report.SeverityLow,
			Status:      report.StatusFailed,
			Message:     "key has no alias",
			Remediation: "alias the key so usage is traceable",
		})
	}

	return findings, nil
}

// aliasIndex maps key ids to their first alias name.
func (c *Checker) aliasIndex(ctx context.Context) (map[string]string, error) {
	index := make(map[string]string)
	var marker *string
	for {
		out, err := c.KMS.ListAliases(ctx, &kms.ListAliasesInput{Marker: marker})
		if err != nil {
			return nil, err
		}
		for _, alias := range out.Aliases {
			keyID := aws.ToString(alias.TargetKeyId)
			if keyID == "" {
				continue
			}
			if _, ok := index[keyID]; !ok {
				index[keyID] = aws.ToString(alias.AliasName)
			}
		}
		if out.NextMarker == nil {
			break
		}
		marker = out.NextMarker
	}
	return index, nil
}

func (c *Checker) clock() time.Time {
	if c.now != nil {
		return c.now()
	}
	return time.Now()
}

func (c *Checker) logw() *zap.SugaredLogger {
	if c.log != nil {
		return c.log
	}
	return zap.S()
}

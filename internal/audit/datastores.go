package audit

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/elasticache"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/myideascope/hallucifix-infra/internal/report"
)

// checkRDSPosture inspects every database instance for the encryption,
// exposure, backup and deletion-protection settings the topology declares.
func (s *Scanner) checkRDSPosture(ctx context.Context) ([]report.Finding, error) {
	var findings []report.Finding
	var marker *string
	for {
		out, err := s.RDS.DescribeDBInstances(ctx, &rds.DescribeDBInstancesInput{Marker: marker})
		if err != nil {
			return nil, err
		}

		for _, instance := range out.DBInstances {
			id := aws.ToString(instance.DBInstanceIdentifier)

			var failures []report.Finding
			if !aws.ToBool(instance.StorageEncrypted) {
				failures = append(failures, report.Finding{
					Severity:    report.SeverityCritical,
					Message:     "storage is not encrypted",
					Remediation: "recreate the instance from an encrypted snapshot",
				})
			}
			if aws.ToBool(instance.PubliclyAccessible) {
				failures = append(failures, report.Finding{
					Severity:    report.SeverityCritical,
					Message:     "instance is publicly accessible",
					Remediation: "disable public accessibility and keep the instance in private subnets",
				})
			}
			if aws.ToInt32(instance.BackupRetentionPeriod) == 0 {
				failures = append(failures, report.Finding{
					Severity:    report.SeverityMedium,
					Message:     "automated backups are disabled",
					Remediation: "set a backup retention period of at least 7 days",
				})
			}
			if s.prod() && !aws.ToBool(instance.DeletionProtection) {
				failures = append(failures, report.Finding{
					Severity:    report.SeverityLow,
					Message:     "deletion protection is off",
					Remediation: "enable deletion protection on production databases",
				})
			}

			if len(failures) == 0 {
				findings = append(findings, report.Finding{
					CheckId:  "rds-posture",
					Resource: id,
					Severity: report.SeverityCritical,
					Status:   report.StatusPassed,
					Message:  "instance posture is compliant",
				})
				continue
			}
			for _, f := range failures {
				f.CheckId = "rds-posture"
				f.Resource = id
				f.Status = report.StatusFailed
				findings = append(findings, f)
			}
		}

		if out.Marker == nil {
			break
		}
		marker = out.Marker
	}
	return findings, nil
}

// checkCacheEncryption verifies cache clusters encrypt data at rest and in
// transit. Unencrypted caches can leak session and document fragments, so
// the severity is raised in prod.
func (s *Scanner) checkCacheEncryption(ctx context.Context) ([]report.Finding, error) {
	severity := report.SeverityMedium
	if s.prod() {
		severity = report.SeverityHigh
	}

	var findings []report.Finding
	var marker *string
	for {
		out, err := s.ElastiCache.DescribeCacheClusters(ctx, &elasticache.DescribeCacheClustersInput{Marker: marker})
		if err != nil {
			return nil, err
		}

		for _, cluster := range out.CacheClusters {
			id := aws.ToString(cluster.CacheClusterId)
			finding := report.Finding{
				CheckId:     "cache-encryption",
				Resource:    id,
				Severity:    severity,
				Status:      report.StatusPassed,
				Message:     "at-rest and transit encryption enabled",
				Remediation: "recreate the cluster with at-rest and transit encryption enabled",
			}
			switch {
			case !aws.ToBool(cluster.AtRestEncryptionEnabled):
				finding.Status = report.StatusFailed
				finding.Message = "at-rest encryption is disabled"
			case !aws.ToBool(cluster.TransitEncryptionEnabled):
				finding.Status = report.StatusFailed
				finding.Message = "transit encryption is disabled"
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

// checkSQSEncryption verifies every queue has server-side encryption, either
// a KMS key or SQS-managed SSE.
func (s *Scanner) checkSQSEncryption(ctx context.Context) ([]report.Finding, error) {
	var findings []report.Finding
	var nextToken *string
	for {
		out, err := s.SQS.ListQueues(ctx, &sqs.ListQueuesInput{NextToken: nextToken})
		if err != nil {
			return nil, err
		}

		for _, queueURL := range out.QueueUrls {
			attrs, err := s.SQS.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
				QueueUrl: aws.String(queueURL),
				AttributeNames: []sqstypes.QueueAttributeName{
					sqstypes.QueueAttributeNameKmsMasterKeyId,
					sqstypes.QueueAttributeNameSqsManagedSseEnabled,
				},
			})
			if err != nil {
				findings = append(findings, report.Finding{
					CheckId:  "sqs-encryption",
					Resource: queueURL,
					Severity: report.SeverityMedium,
					Status:   report.StatusError,
					Message:  err.Error(),
				})
				continue
			}

			finding := report.Finding{
				CheckId:     "sqs-encryption",
				Resource:    queueURL,
				Severity:    report.SeverityMedium,
				Status:      report.StatusPassed,
				Message:     "server-side encryption enabled",
				Remediation: "enable SQS-managed SSE or a KMS key on the queue",
			}
			kmsKey := attrs.Attributes[string(sqstypes.QueueAttributeNameKmsMasterKeyId)]
			managed := attrs.Attributes[string(sqstypes.QueueAttributeNameSqsManagedSseEnabled)]
			if kmsKey == "" && managed != "true" {
				finding.Status = report.StatusFailed
				finding.Message = "queue is not encrypted"
			}
			findings = append(findings, finding)
		}

		if out.NextToken == nil {
			break
		}
		nextToken = out.NextToken
	}
	return findings, nil
}

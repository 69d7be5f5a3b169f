// Package audit implements the read-only security posture checks the
// security-scanner function runs against the account every week.
package audit

import (
	"context"
	"sync"

	"github.com/alitto/pond"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudtrail"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/elasticache"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"go.uber.org/zap"

	"github.com/myideascope/hallucifix-infra/internal/report"
)

// checkWorkers bounds how many checks run against the AWS APIs at once.
const checkWorkers = 4

// S3API is the slice of the S3 client the bucket checks need.
type S3API interface {
	ListBuckets(ctx context.Context, params *s3.ListBucketsInput, optFns ...func(*s3.Options)) (*s3.ListBucketsOutput, error)
	GetPublicAccessBlock(ctx context.Context, params *s3.GetPublicAccessBlockInput, optFns ...func(*s3.Options)) (*s3.GetPublicAccessBlockOutput, error)
	GetBucketEncryption(ctx context.Context, params *s3.GetBucketEncryptionInput, optFns ...func(*s3.Options)) (*s3.GetBucketEncryptionOutput, error)
}

// IAMAPI is the slice of the IAM client the identity checks need.
type IAMAPI interface {
	ListPolicies(ctx context.Context, params *iam.ListPoliciesInput, optFns ...func(*iam.Options)) (*iam.ListPoliciesOutput, error)
	GetPolicyVersion(ctx context.Context, params *iam.GetPolicyVersionInput, optFns ...func(*iam.Options)) (*iam.GetPolicyVersionOutput, error)
	ListUsers(ctx context.Context, params *iam.ListUsersInput, optFns ...func(*iam.Options)) (*iam.ListUsersOutput, error)
	GetLoginProfile(ctx context.Context, params *iam.GetLoginProfileInput, optFns ...func(*iam.Options)) (*iam.GetLoginProfileOutput, error)
	ListMFADevices(ctx context.Context, params *iam.ListMFADevicesInput, optFns ...func(*iam.Options)) (*iam.ListMFADevicesOutput, error)
	ListAccessKeys(ctx context.Context, params *iam.ListAccessKeysInput, optFns ...func(*iam.Options)) (*iam.ListAccessKeysOutput, error)
}

// RDSAPI is the slice of the RDS client the database checks need.
type RDSAPI interface {
	DescribeDBInstances(ctx context.Context, params *rds.DescribeDBInstancesInput, optFns ...func(*rds.Options)) (*rds.DescribeDBInstancesOutput, error)
}

// EC2API is the slice of the EC2 client the security-group checks need.
type EC2API interface {
	DescribeSecurityGroups(ctx context.Context, params *ec2.DescribeSecurityGroupsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSecurityGroupsOutput, error)
}

// ElastiCacheAPI is the slice of the ElastiCache client the cache checks need.
type ElastiCacheAPI interface {
	DescribeCacheClusters(ctx context.Context, params *elasticache.DescribeCacheClustersInput, optFns ...func(*elasticache.Options)) (*elasticache.DescribeCacheClustersOutput, error)
}

// SQSAPI is the slice of the SQS client the queue checks need.
type SQSAPI interface {
	ListQueues(ctx context.Context, params *sqs.ListQueuesInput, optFns ...func(*sqs.Options)) (*sqs.ListQueuesOutput, error)
	GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

// CloudTrailAPI is the slice of the CloudTrail client the trail check needs.
type CloudTrailAPI interface {
	DescribeTrails(ctx context.Context, params *cloudtrail.DescribeTrailsInput, optFns ...func(*cloudtrail.Options)) (*cloudtrail.DescribeTrailsOutput, error)
	GetTrailStatus(ctx context.Context, params *cloudtrail.GetTrailStatusInput, optFns ...func(*cloudtrail.Options)) (*cloudtrail.GetTrailStatusOutput, error)
}

// Scanner runs the posture checks. Clients are interfaces so tests can
// substitute fakes.
type Scanner struct {
	S3          S3API
	IAM         IAMAPI
	RDS         RDSAPI
	EC2         EC2API
	ElastiCache ElastiCacheAPI
	SQS         SQSAPI
	CloudTrail  CloudTrailAPI

	// Environment tightens some severities; prod expects more.
	Environment string
	// DocumentsBucket is expected to use KMS encryption rather than AES256.
	DocumentsBucket string

	log *zap.SugaredLogger
}

// NewScanner builds a scanner from a loaded AWS config.
func NewScanner(cfg aws.Config, environment, documentsBucket string, logger *zap.SugaredLogger) *Scanner {
	return &Scanner{
		S3:              s3.NewFromConfig(cfg),
		IAM:             iam.NewFromConfig(cfg),
		RDS:             rds.NewFromConfig(cfg),
		EC2:             ec2.NewFromConfig(cfg),
		ElastiCache:     elasticache.NewFromConfig(cfg),
		SQS:             sqs.NewFromConfig(cfg),
		CloudTrail:      cloudtrail.NewFromConfig(cfg),
		Environment:     environment,
		DocumentsBucket: documentsBucket,
		log:             logger,
	}
}

type check struct {
	id  string
	run func(ctx context.Context) ([]report.Finding, error)
}

func (s *Scanner) checks() []check {
	return []check{
		{"s3-public-access", s.checkS3PublicAccess},
		{"s3-encryption", s.checkS3Encryption},
		{"iam-wildcard-policies", s.checkIAMWildcardPolicies},
		{"iam-user-hygiene", s.checkIAMUserHygiene},
		{"rds-posture", s.checkRDSPosture},
		{"sg-open-ingress", s.checkOpenIngress},
		{"cache-encryption", s.checkCacheEncryption},
		{"sqs-encryption", s.checkSQSEncryption},
		{"cloudtrail-enabled", s.checkCloudTrail},
	}
}

// Run executes every check on a bounded worker pool and returns the merged
// findings. A check that cannot run yields a single error-status finding
// instead of aborting the scan.
func (s *Scanner) Run(ctx context.Context) []report.Finding {
	checks := s.checks()

	var mu sync.Mutex
	var findings []report.Finding

	pool := pond.New(checkWorkers, len(checks))
	for _, c := range checks {
		c := c
		pool.Submit(func() {
			results, err := c.run(ctx)
			if err != nil {
				s.logw().Warnw("check failed to run", "check", c.id, "error", err)
				results = []report.Finding{{
					CheckId:  c.id,
					Resource: "-",
					Severity: report.SeverityMedium,
					Status:   report.StatusError,
					Message:  err.Error(),
				}}
			}
			mu.Lock()
			findings = append(findings, results...)
			mu.Unlock()
		})
	}
	pool.StopAndWait()

	return findings
}

func (s *Scanner) logw() *zap.SugaredLogger {
	if s.log != nil {
		return s.log
	}
	return zap.S()
}

// prod reports whether the scanner runs against the production account.
func (s *Scanner) prod() bool {
	return s.Environment == "prod"
}

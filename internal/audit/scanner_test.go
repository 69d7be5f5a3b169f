package audit

import (
	"context"
	"fmt"
	"net/url"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudtrail"
	cloudtrailtypes "github.com/aws/aws-sdk-go-v2/service/cloudtrail/types"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/elasticache"
	elasticachetypes "github.com/aws/aws-sdk-go-v2/service/elasticache/types"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	rdstypes "github.com/aws/aws-sdk-go-v2/service/rds/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/myideascope/hallucifix-infra/internal/report"
)

type fakeS3 struct {
	buckets    []string
	blocks     map[string]*s3types.PublicAccessBlockConfiguration
	encryption map[string]s3types.ServerSideEncryption
	listErr    error
}

func (f *fakeS3) ListBuckets(ctx context.Context, params *s3.ListBucketsInput, optFns ...func(*s3.Options)) (*s3.ListBucketsOutput, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := &s3.ListBucketsOutput{}
	for _, name := range f.buckets {
		out.Buckets = append(out.Buckets, s3types.Bucket{Name: aws.String(name)})
	}
	return out, nil
}

func (f *fakeS3) GetPublicAccessBlock(ctx context.Context, params *s3.GetPublicAccessBlockInput, optFns ...func(*s3.Options)) (*s3.GetPublicAccessBlockOutput, error) {
	cfg, ok := f.blocks[aws.ToString(params.Bucket)]
	if !ok {
		return nil, &smithy.GenericAPIError{Code: "NoSuchPublicAccessBlockConfiguration"}
	}
	return &s3.GetPublicAccessBlockOutput{PublicAccessBlockConfiguration: cfg}, nil
}

func (f *fakeS3) GetBucketEncryption(ctx context.Context, params *s3.GetBucketEncryptionInput, optFns ...func(*s3.Options)) (*s3.GetBucketEncryptionOutput, error) {
	algorithm, ok := f.encryption[aws.ToString(params.Bucket)]
	if !ok {
		return nil, &smithy.GenericAPIError{Code: "ServerSideEncryptionConfigurationNotFoundError"}
	}
	return &s3.GetBucketEncryptionOutput{
		ServerSideEncryptionConfiguration: &s3types.ServerSideEncryptionConfiguration{
			Rules: []s3types.ServerSideEncryptionRule{{
				ApplyServerSideEncryptionByDefault: &s3types.ServerSideEncryptionByDefault{SSEAlgorithm: algorithm},
			}},
		},
	}, nil
}

func findingsByStatus(findings []report.Finding, status report.Status) []report.Finding {
	var out []report.Finding
	for _, f := range findings {
		if f.Status == status {
			out = append(out, f)
		}
	}
	return out
}

func findingFor(t *testing.T, findings []report.Finding, resource string) report.Finding {
	t.Helper()
	for _, f := range findings {
		if f.Resource == resource {
			return f
		}
	}
	t.Fatalf("no finding for resource %s", resource)
	return report.Finding{}
}

func allBlocked() *s3types.PublicAccessBlockConfiguration {
	return &s3types.PublicAccessBlockConfiguration{
		BlockPublicAcls:       aws.Bool(true),
		BlockPublicPolicy:     aws.Bool(true),
		IgnorePublicAcls:      aws.Bool(true),
		RestrictPublicBuckets: aws.Bool(true),
	}
}

func TestCheckS3PublicAccess(t *testing.T) {
	assert := assert.New(t)

	partial := allBlocked()
	partial.BlockPublicPolicy = aws.Bool(false)

	s := &Scanner{S3: &fakeS3{
		buckets: []string{"locked", "partial", "missing"},
		blocks: map[string]*s3types.PublicAccessBlockConfiguration{
			"locked":  allBlocked(),
			"partial": partial,
		},
	}}

	findings, err := s.checkS3PublicAccess(context.Background())
	require.NoError(t, err)
	require.Len(t, findings, 3)

	assert.Equal(report.StatusPassed, findingFor(t, findings, "locked").Status)

	got := findingFor(t, findings, "partial")
	assert.Equal(report.StatusFailed, got.Status)
	assert.Equal(report.SeverityHigh, got.Severity)

	got = findingFor(t, findings, "missing")
	assert.Equal(report.StatusFailed, got.Status)
	assert.Equal("no public access block configuration", got.Message)
}

func TestCheckS3Encryption(t *testing.T) {
	assert := assert.New(t)

	s := &Scanner{
		DocumentsBucket: "hallucifix-prod-documents",
		S3: &fakeS3{
			buckets: []string{"hallucifix-prod-documents", "hallucifix-prod-reports", "plain"},
			encryption: map[string]s3types.ServerSideEncryption{
				"hallucifix-prod-documents": s3types.ServerSideEncryptionAes256,
				"hallucifix-prod-reports":   s3types.ServerSideEncryptionAes256,
			},
		},
	}

	findings, err := s.checkS3Encryption(context.Background())
	require.NoError(t, err)

	// documents bucket should use the CMK; AES256 is only an advisory
	got := findingFor(t, findings, "hallucifix-prod-documents")
	assert.Equal(report.StatusFailed, got.Status)
	assert.Equal(report.SeverityLow, got.Severity)

	assert.Equal(report.StatusPassed, findingFor(t, findings, "hallucifix-prod-reports").Status)

	got = findingFor(t, findings, "plain")
	assert.Equal(report.StatusFailed, got.Status)
	assert.Equal(report.SeverityHigh, got.Severity)
}

type fakeIAM struct {
	policyPages [][]iamtypes.Policy
	documents   map[string]string
	users       []iamtypes.User
	console     map[string]bool
	mfa         map[string]int
	keys        map[string][]iamtypes.AccessKeyMetadata
}

func (f *fakeIAM) ListPolicies(ctx context.Context, params *iam.ListPoliciesInput, optFns ...func(*iam.Options)) (*iam.ListPoliciesOutput, error) {
	page := 0
	if params.Marker != nil {
		fmt.Sscanf(aws.ToString(params.Marker), "page-%d", &page)
	}
	out := &iam.ListPoliciesOutput{Policies: f.policyPages[page]}
	if page+1 < len(f.policyPages) {
		out.Marker = aws.String(fmt.Sprintf("page-%d", page+1))
	}
	return out, nil
}

func (f *fakeIAM) GetPolicyVersion(ctx context.Context, params *iam.GetPolicyVersionInput, optFns ...func(*iam.Options)) (*iam.GetPolicyVersionOutput, error) {
	doc := f.documents[aws.ToString(params.PolicyArn)]
	return &iam.GetPolicyVersionOutput{
		PolicyVersion: &iamtypes.PolicyVersion{Document: aws.String(url.QueryEscape(doc))},
	}, nil
}

func (f *fakeIAM) ListUsers(ctx context.Context, params *iam.ListUsersInput, optFns ...func(*iam.Options)) (*iam.ListUsersOutput, error) {
	return &iam.ListUsersOutput{Users: f.users}, nil
}

func (f *fakeIAM) GetLoginProfile(ctx context.Context, params *iam.GetLoginProfileInput, optFns ...func(*iam.Options)) (*iam.GetLoginProfileOutput, error) {
	if !f.console[aws.ToString(params.UserName)] {
		return nil, &iamtypes.NoSuchEntityException{}
	}
	return &iam.GetLoginProfileOutput{}, nil
}

func (f *fakeIAM) ListMFADevices(ctx context.Context, params *iam.ListMFADevicesInput, optFns ...func(*iam.Options)) (*iam.ListMFADevicesOutput, error) {
	out := &iam.ListMFADevicesOutput{}
	for i := 0; i < f.mfa[aws.ToString(params.UserName)]; i++ {
		out.MFADevices = append(out.MFADevices, iamtypes.MFADevice{})
	}
	return out, nil
}

func (f *fakeIAM) ListAccessKeys(ctx context.Context, params *iam.ListAccessKeysInput, optFns ...func(*iam.Options)) (*iam.ListAccessKeysOutput, error) {
	return &iam.ListAccessKeysOutput{AccessKeyMetadata: f.keys[aws.ToString(params.UserName)]}, nil
}

func TestCheckIAMWildcardPoliciesPaginates(t *testing.T) {
	assert := assert.New(t)

	scoped := `{"Version":"2012-10-17","Statement":[{"Effect":"Allow","Action":["s3:GetObject"],"Resource":["arn:aws:s3:::b/*"]}]}`
	wildcard := `{"Version":"2012-10-17","Statement":{"Effect":"Allow","Action":"*","Resource":"*"}}`

	s := &Scanner{IAM: &fakeIAM{
		policyPages: [][]iamtypes.Policy{
			{{PolicyName: aws.String("scoped"), Arn: aws.String("arn:scoped"), DefaultVersionId: aws.String("v1")}},
			{{PolicyName: aws.String("admin-everything"), Arn: aws.String("arn:admin"), DefaultVersionId: aws.String("v3")}},
		},
		documents: map[string]string{
			"arn:scoped": scoped,
			"arn:admin":  wildcard,
		},
	}}

	findings, err := s.checkIAMWildcardPolicies(context.Background())
	require.NoError(t, err)
	require.Len(t, findings, 2, "both pages must be visited")

	assert.Equal(report.StatusPassed, findingFor(t, findings, "scoped").Status)

	got := findingFor(t, findings, "admin-everything")
	assert.Equal(report.StatusFailed, got.Status)
	assert.Equal(report.SeverityCritical, got.Severity)
}

func TestCheckIAMUserHygiene(t *testing.T) {
	assert := assert.New(t)

	fresh := time.Now().Add(-24 * time.Hour)
	stale := time.Now().Add(-120 * 24 * time.Hour)

	s := &Scanner{IAM: &fakeIAM{
		users: []iamtypes.User{
			{UserName: aws.String("alice")},
			{UserName: aws.String("bob")},
			{UserName: aws.String("ci")},
		},
		console: map[string]bool{"alice": true, "bob": true},
		mfa:     map[string]int{"alice": 1},
		keys: map[string][]iamtypes.AccessKeyMetadata{
			"ci": {
				{AccessKeyId: aws.String("AKIAFRESH"), Status: iamtypes.StatusTypeActive, CreateDate: &fresh},
				{AccessKeyId: aws.String("AKIASTALE"), Status: iamtypes.StatusTypeActive, CreateDate: &stale},
				{AccessKeyId: aws.String("AKIAOLDOFF"), Status: iamtypes.StatusTypeInactive, CreateDate: &stale},
			},
		},
	}}

	findings, err := s.checkIAMUserHygiene(context.Background())
	require.NoError(t, err)

	assert.Equal(report.StatusPassed, findingFor(t, findings, "alice").Status)

	got := findingFor(t, findings, "bob")
	assert.Equal(report.StatusFailed, got.Status)
	assert.Equal(report.SeverityHigh, got.Severity)

	// only the stale active key is flagged
	failed := findingsByStatus(findings, report.StatusFailed)
	require.Len(t, failed, 2)
	assert.Equal("ci/AKIASTALE", findingFor(t, failed, "ci/AKIASTALE").Resource)
}

type fakeRDS struct {
	pages [][]rdstypes.DBInstance
}

func (f *fakeRDS) DescribeDBInstances(ctx context.Context, params *rds.DescribeDBInstancesInput, optFns ...func(*rds.Options)) (*rds.DescribeDBInstancesOutput, error) {
	page := 0
	if params.Marker != nil {
		fmt.Sscanf(aws.ToString(params.Marker), "page-%d", &page)
	}
	out := &rds.DescribeDBInstancesOutput{DBInstances: f.pages[page]}
	if page+1 < len(f.pages) {
		out.Marker = aws.String(fmt.Sprintf("page-%d", page+1))
	}
	return out, nil
}

func TestCheckRDSPosture(t *testing.T) {
	assert := assert.New(t)

	s := &Scanner{
		Environment: "prod",
		RDS: &fakeRDS{pages: [][]rdstypes.DBInstance{
			{{
				DBInstanceIdentifier:  aws.String("good"),
				StorageEncrypted:      aws.Bool(true),
				BackupRetentionPeriod: aws.Int32(14),
				DeletionProtection:    aws.Bool(true),
			}},
			{{
				DBInstanceIdentifier: aws.String("bad"),
				PubliclyAccessible:   aws.Bool(true),
			}},
		}},
	}

	findings, err := s.checkRDSPosture(context.Background())
	require.NoError(t, err)

	assert.Equal(report.StatusPassed, findingFor(t, findings, "good").Status)

	var severities []report.Severity
	for _, f := range findings {
		if f.Resource == "bad" {
			assert.Equal(report.StatusFailed, f.Status)
			severities = append(severities, f.Severity)
		}
	}
	// unencrypted, public, no backups, no deletion protection
	assert.ElementsMatch([]report.Severity{
		report.SeverityCritical,
		report.SeverityCritical,
		report.SeverityMedium,
		report.SeverityLow,
	}, severities)
}

type fakeEC2 struct {
	groups []ec2types.SecurityGroup
}

func (f *fakeEC2) DescribeSecurityGroups(ctx context.Context, params *ec2.DescribeSecurityGroupsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSecurityGroupsOutput, error) {
	return &ec2.DescribeSecurityGroupsOutput{SecurityGroups: f.groups}, nil
}

func openTo(cidr string, from, to int32) ec2types.IpPermission {
	return ec2types.IpPermission{
		IpProtocol: aws.String("tcp"),
		FromPort:   aws.Int32(from),
		ToPort:     aws.Int32(to),
		IpRanges:   []ec2types.IpRange{{CidrIp: aws.String(cidr)}},
	}
}

func TestCheckOpenIngress(t *testing.T) {
	assert := assert.New(t)

	s := &Scanner{EC2: &fakeEC2{groups: []ec2types.SecurityGroup{
		{GroupId: aws.String("sg-https"), IpPermissions: []ec2types.IpPermission{openTo("0.0.0.0/0", 443, 443)}},
		{GroupId: aws.String("sg-ssh"), IpPermissions: []ec2types.IpPermission{openTo("0.0.0.0/0", 22, 22)}},
		{GroupId: aws.String("sg-postgres"), IpPermissions: []ec2types.IpPermission{openTo("0.0.0.0/0", 5432, 5432)}},
		{GroupId: aws.String("sg-web"), IpPermissions: []ec2types.IpPermission{openTo("0.0.0.0/0", 8080, 8080)}},
		{GroupId: aws.String("sg-internal"), IpPermissions: []ec2types.IpPermission{openTo("10.0.0.0/16", 5432, 5432)}},
	}}}

	findings, err := s.checkOpenIngress(context.Background())
	require.NoError(t, err)

	assert.Equal(report.StatusPassed, findingFor(t, findings, "sg-https").Status)
	assert.Equal(report.StatusPassed, findingFor(t, findings, "sg-internal").Status)

	assert.Equal(report.SeverityCritical, findingFor(t, findings, "sg-ssh:22-22").Severity)
	assert.Equal(report.SeverityCritical, findingFor(t, findings, "sg-postgres:5432-5432").Severity)
	assert.Equal(report.SeverityHigh, findingFor(t, findings, "sg-web:8080-8080").Severity)
}

type fakeElastiCache struct {
	clusters []elasticachetypes.CacheCluster
}

func (f *fakeElastiCache) DescribeCacheClusters(ctx context.Context, params *elasticache.DescribeCacheClustersInput, optFns ...func(*elasticache.Options)) (*elasticache.DescribeCacheClustersOutput, error) {
	return &elasticache.DescribeCacheClustersOutput{CacheClusters: f.clusters}, nil
}

func TestCheckCacheEncryptionSeverityByEnvironment(t *testing.T) {
	clusters := []elasticachetypes.CacheCluster{{
		CacheClusterId:           aws.String("hallucifix-cache"),
		AtRestEncryptionEnabled:  aws.Bool(false),
		TransitEncryptionEnabled: aws.Bool(true),
	}}

	for env, want := range map[string]report.Severity{
		"prod":    report.SeverityHigh,
		"staging": report.SeverityMedium,
	} {
		s := &Scanner{Environment: env, ElastiCache: &fakeElastiCache{clusters: clusters}}
		findings, err := s.checkCacheEncryption(context.Background())
		require.NoError(t, err)
		require.Len(t, findings, 1)
		assert.Equal(t, report.StatusFailed, findings[0].Status, env)
		assert.Equal(t, want, findings[0].Severity, env)
	}
}

type fakeSQS struct {
	queues map[string]map[string]string
}

func (f *fakeSQS) ListQueues(ctx context.Context, params *sqs.ListQueuesInput, optFns ...func(*sqs.Options)) (*sqs.ListQueuesOutput, error) {
	out := &sqs.ListQueuesOutput{}
	for queueURL := range f.queues {
		out.QueueUrls = append(out.QueueUrls, queueURL)
	}
	return out, nil
}

func (f *fakeSQS) GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error) {
	return &sqs.GetQueueAttributesOutput{Attributes: f.queues[aws.ToString(params.QueueUrl)]}, nil
}

func TestCheckSQSEncryption(t *testing.T) {
	assert := assert.New(t)

	s := &Scanner{SQS: &fakeSQS{queues: map[string]map[string]string{
		"https://sqs/q-kms":     {"KmsMasterKeyId": "alias/hallucifix-prod-data"},
		"https://sqs/q-managed": {"SqsManagedSseEnabled": "true"},
		"https://sqs/q-plain":   {"SqsManagedSseEnabled": "false"},
	}}}

	findings, err := s.checkSQSEncryption(context.Background())
	require.NoError(t, err)

	assert.Equal(report.StatusPassed, findingFor(t, findings, "https://sqs/q-kms").Status)
	assert.Equal(report.StatusPassed, findingFor(t, findings, "https://sqs/q-managed").Status)
	assert.Equal(report.StatusFailed, findingFor(t, findings, "https://sqs/q-plain").Status)
}

type fakeCloudTrail struct {
	trails  []cloudtrailtypes.Trail
	logging map[string]bool
}

func (f *fakeCloudTrail) DescribeTrails(ctx context.Context, params *cloudtrail.DescribeTrailsInput, optFns ...func(*cloudtrail.Options)) (*cloudtrail.DescribeTrailsOutput, error) {
	return &cloudtrail.DescribeTrailsOutput{TrailList: f.trails}, nil
}

func (f *fakeCloudTrail) GetTrailStatus(ctx context.Context, params *cloudtrail.GetTrailStatusInput, optFns ...func(*cloudtrail.Options)) (*cloudtrail.GetTrailStatusOutput, error) {
	return &cloudtrail.GetTrailStatusOutput{IsLogging: aws.Bool(f.logging[aws.ToString(params.Name)])}, nil
}

func TestCheckCloudTrail(t *testing.T) {
	tests := []struct {
		name       string
		fake       *fakeCloudTrail
		wantStatus report.Status
	}{
		{
			name: "multi-region trail logging",
			fake: &fakeCloudTrail{
				trails: []cloudtrailtypes.Trail{{
					Name:               aws.String("org-trail"),
					TrailARN:           aws.String("arn:trail/org"),
					IsMultiRegionTrail: aws.Bool(true),
				}},
				logging: map[string]bool{"arn:trail/org": true},
			},
			wantStatus: report.StatusPassed,
		},
		{
			name: "trail exists but stopped",
			fake: &fakeCloudTrail{
				trails: []cloudtrailtypes.Trail{{
					Name:               aws.String("org-trail"),
					TrailARN:           aws.String("arn:trail/org"),
					IsMultiRegionTrail: aws.Bool(true),
				}},
			},
			wantStatus: report.StatusFailed,
		},
		{
			name:       "no trail at all",
			fake:       &fakeCloudTrail{},
			wantStatus: report.StatusFailed,
		},
		{
			name: "single-region trail does not count",
			fake: &fakeCloudTrail{
				trails: []cloudtrailtypes.Trail{{
					Name:               aws.String("regional"),
					TrailARN:           aws.String("arn:trail/regional"),
					IsMultiRegionTrail: aws.Bool(false),
				}},
			},
			wantStatus: report.StatusFailed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &Scanner{CloudTrail: tt.fake}
			findings, err := s.checkCloudTrail(context.Background())
			require.NoError(t, err)
			require.NotEmpty(t, findings)
			assert.Equal(t, tt.wantStatus, findings[0].Status)
		})
	}
}

func TestRunRecordsCheckErrorsAndContinues(t *testing.T) {
	assert := assert.New(t)

	s := &Scanner{
		S3:  &fakeS3{listErr: fmt.Errorf("access denied")},
		IAM: &fakeIAM{policyPages: [][]iamtypes.Policy{{}}},
		RDS: &fakeRDS{pages: [][]rdstypes.DBInstance{{}}},
		EC2: &fakeEC2{},
		ElastiCache: &fakeElastiCache{clusters: []elasticachetypes.CacheCluster{{
			CacheClusterId:           aws.String("cache"),
			AtRestEncryptionEnabled:  aws.Bool(true),
			TransitEncryptionEnabled: aws.Bool(true),
		}}},
		SQS:        &fakeSQS{},
		CloudTrail: &fakeCloudTrail{},
	}

	findings := s.Run(context.Background())

	errored := findingsByStatus(findings, report.StatusError)
	require.Len(t, errored, 2, "both bucket checks share the broken ListBuckets call")
	for _, f := range errored {
		assert.Contains(f.Message, "access denied")
	}

	// the rest of the scan still produced results
	assert.NotEmpty(findingsByStatus(findings, report.StatusPassed))
	assert.NotEmpty(findingsByStatus(findings, report.StatusFailed))
}

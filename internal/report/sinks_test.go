package report

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dynamotypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeS3 struct {
	inputs []*s3.PutObjectInput
}

func (f *fakeS3) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.inputs = append(f.inputs, params)
	return &s3.PutObjectOutput{}, nil
}

type fakeDynamo struct {
	items []map[string]dynamotypes.AttributeValue
}

func (f *fakeDynamo) PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.items = append(f.items, params.Item)
	return &dynamodb.PutItemOutput{}, nil
}

type fakeSNS struct {
	inputs []*sns.PublishInput
}

func (f *fakeSNS) Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error) {
	f.inputs = append(f.inputs, params)
	return &sns.PublishOutput{}, nil
}

type fakeCloudWatch struct {
	inputs []*cloudwatch.PutMetricDataInput
}

func (f *fakeCloudWatch) PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error) {
	f.inputs = append(f.inputs, params)
	return &cloudwatch.PutMetricDataOutput{}, nil
}

func sampleReport() *Report {
	r := &Report{
		ScanId:      "scan-1",
		Source:      "audit",
		Environment: "prod",
		AccountId:   "123456789012",
		StartedAt:   time.Date(2026, 2, 1, 4, 0, 0, 0, time.UTC),
		Duration:    3 * time.Second,
	}
	r.Findings = []Finding{
		{CheckId: "rds-posture", Resource: "db-1", Severity: SeverityCritical, Status: StatusFailed, Message: "storage is not encrypted"},
		{CheckId: "s3-public-access", Resource: "bucket-1", Severity: SeverityHigh, Status: StatusPassed, Message: "public access blocked"},
	}
	r.Score = ScoreFindings(r.Findings)
	r.Grade = GradeFor(r.Score)
	return r
}

func TestS3WriterKeyLayout(t *testing.T) {
	fake := &fakeS3{}
	writer := &S3Writer{Client: fake, Bucket: "hallucifix-prod-reports"}

	key, err := writer.Write(context.Background(), sampleReport())
	require.NoError(t, err)

	assert.Equal(t, "security/audit/scan-1.json", key)
	require.Len(t, fake.inputs, 1)
	assert.Equal(t, "hallucifix-prod-reports", aws.ToString(fake.inputs[0].Bucket))
	assert.Equal(t, key, aws.ToString(fake.inputs[0].Key))

	body, err := io.ReadAll(fake.inputs[0].Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `"scanId": "scan-1"`)
	assert.Contains(t, string(body), `"storage is not encrypted"`)
}

func TestDynamoRecorderWritesFindingsAndSummary(t *testing.T) {
	fake := &fakeDynamo{}
	recorder := &DynamoRecorder{Client: fake, Table: "findings"}

	require.NoError(t, recorder.Record(context.Background(), sampleReport()))

	// one item per finding plus the summary item
	require.Len(t, fake.items, 3)

	first := fake.items[0]
	assert.Equal(t, &dynamotypes.AttributeValueMemberS{Value: "scan-1"}, first["ScanId"])
	assert.Equal(t, &dynamotypes.AttributeValueMemberS{Value: "rds-posture#db-1#000"}, first["CheckId"])

	summary := fake.items[2]
	assert.Equal(t, &dynamotypes.AttributeValueMemberS{Value: "summary"}, summary["CheckId"])
	assert.Equal(t, &dynamotypes.AttributeValueMemberN{Value: "75"}, summary["Score"])
	assert.Equal(t, &dynamotypes.AttributeValueMemberS{Value: "C"}, summary["Grade"])
}

func TestSNSNotifierGating(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(r *Report)
		minSeverity Severity
		expected    bool
	}{
		{
			name:     "low score notifies",
			mutate:   func(r *Report) {},
			expected: true,
		},
		{
			name: "clean report stays quiet",
			mutate: func(r *Report) {
				r.Findings = []Finding{{CheckId: "s3-public-access", Severity: SeverityHigh, Status: StatusPassed}}
				r.Score = 100
			},
			expected: false,
		},
		{
			name: "critical finding notifies even at a passing score",
			mutate: func(r *Report) {
				r.Findings = []Finding{{CheckId: "rds-posture", Severity: SeverityCritical, Status: StatusFailed}}
				r.Score = 90
			},
			expected: true,
		},
		{
			name: "severity threshold notifies at a passing score",
			mutate: func(r *Report) {
				r.Findings = []Finding{{CheckId: "kms-rotation", Severity: SeverityHigh, Status: StatusFailed}}
				r.Score = 90
			},
			minSeverity: SeverityHigh,
			expected:    true,
		},
		{
			name: "failure below the threshold stays quiet",
			mutate: func(r *Report) {
				r.Findings = []Finding{{CheckId: "kms-lifecycle", Severity: SeverityLow, Status: StatusFailed}}
				r.Score = 99
			},
			minSeverity: SeverityHigh,
			expected:    false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &fakeSNS{}
			notifier := &SNSNotifier{
				Client:      fake,
				TopicArn:    "arn:aws:sns:us-east-1:123456789012:security-alerts",
				MinSeverity: tt.minSeverity,
			}

			r := sampleReport()
			tt.mutate(r)

			notified, err := notifier.Notify(context.Background(), r)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, notified)
			if tt.expected {
				require.Len(t, fake.inputs, 1)
				assert.Equal(t, notifier.TopicArn, aws.ToString(fake.inputs[0].TopicArn))
				assert.Contains(t, aws.ToString(fake.inputs[0].Subject), "audit scan scored")
			} else {
				assert.Empty(t, fake.inputs)
			}
		})
	}
}

func TestMetricPublisher(t *testing.T) {
	fake := &fakeCloudWatch{}
	publisher := &MetricPublisher{Client: fake}

	require.NoError(t, publisher.Publish(context.Background(), sampleReport()))

	require.Len(t, fake.inputs, 1)
	input := fake.inputs[0]
	assert.Equal(t, "HalluciFix/Security", aws.ToString(input.Namespace))

	// Score, FailedFindings, and one per-severity datum
	require.Len(t, input.MetricData, 3)
	assert.Equal(t, "Score", aws.ToString(input.MetricData[0].MetricName))
	assert.Equal(t, 75.0, aws.ToFloat64(input.MetricData[0].Value))
}

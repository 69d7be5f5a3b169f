package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/pkg/errors"
)

// findingRetention is how long finding items stay in the table before the
// TTL attribute expires them.
const findingRetention = 90 * 24 * time.Hour

// S3API is the slice of the S3 client the report writer needs.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// DynamoAPI is the slice of the DynamoDB client the recorder needs.
type DynamoAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

// SNSAPI is the slice of the SNS client the notifier needs.
type SNSAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// CloudWatchAPI is the slice of the CloudWatch client the metric publisher needs.
type CloudWatchAPI interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// STSAPI is the slice of the STS client used to resolve the account id.
type STSAPI interface {
	GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

// CallerAccount resolves the AWS account the scan ran against.
func CallerAccount(ctx context.Context, client STSAPI) (string, error) {
	out, err := client.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return "", errors.Wrap(err, "resolving caller identity")
	}
	return aws.ToString(out.Account), nil
}

// S3Writer stores the full report as JSON in the reports bucket.
type S3Writer struct {
	Client S3API
	Bucket string
}

// Write uploads the report under security/<source>/<scanId>.json and
// returns the object key.
func (w *S3Writer) Write(ctx context.Context, r *Report) (string, error) {
	body, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", errors.Wrap(err, "encoding report")
	}

	key := fmt.Sprintf("security/%s/%s.json", r.Source, r.ScanId)
	_, err = w.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(w.Bucket),
		Key:                  aws.String(key),
		Body:                 bytes.NewReader(body),
		ContentType:          aws.String("application/json"),
		ServerSideEncryption: s3types.ServerSideEncryptionAes256,
	})
	if err != nil {
		return "", errors.Wrapf(err, "uploading report to s3://%s/%s", w.Bucket, key)
	}
	return key, nil
}

// findingItem is the per-finding row in the findings table. The range key
// combines check id and resource so one scan can hold several findings for
// the same check.
type findingItem struct {
	ScanId      string `dynamodbav:"ScanId"`
	CheckId     string `dynamodbav:"CheckId"`
	Source      string `dynamodbav:"Source"`
	Environment string `dynamodbav:"Environment"`
	Resource    string `dynamodbav:"Resource"`
	Severity    string `dynamodbav:"Severity"`
	Status      string `dynamodbav:"Status"`
	Message     string `dynamodbav:"Message"`
	Remediation string `dynamodbav:"Remediation,omitempty"`
	ExpiresAt   int64  `dynamodbav:"ExpiresAt"`
}

// summaryItem is the single per-scan row carrying the aggregate result.
type summaryItem struct {
	ScanId      string `dynamodbav:"ScanId"`
	CheckId     string `dynamodbav:"CheckId"`
	Source      string `dynamodbav:"Source"`
	Environment string `dynamodbav:"Environment"`
	AccountId   string `dynamodbav:"AccountId,omitempty"`
	StartedAt   int64  `dynamodbav:"StartedAt"`
	DurationMs  int64  `dynamodbav:"DurationMs"`
	Score       int    `dynamodbav:"Score"`
	Grade       string `dynamodbav:"Grade"`
	Failed      int    `dynamodbav:"Failed"`
	Total       int    `dynamodbav:"Total"`
	ExpiresAt   int64  `dynamodbav:"ExpiresAt"`
}

// DynamoRecorder writes one item per finding plus a summary item.
type DynamoRecorder struct {
	Client DynamoAPI
	Table  string
}

// Record persists the report into the findings table.
func (d *DynamoRecorder) Record(ctx context.Context, r *Report) error {
	expiresAt := r.StartedAt.Add(findingRetention).Unix()

	for i, f := range r.Findings {
		// The index keeps the range key unique when one check fails a
		// resource in more than one way.
		item, err := attributevalue.MarshalMap(findingItem{
			ScanId:      r.ScanId,
			CheckId:     fmt.Sprintf("%s#%s#%03d", f.CheckId, f.Resource, i),
			Source:      r.Source,
			Environment: r.Environment,
			Resource:    f.Resource,
			Severity:    string(f.Severity),
			Status:      string(f.Status),
			Message:     f.Message,
			Remediation: f.Remediation,
			ExpiresAt:   expiresAt,
		})
		if err != nil {
			return errors.Wrap(err, "marshaling finding item")
		}
		_, err = d.Client.PutItem(ctx, &dynamodb.PutItemInput{
			TableName: aws.String(d.Table),
			Item:      item,
		})
		if err != nil {
			return errors.Wrapf(err, "recording finding %s", f.CheckId)
		}
	}

	item, err := attributevalue.MarshalMap(summaryItem{
		ScanId:      r.ScanId,
		CheckId:     "summary",
		Source:      r.Source,
		Environment: r.Environment,
		AccountId:   r.AccountId,
		StartedAt:   r.StartedAt.Unix(),
		DurationMs:  r.Duration.Milliseconds(),
		Score:       r.Score,
		Grade:       r.Grade,
		Failed:      r.Failed(),
		Total:       len(r.Findings),
		ExpiresAt:   expiresAt,
	})
	if err != nil {
		return errors.Wrap(err, "marshaling summary item")
	}
	_, err = d.Client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(d.Table),
		Item:      item,
	})
	return errors.Wrap(err, "recording summary")
}

// SNSNotifier pushes a text summary to the alert topic when a scan needs
// human attention: score under 90, or any critical finding. MinSeverity,
// when set, additionally triggers on any failed finding at or above it.
type SNSNotifier struct {
	Client      SNSAPI
	TopicArn    string
	MinSeverity Severity
}

// Notify publishes the alert. It returns false when the report did not
// warrant one.
func (n *SNSNotifier) Notify(ctx context.Context, r *Report) (bool, error) {
	thresholdHit := n.MinSeverity != "" && r.HasFailedAtLeast(n.MinSeverity)
	if r.Score >= 90 && !r.HasCritical() && !thresholdHit {
		return false, nil
	}

	var body bytes.Buffer
	fmt.Fprintf(&body, "HalluciFix %s scan %s on %s: score %d (%s), %d of %d checks failed.\n\n",
		r.Source, r.ScanId, r.Environment, r.Score, r.Grade, r.Failed(), len(r.Findings))
	for _, f := range r.Findings {
		if f.Status != StatusFailed {
			continue
		}
		fmt.Fprintf(&body, "[%s] %s %s: %s\n", f.Severity, f.CheckId, f.Resource, f.Message)
	}

	subject := fmt.Sprintf("[HalluciFix %s] %s scan scored %d (%s)", r.Environment, r.Source, r.Score, r.Grade)
	_, err := n.Client.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(n.TopicArn),
		Subject:  aws.String(subject),
		Message:  aws.String(body.String()),
	})
	if err != nil {
		return false, errors.Wrap(err, "publishing alert")
	}
	return true, nil
}

// MetricPublisher pushes the score and failure counts to CloudWatch so the
// monitoring stack can alarm and graph them.
type MetricPublisher struct {
	Client    CloudWatchAPI
	Namespace string
}

// Publish emits Score and FailedFindings datums dimensioned by source and
// environment.
func (m *MetricPublisher) Publish(ctx context.Context, r *Report) error {
	namespace := m.Namespace
	if namespace == "" {
		namespace = "HalluciFix/Security"
	}

	dimensions := []cwtypes.Dimension{
		{Name: aws.String("Source"), Value: aws.String(r.Source)},
		{Name: aws.String("Environment"), Value: aws.String(r.Environment)},
	}
	data := []cwtypes.MetricDatum{
		{
			MetricName: aws.String("Score"),
			Value:      aws.Float64(float64(r.Score)),
			Unit:       cwtypes.StandardUnitNone,
			Dimensions: dimensions,
		},
		{
			MetricName: aws.String("FailedFindings"),
			Value:      aws.Float64(float64(r.Failed())),
			Unit:       cwtypes.StandardUnitCount,
			Dimensions: dimensions,
		},
	}
	for severity, count := range r.CountBySeverity() {
		data = append(data, cwtypes.MetricDatum{
			MetricName: aws.String("FailedFindings"),
			Value:      aws.Float64(float64(count)),
			Unit:       cwtypes.StandardUnitCount,
			Dimensions: append([]cwtypes.Dimension{
				{Name: aws.String("Severity"), Value: aws.String(string(severity))},
			}, dimensions...),
		})
	}

	_, err := m.Client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(namespace),
		MetricData: data,
	})
	return errors.Wrap(err, "publishing metrics")
}

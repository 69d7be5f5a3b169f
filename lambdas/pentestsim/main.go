package main

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"go.uber.org/zap"

	"github.com/myideascope/hallucifix-infra/internal/pentest"
	"github.com/myideascope/hallucifix-infra/internal/report"
)

// Config is the environment the security-audit stack wires into the function.
type Config struct {
	APIBaseURL    string
	FindingsTable string
	ReportsBucket string
	AlertTopicArn string
	Environment   string
}

func loadConfig() (Config, error) {
	cfg := Config{
		APIBaseURL:    os.Getenv("API_BASE_URL"),
		FindingsTable: os.Getenv("FINDINGS_TABLE"),
		ReportsBucket: os.Getenv("REPORTS_BUCKET"),
		AlertTopicArn: os.Getenv("ALERT_TOPIC_ARN"),
		Environment:   os.Getenv("ENVIRONMENT"),
	}
	if cfg.APIBaseURL == "" {
		return cfg, fmt.Errorf("API_BASE_URL must be set")
	}
	if cfg.FindingsTable == "" || cfg.ReportsBucket == "" || cfg.AlertTopicArn == "" {
		return cfg, fmt.Errorf("FINDINGS_TABLE, REPORTS_BUCKET and ALERT_TOPIC_ARN must be set")
	}
	if cfg.Environment == "" {
		cfg.Environment = "prod"
	}
	return cfg, nil
}

// Response summarizes the simulation for the invocation log.
type Response struct {
	ScanId   string `json:"scanId"`
	Score    int    `json:"score"`
	Grade    string `json:"grade"`
	Failed   int    `json:"failed"`
	Total    int    `json:"total"`
	Report   string `json:"report"`
	Notified bool   `json:"notified"`
}

// Handler runs the monthly penetration-test simulation against the live API.
func Handler(ctx context.Context, event events.CloudWatchEvent) (Response, error) {
	logger, err := zap.NewProduction()
	if err != nil {
		return Response{}, err
	}
	defer logger.Sync()
	log := logger.Sugar()

	cfg, err := loadConfig()
	if err != nil {
		log.Errorw("bad configuration", "error", err)
		return Response{}, err
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		log.Errorw("loading AWS config", "error", err)
		return Response{}, err
	}

	simulator := pentest.NewSimulator(cfg.APIBaseURL, log)
	result := report.New("pentest", cfg.Environment)

	if account, err := report.CallerAccount(ctx, sts.NewFromConfig(awsCfg)); err != nil {
		log.Warnw("resolving account id", "error", err)
	} else {
		result.AccountId = account
	}

	log.Infow("starting pentest simulation", "scanId", result.ScanId, "target", cfg.APIBaseURL)
	result.Finish(simulator.Run(ctx))
	log.Infow("simulation complete", "score", result.Score, "grade", result.Grade, "findings", len(result.Findings))

	writer := &report.S3Writer{Client: s3.NewFromConfig(awsCfg), Bucket: cfg.ReportsBucket}
	key, err := writer.Write(ctx, result)
	if err != nil {
		log.Errorw("writing report", "error", err)
		return Response{}, err
	}

	recorder := &report.DynamoRecorder{Client: dynamodb.NewFromConfig(awsCfg), Table: cfg.FindingsTable}
	if err := recorder.Record(ctx, result); err != nil {
		log.Errorw("recording findings", "error", err)
		return Response{}, err
	}

	metrics := &report.MetricPublisher{Client: cloudwatch.NewFromConfig(awsCfg)}
	if err := metrics.Publish(ctx, result); err != nil {
		log.Warnw("publishing metrics", "error", err)
	}

	notifier := &report.SNSNotifier{Client: sns.NewFromConfig(awsCfg), TopicArn: cfg.AlertTopicArn}
	notified, err := notifier.Notify(ctx, result)
	if err != nil {
		log.Errorw("notifying", "error", err)
		return Response{}, err
	}

	return Response{
		ScanId:   result.ScanId,
		Score:    result.Score,
		Grade:    result.Grade,
		Failed:   result.Failed(),
		Total:    len(result.Findings),
		Report:   fmt.Sprintf("s3://%s/%s", cfg.ReportsBucket, key),
		Notified: notified,
	}, nil
}

func main() {
	lambda.Start(Handler)
}

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
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"go.uber.org/zap"

	"github.com/myideascope/hallucifix-infra/internal/keycheck"
	"github.com/myideascope/hallucifix-infra/internal/report"
)

// Config is the environment the key-management stack wires into the function.
type Config struct {
	FindingsTable     string
	AlertTopicArn     string
	Environment       string
	SeverityThreshold report.Severity
}

func loadConfig() (Config, error) {
	cfg := Config{
		FindingsTable:     os.Getenv("FINDINGS_TABLE"),
		AlertTopicArn:     os.Getenv("ALERT_TOPIC_ARN"),
		Environment:       os.Getenv("ENVIRONMENT"),
		SeverityThreshold: report.Severity(os.Getenv("SEVERITY_THRESHOLD")),
	}
	if cfg.FindingsTable == "" || cfg.AlertTopicArn == "" {
		return cfg, fmt.Errorf("FINDINGS_TABLE and ALERT_TOPIC_ARN must be set")
	}
	if cfg.Environment == "" {
		cfg.Environment = "staging"
	}
	if cfg.SeverityThreshold == "" {
		cfg.SeverityThreshold = report.SeverityHigh
	}
	return cfg, nil
}

// Response summarizes the sweep for the invocation log.
type Response struct {
	ScanId string `json:"scanId"`
	Score  int    `json:"score"`
	Grade  string `json:"grade"`
	Failed int    `json:"failed"`
	Total  int    `json:"total"`
}

// Handler runs the daily KMS rotation sweep.
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

	checker := keycheck.NewChecker(awsCfg, log)
	result := report.New("keycheck", cfg.Environment)

	if account, err := report.CallerAccount(ctx, sts.NewFromConfig(awsCfg)); err != nil {
		log.Warnw("resolving account id", "error", err)
	} else {
		result.AccountId = account
	}

	log.Infow("starting key rotation sweep", "scanId", result.ScanId)
	findings, err := checker.Run(ctx)
	if err != nil {
		log.Errorw("sweep failed", "error", err)
		return Response{}, err
	}
	result.Finish(findings)
	log.Infow("sweep complete", "score", result.Score, "grade", result.Grade, "findings", len(result.Findings))

	recorder := &report.DynamoRecorder{Client: dynamodb.NewFromConfig(awsCfg), Table: cfg.FindingsTable}
	if err := recorder.Record(ctx, result); err != nil {
		log.Errorw("recording findings", "error", err)
		return Response{}, err
	}

	metrics := &report.MetricPublisher{Client: cloudwatch.NewFromConfig(awsCfg)}
	if err := metrics.Publish(ctx, result); err != nil {
		log.Warnw("publishing metrics", "error", err)
	}

	notifier := &report.SNSNotifier{
		Client:      sns.NewFromConfig(awsCfg),
		TopicArn:    cfg.AlertTopicArn,
		MinSeverity: cfg.SeverityThreshold,
	}
	if _, err := notifier.Notify(ctx, result); err != nil {
		log.Errorw("notifying", "error", err)
		return Response{}, err
	}

	return Response{
		ScanId: result.ScanId,
		Score:  result.Score,
		Grade:  result.Grade,
		Failed: result.Failed(),
		Total:  len(result.Findings),
	}, nil
}

func main() {
	lambda.Start(Handler)
}

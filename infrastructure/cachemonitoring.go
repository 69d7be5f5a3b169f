package main

import (
	"fmt"

	"github.com/pulumi/pulumi-aws/sdk/v5/go/aws/cloudwatch"
	"github.com/pulumi/pulumi-aws/sdk/v5/go/aws/sns"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi/config"
)

// CacheMonitoringResources holds the Redis health alarms and their topic.
type CacheMonitoringResources struct {
	AlertTopic *sns.Topic
}

// createCacheMonitoringResources creates the ElastiCache alarm suite. The
// cache sits on the hot analysis path, so alarms fire on both load and
// eviction pressure.
func createCacheMonitoringResources(ctx *pulumi.Context, environment string, db *DatabaseResources) (*CacheMonitoringResources, error) {
	cfg := config.New(ctx, "hallucifix")
	prod := environment == "prod"

	connectionThreshold := 200.0
	if prod {
		connectionThreshold = 500.0
	}

	// Create the cache alert topic
	alertTopic, err := sns.NewTopic(ctx, "hallucifix-cache-alerts", &sns.TopicArgs{
		Name: pulumi.String(fmt.Sprintf("hallucifix-%s-cache-alerts", environment)),
		Tags: baseTags(environment, "hallucifix-cache-alerts"),
	})
	if err != nil {
		return nil, err
	}

	if alertEmail := cfg.Get("alertEmail"); alertEmail != "" {
		_, err = sns.NewTopicSubscription(ctx, "cache-alerts-email", &sns.TopicSubscriptionArgs{
			Topic:    alertTopic.Arn,
			Protocol: pulumi.String("email"),
			Endpoint: pulumi.String(alertEmail),
		})
		if err != nil {
			return nil, err
		}
	}

	// One alarm per pressure signal, all dimensioned to the cache cluster
	alarms := []struct {
		name        string
		metric      string
		statistic   string
		threshold   float64
		description string
	}{
		{"cache-cpu", "CPUUtilization", "Average", 75, "Redis host CPU above 75%"},
		{"cache-engine-cpu", "EngineCPUUtilization", "Average", 90, "Redis engine CPU above 90%"},
		{"cache-memory", "DatabaseMemoryUsagePercentage", "Average", 80, "Redis memory above 80%"},
		{"cache-evictions", "Evictions", "Sum", 1000, "Redis evicting keys under memory pressure"},
		{"cache-connections", "CurrConnections", "Average", connectionThreshold, "Redis connection count unusually high"},
		{"cache-swap", "SwapUsage", "Average", 52428800, "Redis swapping more than 50 MB"},
	}
	for _, alarm := range alarms {
		_, err = cloudwatch.NewMetricAlarm(ctx, fmt.Sprintf("hallucifix-%s-alarm", alarm.name), &cloudwatch.MetricAlarmArgs{
			Name:               pulumi.String(fmt.Sprintf("hallucifix-%s-%s", environment, alarm.name)),
			AlarmDescription:   pulumi.String(alarm.description),
			Namespace:          pulumi.String("AWS/ElastiCache"),
			MetricName:         pulumi.String(alarm.metric),
			Statistic:          pulumi.String(alarm.statistic),
			ComparisonOperator: pulumi.String("GreaterThanThreshold"),
			Threshold:          pulumi.Float64(alarm.threshold),
			EvaluationPeriods:  pulumi.Int(2),
			Period:             pulumi.Int(300),
			TreatMissingData:   pulumi.String("notBreaching"),
			Dimensions: pulumi.StringMap{
				"CacheClusterId": db.Redis.ClusterId,
			},
			AlarmActions: pulumi.Array{alertTopic.Arn},
			OkActions:    pulumi.Array{alertTopic.Arn},
			Tags:         baseTags(environment, fmt.Sprintf("hallucifix-%s", alarm.name)),
		})
		if err != nil {
			return nil, err
		}
	}

	ctx.Export("cacheAlertTopicArn", alertTopic.Arn)

	return &CacheMonitoringResources{
		AlertTopic: alertTopic,
	}, nil
}

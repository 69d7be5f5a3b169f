package main

import (
	"fmt"
	"strconv"

	"github.com/pulumi/pulumi-aws/sdk/v5/go/aws/budgets"
	"github.com/pulumi/pulumi-aws/sdk/v5/go/aws/cloudwatch"
	"github.com/pulumi/pulumi-aws/sdk/v5/go/aws/sns"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi/config"
)

// MonitoringResources holds the ops topic, the service dashboard and the
// monthly cost budget.
type MonitoringResources struct {
	OpsTopic  *sns.Topic
	Dashboard *cloudwatch.Dashboard
	Budget    *budgets.Budget
}

// createMonitoringResources creates the service-level alarms, the dashboard
// and the cost budget. Thresholds widen outside prod where traffic is lower
// and latency matters less.
func createMonitoringResources(ctx *pulumi.Context, environment, region string, db *DatabaseResources, compute *ComputeResources) (*MonitoringResources, error) {
	cfg := config.New(ctx, "hallucifix")
	prod := environment == "prod"

	latencyThreshold := 5000.0 // milliseconds
	connectionThreshold := 360.0
	budgetLimit := budgetAmount(cfg.Get("budgetLimit"), prod)
	if prod {
		latencyThreshold = 3000.0
		connectionThreshold = 1600.0
	}

	// Create the ops alert topic
	opsTopic, err := sns.NewTopic(ctx, "hallucifix-ops-alerts", &sns.TopicArgs{
		Name: pulumi.String(fmt.Sprintf("hallucifix-%s-ops-alerts", environment)),
		Tags: baseTags(environment, "hallucifix-ops-alerts"),
	})
	if err != nil {
		return nil, err
	}

	// Allow AWS Budgets to publish cost notifications to the topic
	_, err = sns.NewTopicPolicy(ctx, "ops-alerts-budget-policy", &sns.TopicPolicyArgs{
		Arn: opsTopic.Arn,
		Policy: pulumi.Sprintf(`{
			"Version": "2012-10-17",
			"Statement": [{
				"Sid": "AllowBudgetsPublish",
				"Effect": "Allow",
				"Principal": {
					"Service": "budgets.amazonaws.com"
				},
				"Action": "SNS:Publish",
				"Resource": %q
			}]
		}`, opsTopic.Arn),
	})
	if err != nil {
		return nil, err
	}

	alertEmail := cfg.Get("alertEmail")
	if alertEmail != "" {
		_, err = sns.NewTopicSubscription(ctx, "ops-alerts-email", &sns.TopicSubscriptionArgs{
			Topic:    opsTopic.Arn,
			Protocol: pulumi.String("email"),
			Endpoint: pulumi.String(alertEmail),
		})
		if err != nil {
			return nil, err
		}
	}

	// API Gateway alarms
	_, err = cloudwatch.NewMetricAlarm(ctx, "api-5xx-alarm", &cloudwatch.MetricAlarmArgs{
		Name:               pulumi.String(fmt.Sprintf("hallucifix-%s-api-5xx", environment)),
		AlarmDescription:   pulumi.String("Analysis API returning server errors"),
		Namespace:          pulumi.String("AWS/ApiGateway"),
		MetricName:         pulumi.String("5XXError"),
		Statistic:          pulumi.String("Sum"),
		ComparisonOperator: pulumi.String("GreaterThanThreshold"),
		Threshold:          pulumi.Float64(10),
		EvaluationPeriods:  pulumi.Int(1),
		Period:             pulumi.Int(300),
		TreatMissingData:   pulumi.String("notBreaching"),
		Dimensions: pulumi.StringMap{
			"ApiName": compute.RestApi.Name,
		},
		AlarmActions: pulumi.Array{opsTopic.Arn},
		OkActions:    pulumi.Array{opsTopic.Arn},
		Tags:         baseTags(environment, "hallucifix-api-5xx"),
	})
	if err != nil {
		return nil, err
	}

	_, err = cloudwatch.NewMetricAlarm(ctx, "api-latency-alarm", &cloudwatch.MetricAlarmArgs{
		Name:               pulumi.String(fmt.Sprintf("hallucifix-%s-api-latency", environment)),
		AlarmDescription:   pulumi.String("Analysis API p99 latency out of budget"),
		Namespace:          pulumi.String("AWS/ApiGateway"),
		MetricName:         pulumi.String("Latency"),
		ExtendedStatistic:  pulumi.String("p99"),
		ComparisonOperator: pulumi.String("GreaterThanThreshold"),
		Threshold:          pulumi.Float64(latencyThreshold),
		EvaluationPeriods:  pulumi.Int(3),
		Period:             pulumi.Int(300),
		TreatMissingData:   pulumi.String("notBreaching"),
		Dimensions: pulumi.StringMap{
			"ApiName": compute.RestApi.Name,
		},
		AlarmActions: pulumi.Array{opsTopic.Arn},
		OkActions:    pulumi.Array{opsTopic.Arn},
		Tags:         baseTags(environment, "hallucifix-api-latency"),
	})
	if err != nil {
		return nil, err
	}

	// Function alarms: the worker runs unattended, so a single error alerts
	functionAlarms := []struct {
		name      string
		metric    string
		threshold float64
		function  pulumi.StringOutput
	}{
		{"api-errors", "Errors", 5, compute.ApiFunction.Name},
		{"api-throttles", "Throttles", 0, compute.ApiFunction.Name},
		{"worker-errors", "Errors", 1, compute.WorkerFunction.Name},
	}
	for _, alarm := range functionAlarms {
		_, err = cloudwatch.NewMetricAlarm(ctx, fmt.Sprintf("%s-alarm", alarm.name), &cloudwatch.MetricAlarmArgs{
			Name:               pulumi.String(fmt.Sprintf("hallucifix-%s-%s", environment, alarm.name)),
			AlarmDescription:   pulumi.String(fmt.Sprintf("Function %s above threshold", alarm.metric)),
			Namespace:          pulumi.String("AWS/Lambda"),
			MetricName:         pulumi.String(alarm.metric),
			Statistic:          pulumi.String("Sum"),
			ComparisonOperator: pulumi.String("GreaterThanThreshold"),
			Threshold:          pulumi.Float64(alarm.threshold),
			EvaluationPeriods:  pulumi.Int(1),
			Period:             pulumi.Int(300),
			TreatMissingData:   pulumi.String("notBreaching"),
			Dimensions: pulumi.StringMap{
				"FunctionName": alarm.function,
			},
			AlarmActions: pulumi.Array{opsTopic.Arn},
			OkActions:    pulumi.Array{opsTopic.Arn},
			Tags:         baseTags(environment, fmt.Sprintf("hallucifix-%s", alarm.name)),
		})
		if err != nil {
			return nil, err
		}
	}

	// Database alarms
	_, err = cloudwatch.NewMetricAlarm(ctx, "db-cpu-alarm", &cloudwatch.MetricAlarmArgs{
		Name:               pulumi.String(fmt.Sprintf("hallucifix-%s-db-cpu", environment)),
		AlarmDescription:   pulumi.String("PostgreSQL CPU above 80%"),
		Namespace:          pulumi.String("AWS/RDS"),
		MetricName:         pulumi.String("CPUUtilization"),
		Statistic:          pulumi.String("Average"),
		ComparisonOperator: pulumi.String("GreaterThanThreshold"),
		Threshold:          pulumi.Float64(80),
		EvaluationPeriods:  pulumi.Int(2),
		Period:             pulumi.Int(300),
		TreatMissingData:   pulumi.String("notBreaching"),
		Dimensions: pulumi.StringMap{
			"DBInstanceIdentifier": db.Postgres.Identifier,
		},
		AlarmActions: pulumi.Array{opsTopic.Arn},
		OkActions:    pulumi.Array{opsTopic.Arn},
		Tags:         baseTags(environment, "hallucifix-db-cpu"),
	})
	if err != nil {
		return nil, err
	}

	_, err = cloudwatch.NewMetricAlarm(ctx, "db-storage-alarm", &cloudwatch.MetricAlarmArgs{
		Name:               pulumi.String(fmt.Sprintf("hallucifix-%s-db-storage", environment)),
		AlarmDescription:   pulumi.String("PostgreSQL free storage below 10 GiB"),
		Namespace:          pulumi.String("AWS/RDS"),
		MetricName:         pulumi.String("FreeStorageSpace"),
		Statistic:          pulumi.String("Average"),
		ComparisonOperator: pulumi.String("LessThanThreshold"),
		Threshold:          pulumi.Float64(10737418240),
		EvaluationPeriods:  pulumi.Int(1),
		Period:             pulumi.Int(300),
		TreatMissingData:   pulumi.String("notBreaching"),
		Dimensions: pulumi.StringMap{
			"DBInstanceIdentifier": db.Postgres.Identifier,
		},
		AlarmActions: pulumi.Array{opsTopic.Arn},
		OkActions:    pulumi.Array{opsTopic.Arn},
		Tags:         baseTags(environment, "hallucifix-db-storage"),
	})
	if err != nil {
		return nil, err
	}

	_, err = cloudwatch.NewMetricAlarm(ctx, "db-connections-alarm", &cloudwatch.MetricAlarmArgs{
		Name:               pulumi.String(fmt.Sprintf("hallucifix-%s-db-connections", environment)),
		AlarmDescription:   pulumi.String("PostgreSQL connection count near the class limit"),
		Namespace:          pulumi.String("AWS/RDS"),
		MetricName:         pulumi.String("DatabaseConnections"),
		Statistic:          pulumi.String("Average"),
		ComparisonOperator: pulumi.String("GreaterThanThreshold"),
		Threshold:          pulumi.Float64(connectionThreshold),
		EvaluationPeriods:  pulumi.Int(2),
		Period:             pulumi.Int(300),
		TreatMissingData:   pulumi.String("notBreaching"),
		Dimensions: pulumi.StringMap{
			"DBInstanceIdentifier": db.Postgres.Identifier,
		},
		AlarmActions: pulumi.Array{opsTopic.Arn},
		OkActions:    pulumi.Array{opsTopic.Arn},
		Tags:         baseTags(environment, "hallucifix-db-connections"),
	})
	if err != nil {
		return nil, err
	}

	// Count structured error logs from the API function and alarm on the rate
	_, err = cloudwatch.NewLogMetricFilter(ctx, "api-error-log-filter", &cloudwatch.LogMetricFilterArgs{
		LogGroupName: compute.ApiLogGroup.Name,
		Pattern:      pulumi.String(`{ $.level = "error" }`),
		MetricTransformation: &cloudwatch.LogMetricFilterMetricTransformationArgs{
			Name:         pulumi.String("ApiErrorCount"),
			Namespace:    pulumi.String(fmt.Sprintf("HalluciFix/%s", environment)),
			Value:        pulumi.String("1"),
			DefaultValue: pulumi.String("0"),
		},
	})
	if err != nil {
		return nil, err
	}

	_, err = cloudwatch.NewMetricAlarm(ctx, "api-error-log-alarm", &cloudwatch.MetricAlarmArgs{
		Name:               pulumi.String(fmt.Sprintf("hallucifix-%s-api-error-logs", environment)),
		AlarmDescription:   pulumi.String("API emitting error-level logs"),
		Namespace:          pulumi.String(fmt.Sprintf("HalluciFix/%s", environment)),
		MetricName:         pulumi.String("ApiErrorCount"),
		Statistic:          pulumi.String("Sum"),
		ComparisonOperator: pulumi.String("GreaterThanThreshold"),
		Threshold:          pulumi.Float64(10),
		EvaluationPeriods:  pulumi.Int(1),
		Period:             pulumi.Int(300),
		TreatMissingData:   pulumi.String("notBreaching"),
		AlarmActions:       pulumi.Array{opsTopic.Arn},
		OkActions:          pulumi.Array{opsTopic.Arn},
		Tags:               baseTags(environment, "hallucifix-api-error-logs"),
	})
	if err != nil {
		return nil, err
	}

	// Create the service dashboard
	dashboard, err := cloudwatch.NewDashboard(ctx, "hallucifix-dashboard", &cloudwatch.DashboardArgs{
		DashboardName: pulumi.String(fmt.Sprintf("hallucifix-%s", environment)),
		DashboardBody: pulumi.Sprintf(`{
			"widgets": [
				{
					"type": "metric", "x": 0, "y": 0, "width": 12, "height": 6,
					"properties": {
						"title": "API Requests",
						"region": %[1]q,
						"stat": "Sum", "period": 300,
						"metrics": [
							["AWS/ApiGateway", "Count", "ApiName", %[2]q],
							["AWS/ApiGateway", "4XXError", "ApiName", %[2]q],
							["AWS/ApiGateway", "5XXError", "ApiName", %[2]q]
						]
					}
				},
				{
					"type": "metric", "x": 12, "y": 0, "width": 12, "height": 6,
					"properties": {
						"title": "API Latency p99",
						"region": %[1]q,
						"stat": "p99", "period": 300,
						"metrics": [
							["AWS/ApiGateway", "Latency", "ApiName", %[2]q]
						]
					}
				},
				{
					"type": "metric", "x": 0, "y": 6, "width": 12, "height": 6,
					"properties": {
						"title": "Functions",
						"region": %[1]q,
						"stat": "Sum", "period": 300,
						"metrics": [
							["AWS/Lambda", "Invocations", "FunctionName", %[3]q],
							["AWS/Lambda", "Errors", "FunctionName", %[3]q],
							["AWS/Lambda", "Invocations", "FunctionName", %[4]q],
							["AWS/Lambda", "Errors", "FunctionName", %[4]q]
						]
					}
				},
				{
					"type": "metric", "x": 12, "y": 6, "width": 12, "height": 6,
					"properties": {
						"title": "PostgreSQL",
						"region": %[1]q,
						"stat": "Average", "period": 300,
						"metrics": [
							["AWS/RDS", "CPUUtilization", "DBInstanceIdentifier", %[5]q],
							["AWS/RDS", "DatabaseConnections", "DBInstanceIdentifier", %[5]q]
						]
					}
				},
				{
					"type": "metric", "x": 0, "y": 12, "width": 12, "height": 6,
					"properties": {
						"title": "Redis",
						"region": %[1]q,
						"stat": "Average", "period": 300,
						"metrics": [
							["AWS/ElastiCache", "CPUUtilization", "CacheClusterId", %[6]q],
							["AWS/ElastiCache", "CacheHits", "CacheClusterId", %[6]q],
							["AWS/ElastiCache", "CacheMisses", "CacheClusterId", %[6]q]
						]
					}
				},
				{
					"type": "metric", "x": 12, "y": 12, "width": 12, "height": 6,
					"properties": {
						"title": "Analysis Queue",
						"region": %[1]q,
						"stat": "Average", "period": 300,
						"metrics": [
							["AWS/SQS", "ApproximateNumberOfMessagesVisible", "QueueName", %[7]q],
							["AWS/SQS", "ApproximateAgeOfOldestMessage", "QueueName", %[7]q]
						]
					}
				}
			]
		}`,
			region,
			compute.RestApi.Name,
			compute.ApiFunction.Name,
			compute.WorkerFunction.Name,
			db.Postgres.Identifier,
			db.Redis.ClusterId,
			compute.JobsQueue.Name),
	})
	if err != nil {
		return nil, err
	}

	// Budget notifications need a subscriber; fall back to the topic alone
	actualSubscribers := budgets.BudgetNotificationArgs{
		ComparisonOperator:     pulumi.String("GREATER_THAN"),
		NotificationType:       pulumi.String("ACTUAL"),
		Threshold:              pulumi.Float64(80),
		ThresholdType:          pulumi.String("PERCENTAGE"),
		SubscriberSnsTopicArns: pulumi.StringArray{opsTopic.Arn},
	}
	forecastSubscribers := budgets.BudgetNotificationArgs{
		ComparisonOperator:     pulumi.String("GREATER_THAN"),
		NotificationType:       pulumi.String("FORECASTED"),
		Threshold:              pulumi.Float64(100),
		ThresholdType:          pulumi.String("PERCENTAGE"),
		SubscriberSnsTopicArns: pulumi.StringArray{opsTopic.Arn},
	}
	if alertEmail != "" {
		actualSubscribers.SubscriberEmailAddresses = pulumi.StringArray{pulumi.String(alertEmail)}
		forecastSubscribers.SubscriberEmailAddresses = pulumi.StringArray{pulumi.String(alertEmail)}
	}

	// Create the monthly cost budget
	budget, err := budgets.NewBudget(ctx, "hallucifix-budget", &budgets.BudgetArgs{
		Name:        pulumi.String(fmt.Sprintf("hallucifix-%s-monthly", environment)),
		BudgetType:  pulumi.String("COST"),
		LimitAmount: pulumi.String(fmt.Sprintf("%d", budgetLimit)),
		LimitUnit:   pulumi.String("USD"),
		TimeUnit:    pulumi.String("MONTHLY"),
		Notifications: budgets.BudgetNotificationArray{
			&actualSubscribers,
			&forecastSubscribers,
		},
	})
	if err != nil {
		return nil, err
	}

	// Export monitoring identifiers
	ctx.Export("opsAlertTopicArn", opsTopic.Arn)
	ctx.Export("dashboardName", dashboard.DashboardName)

	return &MonitoringResources{
		OpsTopic:  opsTopic,
		Dashboard: dashboard,
		Budget:    budget,
	}, nil
}

// budgetAmount resolves the monthly budget limit in USD. An explicitly
// configured value always wins; the default is 500 in prod, 100 elsewhere.
func budgetAmount(raw string, prod bool) int {
	if raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			return v
		}
	}
	if prod {
		return 500
	}
	return 100
}

package main

import (
	"fmt"

	"github.com/pulumi/pulumi-aws/sdk/v5/go/aws/cloudwatch"
	"github.com/pulumi/pulumi-aws/sdk/v5/go/aws/dynamodb"
	"github.com/pulumi/pulumi-aws/sdk/v5/go/aws/iam"
	"github.com/pulumi/pulumi-aws/sdk/v5/go/aws/lambda"
	"github.com/pulumi/pulumi-aws/sdk/v5/go/aws/sns"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi/config"
)

// SecurityAuditResources holds the scheduled posture checks: the findings
// table, the alert topic and the scanner functions.
type SecurityAuditResources struct {
	FindingsTable     *dynamodb.Table
	AlertTopic        *sns.Topic
	AuditRole         *iam.Role
	ScannerFunction   *lambda.Function
	PentestFunction   *lambda.Function // nil outside prod
	ReportsBucketName pulumi.StringOutput
}

// createSecurityAuditResources creates the audit pipeline. The scanner runs
// weekly against the account's own resources; the penetration-test simulation
// probes the live API and therefore only runs in prod.
func createSecurityAuditResources(ctx *pulumi.Context, environment string, storage *StorageResources, compute *ComputeResources) (*SecurityAuditResources, error) {
	cfg := config.New(ctx, "hallucifix")
	prod := environment == "prod"

	// Create the findings table; items expire via the ExpiresAt attribute
	findingsTable, err := dynamodb.NewTable(ctx, "hallucifix-security-findings", &dynamodb.TableArgs{
		Name: pulumi.String(fmt.Sprintf("hallucifix-%s-security-findings", environment)),
		Attributes: dynamodb.TableAttributeArray{
			&dynamodb.TableAttributeArgs{
				Name: pulumi.String("ScanId"),
				Type: pulumi.String("S"),
			},
			&dynamodb.TableAttributeArgs{
				Name: pulumi.String("CheckId"),
				Type: pulumi.String("S"),
			},
		},
		HashKey:     pulumi.String("ScanId"),
		RangeKey:    pulumi.String("CheckId"),
		BillingMode: pulumi.String("PAY_PER_REQUEST"),
		Ttl: &dynamodb.TableTtlArgs{
			AttributeName: pulumi.String("ExpiresAt"),
			Enabled:       pulumi.Bool(true),
		},
		PointInTimeRecovery: &dynamodb.TablePointInTimeRecoveryArgs{
			Enabled: pulumi.Bool(prod),
		},
		Tags: baseTags(environment, "hallucifix-security-findings"),
	})
	if err != nil {
		return nil, err
	}

	// Create the security alert topic
	alertTopic, err := sns.NewTopic(ctx, "hallucifix-security-alerts", &sns.TopicArgs{
		Name: pulumi.String(fmt.Sprintf("hallucifix-%s-security-alerts", environment)),
		Tags: baseTags(environment, "hallucifix-security-alerts"),
	})
	if err != nil {
		return nil, err
	}

	if alertEmail := cfg.Get("alertEmail"); alertEmail != "" {
		_, err = sns.NewTopicSubscription(ctx, "security-alerts-email", &sns.TopicSubscriptionArgs{
			Topic:    alertTopic.Arn,
			Protocol: pulumi.String("email"),
			Endpoint: pulumi.String(alertEmail),
		})
		if err != nil {
			return nil, err
		}
	}

	// Create IAM role shared by the security functions
	auditRole, err := iam.NewRole(ctx, "hallucifix-audit-role", &iam.RoleArgs{
		AssumeRolePolicy: pulumi.String(`{
			"Version": "2012-10-17",
			"Statement": [{
				"Action": "sts:AssumeRole",
				"Principal": {
					"Service": "lambda.amazonaws.com"
				},
				"Effect": "Allow",
				"Sid": ""
			}]
		}`),
		Tags: baseTags(environment, "hallucifix-audit-role"),
	})
	if err != nil {
		return nil, err
	}

	_, err = iam.NewRolePolicyAttachment(ctx, "audit-basic-execution", &iam.RolePolicyAttachmentArgs{
		Role:      auditRole.Name,
		PolicyArn: pulumi.String("arn:aws:iam::aws:policy/service-role/AWSLambdaBasicExecutionRole"),
	})
	if err != nil {
		return nil, err
	}

	// Read-only posture checks plus narrowly scoped writes for the results
	auditPolicy, err := iam.NewPolicy(ctx, "hallucifix-audit-policy", &iam.PolicyArgs{
		Description: pulumi.String("Read-only audit access and result publication for the security functions"),
		Policy: pulumi.Sprintf(`{
			"Version": "2012-10-17",
			"Statement": [
				{
					"Effect": "Allow",
					"Action": [
						"s3:ListAllMyBuckets",
						"s3:GetBucketPublicAccessBlock",
						"s3:GetEncryptionConfiguration",
						"s3:GetBucketLocation",
						"iam:ListPolicies",
						"iam:GetPolicyVersion",
						"iam:ListUsers",
						"iam:ListMFADevices",
						"iam:ListAccessKeys",
						"iam:GetLoginProfile",
						"rds:DescribeDBInstances",
						"ec2:DescribeSecurityGroups",
						"elasticache:DescribeCacheClusters",
						"sqs:ListQueues",
						"sqs:GetQueueAttributes",
						"cloudtrail:DescribeTrails",
						"cloudtrail:GetTrailStatus",
						"kms:ListKeys",
						"kms:DescribeKey",
						"kms:GetKeyRotationStatus",
						"kms:ListAliases"
					],
					"Resource": "*"
				},
				{
					"Effect": "Allow",
					"Action": "cloudwatch:PutMetricData",
					"Resource": "*",
					"Condition": {
						"StringEquals": {
							"cloudwatch:namespace": "HalluciFix/Security"
						}
					}
				},
				{
					"Effect": "Allow",
					"Action": [
						"dynamodb:PutItem",
						"dynamodb:Query"
					],
					"Resource": %q
				},
				{
					"Effect": "Allow",
					"Action": "sns:Publish",
					"Resource": %q
				},
				{
					"Effect": "Allow",
					"Action": "s3:PutObject",
					"Resource": "%s/security/*"
				}
			]
		}`, findingsTable.Arn, alertTopic.Arn, storage.ReportsBucket.Arn),
	})
	if err != nil {
		return nil, err
	}

	_, err = iam.NewRolePolicyAttachment(ctx, "audit-custom-policy", &iam.RolePolicyAttachmentArgs{
		Role:      auditRole.Name,
		PolicyArn: auditPolicy.Arn,
	})
	if err != nil {
		return nil, err
	}

	// Create the security scanner Lambda function
	scannerFunction, err := lambda.NewFunction(ctx, "hallucifix-security-scanner", &lambda.FunctionArgs{
		Name:          pulumi.String(fmt.Sprintf("hallucifix-%s-security-scanner", environment)),
		Runtime:       pulumi.String("provided.al2"),
		Code:          pulumi.NewFileArchive("../build/securityscanner.zip"),
		Handler:       pulumi.String("bootstrap"),
		Architectures: pulumi.StringArray{pulumi.String("arm64")},
		Role:          auditRole.Arn,
		MemorySize:    pulumi.Int(512),
		Timeout:       pulumi.Int(300),
		Environment: &lambda.FunctionEnvironmentArgs{
			Variables: pulumi.StringMap{
				"FINDINGS_TABLE":   findingsTable.Name,
				"REPORTS_BUCKET":   storage.ReportsBucket.Bucket,
				"DOCUMENTS_BUCKET": storage.DocumentsBucket.Bucket,
				"ALERT_TOPIC_ARN":  alertTopic.Arn,
				"ENVIRONMENT":      pulumi.String(environment),
			},
		},
		Tags: baseTags(environment, "hallucifix-security-scanner"),
	})
	if err != nil {
		return nil, err
	}

	// Run the audit every Monday morning
	scannerRule, err := cloudwatch.NewEventRule(ctx, "security-scanner-schedule", &cloudwatch.EventRuleArgs{
		ScheduleExpression: pulumi.String("cron(0 4 ? * MON *)"),
		Description:        pulumi.String("Run the HalluciFix security audit weekly"),
		Tags:               baseTags(environment, "hallucifix-security-scanner-schedule"),
	})
	if err != nil {
		return nil, err
	}

	_, err = cloudwatch.NewEventTarget(ctx, "security-scanner-target", &cloudwatch.EventTargetArgs{
		Rule: scannerRule.Name,
		Arn:  scannerFunction.Arn,
	})
	if err != nil {
		return nil, err
	}

	_, err = lambda.NewPermission(ctx, "security-scanner-permission", &lambda.PermissionArgs{
		Action:    pulumi.String("lambda:InvokeFunction"),
		Function:  scannerFunction.Name,
		Principal: pulumi.String("events.amazonaws.com"),
		SourceArn: scannerRule.Arn,
	})
	if err != nil {
		return nil, err
	}

	// The pentest simulation probes the live API, so it only runs in prod
	var pentestFunction *lambda.Function
	if prod {
		pentestFunction, err = lambda.NewFunction(ctx, "hallucifix-pentest-sim", &lambda.FunctionArgs{
			Name:          pulumi.String(fmt.Sprintf("hallucifix-%s-pentest-sim", environment)),
			Runtime:       pulumi.String("provided.al2"),
			Code:          pulumi.NewFileArchive("../build/pentestsim.zip"),
			Handler:       pulumi.String("bootstrap"),
			Architectures: pulumi.StringArray{pulumi.String("arm64")},
			Role:          auditRole.Arn,
			MemorySize:    pulumi.Int(256),
			Timeout:       pulumi.Int(300),
			Environment: &lambda.FunctionEnvironmentArgs{
				Variables: pulumi.StringMap{
					"API_BASE_URL":    compute.ApiUrl,
					"FINDINGS_TABLE":  findingsTable.Name,
					"REPORTS_BUCKET":  storage.ReportsBucket.Bucket,
					"ALERT_TOPIC_ARN": alertTopic.Arn,
					"ENVIRONMENT":     pulumi.String(environment),
				},
			},
			Tags: baseTags(environment, "hallucifix-pentest-sim"),
		})
		if err != nil {
			return nil, err
		}

		// First day of the month, before business hours
		pentestRule, err := cloudwatch.NewEventRule(ctx, "pentest-sim-schedule", &cloudwatch.EventRuleArgs{
			ScheduleExpression: pulumi.String("cron(0 5 1 * ? *)"),
			Description:        pulumi.String("Run the HalluciFix penetration-test simulation monthly"),
			Tags:               baseTags(environment, "hallucifix-pentest-sim-schedule"),
		})
		if err != nil {
			return nil, err
		}

		_, err = cloudwatch.NewEventTarget(ctx, "pentest-sim-target", &cloudwatch.EventTargetArgs{
			Rule: pentestRule.Name,
			Arn:  pentestFunction.Arn,
		})
		if err != nil {
			return nil, err
		}

		_, err = lambda.NewPermission(ctx, "pentest-sim-permission", &lambda.PermissionArgs{
			Action:    pulumi.String("lambda:InvokeFunction"),
			Function:  pentestFunction.Name,
			Principal: pulumi.String("events.amazonaws.com"),
			SourceArn: pentestRule.Arn,
		})
		if err != nil {
			return nil, err
		}
	}

	// Export audit identifiers
	ctx.Export("securityFindingsTable", findingsTable.Name)
	ctx.Export("securityAlertTopicArn", alertTopic.Arn)
	ctx.Export("securityScannerFunctionName", scannerFunction.Name)
	if pentestFunction != nil {
		ctx.Export("pentestFunctionName", pentestFunction.Name)
	} else {
		ctx.Export("pentestFunctionName", pulumi.String(""))
	}

	return &SecurityAuditResources{
		FindingsTable:     findingsTable,
		AlertTopic:        alertTopic,
		AuditRole:         auditRole,
		ScannerFunction:   scannerFunction,
		PentestFunction:   pentestFunction,
		ReportsBucketName: storage.ReportsBucket.Bucket,
	}, nil
}

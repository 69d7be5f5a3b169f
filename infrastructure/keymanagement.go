package main

import (
	"fmt"

	"github.com/pulumi/pulumi-aws/sdk/v5/go/aws/cloudwatch"
	"github.com/pulumi/pulumi-aws/sdk/v5/go/aws/kms"
	"github.com/pulumi/pulumi-aws/sdk/v5/go/aws/lambda"
	"github.com/pulumi/pulumi-aws/sdk/v5/go/aws/ssm"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"
)

// KeyManagementResources holds the customer-managed keys shared by the data
// stores: one for documents and queues, one for the database volume.
type KeyManagementResources struct {
	DataKey       *kms.Key
	DatabaseKey   *kms.Key
	DataAlias     *kms.Alias
	DatabaseAlias *kms.Alias
}

// createKeyManagementResources creates the KMS keys before any stack that
// encrypts with them. Key administration stays on the account root so IAM
// policies control usage.
func createKeyManagementResources(ctx *pulumi.Context, environment, accountId string) (*KeyManagementResources, error) {
	prod := environment == "prod"

	deletionWindow := 7
	if prod {
		deletionWindow = 30
	}

	keyPolicy := fmt.Sprintf(`{
		"Version": "2012-10-17",
		"Id": "hallucifix-key-policy",
		"Statement": [{
			"Sid": "EnableRootAccountAdministration",
			"Effect": "Allow",
			"Principal": {
				"AWS": "arn:aws:iam::%s:root"
			},
			"Action": "kms:*",
			"Resource": "*"
		}, {
			"Sid": "AllowServiceUsage",
			"Effect": "Allow",
			"Principal": {
				"Service": [
					"lambda.amazonaws.com",
					"rds.amazonaws.com",
					"s3.amazonaws.com"
				]
			},
			"Action": [
				"kms:Encrypt",
				"kms:Decrypt",
				"kms:ReEncrypt*",
				"kms:GenerateDataKey*",
				"kms:DescribeKey"
			],
			"Resource": "*",
			"Condition": {
				"StringEquals": {
					"kms:CallerAccount": "%s"
				}
			}
		}]
	}`, accountId, accountId)

	// Create the key encrypting documents, reports and queue payloads
	dataKey, err := kms.NewKey(ctx, "hallucifix-data-key", &kms.KeyArgs{
		Description:           pulumi.String(fmt.Sprintf("HalluciFix %s document and queue encryption", environment)),
		KeyUsage:              pulumi.String("ENCRYPT_DECRYPT"),
		CustomerMasterKeySpec: pulumi.String("SYMMETRIC_DEFAULT"),
		EnableKeyRotation:     pulumi.Bool(true),
		DeletionWindowInDays:  pulumi.Int(deletionWindow),
		Policy:                pulumi.String(keyPolicy),
		Tags:                  baseTags(environment, "hallucifix-data-key"),
	})
	if err != nil {
		return nil, err
	}

	dataAlias, err := kms.NewAlias(ctx, "hallucifix-data-key-alias", &kms.AliasArgs{
		Name:        pulumi.String(fmt.Sprintf("alias/hallucifix-%s-data", environment)),
		TargetKeyId: dataKey.KeyId,
	})
	if err != nil {
		return nil, err
	}

	// Create the key encrypting the PostgreSQL storage volume and snapshots
	databaseKey, err := kms.NewKey(ctx, "hallucifix-database-key", &kms.KeyArgs{
		Description:           pulumi.String(fmt.Sprintf("HalluciFix %s database storage encryption", environment)),
		KeyUsage:              pulumi.String("ENCRYPT_DECRYPT"),
		CustomerMasterKeySpec: pulumi.String("SYMMETRIC_DEFAULT"),
		EnableKeyRotation:     pulumi.Bool(true),
		DeletionWindowInDays:  pulumi.Int(deletionWindow),
		Policy:                pulumi.String(keyPolicy),
		Tags:                  baseTags(environment, "hallucifix-database-key"),
	})
	if err != nil {
		return nil, err
	}

	databaseAlias, err := kms.NewAlias(ctx, "hallucifix-database-key-alias", &kms.AliasArgs{
		Name:        pulumi.String(fmt.Sprintf("alias/hallucifix-%s-database", environment)),
		TargetKeyId: databaseKey.KeyId,
	})
	if err != nil {
		return nil, err
	}

	// Store key ARNs in SSM Parameter Store for the application
	_, err = ssm.NewParameter(ctx, "data-key-param", &ssm.ParameterArgs{
		Name:  pulumi.String(fmt.Sprintf("/hallucifix/%s/kms/data-key-arn", environment)),
		Type:  pulumi.String("String"),
		Value: dataKey.Arn,
		Tags:  baseTags(environment, "hallucifix-data-key-arn"),
	})
	if err != nil {
		return nil, err
	}

	_, err = ssm.NewParameter(ctx, "database-key-param", &ssm.ParameterArgs{
		Name:  pulumi.String(fmt.Sprintf("/hallucifix/%s/kms/database-key-arn", environment)),
		Type:  pulumi.String("String"),
		Value: databaseKey.Arn,
		Tags:  baseTags(environment, "hallucifix-database-key-arn"),
	})
	if err != nil {
		return nil, err
	}

	// Export key identifiers
	ctx.Export("dataKeyArn", dataKey.Arn)
	ctx.Export("dataKeyAlias", dataAlias.Name)
	ctx.Export("databaseKeyArn", databaseKey.Arn)
	ctx.Export("databaseKeyAlias", databaseAlias.Name)

	return &KeyManagementResources{
		DataKey:       dataKey,
		DatabaseKey:   databaseKey,
		DataAlias:     dataAlias,
		DatabaseAlias: databaseAlias,
	}, nil
}

// createKeyRotationChecker creates the daily rotation compliance check. It
// runs after the security-audit stack because findings land in the same table
// and alerts go to the same topic.
func createKeyRotationChecker(ctx *pulumi.Context, environment string, security *SecurityAuditResources) (*lambda.Function, error) {
	// Create the rotation checker Lambda function
	checker, err := lambda.NewFunction(ctx, "hallucifix-key-rotation", &lambda.FunctionArgs{
		Name:          pulumi.String(fmt.Sprintf("hallucifix-%s-key-rotation", environment)),
		Runtime:       pulumi.String("provided.al2"),
		Code:          pulumi.NewFileArchive("../build/keyrotation.zip"),
		Handler:       pulumi.String("bootstrap"),
		Architectures: pulumi.StringArray{pulumi.String("arm64")},
		Role:          security.AuditRole.Arn,
		MemorySize:    pulumi.Int(256),
		Timeout:       pulumi.Int(120),
		Environment: &lambda.FunctionEnvironmentArgs{
			Variables: pulumi.StringMap{
				"FINDINGS_TABLE":     security.FindingsTable.Name,
				"REPORTS_BUCKET":     security.ReportsBucketName,
				"ALERT_TOPIC_ARN":    security.AlertTopic.Arn,
				"ENVIRONMENT":        pulumi.String(environment),
				"SEVERITY_THRESHOLD": pulumi.String("HIGH"),
			},
		},
		Tags: baseTags(environment, "hallucifix-key-rotation"),
	})
	if err != nil {
		return nil, err
	}

	// Create EventBridge rule to run the checker daily
	rotationRule, err := cloudwatch.NewEventRule(ctx, "key-rotation-schedule", &cloudwatch.EventRuleArgs{
		ScheduleExpression: pulumi.String("rate(1 day)"),
		Description:        pulumi.String("Run the HalluciFix KMS rotation compliance check daily"),
		Tags:               baseTags(environment, "hallucifix-key-rotation-schedule"),
	})
	if err != nil {
		return nil, err
	}

	_, err = cloudwatch.NewEventTarget(ctx, "key-rotation-target", &cloudwatch.EventTargetArgs{
		Rule: rotationRule.Name,
		Arn:  checker.Arn,
	})
	if err != nil {
		return nil, err
	}

	// Allow EventBridge to invoke the checker
	_, err = lambda.NewPermission(ctx, "key-rotation-permission", &lambda.PermissionArgs{
		Action:    pulumi.String("lambda:InvokeFunction"),
		Function:  checker.Name,
		Principal: pulumi.String("events.amazonaws.com"),
		SourceArn: rotationRule.Arn,
	})
	if err != nil {
		return nil, err
	}

	ctx.Export("keyRotationFunctionName", checker.Name)

	return checker, nil
}

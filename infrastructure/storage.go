package main

import (
	"fmt"

	"github.com/pulumi/pulumi-aws/sdk/v5/go/aws/s3"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi/config"
)

// StorageResources holds the three application buckets: uploaded documents,
// generated reports and the dashboard build served through CloudFront.
type StorageResources struct {
	DocumentsBucket *s3.Bucket
	ReportsBucket   *s3.Bucket
	AssetsBucket    *s3.Bucket
}

// createStorageResources creates the S3 buckets. Documents are encrypted with
// the customer-managed data key and versioned in prod; report retention is
// longer in prod.
func createStorageResources(ctx *pulumi.Context, environment, accountId string, keys *KeyManagementResources) (*StorageResources, error) {
	cfg := config.New(ctx, "hallucifix")
	prod := environment == "prod"

	reportRetentionDays := 90
	if prod {
		reportRetentionDays = 365
	}

	documentsName := fmt.Sprintf("hallucifix-%s-documents-%s", environment, accountId)
	reportsName := fmt.Sprintf("hallucifix-%s-reports-%s", environment, accountId)
	assetsName := fmt.Sprintf("hallucifix-%s-assets-%s", environment, accountId)

	// Create the documents bucket for user uploads awaiting analysis
	documentsBucket, err := s3.NewBucket(ctx, "hallucifix-documents", &s3.BucketArgs{
		Bucket: pulumi.String(documentsName),
		Acl:    pulumi.String("private"),
		ServerSideEncryptionConfiguration: &s3.BucketServerSideEncryptionConfigurationArgs{
			Rule: &s3.BucketServerSideEncryptionConfigurationRuleArgs{
				ApplyServerSideEncryptionByDefault: &s3.BucketServerSideEncryptionConfigurationRuleApplyServerSideEncryptionByDefaultArgs{
					SseAlgorithm:   pulumi.String("aws:kms"),
					KmsMasterKeyId: keys.DataKey.Arn,
				},
				BucketKeyEnabled: pulumi.Bool(true),
			},
		},
		Versioning: &s3.BucketVersioningArgs{
			Enabled: pulumi.Bool(prod),
		},
		CorsRules: s3.BucketCorsRuleArray{
			&s3.BucketCorsRuleArgs{
				AllowedHeaders: pulumi.StringArray{pulumi.String("*")},
				AllowedMethods: pulumi.StringArray{
					pulumi.String("GET"),
					pulumi.String("PUT"),
					pulumi.String("POST"),
				},
				AllowedOrigins: pulumi.StringArray{pulumi.String(cfg.Get("appUrl"))},
				MaxAgeSeconds:  pulumi.Int(3600),
			},
		},
		LifecycleRules: s3.BucketLifecycleRuleArray{
			&s3.BucketLifecycleRuleArgs{
				Id:      pulumi.String("archive-analyzed"),
				Enabled: pulumi.Bool(true),
				Prefix:  pulumi.String("analyzed/"),
				Transitions: s3.BucketLifecycleRuleTransitionArray{
					&s3.BucketLifecycleRuleTransitionArgs{
						Days:         pulumi.Int(30),
						StorageClass: pulumi.String("STANDARD_IA"),
					},
				},
			},
			&s3.BucketLifecycleRuleArgs{
				Id:      pulumi.String("expire-tmp"),
				Enabled: pulumi.Bool(true),
				Prefix:  pulumi.String("tmp/"),
				Expiration: &s3.BucketLifecycleRuleExpirationArgs{
					Days: pulumi.Int(7),
				},
			},
		},
		Tags: baseTags(environment, "hallucifix-documents"),
	})
	if err != nil {
		return nil, err
	}

	// Create the reports bucket for analysis output and security scan reports
	reportsBucket, err := s3.NewBucket(ctx, "hallucifix-reports", &s3.BucketArgs{
		Bucket: pulumi.String(reportsName),
		Acl:    pulumi.String("private"),
		ServerSideEncryptionConfiguration: &s3.BucketServerSideEncryptionConfigurationArgs{
			Rule: &s3.BucketServerSideEncryptionConfigurationRuleArgs{
				ApplyServerSideEncryptionByDefault: &s3.BucketServerSideEncryptionConfigurationRuleApplyServerSideEncryptionByDefaultArgs{
					SseAlgorithm: pulumi.String("AES256"),
				},
			},
		},
		LifecycleRules: s3.BucketLifecycleRuleArray{
			&s3.BucketLifecycleRuleArgs{
				Id:      pulumi.String("expire-old-reports"),
				Enabled: pulumi.Bool(true),
				Expiration: &s3.BucketLifecycleRuleExpirationArgs{
					Days: pulumi.Int(reportRetentionDays),
				},
			},
		},
		Tags: baseTags(environment, "hallucifix-reports"),
	})
	if err != nil {
		return nil, err
	}

	// Create the assets bucket holding the dashboard build
	assetsBucket, err := s3.NewBucket(ctx, "hallucifix-assets", &s3.BucketArgs{
		Bucket: pulumi.String(assetsName),
		Acl:    pulumi.String("private"),
		ServerSideEncryptionConfiguration: &s3.BucketServerSideEncryptionConfigurationArgs{
			Rule: &s3.BucketServerSideEncryptionConfigurationRuleArgs{
				ApplyServerSideEncryptionByDefault: &s3.BucketServerSideEncryptionConfigurationRuleApplyServerSideEncryptionByDefaultArgs{
					SseAlgorithm: pulumi.String("AES256"),
				},
			},
		},
		Tags: baseTags(environment, "hallucifix-assets"),
	})
	if err != nil {
		return nil, err
	}

	// Block public access on every bucket
	for _, bucket := range []struct {
		name   string
		bucket *s3.Bucket
	}{
		{"documents-public-access-block", documentsBucket},
		{"reports-public-access-block", reportsBucket},
		{"assets-public-access-block", assetsBucket},
	} {
		_, err = s3.NewBucketPublicAccessBlock(ctx, bucket.name, &s3.BucketPublicAccessBlockArgs{
			Bucket:                bucket.bucket.ID(),
			BlockPublicAcls:       pulumi.Bool(true),
			BlockPublicPolicy:     pulumi.Bool(true),
			IgnorePublicAcls:      pulumi.Bool(true),
			RestrictPublicBuckets: pulumi.Bool(true),
		})
		if err != nil {
			return nil, err
		}
	}

	// Require TLS on the buckets holding customer content
	_, err = s3.NewBucketPolicy(ctx, "documents-tls-policy", &s3.BucketPolicyArgs{
		Bucket: documentsBucket.ID(),
		Policy: secureTransportPolicy(documentsBucket),
	})
	if err != nil {
		return nil, err
	}

	_, err = s3.NewBucketPolicy(ctx, "reports-tls-policy", &s3.BucketPolicyArgs{
		Bucket: reportsBucket.ID(),
		Policy: secureTransportPolicy(reportsBucket),
	})
	if err != nil {
		return nil, err
	}

	// Export bucket identifiers
	ctx.Export("documentsBucketName", documentsBucket.Bucket)
	ctx.Export("documentsBucketArn", documentsBucket.Arn)
	ctx.Export("reportsBucketName", reportsBucket.Bucket)
	ctx.Export("reportsBucketArn", reportsBucket.Arn)
	ctx.Export("assetsBucketName", assetsBucket.Bucket)
	ctx.Export("assetsBucketArn", assetsBucket.Arn)

	return &StorageResources{
		DocumentsBucket: documentsBucket,
		ReportsBucket:   reportsBucket,
		AssetsBucket:    assetsBucket,
	}, nil
}

// secureTransportPolicy denies any access to the bucket over plain HTTP.
func secureTransportPolicy(bucket *s3.Bucket) pulumi.StringOutput {
	return pulumi.Sprintf(`{
		"Version": "2012-10-17",
		"Statement": [{
			"Sid": "DenyInsecureTransport",
			"Effect": "Deny",
			"Principal": "*",
			"Action": "s3:*",
			"Resource": ["%s", "%s/*"],
			"Condition": {
				"Bool": {
					"aws:SecureTransport": "false"
				}
			}
		}]
	}`, bucket.Arn, bucket.Arn)
}

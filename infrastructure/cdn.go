package main

import (
	"fmt"

	"github.com/pulumi/pulumi-aws/sdk/v5/go/aws"
	"github.com/pulumi/pulumi-aws/sdk/v5/go/aws/acm"
	"github.com/pulumi/pulumi-aws/sdk/v5/go/aws/cloudfront"
	"github.com/pulumi/pulumi-aws/sdk/v5/go/aws/route53"
	"github.com/pulumi/pulumi-aws/sdk/v5/go/aws/s3"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi/config"
)

// CloudFront managed policy ids.
const (
	cachingOptimizedPolicyId    = "658327ea-f89d-4fab-a63d-7e88639e58f6"
	cachingDisabledPolicyId     = "4135ea2d-6df8-44a3-9df3-4b5a84be39ad"
	allViewerExceptHostPolicyId = "b689b0a8-53d0-40ab-baf2-68738e2966ac"
)

// CdnResources holds the optional delivery layer. Distribution is nil when
// the distribution could not be created; deployment proceeds without it.
type CdnResources struct {
	Certificate  *acm.Certificate
	Distribution *cloudfront.Distribution
}

// createCdnResources creates the certificate and the CloudFront distribution
// serving the dashboard and proxying /api/* to API Gateway. The distribution
// is optional: a construction failure is logged as a warning and skipped so
// the rest of the deployment still completes.
func createCdnResources(ctx *pulumi.Context, environment, region string, storage *StorageResources, compute *ComputeResources) (*CdnResources, error) {
	cfg := config.New(ctx, "hallucifix")
	domainName := cfg.Get("domainName")
	hostedZoneId := cfg.Get("hostedZoneId")

	resources := &CdnResources{}

	// CloudFront only accepts certificates from us-east-1
	usEast1, err := aws.NewProvider(ctx, "us-east-1", &aws.ProviderArgs{
		Region: pulumi.String("us-east-1"),
	})
	if err != nil {
		return nil, err
	}

	var certificateArn pulumi.StringInput
	if domainName != "" {
		certificate, err := acm.NewCertificate(ctx, "hallucifix-cert", &acm.CertificateArgs{
			DomainName:       pulumi.String(domainName),
			ValidationMethod: pulumi.String("DNS"),
			Tags:             baseTags(environment, "hallucifix-cert"),
		}, pulumi.Provider(usEast1))
		if err != nil {
			return nil, err
		}
		resources.Certificate = certificate
		certificateArn = certificate.Arn

		// With a hosted zone we can finish DNS validation in-stack
		if hostedZoneId != "" {
			validationRecord, err := route53.NewRecord(ctx, "hallucifix-cert-validation", &route53.RecordArgs{
				ZoneId:  pulumi.String(hostedZoneId),
				Name:    certificate.DomainValidationOptions.Index(pulumi.Int(0)).ResourceRecordName().Elem(),
				Type:    certificate.DomainValidationOptions.Index(pulumi.Int(0)).ResourceRecordType().Elem(),
				Records: pulumi.StringArray{certificate.DomainValidationOptions.Index(pulumi.Int(0)).ResourceRecordValue().Elem()},
				Ttl:     pulumi.Int(300),
			})
			if err != nil {
				return nil, err
			}

			validation, err := acm.NewCertificateValidation(ctx, "hallucifix-cert-validated", &acm.CertificateValidationArgs{
				CertificateArn:        certificate.Arn,
				ValidationRecordFqdns: pulumi.StringArray{validationRecord.Fqdn},
			}, pulumi.Provider(usEast1))
			if err != nil {
				return nil, err
			}
			certificateArn = validation.CertificateArn
		}
	}

	distribution, err := newAssetsDistribution(ctx, environment, region, domainName, hostedZoneId, certificateArn, storage, compute)
	if err != nil {
		ctx.Log.Warn(fmt.Sprintf("CDN distribution not created, continuing without it: %v", err), nil)
	} else {
		resources.Distribution = distribution
	}

	// Export delivery identifiers
	if resources.Distribution != nil {
		ctx.Export("cdnDistributionId", resources.Distribution.ID())
		ctx.Export("cdnDomainName", resources.Distribution.DomainName)
	} else {
		ctx.Export("cdnDistributionId", pulumi.String(""))
		ctx.Export("cdnDomainName", pulumi.String(""))
	}
	if resources.Certificate != nil {
		ctx.Export("certificateArn", resources.Certificate.Arn)
	} else {
		ctx.Export("certificateArn", pulumi.String(""))
	}

	return resources, nil
}

// newAssetsDistribution builds the distribution, the bucket policy granting it
// read access and, when a hosted zone is configured, the DNS alias record.
func newAssetsDistribution(ctx *pulumi.Context, environment, region, domainName, hostedZoneId string, certificateArn pulumi.StringInput, storage *StorageResources, compute *ComputeResources) (*cloudfront.Distribution, error) {
	prod := environment == "prod"

	priceClass := "PriceClass_100"
	if prod {
		priceClass = "PriceClass_All"
	}

	// Create Origin Access Control so only CloudFront reads the assets bucket
	oac, err := cloudfront.NewOriginAccessControl(ctx, "hallucifix-assets-oac", &cloudfront.OriginAccessControlArgs{
		Name:                          pulumi.String(fmt.Sprintf("hallucifix-%s-assets", environment)),
		Description:                   pulumi.String("HalluciFix dashboard assets"),
		OriginAccessControlOriginType: pulumi.String("s3"),
		SigningBehavior:               pulumi.String("always"),
		SigningProtocol:               pulumi.String("sigv4"),
	})
	if err != nil {
		return nil, err
	}

	viewerCertificate := &cloudfront.DistributionViewerCertificateArgs{
		CloudfrontDefaultCertificate: pulumi.Bool(true),
	}
	var aliases pulumi.StringArray
	if domainName != "" && certificateArn != nil {
		viewerCertificate = &cloudfront.DistributionViewerCertificateArgs{
			AcmCertificateArn:      certificateArn,
			SslSupportMethod:       pulumi.String("sni-only"),
			MinimumProtocolVersion: pulumi.String("TLSv1.2_2021"),
		}
		aliases = pulumi.StringArray{pulumi.String(domainName)}
	}

	distributionArgs := &cloudfront.DistributionArgs{
		Enabled:           pulumi.Bool(true),
		Comment:           pulumi.String(fmt.Sprintf("HalluciFix %s dashboard", environment)),
		DefaultRootObject: pulumi.String("index.html"),
		PriceClass:        pulumi.String(priceClass),
		IsIpv6Enabled:     pulumi.Bool(true),
		Aliases:           aliases,
		Origins: cloudfront.DistributionOriginArray{
			&cloudfront.DistributionOriginArgs{
				OriginId:              pulumi.String("assets"),
				DomainName:            storage.AssetsBucket.BucketRegionalDomainName,
				OriginAccessControlId: oac.ID(),
			},
			&cloudfront.DistributionOriginArgs{
				OriginId:   pulumi.String("api"),
				DomainName: pulumi.Sprintf("%s.execute-api.%s.amazonaws.com", compute.RestApi.ID(), region),
				OriginPath: pulumi.String("/v1"),
				CustomOriginConfig: &cloudfront.DistributionOriginCustomOriginConfigArgs{
					HttpPort:             pulumi.Int(80),
					HttpsPort:            pulumi.Int(443),
					OriginProtocolPolicy: pulumi.String("https-only"),
					OriginSslProtocols:   pulumi.StringArray{pulumi.String("TLSv1.2")},
				},
			},
		},
		DefaultCacheBehavior: &cloudfront.DistributionDefaultCacheBehaviorArgs{
			TargetOriginId:       pulumi.String("assets"),
			ViewerProtocolPolicy: pulumi.String("redirect-to-https"),
			AllowedMethods: pulumi.StringArray{
				pulumi.String("GET"),
				pulumi.String("HEAD"),
				pulumi.String("OPTIONS"),
			},
			CachedMethods: pulumi.StringArray{
				pulumi.String("GET"),
				pulumi.String("HEAD"),
			},
			Compress:      pulumi.Bool(true),
			CachePolicyId: pulumi.String(cachingOptimizedPolicyId),
		},
		OrderedCacheBehaviors: cloudfront.DistributionOrderedCacheBehaviorArray{
			&cloudfront.DistributionOrderedCacheBehaviorArgs{
				PathPattern:          pulumi.String("/api/*"),
				TargetOriginId:       pulumi.String("api"),
				ViewerProtocolPolicy: pulumi.String("https-only"),
				AllowedMethods: pulumi.StringArray{
					pulumi.String("DELETE"),
					pulumi.String("GET"),
					pulumi.String("HEAD"),
					pulumi.String("OPTIONS"),
					pulumi.String("PATCH"),
					pulumi.String("POST"),
					pulumi.String("PUT"),
				},
				CachedMethods: pulumi.StringArray{
					pulumi.String("GET"),
					pulumi.String("HEAD"),
				},
				Compress:              pulumi.Bool(true),
				CachePolicyId:         pulumi.String(cachingDisabledPolicyId),
				OriginRequestPolicyId: pulumi.String(allViewerExceptHostPolicyId),
			},
		},
		// The dashboard is a single-page app; send unknown paths to index.html
		CustomErrorResponses: cloudfront.DistributionCustomErrorResponseArray{
			&cloudfront.DistributionCustomErrorResponseArgs{
				ErrorCode:          pulumi.Int(403),
				ResponseCode:       pulumi.Int(200),
				ResponsePagePath:   pulumi.String("/index.html"),
				ErrorCachingMinTtl: pulumi.Int(60),
			},
			&cloudfront.DistributionCustomErrorResponseArgs{
				ErrorCode:          pulumi.Int(404),
				ResponseCode:       pulumi.Int(200),
				ResponsePagePath:   pulumi.String("/index.html"),
				ErrorCachingMinTtl: pulumi.Int(60),
			},
		},
		Restrictions: &cloudfront.DistributionRestrictionsArgs{
			GeoRestriction: &cloudfront.DistributionRestrictionsGeoRestrictionArgs{
				RestrictionType: pulumi.String("none"),
			},
		},
		ViewerCertificate: viewerCertificate,
		Tags:              baseTags(environment, "hallucifix-cdn"),
	}
	if prod {
		distributionArgs.LoggingConfig = &cloudfront.DistributionLoggingConfigArgs{
			Bucket:         storage.ReportsBucket.BucketDomainName,
			Prefix:         pulumi.String("cdn-logs/"),
			IncludeCookies: pulumi.Bool(false),
		}
	}

	distribution, err := cloudfront.NewDistribution(ctx, "hallucifix-cdn", distributionArgs)
	if err != nil {
		return nil, err
	}

	// Grant the distribution read access to the assets bucket
	_, err = s3.NewBucketPolicy(ctx, "assets-cdn-policy", &s3.BucketPolicyArgs{
		Bucket: storage.AssetsBucket.ID(),
		Policy: pulumi.Sprintf(`{
			"Version": "2012-10-17",
			"Statement": [{
				"Sid": "AllowCloudFrontRead",
				"Effect": "Allow",
				"Principal": {
					"Service": "cloudfront.amazonaws.com"
				},
				"Action": "s3:GetObject",
				"Resource": "%s/*",
				"Condition": {
					"StringEquals": {
						"AWS:SourceArn": %q
					}
				}
			}]
		}`, storage.AssetsBucket.Arn, distribution.Arn),
	})
	if err != nil {
		return nil, err
	}

	// Point the apex at the distribution when we control the zone
	if domainName != "" && hostedZoneId != "" {
		_, err = route53.NewRecord(ctx, "hallucifix-cdn-alias", &route53.RecordArgs{
			ZoneId: pulumi.String(hostedZoneId),
			Name:   pulumi.String(domainName),
			Type:   pulumi.String("A"),
			Aliases: route53.RecordAliasArray{
				&route53.RecordAliasArgs{
					Name:                 distribution.DomainName,
					ZoneId:               distribution.HostedZoneId,
					EvaluateTargetHealth: pulumi.Bool(false),
				},
			},
		})
		if err != nil {
			return nil, err
		}
	}

	return distribution, nil
}

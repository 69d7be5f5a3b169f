package main

import (
	"github.com/pulumi/pulumi-aws/sdk/v5/go/aws"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi/config"
)

// main wires the HalluciFix stacks together. Keys come first so the data
// stores can encrypt with them; the delivery, monitoring and audit stacks
// consume handles from the stacks created before them. The environment flag
// selects sizing, retention and topology.
func main() {
	pulumi.Run(func(ctx *pulumi.Context) error {
		cfg := config.New(ctx, "hallucifix")
		environment := cfg.Get("environment")
		if environment == "" {
			environment = "staging"
		}
		region := config.New(ctx, "aws").Require("region")

		caller, err := aws.GetCallerIdentity(ctx, nil)
		if err != nil {
			return err
		}

		// 1. Customer-managed keys
		keys, err := createKeyManagementResources(ctx, environment, caller.AccountId)
		if err != nil {
			return err
		}

		// 2. Network and data layer
		db, err := createDatabaseResources(ctx, environment, region, keys)
		if err != nil {
			return err
		}

		// 3. Identity
		auth, err := createAuthResources(ctx, environment)
		if err != nil {
			return err
		}

		// 4. Buckets
		storage, err := createStorageResources(ctx, environment, caller.AccountId, keys)
		if err != nil {
			return err
		}

		// 5. Analysis API and batch pipeline
		compute, err := createComputeResources(ctx, environment, db, auth, storage, keys)
		if err != nil {
			return err
		}

		// 6. Delivery (optional distribution)
		_, err = createCdnResources(ctx, environment, region, storage, compute)
		if err != nil {
			return err
		}

		// 7. Cache health alarms
		_, err = createCacheMonitoringResources(ctx, environment, db)
		if err != nil {
			return err
		}

		// 8. Service dashboard, alarms and cost budget
		_, err = createMonitoringResources(ctx, environment, region, db, compute)
		if err != nil {
			return err
		}

		// 9. Scheduled security audits
		security, err := createSecurityAuditResources(ctx, environment, storage, compute)
		if err != nil {
			return err
		}

		// 10. KMS rotation compliance check, reusing the audit plumbing
		_, err = createKeyRotationChecker(ctx, environment, security)
		if err != nil {
			return err
		}

		ctx.Export("environment", pulumi.String(environment))
		ctx.Export("accountId", pulumi.String(caller.AccountId))

		return nil
	})
}

// baseTags returns the tags every HalluciFix resource carries.
func baseTags(environment, name string) pulumi.StringMap {
	return pulumi.StringMap{
		"Name":        pulumi.String(name),
		"Project":     pulumi.String("hallucifix"),
		"Environment": pulumi.String(environment),
	}
}

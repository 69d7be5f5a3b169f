package main

import (
	"sync"
	"testing"

	"github.com/pulumi/pulumi/sdk/v3/go/common/resource"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder keeps every resource registration so tests can assert on the
// declared property values.
type recorder struct {
	mu        sync.Mutex
	resources []pulumi.MockResourceArgs
}

func (r *recorder) find(name string) (pulumi.MockResourceArgs, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, res := range r.resources {
		if res.Name == name {
			return res, true
		}
	}
	return pulumi.MockResourceArgs{}, false
}

func (r *recorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var names []string
	for _, res := range r.resources {
		names = append(names, res.Name)
	}
	return names
}

// stackMocks records registrations and synthesizes the computed outputs the
// stacks read back (endpoints, ARNs, invoke URLs).
type stackMocks struct {
	rec *recorder
}

func (m stackMocks) NewResource(args pulumi.MockResourceArgs) (string, resource.PropertyMap, error) {
	m.rec.mu.Lock()
	m.rec.resources = append(m.rec.resources, args)
	m.rec.mu.Unlock()

	state := resource.PropertyMap{}
	for key, value := range args.Inputs {
		state[key] = value
	}
	if _, ok := state["arn"]; !ok {
		state["arn"] = resource.NewStringProperty("arn:aws:mock:us-east-1:123456789012:" + args.Name)
	}

	switch args.TypeToken {
	case "aws:rds/instance:Instance":
		state["endpoint"] = resource.NewStringProperty(args.Name + ".mock.us-east-1.rds.amazonaws.com:5432")
		state["address"] = resource.NewStringProperty(args.Name + ".mock.us-east-1.rds.amazonaws.com")
	case "aws:elasticache/cluster:Cluster":
		state["cacheNodes"] = resource.NewArrayProperty([]resource.PropertyValue{
			resource.NewObjectProperty(resource.PropertyMap{
				"address": resource.NewStringProperty(args.Name + ".mock.cache.amazonaws.com"),
				"port":    resource.NewNumberProperty(6379),
			}),
		})
	case "aws:apigateway/restApi:RestApi":
		state["rootResourceId"] = resource.NewStringProperty(args.Name + "-root")
		state["executionArn"] = resource.NewStringProperty("arn:aws:execute-api:us-east-1:123456789012:" + args.Name)
	case "aws:apigateway/stage:Stage":
		state["invokeUrl"] = resource.NewStringProperty("https://" + args.Name + ".execute-api.us-east-1.amazonaws.com/v1")
	case "aws:lambda/function:Function":
		state["invokeArn"] = resource.NewStringProperty("arn:aws:apigateway:us-east-1:lambda:path/2015-03-31/functions/" + args.Name + "/invocations")
	case "aws:s3/bucket:Bucket":
		bucket := args.Name
		if v, ok := args.Inputs["bucket"]; ok && v.IsString() {
			bucket = v.StringValue()
		}
		state["arn"] = resource.NewStringProperty("arn:aws:s3:::" + bucket)
		state["bucketDomainName"] = resource.NewStringProperty(bucket + ".s3.amazonaws.com")
		state["bucketRegionalDomainName"] = resource.NewStringProperty(bucket + ".s3.us-east-1.amazonaws.com")
	case "aws:cloudfront/distribution:Distribution":
		state["domainName"] = resource.NewStringProperty(args.Name + ".cloudfront.net")
	}

	return args.Name + "_id", state, nil
}

func (m stackMocks) Call(args pulumi.MockCallArgs) (resource.PropertyMap, error) {
	return resource.PropertyMap{}, nil
}

func testConfig(environment string) map[string]string {
	return map[string]string{
		"hallucifix:environment": environment,
		"hallucifix:dbUsername":  "hallucifix",
		"hallucifix:dbPassword":  "correct-horse-battery-staple",
		"hallucifix:appUrl":      "https://app.hallucifix.io",
		"aws:region":             "us-east-1",
	}
}

// runStacks builds the full topology under the mock monitor and hands the
// resource holders plus the registration record to the assertion callback.
func runStacks(t *testing.T, environment string, check func(rec *recorder, db *DatabaseResources, compute *ComputeResources, security *SecurityAuditResources)) {
	t.Helper()
	rec := &recorder{}

	var (
		dbOut       *DatabaseResources
		computeOut  *ComputeResources
		securityOut *SecurityAuditResources
	)

	// Registrations complete asynchronously; RunErr waits for them, so the
	// recorded inputs are only inspected after it returns.
	err := pulumi.RunErr(func(ctx *pulumi.Context) error {
		keys, err := createKeyManagementResources(ctx, environment, "123456789012")
		if err != nil {
			return err
		}
		db, err := createDatabaseResources(ctx, environment, "us-east-1", keys)
		if err != nil {
			return err
		}
		auth, err := createAuthResources(ctx, environment)
		if err != nil {
			return err
		}
		storage, err := createStorageResources(ctx, environment, "123456789012", keys)
		if err != nil {
			return err
		}
		compute, err := createComputeResources(ctx, environment, db, auth, storage, keys)
		if err != nil {
			return err
		}
		if _, err := createCdnResources(ctx, environment, "us-east-1", storage, compute); err != nil {
			return err
		}
		if _, err := createCacheMonitoringResources(ctx, environment, db); err != nil {
			return err
		}
		if _, err := createMonitoringResources(ctx, environment, "us-east-1", db, compute); err != nil {
			return err
		}
		security, err := createSecurityAuditResources(ctx, environment, storage, compute)
		if err != nil {
			return err
		}
		if _, err := createKeyRotationChecker(ctx, environment, security); err != nil {
			return err
		}

		dbOut, computeOut, securityOut = db, compute, security
		return nil
	},
		pulumi.WithMocks("hallucifix-infra", "hallucifix-"+environment, stackMocks{rec: rec}),
		func(ri *pulumi.RunInfo) { ri.Config = testConfig(environment) },
	)
	require.NoError(t, err)

	check(rec, dbOut, computeOut, securityOut)
}

func inputs(t *testing.T, rec *recorder, name string) resource.PropertyMap {
	t.Helper()
	res, ok := rec.find(name)
	require.True(t, ok, "resource %s was not registered", name)
	return res.Inputs
}

func stringInput(t *testing.T, rec *recorder, name, key string) string {
	t.Helper()
	value, ok := inputs(t, rec, name)[resource.PropertyKey(key)]
	require.True(t, ok, "resource %s has no input %s", name, key)
	return value.StringValue()
}

func numberInput(t *testing.T, rec *recorder, name, key string) float64 {
	t.Helper()
	value, ok := inputs(t, rec, name)[resource.PropertyKey(key)]
	require.True(t, ok, "resource %s has no input %s", name, key)
	return value.NumberValue()
}

func boolInput(t *testing.T, rec *recorder, name, key string) bool {
	t.Helper()
	value, ok := inputs(t, rec, name)[resource.PropertyKey(key)]
	require.True(t, ok, "resource %s has no input %s", name, key)
	return value.BoolValue()
}

func TestProdTopology(t *testing.T) {
	runStacks(t, "prod", func(rec *recorder, db *DatabaseResources, compute *ComputeResources, security *SecurityAuditResources) {
		assert := assert.New(t)

		// prod doubles storage and retention and hardens the instance
		assert.Equal("db.r6g.large", stringInput(t, rec, "hallucifix-db", "instanceClass"))
		assert.Equal(200.0, numberInput(t, rec, "hallucifix-db", "allocatedStorage"))
		assert.Equal(14.0, numberInput(t, rec, "hallucifix-db", "backupRetentionPeriod"))
		assert.True(boolInput(t, rec, "hallucifix-db", "multiAz"))
		assert.True(boolInput(t, rec, "hallucifix-db", "deletionProtection"))
		assert.False(boolInput(t, rec, "hallucifix-db", "skipFinalSnapshot"))

		// the analysis read path gets a replica in prod; it inherits
		// encryption from the source, so no key is declared on it
		require.NotNil(t, db.ReadReplica)
		assert.Equal("db.r6g.large", stringInput(t, rec, "hallucifix-db-replica", "instanceClass"))
		replicaInputs := inputs(t, rec, "hallucifix-db-replica")
		_, declaresKey := replicaInputs[resource.PropertyKey("kmsKeyId")]
		assert.False(declaresKey, "replica must not declare its own key")
		_, declaresEncryption := replicaInputs[resource.PropertyKey("storageEncrypted")]
		assert.False(declaresEncryption, "replica must not declare encryption")

		assert.Equal("cache.r6g.large", stringInput(t, rec, "hallucifix-cache", "nodeType"))
		assert.Equal(7.0, numberInput(t, rec, "hallucifix-cache", "snapshotRetentionLimit"))

		assert.Equal(1024.0, numberInput(t, rec, "hallucifix-api", "memorySize"))
		assert.Equal(2048.0, numberInput(t, rec, "hallucifix-worker", "memorySize"))
		assert.Equal(90.0, numberInput(t, rec, "hallucifix-api-logs", "retentionInDays"))
		assert.True(boolInput(t, rec, "hallucifix-api-stage", "xrayTracingEnabled"))
		assert.Equal("PriceClass_All", stringInput(t, rec, "hallucifix-cdn", "priceClass"))

		// the pentest simulation probes the live API and exists only in prod
		require.NotNil(t, security.PentestFunction)
		_, registered := rec.find("hallucifix-pentest-sim")
		assert.True(registered)
	})
}

func TestStagingTopology(t *testing.T) {
	runStacks(t, "staging", func(rec *recorder, db *DatabaseResources, compute *ComputeResources, security *SecurityAuditResources) {
		assert := assert.New(t)

		assert.Equal("db.t3.medium", stringInput(t, rec, "hallucifix-db", "instanceClass"))
		assert.Equal(100.0, numberInput(t, rec, "hallucifix-db", "allocatedStorage"))
		assert.Equal(7.0, numberInput(t, rec, "hallucifix-db", "backupRetentionPeriod"))
		assert.False(boolInput(t, rec, "hallucifix-db", "multiAz"))
		assert.False(boolInput(t, rec, "hallucifix-db", "deletionProtection"))
		assert.True(boolInput(t, rec, "hallucifix-db", "skipFinalSnapshot"))

		assert.Nil(db.ReadReplica)
		_, registered := rec.find("hallucifix-db-replica")
		assert.False(registered, "no replica outside prod")

		assert.Equal("cache.t3.micro", stringInput(t, rec, "hallucifix-cache", "nodeType"))
		assert.Equal(1.0, numberInput(t, rec, "hallucifix-cache", "snapshotRetentionLimit"))

		assert.Equal(512.0, numberInput(t, rec, "hallucifix-api", "memorySize"))
		assert.Equal(1024.0, numberInput(t, rec, "hallucifix-worker", "memorySize"))
		assert.Equal(14.0, numberInput(t, rec, "hallucifix-api-logs", "retentionInDays"))
		assert.Equal("PriceClass_100", stringInput(t, rec, "hallucifix-cdn", "priceClass"))

		assert.Nil(security.PentestFunction)
		_, registered = rec.find("hallucifix-pentest-sim")
		assert.False(registered, "no pentest simulation outside prod")
	})
}

func TestCrossStackWiring(t *testing.T) {
	runStacks(t, "staging", func(rec *recorder, db *DatabaseResources, compute *ComputeResources, security *SecurityAuditResources) {
		assert := assert.New(t)

		apiEnv := inputs(t, rec, "hallucifix-api")[resource.PropertyKey("environment")].
			ObjectValue()[resource.PropertyKey("variables")].ObjectValue()

		// the API function sees the endpoints the data layer declared
		assert.Equal("hallucifix-db.mock.us-east-1.rds.amazonaws.com:5432",
			apiEnv[resource.PropertyKey("DB_ENDPOINT")].StringValue())
		assert.Equal("hallucifix-cache.mock.cache.amazonaws.com:6379",
			apiEnv[resource.PropertyKey("REDIS_ENDPOINT")].StringValue())
		assert.Equal("hallucifix-staging-documents-123456789012",
			apiEnv[resource.PropertyKey("DOCUMENTS_BUCKET")].StringValue())

		// the scanner records into the table this run declared
		scannerEnv := inputs(t, rec, "hallucifix-security-scanner")[resource.PropertyKey("environment")].
			ObjectValue()[resource.PropertyKey("variables")].ObjectValue()
		assert.Equal("hallucifix-staging-security-findings",
			scannerEnv[resource.PropertyKey("FINDINGS_TABLE")].StringValue())
		assert.Equal("hallucifix-staging-reports-123456789012",
			scannerEnv[resource.PropertyKey("REPORTS_BUCKET")].StringValue())

		// the rotation checker carries its alert threshold
		checkerEnv := inputs(t, rec, "hallucifix-key-rotation")[resource.PropertyKey("environment")].
			ObjectValue()[resource.PropertyKey("variables")].ObjectValue()
		assert.Equal("HIGH", checkerEnv[resource.PropertyKey("SEVERITY_THRESHOLD")].StringValue())

		// the key policy grants usage to the encrypting services
		keyPolicy := stringInput(t, rec, "hallucifix-data-key", "policy")
		assert.Contains(keyPolicy, "lambda.amazonaws.com")
		assert.Contains(keyPolicy, "rds.amazonaws.com")
		assert.Contains(keyPolicy, "s3.amazonaws.com")
		assert.Contains(keyPolicy, "kms:CallerAccount")

		// the CDN serves the assets bucket the storage stack declared
		origins := inputs(t, rec, "hallucifix-cdn")[resource.PropertyKey("origins")].ArrayValue()
		var assetsOrigin string
		for _, origin := range origins {
			obj := origin.ObjectValue()
			if obj[resource.PropertyKey("originId")].StringValue() == "assets" {
				assetsOrigin = obj[resource.PropertyKey("domainName")].StringValue()
			}
		}
		assert.Equal("hallucifix-staging-assets-123456789012.s3.us-east-1.amazonaws.com", assetsOrigin)
	})
}

func TestCacheAlarmThresholds(t *testing.T) {
	tests := []struct {
		environment string
		connections float64
	}{
		{"prod", 500},
		{"staging", 200},
	}
	for _, tt := range tests {
		t.Run(tt.environment, func(t *testing.T) {
			runStacks(t, tt.environment, func(rec *recorder, db *DatabaseResources, compute *ComputeResources, security *SecurityAuditResources) {
				assert := assert.New(t)

				assert.Equal(75.0, numberInput(t, rec, "hallucifix-cache-cpu-alarm", "threshold"))
				assert.Equal(90.0, numberInput(t, rec, "hallucifix-cache-engine-cpu-alarm", "threshold"))
				assert.Equal(80.0, numberInput(t, rec, "hallucifix-cache-memory-alarm", "threshold"))
				assert.Equal(1000.0, numberInput(t, rec, "hallucifix-cache-evictions-alarm", "threshold"))
				assert.Equal(tt.connections, numberInput(t, rec, "hallucifix-cache-connections-alarm", "threshold"))
				assert.Equal(52428800.0, numberInput(t, rec, "hallucifix-cache-swap-alarm", "threshold"))

				assert.Equal("notBreaching", stringInput(t, rec, "hallucifix-cache-cpu-alarm", "treatMissingData"))
			})
		})
	}
}

func TestBudgetAmount(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		prod bool
		want int
	}{
		{"unset staging defaults", "", false, 100},
		{"unset prod defaults", "", true, 500},
		{"explicit value wins in staging", "250", false, 250},
		{"explicit value wins in prod", "100", true, 100},
		{"garbage falls back to the default", "lots", true, 500},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, budgetAmount(tt.raw, tt.prod))
		})
	}
}

func TestResourceNaming(t *testing.T) {
	runStacks(t, "staging", func(rec *recorder, db *DatabaseResources, compute *ComputeResources, security *SecurityAuditResources) {
		// a spot check that every stack ran under the mock monitor
		names := rec.names()
		for _, expected := range []string{
			"hallucifix-data-key",
			"hallucifix-db",
			"hallucifix-users",
			"hallucifix-documents",
			"hallucifix-api",
			"hallucifix-cache-alerts",
			"hallucifix-security-findings",
			"hallucifix-key-rotation",
		} {
			assert.Contains(t, names, expected, "missing %s in %v", expected, names)
		}
	})
}

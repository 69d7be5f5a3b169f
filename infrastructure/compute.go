package main

import (
	"fmt"

	"github.com/pulumi/pulumi-aws/sdk/v5/go/aws/apigateway"
	"github.com/pulumi/pulumi-aws/sdk/v5/go/aws/cloudwatch"
	"github.com/pulumi/pulumi-aws/sdk/v5/go/aws/iam"
	"github.com/pulumi/pulumi-aws/sdk/v5/go/aws/lambda"
	"github.com/pulumi/pulumi-aws/sdk/v5/go/aws/sns"
	"github.com/pulumi/pulumi-aws/sdk/v5/go/aws/sqs"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi/config"
)

// ComputeResources holds the analysis API and its asynchronous batch pipeline.
type ComputeResources struct {
	ApiFunction    *lambda.Function
	WorkerFunction *lambda.Function
	RestApi        *apigateway.RestApi
	Stage          *apigateway.Stage
	JobsQueue      *sqs.Queue
	JobsDlq        *sqs.Queue
	CompletedTopic *sns.Topic
	ApiLogGroup    *cloudwatch.LogGroup
	WorkerLogGroup *cloudwatch.LogGroup
	ApiUrl         pulumi.StringOutput
}

// createComputeResources deploys the application artifacts behind API Gateway
// and wires the batch analysis queue. The artifacts are zips produced by the
// application build; their paths come from stack configuration.
func createComputeResources(ctx *pulumi.Context, environment string, db *DatabaseResources, auth *AuthResources, storage *StorageResources, keys *KeyManagementResources) (*ComputeResources, error) {
	cfg := config.New(ctx, "hallucifix")
	prod := environment == "prod"

	apiArchivePath := cfg.Get("apiArchivePath")
	if apiArchivePath == "" {
		apiArchivePath = "../build/api.zip"
	}
	workerArchivePath := cfg.Get("workerArchivePath")
	if workerArchivePath == "" {
		workerArchivePath = "../build/worker.zip"
	}

	apiMemory := 512
	workerMemory := 1024
	logRetentionDays := 14
	throttlingRate := 100.0
	if prod {
		apiMemory = 1024
		workerMemory = 2048
		logRetentionDays = 90
		throttlingRate = 500.0
	}

	// Create the dead-letter queue for failed batch jobs
	jobsDlq, err := sqs.NewQueue(ctx, "hallucifix-jobs-dlq", &sqs.QueueArgs{
		Name:                    pulumi.String(fmt.Sprintf("hallucifix-%s-analysis-jobs-dlq", environment)),
		MessageRetentionSeconds: pulumi.Int(1209600), // 14 days to leave room for triage
		SqsManagedSseEnabled:    pulumi.Bool(true),
		Tags:                    baseTags(environment, "hallucifix-jobs-dlq"),
	})
	if err != nil {
		return nil, err
	}

	// Create the batch analysis queue
	jobsQueue, err := sqs.NewQueue(ctx, "hallucifix-jobs", &sqs.QueueArgs{
		Name:                     pulumi.String(fmt.Sprintf("hallucifix-%s-analysis-jobs", environment)),
		VisibilityTimeoutSeconds: pulumi.Int(360), // above the worker timeout
		SqsManagedSseEnabled:     pulumi.Bool(true),
		RedrivePolicy: pulumi.Sprintf(`{"deadLetterTargetArn":%q,"maxReceiveCount":3}`, jobsDlq.Arn),
		Tags:          baseTags(environment, "hallucifix-jobs"),
	})
	if err != nil {
		return nil, err
	}

	// Create the topic notifying subscribers that an analysis finished
	completedTopic, err := sns.NewTopic(ctx, "hallucifix-analysis-completed", &sns.TopicArgs{
		Name: pulumi.String(fmt.Sprintf("hallucifix-%s-analysis-completed", environment)),
		Tags: baseTags(environment, "hallucifix-analysis-completed"),
	})
	if err != nil {
		return nil, err
	}

	// Create IAM role for the application functions
	appRole, err := iam.NewRole(ctx, "hallucifix-app-role", &iam.RoleArgs{
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
		Tags: baseTags(environment, "hallucifix-app-role"),
	})
	if err != nil {
		return nil, err
	}

	// Attach the managed execution policies
	_, err = iam.NewRolePolicyAttachment(ctx, "app-basic-execution", &iam.RolePolicyAttachmentArgs{
		Role:      appRole.Name,
		PolicyArn: pulumi.String("arn:aws:iam::aws:policy/service-role/AWSLambdaBasicExecutionRole"),
	})
	if err != nil {
		return nil, err
	}

	_, err = iam.NewRolePolicyAttachment(ctx, "app-vpc-execution", &iam.RolePolicyAttachmentArgs{
		Role:      appRole.Name,
		PolicyArn: pulumi.String("arn:aws:iam::aws:policy/service-role/AWSLambdaVPCAccessExecutionRole"),
	})
	if err != nil {
		return nil, err
	}

	// Create custom policy scoped to the application resources
	appPolicy, err := iam.NewPolicy(ctx, "hallucifix-app-policy", &iam.PolicyArgs{
		Description: pulumi.String("Access to the HalluciFix buckets, queue, topic and data key"),
		Policy: pulumi.Sprintf(`{
			"Version": "2012-10-17",
			"Statement": [
				{
					"Effect": "Allow",
					"Action": [
						"s3:GetObject",
						"s3:PutObject",
						"s3:DeleteObject",
						"s3:ListBucket"
					],
					"Resource": [
						%q, "%s/*",
						%q, "%s/*"
					]
				},
				{
					"Effect": "Allow",
					"Action": [
						"sqs:SendMessage",
						"sqs:ReceiveMessage",
						"sqs:DeleteMessage",
						"sqs:GetQueueAttributes"
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
					"Action": [
						"kms:Decrypt",
						"kms:GenerateDataKey"
					],
					"Resource": %q
				},
				{
					"Effect": "Allow",
					"Action": "ssm:GetParameter",
					"Resource": "arn:aws:ssm:*:*:parameter/hallucifix/%s/*"
				}
			]
		}`,
			storage.DocumentsBucket.Arn, storage.DocumentsBucket.Arn,
			storage.ReportsBucket.Arn, storage.ReportsBucket.Arn,
			jobsQueue.Arn,
			completedTopic.Arn,
			keys.DataKey.Arn,
			environment),
	})
	if err != nil {
		return nil, err
	}

	_, err = iam.NewRolePolicyAttachment(ctx, "app-custom-policy", &iam.RolePolicyAttachmentArgs{
		Role:      appRole.Name,
		PolicyArn: appPolicy.Arn,
	})
	if err != nil {
		return nil, err
	}

	// Create log groups up front so retention is controlled
	apiLogGroup, err := cloudwatch.NewLogGroup(ctx, "hallucifix-api-logs", &cloudwatch.LogGroupArgs{
		Name:            pulumi.String(fmt.Sprintf("/aws/lambda/hallucifix-%s-api", environment)),
		RetentionInDays: pulumi.Int(logRetentionDays),
		Tags:            baseTags(environment, "hallucifix-api-logs"),
	})
	if err != nil {
		return nil, err
	}

	workerLogGroup, err := cloudwatch.NewLogGroup(ctx, "hallucifix-worker-logs", &cloudwatch.LogGroupArgs{
		Name:            pulumi.String(fmt.Sprintf("/aws/lambda/hallucifix-%s-worker", environment)),
		RetentionInDays: pulumi.Int(logRetentionDays),
		Tags:            baseTags(environment, "hallucifix-worker-logs"),
	})
	if err != nil {
		return nil, err
	}

	readEndpoint := db.Postgres.Endpoint
	if db.ReadReplica != nil {
		readEndpoint = db.ReadReplica.Endpoint
	}

	appEnvironment := pulumi.StringMap{
		"ENVIRONMENT":         pulumi.String(environment),
		"DB_ENDPOINT":         db.Postgres.Endpoint,
		"DB_READ_ENDPOINT":    readEndpoint,
		"DB_NAME":             pulumi.String("hallucifix"),
		"REDIS_ENDPOINT":      db.RedisEndpoint,
		"DOCUMENTS_BUCKET":    storage.DocumentsBucket.Bucket,
		"REPORTS_BUCKET":      storage.ReportsBucket.Bucket,
		"USER_POOL_ID":        auth.UserPool.ID(),
		"USER_POOL_CLIENT_ID": auth.Client.ID(),
		"JOBS_QUEUE_URL":      jobsQueue.Url,
		"COMPLETED_TOPIC_ARN": completedTopic.Arn,
	}

	// Create the REST API function
	apiFunction, err := lambda.NewFunction(ctx, "hallucifix-api", &lambda.FunctionArgs{
		Name:       pulumi.String(fmt.Sprintf("hallucifix-%s-api", environment)),
		Runtime:    pulumi.String("nodejs18.x"),
		Code:       pulumi.NewFileArchive(apiArchivePath),
		Handler:    pulumi.String("index.handler"),
		Role:       appRole.Arn,
		MemorySize: pulumi.Int(apiMemory),
		Timeout:    pulumi.Int(30),
		VpcConfig: &lambda.FunctionVpcConfigArgs{
			SubnetIds: pulumi.StringArray{
				db.PrivateSubnet1.ID(),
				db.PrivateSubnet2.ID(),
			},
			SecurityGroupIds: pulumi.StringArray{db.AppSecurityGroup.ID()},
		},
		Environment: &lambda.FunctionEnvironmentArgs{
			Variables: appEnvironment,
		},
		Tags: baseTags(environment, "hallucifix-api"),
	}, pulumi.DependsOn([]pulumi.Resource{apiLogGroup}))
	if err != nil {
		return nil, err
	}

	// Create the batch worker processing queued analyses
	workerFunction, err := lambda.NewFunction(ctx, "hallucifix-worker", &lambda.FunctionArgs{
		Name:       pulumi.String(fmt.Sprintf("hallucifix-%s-worker", environment)),
		Runtime:    pulumi.String("nodejs18.x"),
		Code:       pulumi.NewFileArchive(workerArchivePath),
		Handler:    pulumi.String("index.handler"),
		Role:       appRole.Arn,
		MemorySize: pulumi.Int(workerMemory),
		Timeout:    pulumi.Int(300), // large document batches
		VpcConfig: &lambda.FunctionVpcConfigArgs{
			SubnetIds: pulumi.StringArray{
				db.PrivateSubnet1.ID(),
				db.PrivateSubnet2.ID(),
			},
			SecurityGroupIds: pulumi.StringArray{db.AppSecurityGroup.ID()},
		},
		Environment: &lambda.FunctionEnvironmentArgs{
			Variables: appEnvironment,
		},
		Tags: baseTags(environment, "hallucifix-worker"),
	}, pulumi.DependsOn([]pulumi.Resource{workerLogGroup}))
	if err != nil {
		return nil, err
	}

	// Create SQS event source mapping for the worker
	_, err = lambda.NewEventSourceMapping(ctx, "hallucifix-worker-sqs-mapping", &lambda.EventSourceMappingArgs{
		EventSourceArn: jobsQueue.Arn,
		FunctionName:   workerFunction.Arn,
		BatchSize:      pulumi.Int(5),
	})
	if err != nil {
		return nil, err
	}

	// Create the REST API fronting the analysis function
	restApi, err := apigateway.NewRestApi(ctx, "hallucifix-rest-api", &apigateway.RestApiArgs{
		Name:        pulumi.String(fmt.Sprintf("hallucifix-%s-api", environment)),
		Description: pulumi.String("HalluciFix accuracy analysis REST API"),
		EndpointConfiguration: &apigateway.RestApiEndpointConfigurationArgs{
			Types: pulumi.String("REGIONAL"),
		},
		Tags: baseTags(environment, "hallucifix-rest-api"),
	})
	if err != nil {
		return nil, err
	}

	// Authorize API calls against the user pool
	authorizer, err := apigateway.NewAuthorizer(ctx, "hallucifix-api-authorizer", &apigateway.AuthorizerArgs{
		Name:           pulumi.String(fmt.Sprintf("hallucifix-%s-cognito", environment)),
		RestApi:        restApi.ID(),
		Type:           pulumi.String("COGNITO_USER_POOLS"),
		ProviderArns:   pulumi.StringArray{auth.UserPool.Arn},
		IdentitySource: pulumi.String("method.request.header.Authorization"),
	})
	if err != nil {
		return nil, err
	}

	// Root method stays open for health checks
	rootMethod, err := apigateway.NewMethod(ctx, "hallucifix-api-root-method", &apigateway.MethodArgs{
		RestApi:       restApi.ID(),
		ResourceId:    restApi.RootResourceId,
		HttpMethod:    pulumi.String("ANY"),
		Authorization: pulumi.String("NONE"),
	})
	if err != nil {
		return nil, err
	}

	rootIntegration, err := apigateway.NewIntegration(ctx, "hallucifix-api-root-integration", &apigateway.IntegrationArgs{
		RestApi:               restApi.ID(),
		ResourceId:            restApi.RootResourceId,
		HttpMethod:            rootMethod.HttpMethod,
		IntegrationHttpMethod: pulumi.String("POST"),
		Type:                  pulumi.String("AWS_PROXY"),
		Uri:                   apiFunction.InvokeArn,
	})
	if err != nil {
		return nil, err
	}

	// Everything else is proxied and requires a signed-in user
	proxyResource, err := apigateway.NewResource(ctx, "hallucifix-api-proxy", &apigateway.ResourceArgs{
		RestApi:  restApi.ID(),
		ParentId: restApi.RootResourceId,
		PathPart: pulumi.String("{proxy+}"),
	})
	if err != nil {
		return nil, err
	}

	proxyMethod, err := apigateway.NewMethod(ctx, "hallucifix-api-proxy-method", &apigateway.MethodArgs{
		RestApi:       restApi.ID(),
		ResourceId:    proxyResource.ID(),
		HttpMethod:    pulumi.String("ANY"),
		Authorization: pulumi.String("COGNITO_USER_POOLS"),
		AuthorizerId:  authorizer.ID(),
	})
	if err != nil {
		return nil, err
	}

	proxyIntegration, err := apigateway.NewIntegration(ctx, "hallucifix-api-proxy-integration", &apigateway.IntegrationArgs{
		RestApi:               restApi.ID(),
		ResourceId:            proxyResource.ID(),
		HttpMethod:            proxyMethod.HttpMethod,
		IntegrationHttpMethod: pulumi.String("POST"),
		Type:                  pulumi.String("AWS_PROXY"),
		Uri:                   apiFunction.InvokeArn,
	})
	if err != nil {
		return nil, err
	}

	// Allow API Gateway to invoke the function
	_, err = lambda.NewPermission(ctx, "hallucifix-api-permission", &lambda.PermissionArgs{
		Action:    pulumi.String("lambda:InvokeFunction"),
		Function:  apiFunction.Name,
		Principal: pulumi.String("apigateway.amazonaws.com"),
		SourceArn: pulumi.Sprintf("%s/*/*", restApi.ExecutionArn),
	})
	if err != nil {
		return nil, err
	}

	deployment, err := apigateway.NewDeployment(ctx, "hallucifix-api-deployment", &apigateway.DeploymentArgs{
		RestApi: restApi.ID(),
	}, pulumi.DependsOn([]pulumi.Resource{rootIntegration, proxyIntegration}))
	if err != nil {
		return nil, err
	}

	stage, err := apigateway.NewStage(ctx, "hallucifix-api-stage", &apigateway.StageArgs{
		RestApi:            restApi.ID(),
		Deployment:         deployment.ID(),
		StageName:          pulumi.String("v1"),
		XrayTracingEnabled: pulumi.Bool(prod),
		Tags:               baseTags(environment, "hallucifix-api-stage"),
	})
	if err != nil {
		return nil, err
	}

	_, err = apigateway.NewMethodSettings(ctx, "hallucifix-api-settings", &apigateway.MethodSettingsArgs{
		RestApi:    restApi.ID(),
		StageName:  stage.StageName,
		MethodPath: pulumi.String("*/*"),
		Settings: &apigateway.MethodSettingsSettingsArgs{
			MetricsEnabled:       pulumi.Bool(true),
			ThrottlingRateLimit:  pulumi.Float64(throttlingRate),
			ThrottlingBurstLimit: pulumi.Int(int(throttlingRate) * 2),
		},
	})
	if err != nil {
		return nil, err
	}

	// Create the usage plan and key for service-to-service callers
	usagePlan, err := apigateway.NewUsagePlan(ctx, "hallucifix-usage-plan", &apigateway.UsagePlanArgs{
		Name:        pulumi.String(fmt.Sprintf("hallucifix-%s-service", environment)),
		Description: pulumi.String("Service integrations calling the analysis API"),
		ApiStages: apigateway.UsagePlanApiStageArray{
			&apigateway.UsagePlanApiStageArgs{
				ApiId: restApi.ID(),
				Stage: stage.StageName,
			},
		},
		ThrottleSettings: &apigateway.UsagePlanThrottleSettingsArgs{
			RateLimit:  pulumi.Float64(throttlingRate / 2),
			BurstLimit: pulumi.Int(int(throttlingRate)),
		},
	})
	if err != nil {
		return nil, err
	}

	serviceKey, err := apigateway.NewApiKey(ctx, "hallucifix-service-key", &apigateway.ApiKeyArgs{
		Name: pulumi.String(fmt.Sprintf("hallucifix-%s-service", environment)),
		Tags: baseTags(environment, "hallucifix-service-key"),
	})
	if err != nil {
		return nil, err
	}

	_, err = apigateway.NewUsagePlanKey(ctx, "hallucifix-service-key-binding", &apigateway.UsagePlanKeyArgs{
		KeyId:       serviceKey.ID(),
		KeyType:     pulumi.String("API_KEY"),
		UsagePlanId: usagePlan.ID(),
	})
	if err != nil {
		return nil, err
	}

	// Export API identifiers
	ctx.Export("apiUrl", stage.InvokeUrl)
	ctx.Export("apiStage", stage.StageName)
	ctx.Export("apiFunctionName", apiFunction.Name)
	ctx.Export("workerFunctionName", workerFunction.Name)
	ctx.Export("jobsQueueUrl", jobsQueue.Url)
	ctx.Export("analysisCompletedTopicArn", completedTopic.Arn)

	return &ComputeResources{
		ApiFunction:    apiFunction,
		WorkerFunction: workerFunction,
		RestApi:        restApi,
		Stage:          stage,
		JobsQueue:      jobsQueue,
		JobsDlq:        jobsDlq,
		CompletedTopic: completedTopic,
		ApiLogGroup:    apiLogGroup,
		WorkerLogGroup: workerLogGroup,
		ApiUrl:         stage.InvokeUrl,
	}, nil
}

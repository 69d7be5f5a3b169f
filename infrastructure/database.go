package main

import (
	"fmt"

	"github.com/pulumi/pulumi-aws/sdk/v5/go/aws/ec2"
	"github.com/pulumi/pulumi-aws/sdk/v5/go/aws/elasticache"
	"github.com/pulumi/pulumi-aws/sdk/v5/go/aws/rds"
	"github.com/pulumi/pulumi-aws/sdk/v5/go/aws/ssm"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi/config"
)

// DatabaseResources holds the network and data-layer resources the other
// stacks build on: the VPC, the PostgreSQL instance (plus its read replica in
// prod) and the Redis cluster.
type DatabaseResources struct {
	Vpc                *ec2.Vpc
	PublicSubnet1      *ec2.Subnet
	PublicSubnet2      *ec2.Subnet
	PrivateSubnet1     *ec2.Subnet
	PrivateSubnet2     *ec2.Subnet
	AppSecurityGroup   *ec2.SecurityGroup
	DbSecurityGroup    *ec2.SecurityGroup
	CacheSecurityGroup *ec2.SecurityGroup
	Postgres           *rds.Instance
	ReadReplica        *rds.Instance // nil outside prod
	Redis              *elasticache.Cluster
	RedisEndpoint      pulumi.StringOutput
}

// createDatabaseResources creates the VPC and the managed data stores. Prod
// doubles storage and backup retention, upgrades the instance classes and adds
// a read replica for the analysis read path.
func createDatabaseResources(ctx *pulumi.Context, environment, region string, keys *KeyManagementResources) (*DatabaseResources, error) {
	cfg := config.New(ctx, "hallucifix")
	prod := environment == "prod"

	dbInstanceClass := "db.t3.medium"
	dbStorage := 100
	dbBackupRetention := 7
	cacheNodeType := "cache.t3.micro"
	cacheSnapshotRetention := 1
	if prod {
		dbInstanceClass = "db.r6g.large"
		dbStorage = dbStorage * 2
		dbBackupRetention = dbBackupRetention * 2
		cacheNodeType = "cache.r6g.large"
		cacheSnapshotRetention = 7
	}

	// Create VPC
	vpc, err := ec2.NewVpc(ctx, "hallucifix-vpc", &ec2.VpcArgs{
		CidrBlock:          pulumi.String("10.0.0.0/16"),
		EnableDnsSupport:   pulumi.Bool(true),
		EnableDnsHostnames: pulumi.Bool(true),
		Tags:               baseTags(environment, "hallucifix-vpc"),
	})
	if err != nil {
		return nil, err
	}

	// Create public subnets in two AZs
	publicSubnet1, err := ec2.NewSubnet(ctx, "public-subnet-1", &ec2.SubnetArgs{
		VpcId:            vpc.ID(),
		CidrBlock:        pulumi.String("10.0.0.0/24"),
		AvailabilityZone: pulumi.String(region + "a"),
		Tags:             baseTags(environment, "hallucifix-public-1"),
	})
	if err != nil {
		return nil, err
	}

	publicSubnet2, err := ec2.NewSubnet(ctx, "public-subnet-2", &ec2.SubnetArgs{
		VpcId:            vpc.ID(),
		CidrBlock:        pulumi.String("10.0.1.0/24"),
		AvailabilityZone: pulumi.String(region + "b"),
		Tags:             baseTags(environment, "hallucifix-public-2"),
	})
	if err != nil {
		return nil, err
	}

	// Create private subnets for the database, cache and the in-VPC lambdas
	privateSubnet1, err := ec2.NewSubnet(ctx, "private-subnet-1", &ec2.SubnetArgs{
		VpcId:            vpc.ID(),
		CidrBlock:        pulumi.String("10.0.10.0/24"),
		AvailabilityZone: pulumi.String(region + "a"),
		Tags:             baseTags(environment, "hallucifix-private-1"),
	})
	if err != nil {
		return nil, err
	}

	privateSubnet2, err := ec2.NewSubnet(ctx, "private-subnet-2", &ec2.SubnetArgs{
		VpcId:            vpc.ID(),
		CidrBlock:        pulumi.String("10.0.11.0/24"),
		AvailabilityZone: pulumi.String(region + "b"),
		Tags:             baseTags(environment, "hallucifix-private-2"),
	})
	if err != nil {
		return nil, err
	}

	// Create Internet Gateway for the public subnets
	igw, err := ec2.NewInternetGateway(ctx, "hallucifix-igw", &ec2.InternetGatewayArgs{
		VpcId: vpc.ID(),
		Tags:  baseTags(environment, "hallucifix-igw"),
	})
	if err != nil {
		return nil, err
	}

	// Create public route table
	publicRouteTable, err := ec2.NewRouteTable(ctx, "public-rt", &ec2.RouteTableArgs{
		VpcId: vpc.ID(),
		Routes: ec2.RouteTableRouteArray{
			&ec2.RouteTableRouteArgs{
				CidrBlock: pulumi.String("0.0.0.0/0"),
				GatewayId: igw.ID(),
			},
		},
		Tags: baseTags(environment, "hallucifix-public-rt"),
	})
	if err != nil {
		return nil, err
	}

	// Create private route table (no NAT, lambdas reach AWS APIs via endpoints)
	privateRouteTable, err := ec2.NewRouteTable(ctx, "private-rt", &ec2.RouteTableArgs{
		VpcId: vpc.ID(),
		Tags:  baseTags(environment, "hallucifix-private-rt"),
	})
	if err != nil {
		return nil, err
	}

	// Associate subnets with their route tables
	for _, assoc := range []struct {
		name   string
		subnet *ec2.Subnet
		table  *ec2.RouteTable
	}{
		{"public-rt-assoc-1", publicSubnet1, publicRouteTable},
		{"public-rt-assoc-2", publicSubnet2, publicRouteTable},
		{"private-rt-assoc-1", privateSubnet1, privateRouteTable},
		{"private-rt-assoc-2", privateSubnet2, privateRouteTable},
	} {
		_, err = ec2.NewRouteTableAssociation(ctx, assoc.name, &ec2.RouteTableAssociationArgs{
			SubnetId:     assoc.subnet.ID(),
			RouteTableId: assoc.table.ID(),
		})
		if err != nil {
			return nil, err
		}
	}

	// Create S3 gateway endpoint so the document path stays off the internet
	_, err = ec2.NewVpcEndpoint(ctx, "s3-vpc-endpoint", &ec2.VpcEndpointArgs{
		VpcId:           vpc.ID(),
		ServiceName:     pulumi.String(fmt.Sprintf("com.amazonaws.%s.s3", region)),
		VpcEndpointType: pulumi.String("Gateway"),
		RouteTableIds:   pulumi.StringArray{publicRouteTable.ID(), privateRouteTable.ID()},
		Tags:            baseTags(environment, "hallucifix-s3-endpoint"),
	})
	if err != nil {
		return nil, err
	}

	// Create security group for the application lambdas
	appSecurityGroup, err := ec2.NewSecurityGroup(ctx, "app-sg", &ec2.SecurityGroupArgs{
		VpcId:       vpc.ID(),
		Description: pulumi.String("Security group for HalluciFix application functions"),
		Egress: ec2.SecurityGroupEgressArray{
			&ec2.SecurityGroupEgressArgs{
				Protocol:    pulumi.String("-1"),
				FromPort:    pulumi.Int(0),
				ToPort:      pulumi.Int(0),
				CidrBlocks:  pulumi.StringArray{pulumi.String("0.0.0.0/0")},
				Description: pulumi.String("Allow all outbound traffic"),
			},
		},
		Tags: baseTags(environment, "hallucifix-app-sg"),
	})
	if err != nil {
		return nil, err
	}

	// Create security group for PostgreSQL, reachable only from the app tier
	dbSecurityGroup, err := ec2.NewSecurityGroup(ctx, "db-sg", &ec2.SecurityGroupArgs{
		VpcId:       vpc.ID(),
		Description: pulumi.String("Security group for the HalluciFix PostgreSQL instance"),
		Ingress: ec2.SecurityGroupIngressArray{
			&ec2.SecurityGroupIngressArgs{
				Protocol:       pulumi.String("tcp"),
				FromPort:       pulumi.Int(5432),
				ToPort:         pulumi.Int(5432),
				SecurityGroups: pulumi.StringArray{appSecurityGroup.ID()},
				Description:    pulumi.String("Allow PostgreSQL from application functions"),
			},
		},
		Egress: ec2.SecurityGroupEgressArray{
			&ec2.SecurityGroupEgressArgs{
				Protocol:    pulumi.String("-1"),
				FromPort:    pulumi.Int(0),
				ToPort:      pulumi.Int(0),
				CidrBlocks:  pulumi.StringArray{pulumi.String("0.0.0.0/0")},
				Description: pulumi.String("Allow all outbound traffic"),
			},
		},
		Tags: baseTags(environment, "hallucifix-db-sg"),
	})
	if err != nil {
		return nil, err
	}

	// Create security group for Redis, reachable only from the app tier
	cacheSecurityGroup, err := ec2.NewSecurityGroup(ctx, "cache-sg", &ec2.SecurityGroupArgs{
		VpcId:       vpc.ID(),
		Description: pulumi.String("Security group for the HalluciFix Redis cluster"),
		Ingress: ec2.SecurityGroupIngressArray{
			&ec2.SecurityGroupIngressArgs{
				Protocol:       pulumi.String("tcp"),
				FromPort:       pulumi.Int(6379),
				ToPort:         pulumi.Int(6379),
				SecurityGroups: pulumi.StringArray{appSecurityGroup.ID()},
				Description:    pulumi.String("Allow Redis from application functions"),
			},
		},
		Egress: ec2.SecurityGroupEgressArray{
			&ec2.SecurityGroupEgressArgs{
				Protocol:    pulumi.String("-1"),
				FromPort:    pulumi.Int(0),
				ToPort:      pulumi.Int(0),
				CidrBlocks:  pulumi.StringArray{pulumi.String("0.0.0.0/0")},
				Description: pulumi.String("Allow all outbound traffic"),
			},
		},
		Tags: baseTags(environment, "hallucifix-cache-sg"),
	})
	if err != nil {
		return nil, err
	}

	// Create subnet group for the PostgreSQL instance
	dbSubnetGroup, err := rds.NewSubnetGroup(ctx, "hallucifix-db-subnets", &rds.SubnetGroupArgs{
		SubnetIds: pulumi.StringArray{
			privateSubnet1.ID(),
			privateSubnet2.ID(),
		},
		Tags: baseTags(environment, "hallucifix-db-subnets"),
	})
	if err != nil {
		return nil, err
	}

	// Create parameter group enforcing TLS and slow-query logging
	dbParameterGroup, err := rds.NewParameterGroup(ctx, "hallucifix-db-params", &rds.ParameterGroupArgs{
		Family: pulumi.String("postgres15"),
		Parameters: rds.ParameterGroupParameterArray{
			&rds.ParameterGroupParameterArgs{
				Name:  pulumi.String("rds.force_ssl"),
				Value: pulumi.String("1"),
			},
			&rds.ParameterGroupParameterArgs{
				Name:  pulumi.String("log_min_duration_statement"),
				Value: pulumi.String("1000"), // log statements slower than 1s
			},
		},
		Tags: baseTags(environment, "hallucifix-db-params"),
	})
	if err != nil {
		return nil, err
	}

	// Create the PostgreSQL instance holding analyses, documents metadata and accounts
	postgres, err := rds.NewInstance(ctx, "hallucifix-db", &rds.InstanceArgs{
		Identifier:                 pulumi.String(fmt.Sprintf("hallucifix-%s", environment)),
		Engine:                     pulumi.String("postgres"),
		EngineVersion:              pulumi.String("15.4"),
		InstanceClass:              pulumi.String(dbInstanceClass),
		AllocatedStorage:           pulumi.Int(dbStorage),
		StorageType:                pulumi.String("gp3"),
		StorageEncrypted:           pulumi.Bool(true),
		KmsKeyId:                   keys.DatabaseKey.Arn,
		DbName:                     pulumi.String("hallucifix"),
		Username:                   pulumi.String(cfg.Require("dbUsername")),
		Password:                   cfg.RequireSecret("dbPassword"),
		DbSubnetGroupName:          dbSubnetGroup.Name,
		ParameterGroupName:         dbParameterGroup.Name,
		VpcSecurityGroupIds:        pulumi.StringArray{dbSecurityGroup.ID()},
		PubliclyAccessible:         pulumi.Bool(false),
		MultiAz:                    pulumi.Bool(prod),
		BackupRetentionPeriod:      pulumi.Int(dbBackupRetention),
		DeletionProtection:         pulumi.Bool(prod),
		SkipFinalSnapshot:          pulumi.Bool(!prod),
		FinalSnapshotIdentifier:    pulumi.String(fmt.Sprintf("hallucifix-%s-final", environment)),
		PerformanceInsightsEnabled: pulumi.Bool(prod),
		AutoMinorVersionUpgrade:    pulumi.Bool(true),
		Tags:                       baseTags(environment, "hallucifix-db"),
	})
	if err != nil {
		return nil, err
	}

	// Create read replica for the analysis read path (prod only)
	var readReplica *rds.Instance
	if prod {
		// Same-region replicas inherit the source's encryption settings;
		// passing a key explicitly is rejected by the API.
		readReplica, err = rds.NewInstance(ctx, "hallucifix-db-replica", &rds.InstanceArgs{
			Identifier:          pulumi.String(fmt.Sprintf("hallucifix-%s-replica", environment)),
			ReplicateSourceDb:   postgres.Identifier,
			InstanceClass:       pulumi.String(dbInstanceClass),
			VpcSecurityGroupIds: pulumi.StringArray{dbSecurityGroup.ID()},
			PubliclyAccessible:  pulumi.Bool(false),
			SkipFinalSnapshot:   pulumi.Bool(true),
			Tags:                baseTags(environment, "hallucifix-db-replica"),
		})
		if err != nil {
			return nil, err
		}
	}

	// Create subnet group for the Redis cluster
	cacheSubnetGroup, err := elasticache.NewSubnetGroup(ctx, "hallucifix-cache-subnets", &elasticache.SubnetGroupArgs{
		SubnetIds: pulumi.StringArray{
			privateSubnet1.ID(),
			privateSubnet2.ID(),
		},
		Tags: baseTags(environment, "hallucifix-cache-subnets"),
	})
	if err != nil {
		return nil, err
	}

	// Create parameter group bounding memory behaviour for the analysis cache
	cacheParameterGroup, err := elasticache.NewParameterGroup(ctx, "hallucifix-cache-params", &elasticache.ParameterGroupArgs{
		Family: pulumi.String("redis7"),
		Parameters: elasticache.ParameterGroupParameterArray{
			&elasticache.ParameterGroupParameterArgs{
				Name:  pulumi.String("maxmemory-policy"),
				Value: pulumi.String("allkeys-lru"),
			},
		},
		Tags: baseTags(environment, "hallucifix-cache-params"),
	})
	if err != nil {
		return nil, err
	}

	// Create the Redis cluster caching analysis results and rate-limit counters
	redis, err := elasticache.NewCluster(ctx, "hallucifix-cache", &elasticache.ClusterArgs{
		ClusterId:              pulumi.String(fmt.Sprintf("hallucifix-%s-cache", environment)),
		Engine:                 pulumi.String("redis"),
		EngineVersion:          pulumi.String("7.0"),
		NodeType:               pulumi.String(cacheNodeType),
		NumCacheNodes:          pulumi.Int(1),
		Port:                   pulumi.Int(6379),
		ParameterGroupName:     cacheParameterGroup.Name,
		SubnetGroupName:        cacheSubnetGroup.Name,
		SecurityGroupIds:       pulumi.StringArray{cacheSecurityGroup.ID()},
		SnapshotRetentionLimit: pulumi.Int(cacheSnapshotRetention),
		Tags:                   baseTags(environment, "hallucifix-cache"),
	})
	if err != nil {
		return nil, err
	}

	redisEndpoint := redis.CacheNodes.ApplyT(func(nodes []elasticache.ClusterCacheNode) string {
		if len(nodes) == 0 || nodes[0].Address == nil || nodes[0].Port == nil {
			return ""
		}
		return fmt.Sprintf("%s:%d", *nodes[0].Address, *nodes[0].Port)
	}).(pulumi.StringOutput)

	// Store connection endpoints in SSM Parameter Store for the application
	_, err = ssm.NewParameter(ctx, "db-endpoint-param", &ssm.ParameterArgs{
		Name:  pulumi.String(fmt.Sprintf("/hallucifix/%s/database/endpoint", environment)),
		Type:  pulumi.String("String"),
		Value: postgres.Endpoint,
		Tags:  baseTags(environment, "hallucifix-db-endpoint"),
	})
	if err != nil {
		return nil, err
	}

	_, err = ssm.NewParameter(ctx, "cache-endpoint-param", &ssm.ParameterArgs{
		Name:  pulumi.String(fmt.Sprintf("/hallucifix/%s/cache/endpoint", environment)),
		Type:  pulumi.String("String"),
		Value: redisEndpoint,
		Tags:  baseTags(environment, "hallucifix-cache-endpoint"),
	})
	if err != nil {
		return nil, err
	}

	// Export network and data-layer identifiers
	ctx.Export("vpcId", vpc.ID())
	ctx.Export("privateSubnetIds", pulumi.StringArray{privateSubnet1.ID(), privateSubnet2.ID()})
	ctx.Export("databaseEndpoint", postgres.Endpoint)
	ctx.Export("databaseName", postgres.DbName)
	if readReplica != nil {
		ctx.Export("databaseReplicaEndpoint", readReplica.Endpoint)
	} else {
		ctx.Export("databaseReplicaEndpoint", pulumi.String(""))
	}
	ctx.Export("cacheEndpoint", redisEndpoint)

	return &DatabaseResources{
		Vpc:                vpc,
		PublicSubnet1:      publicSubnet1,
		PublicSubnet2:      publicSubnet2,
		PrivateSubnet1:     privateSubnet1,
		PrivateSubnet2:     privateSubnet2,
		AppSecurityGroup:   appSecurityGroup,
		DbSecurityGroup:    dbSecurityGroup,
		CacheSecurityGroup: cacheSecurityGroup,
		Postgres:           postgres,
		ReadReplica:        readReplica,
		Redis:              redis,
		RedisEndpoint:      redisEndpoint,
	}, nil
}

package main

import (
	"fmt"

	"github.com/pulumi/pulumi-aws/sdk/v5/go/aws/cognito"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi/config"
)

// AuthResources holds the Cognito user pool backing API and dashboard sign-in.
type AuthResources struct {
	UserPool *cognito.UserPool
	Client   *cognito.UserPoolClient
	Domain   *cognito.UserPoolDomain
}

// createAuthResources creates the user pool. Prod enforces a stricter password
// policy, longer refresh tokens and advanced security in ENFORCED mode.
func createAuthResources(ctx *pulumi.Context, environment string) (*AuthResources, error) {
	cfg := config.New(ctx, "hallucifix")
	prod := environment == "prod"

	passwordMinLength := 8
	requireSymbols := false
	advancedSecurityMode := "AUDIT"
	refreshTokenDays := 7
	deletionProtection := "INACTIVE"
	if prod {
		passwordMinLength = 12
		requireSymbols = true
		advancedSecurityMode = "ENFORCED"
		refreshTokenDays = 30
		deletionProtection = "ACTIVE"
	}

	// Create the user pool
	userPool, err := cognito.NewUserPool(ctx, "hallucifix-users", &cognito.UserPoolArgs{
		Name:                   pulumi.String(fmt.Sprintf("hallucifix-%s-users", environment)),
		UsernameAttributes:     pulumi.StringArray{pulumi.String("email")},
		AutoVerifiedAttributes: pulumi.StringArray{pulumi.String("email")},
		DeletionProtection:     pulumi.String(deletionProtection),
		PasswordPolicy: &cognito.UserPoolPasswordPolicyArgs{
			MinimumLength:                 pulumi.Int(passwordMinLength),
			RequireLowercase:              pulumi.Bool(true),
			RequireUppercase:              pulumi.Bool(true),
			RequireNumbers:                pulumi.Bool(true),
			RequireSymbols:                pulumi.Bool(requireSymbols),
			TemporaryPasswordValidityDays: pulumi.Int(7),
		},
		MfaConfiguration: pulumi.String("OPTIONAL"),
		SoftwareTokenMfaConfiguration: &cognito.UserPoolSoftwareTokenMfaConfigurationArgs{
			Enabled: pulumi.Bool(true),
		},
		AccountRecoverySetting: &cognito.UserPoolAccountRecoverySettingArgs{
			RecoveryMechanisms: cognito.UserPoolAccountRecoverySettingRecoveryMechanismArray{
				&cognito.UserPoolAccountRecoverySettingRecoveryMechanismArgs{
					Name:     pulumi.String("verified_email"),
					Priority: pulumi.Int(1),
				},
			},
		},
		UserPoolAddOns: &cognito.UserPoolUserPoolAddOnsArgs{
			AdvancedSecurityMode: pulumi.String(advancedSecurityMode),
		},
		Schemas: cognito.UserPoolSchemaArray{
			&cognito.UserPoolSchemaArgs{
				Name:              pulumi.String("name"),
				AttributeDataType: pulumi.String("String"),
				Required:          pulumi.Bool(true),
				Mutable:           pulumi.Bool(true),
				StringAttributeConstraints: &cognito.UserPoolSchemaStringAttributeConstraintsArgs{
					MinLength: pulumi.String("1"),
					MaxLength: pulumi.String("256"),
				},
			},
			&cognito.UserPoolSchemaArgs{
				Name:              pulumi.String("tenant_id"),
				AttributeDataType: pulumi.String("String"),
				Mutable:           pulumi.Bool(true),
				StringAttributeConstraints: &cognito.UserPoolSchemaStringAttributeConstraintsArgs{
					MinLength: pulumi.String("1"),
					MaxLength: pulumi.String("64"),
				},
			},
		},
		Tags: baseTags(environment, "hallucifix-users"),
	})
	if err != nil {
		return nil, err
	}

	// Callback URLs: the deployed app plus localhost for development outside prod
	callbackUrls := pulumi.StringArray{
		pulumi.String(cfg.Get("appUrl")),
	}
	logoutUrls := pulumi.StringArray{
		pulumi.String(cfg.Get("appUrl")),
	}
	if !prod {
		callbackUrls = append(callbackUrls, pulumi.String("http://localhost:5173/"))
		logoutUrls = append(logoutUrls, pulumi.String("http://localhost:5173/"))
	}

	// Create the web client used by the dashboard
	client, err := cognito.NewUserPoolClient(ctx, "hallucifix-web-client", &cognito.UserPoolClientArgs{
		Name:       pulumi.String(fmt.Sprintf("hallucifix-%s-web", environment)),
		UserPoolId: userPool.ID(),
		ExplicitAuthFlows: pulumi.StringArray{
			pulumi.String("ALLOW_USER_SRP_AUTH"),
			pulumi.String("ALLOW_REFRESH_TOKEN_AUTH"),
		},
		GenerateSecret:             pulumi.Bool(false),
		PreventUserExistenceErrors: pulumi.String("ENABLED"),
		RefreshTokenValidity:       pulumi.Int(refreshTokenDays),
		SupportedIdentityProviders: pulumi.StringArray{pulumi.String("COGNITO")},
		AllowedOauthFlowsUserPoolClient: pulumi.Bool(true),
		AllowedOauthFlows:               pulumi.StringArray{pulumi.String("code")},
		AllowedOauthScopes: pulumi.StringArray{
			pulumi.String("openid"),
			pulumi.String("email"),
			pulumi.String("profile"),
		},
		CallbackUrls: callbackUrls,
		LogoutUrls:   logoutUrls,
	})
	if err != nil {
		return nil, err
	}

	// Create the hosted auth domain
	domain, err := cognito.NewUserPoolDomain(ctx, "hallucifix-auth-domain", &cognito.UserPoolDomainArgs{
		Domain:     pulumi.String(fmt.Sprintf("hallucifix-%s-auth", environment)),
		UserPoolId: userPool.ID(),
	})
	if err != nil {
		return nil, err
	}

	// Create the operator groups
	_, err = cognito.NewUserGroup(ctx, "hallucifix-admins", &cognito.UserGroupArgs{
		Name:        pulumi.String("admins"),
		UserPoolId:  userPool.ID(),
		Description: pulumi.String("Full access to accuracy analyses and account settings"),
		Precedence:  pulumi.Int(1),
	})
	if err != nil {
		return nil, err
	}

	_, err = cognito.NewUserGroup(ctx, "hallucifix-analysts", &cognito.UserGroupArgs{
		Name:        pulumi.String("analysts"),
		UserPoolId:  userPool.ID(),
		Description: pulumi.String("Run analyses and read reports"),
		Precedence:  pulumi.Int(10),
	})
	if err != nil {
		return nil, err
	}

	// Export identity identifiers
	ctx.Export("userPoolId", userPool.ID())
	ctx.Export("userPoolArn", userPool.Arn)
	ctx.Export("userPoolClientId", client.ID())
	ctx.Export("authDomain", domain.Domain)

	return &AuthResources{
		UserPool: userPool,
		Client:   client,
		Domain:   domain,
	}, nil
}

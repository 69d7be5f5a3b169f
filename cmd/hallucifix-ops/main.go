// hallucifix-ops runs the same security checks the scheduled functions run,
// from a workstation, so an operator can verify posture before and after a
// deployment without waiting for the next scheduled run.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/myideascope/hallucifix-infra/internal/audit"
	"github.com/myideascope/hallucifix-infra/internal/keycheck"
	"github.com/myideascope/hallucifix-infra/internal/pentest"
	"github.com/myideascope/hallucifix-infra/internal/report"
)

type options struct {
	verbose         bool
	jsonOutput      bool
	failBelow       int
	checksFile      string
	environment     string
	documentsBucket string
	apiURL          string
}

// checksConfig is the optional YAML file tuning a run: checks to skip and a
// score threshold override.
type checksConfig struct {
	FailBelow int      `yaml:"failBelow"`
	Disabled  []string `yaml:"disabled"`
}

func loadChecksConfig(path string) (*checksConfig, error) {
	if path == "" {
		return &checksConfig{}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading checks config")
	}
	var cfg checksConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, errors.Wrapf(err, "parsing %s", path)
	}
	return &cfg, nil
}

func (c *checksConfig) disabled(checkID string) bool {
	for _, id := range c.Disabled {
		if id == checkID {
			return true
		}
	}
	return false
}

// filter drops findings for disabled checks.
func (c *checksConfig) filter(findings []report.Finding) []report.Finding {
	if len(c.Disabled) == 0 {
		return findings
	}
	kept := findings[:0]
	for _, f := range findings {
		if !c.disabled(f.CheckId) {
			kept = append(kept, f)
		}
	}
	return kept
}

func main() {
	opts := &options{}

	root := &cobra.Command{
		Use:           "hallucifix-ops",
		Short:         "Operational security checks for the HalluciFix deployment",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logger, _ := zap.NewProduction()
			if opts.verbose {
				logger, _ = zap.NewDevelopment()
			}
			zap.ReplaceGlobals(logger)
		},
	}
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")
	root.PersistentFlags().BoolVar(&opts.jsonOutput, "json", false, "emit the report as JSON")
	root.PersistentFlags().IntVar(&opts.failBelow, "fail-below", 0, "exit non-zero when the score is below this value")
	root.PersistentFlags().StringVar(&opts.checksFile, "checks", "", "YAML file disabling checks or overriding the threshold")
	root.PersistentFlags().StringVar(&opts.environment, "environment", "staging", "environment the checks run against")

	auditCmd := &cobra.Command{
		Use:   "audit",
		Short: "Run the read-only account posture audit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScan(cmd.Context(), opts, "audit", func(ctx context.Context) ([]report.Finding, error) {
				awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
				if err != nil {
					return nil, errors.Wrap(err, "loading AWS config")
				}
				scanner := audit.NewScanner(awsCfg, opts.environment, opts.documentsBucket, zap.S())
				return scanner.Run(ctx), nil
			})
		},
	}
	auditCmd.Flags().StringVar(&opts.documentsBucket, "documents-bucket", "", "bucket expected to use KMS encryption")

	pentestCmd := &cobra.Command{
		Use:   "pentest",
		Short: "Run the penetration-test simulation against an API endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.apiURL == "" {
				return fmt.Errorf("--api-url is required")
			}
			return runScan(cmd.Context(), opts, "pentest", func(ctx context.Context) ([]report.Finding, error) {
				simulator := pentest.NewSimulator(opts.apiURL, zap.S())
				return simulator.Run(ctx), nil
			})
		},
	}
	pentestCmd.Flags().StringVar(&opts.apiURL, "api-url", "", "base URL of the deployed API")

	keycheckCmd := &cobra.Command{
		Use:   "keycheck",
		Short: "Run the KMS rotation and lifecycle sweep",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScan(cmd.Context(), opts, "keycheck", func(ctx context.Context) ([]report.Finding, error) {
				awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
				if err != nil {
					return nil, errors.Wrap(err, "loading AWS config")
				}
				checker := keycheck.NewChecker(awsCfg, zap.S())
				return checker.Run(ctx)
			})
		},
	}

	root.AddCommand(auditCmd, pentestCmd, keycheckCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// runScan is the shared scaffolding: run the checks, apply the checks
// config, render, and enforce the threshold.
func runScan(ctx context.Context, opts *options, source string, run func(context.Context) ([]report.Finding, error)) error {
	checks, err := loadChecksConfig(opts.checksFile)
	if err != nil {
		return err
	}

	result := report.New(source, opts.environment)

	// Best effort; the pentest subcommand works without AWS credentials.
	if awsCfg, err := awsconfig.LoadDefaultConfig(ctx); err == nil {
		if account, err := report.CallerAccount(ctx, sts.NewFromConfig(awsCfg)); err == nil {
			result.AccountId = account
		}
	}

	findings, err := run(ctx)
	if err != nil {
		return err
	}
	result.Finish(checks.filter(findings))

	if opts.jsonOutput {
		encoded, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return errors.Wrap(err, "encoding report")
		}
		fmt.Println(string(encoded))
	} else {
		if err := report.FormatTable(os.Stdout, result); err != nil {
			return err
		}
	}

	threshold := effectiveThreshold(opts.failBelow, checks.FailBelow)
	if threshold > 0 && result.Score < threshold {
		return fmt.Errorf("score %d is below the threshold %d", result.Score, threshold)
	}
	return nil
}

// effectiveThreshold resolves the failure threshold: the flag wins, the
// checks file is the fallback, zero disables the gate.
func effectiveThreshold(flag, configured int) int {
	if flag > 0 {
		return flag
	}
	return configured
}

package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/myideascope/hallucifix-infra/internal/report"
)

func TestLoadChecksConfig(t *testing.T) {
	t.Run("empty path yields defaults", func(t *testing.T) {
		cfg, err := loadChecksConfig("")
		require.NoError(t, err)
		assert.Zero(t, cfg.FailBelow)
		assert.Empty(t, cfg.Disabled)
	})

	t.Run("parses threshold and disabled checks", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "checks.yaml")
		require.NoError(t, os.WriteFile(path, []byte("failBelow: 80\ndisabled:\n  - cloudtrail\n  - sqs-encryption\n"), 0o644))

		cfg, err := loadChecksConfig(path)
		require.NoError(t, err)
		assert.Equal(t, 80, cfg.FailBelow)
		assert.Equal(t, []string{"cloudtrail", "sqs-encryption"}, cfg.Disabled)
	})

	t.Run("missing file is an error", func(t *testing.T) {
		_, err := loadChecksConfig(filepath.Join(t.TempDir(), "absent.yaml"))
		assert.Error(t, err)
	})

	t.Run("malformed yaml is an error", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "checks.yaml")
		require.NoError(t, os.WriteFile(path, []byte("failBelow: [not an int"), 0o644))

		_, err := loadChecksConfig(path)
		assert.Error(t, err)
	})
}

func TestChecksConfigFilter(t *testing.T) {
	cfg := &checksConfig{Disabled: []string{"cloudtrail"}}

	findings := []report.Finding{
		{CheckId: "cloudtrail", Status: report.StatusFailed},
		{CheckId: "rds-posture", Status: report.StatusPassed},
		{CheckId: "cloudtrail", Status: report.StatusFailed},
	}

	kept := cfg.filter(findings)
	require.Len(t, kept, 1)
	assert.Equal(t, "rds-posture", kept[0].CheckId)

	// an empty disabled list passes everything through untouched
	all := (&checksConfig{}).filter(findings)
	assert.Len(t, all, 3)
}

func TestEffectiveThreshold(t *testing.T) {
	tests := []struct {
		name       string
		flag       int
		configured int
		want       int
	}{
		{"flag wins over config", 70, 90, 70},
		{"config is the fallback", 0, 90, 90},
		{"zero disables the gate", 0, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, effectiveThreshold(tt.flag, tt.configured))
		})
	}
}

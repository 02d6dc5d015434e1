package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServeCommandRegistered(t *testing.T) {
	found := false
	for _, c := range rootCmd.Commands() {
		if c.Name() == "serve" {
			found = true
		}
	}
	assert.True(t, found, "serve command should be registered")
}

func TestServeFlagDefaults(t *testing.T) {
	tests := []struct {
		flag     string
		expected string
	}{
		{"port", "0"},
		{"platform", "browser"},
		{"livereload", "true"},
		{"forceprepare", "false"},
		{"corsproxy", "true"},
		{"touchevents", "true"},
		{"telemetry", "false"},
	}

	for _, tt := range tests {
		t.Run(tt.flag, func(t *testing.T) {
			f := serveCmd.Flags().Lookup(tt.flag)
			require.NotNil(t, f, "flag %s should exist", tt.flag)
			assert.Equal(t, tt.expected, f.DefValue)
		})
	}
}

func TestVersionCommandRegistered(t *testing.T) {
	found := false
	for _, c := range rootCmd.Commands() {
		if c.Name() == "version" {
			found = true
		}
	}
	assert.True(t, found, "version command should be registered")
}

package main

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"

	"grimm.is/geoblock/internal/brand"
)

func TestRun_MissingArgumentPrintsUsage(t *testing.T) {
	for _, name := range []string{"add-whitelist", "remove-whitelist", "block-address", "unblock", "block-asn", "unblock-asn", "check", "countries"} {
		t.Run(name, func(t *testing.T) {
			var stderr bytes.Buffer
			assert.Equal(t, 1, run([]string{name}, &stderr))
			assert.Contains(t, stderr.String(), "usage: "+brand.BinaryName+" "+name)
		})
	}
}

func TestRun_ReportingCommandsExitZero(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "missing.hcl")

	var stderr bytes.Buffer
	assert.Equal(t, 0, run([]string{"status", "-c", missing}, &stderr))
	assert.Contains(t, stderr.String(), "Status unavailable")

	stderr.Reset()
	assert.Equal(t, 0, run([]string{"stats", "-c", missing}, &stderr))
	assert.Contains(t, stderr.String(), "Stats unavailable")
}

func TestRun_FailuresExitOne(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "missing.hcl")

	tests := []struct {
		argv []string
		want string
	}{
		{[]string{"block-address", "-c", missing, "203.0.113.7"}, "block-address failed"},
		{[]string{"add-whitelist", "-c", missing, "10.0.0.5"}, "add-whitelist failed"},
		{[]string{"reload", "-c", missing}, "Reload failed"},
		{[]string{"enable", "-c", missing}, "Enable failed"},
	}
	for _, tt := range tests {
		t.Run(tt.argv[0], func(t *testing.T) {
			var stderr bytes.Buffer
			assert.Equal(t, 1, run(tt.argv, &stderr))
			assert.Contains(t, stderr.String(), tt.want)
		})
	}
}

func TestRun_Usage(t *testing.T) {
	var stderr bytes.Buffer
	assert.Equal(t, 1, run(nil, &stderr))
	assert.Contains(t, stderr.String(), "Usage: "+brand.BinaryName)

	stderr.Reset()
	assert.Equal(t, 1, run([]string{"frobnicate"}, &stderr))
	assert.Contains(t, stderr.String(), "Unknown command: frobnicate")

	assert.Equal(t, 0, run([]string{"help"}, &stderr))
	assert.Equal(t, 0, run([]string{"status", "-h"}, &stderr), "asking for flag help is not a failure")
	assert.Equal(t, 1, run([]string{"reload", "-bogus"}, &stderr))
}

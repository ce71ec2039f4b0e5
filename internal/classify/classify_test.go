package classify

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	c, err := New(nil)
	require.NoError(t, err)

	tests := []struct {
		log string
		cat string
		sub string
	}{
		{"Error: yaml: line 12: could not parse mapping, invalid indent", CategoryConfig, "syntax_error"},
		{"secret DEPLOY_KEY not found in repository", CategoryConfig, "missing_secret"},
		{`configmap "app-env" not found`, CategoryConfig, "reference_error"},
		{"Failed to pull image ghcr.io/acme/api:1.2: pull access failed", CategoryConfig, "image_reference_error"},
		{"remote: 403 Forbidden", CategoryAuth, "permission_error"},
		{"Container api was OOMKilled", CategoryResource, "memory_limit"},
		{"0/3 nodes available: pod unschedulable", CategoryResource, "scheduling_failure"},
		{"dial tcp 10.0.0.4:443: i/o timeout", CategoryDependency, "network_timeout"},
		{"lookup registry.npmjs.org: no such host", CategoryDependency, "dns_failure"},
		{"upstream returned 503", CategoryDependency, "service_unavailable"},
		{"configuration drift detected on app payments", CategoryDrift, "state_inconsistency"},
		{"segfault in worker", CategoryUnknown, ""},
	}
	for _, tt := range tests {
		t.Run(tt.log, func(t *testing.T) {
			got := c.Classify(tt.log)
			assert.Equal(t, tt.cat, got.Category)
			assert.Equal(t, tt.sub, got.Subcategory)
			assert.LessOrEqual(t, got.Confidence, 0.95)
		})
	}
}

func TestClassify_StatusCodesNeedWordBoundary(t *testing.T) {
	c, err := New(nil)
	require.NoError(t, err)

	for _, log := range []string{
		"Run: 7403112 (attempt 1)",
		"URL: https://github.com/acme/api/actions/runs/5025031",
		"Count: 15034",
	} {
		got := c.Classify(log)
		assert.Equal(t, CategoryUnknown, got.Category, log)
	}

	assert.Equal(t, "permission_error", c.Classify("HTTP 401 from registry").Subcategory)
	assert.Equal(t, "service_unavailable", c.Classify("upstream: 504 gateway timeout").Subcategory)
}

func TestNew_InvalidRule(t *testing.T) {
	_, err := New([]Rule{{Category: "config", Pattern: "(("}})
	assert.Error(t, err)
	_, err = New([]Rule{{Pattern: "x"}})
	assert.Error(t, err)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[[rule]]
category = "config"
subcategory = "helm_values"
pattern = "(?i)values\\.yaml"
boost = 0.25
`), 0600))

	c, err := LoadFile(path)
	require.NoError(t, err)

	got := c.Classify("helm: values.yaml: parse error")
	assert.Equal(t, "helm_values", got.Subcategory)
	assert.InDelta(t, 0.85, got.Confidence, 1e-9)

	got = c.Classify("Container was OOMKilled")
	assert.Equal(t, "memory_limit", got.Subcategory)
}

func TestLoadFile_Replace(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
replace = true
[[rule]]
category = "dependency"
pattern = "npm ERR"
`), 0600))

	c, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, CategoryUnknown, c.Classify("Container was OOMKilled").Category)
	assert.Equal(t, CategoryDependency, c.Classify("npm ERR! 404").Category)
}

func TestLoadFile_Empty(t *testing.T) {
	c, err := LoadFile("")
	require.NoError(t, err)
	assert.Equal(t, CategoryAuth, c.Classify("401 unauthorized").Category)
}

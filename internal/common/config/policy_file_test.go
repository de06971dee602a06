package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const samplePolicy = `
templates:
  - id: monthly-close
    name: Monthly close
    policy:
      kind: weighted
      required_weight: 5
    steps:
      - role: finance
        weight: 2
        due_in_days: 2
      - user_id: ${CFO_USER}
        weight: 3
users:
  - id: alice
    display_name: Alice
    admin: true
  - id: bob
    projects:
      proj-1: [finance]
`

func TestParsePolicyFile(t *testing.T) {
	t.Setenv("CFO_USER", "carol")

	pf, err := ParsePolicyFile([]byte(samplePolicy))
	require.NoError(t, err)
	require.Len(t, pf.Templates, 1)

	tmpl, ok := pf.Template("monthly-close")
	require.True(t, ok)
	assert.Equal(t, "weighted", tmpl.Policy.Kind)
	assert.Equal(t, 5, tmpl.Policy.RequiredWeight)
	assert.Equal(t, TemplateStepConf{Role: "finance", Weight: 2, DueInDays: 2}, tmpl.Steps[0])
	assert.Equal(t, "carol", tmpl.Steps[1].UserID, "environment references are expanded")

	require.Len(t, pf.Users, 2)
	assert.True(t, pf.Users[0].Admin)
	assert.Equal(t, []string{"finance"}, pf.Users[1].Projects["proj-1"])

	_, ok = pf.Template("unknown")
	assert.False(t, ok)
}

func TestParsePolicyFile_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"malformed", "templates: [", "policy file"},
		{"missing id", "templates:\n  - steps: [{user_id: a}]\n", "template id is required"},
		{"duplicate", "templates:\n  - {id: a, steps: [{user_id: x}]}\n  - {id: a, steps: [{user_id: y}]}\n", "defined twice"},
		{"no steps", "templates:\n  - {id: a}\n", "has no steps"},
		{"quorum too large", "templates:\n  - {id: a, policy: {kind: quorum, quorum_count: 2}, steps: [{user_id: x}]}\n", "quorum_count"},
		{"weighted without threshold", "templates:\n  - {id: a, policy: {kind: weighted}, steps: [{user_id: x}]}\n", "required_weight"},
		{"unknown kind", "templates:\n  - {id: a, policy: {kind: majority}, steps: [{user_id: x}]}\n", "unknown policy kind"},
		{"step without assignee", "templates:\n  - {id: a, steps: [{weight: 1}]}\n", "needs a role or user_id"},
		{"negative weight", "templates:\n  - {id: a, steps: [{user_id: x, weight: -1}]}\n", "negative weight"},
		{"user without id", "users:\n  - {display_name: Nobody}\n", "user id is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePolicyFile([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadPolicyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "review-policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("templates:\n  - {id: a, steps: [{user_id: x}]}\n"), 0o600))

	pf, err := LoadPolicyFile(path)
	require.NoError(t, err)
	assert.Len(t, pf.Templates, 1)

	_, err = LoadPolicyFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

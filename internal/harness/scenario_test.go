package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadScenario(t *testing.T) {
	s, err := LoadScenario(filepath.Join("testdata", "scenarios", "outline_editing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "outline_editing", s.Name)
	require.Len(t, s.Setup, 3)
	assert.Equal(t, EdgeStep{Parent: "root", Child: "b", Order: 2}, s.Setup[1])
	require.Len(t, s.Steps, 5)
	assert.Equal(t, &IntentStep{Op: IntentCreate, Node: "x", Parent: "root", After: "a"}, s.Steps[0].Intent)
	require.Len(t, s.Assertions, 5)
	assert.Equal(t, []float64{1, 1.5, 3}, s.Assertions[1].Orders)
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestLoadScenario_FromDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: disk
description: loaded from a temp file
steps:
  - hold: true
`), 0o644))

	s, err := LoadScenario(path)
	require.NoError(t, err)
	assert.True(t, s.Steps[0].Hold)
}

func TestParseScenario_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "unknown field",
			yaml: "name: x\ndescription: y\nsteps: [{hold: true}]\nassertion: []\n",
			want: "failed to parse YAML",
		},
		{
			name: "missing name",
			yaml: "description: y\nsteps: [{hold: true}]\n",
			want: "name is required",
		},
		{
			name: "missing description",
			yaml: "name: x\nsteps: [{hold: true}]\n",
			want: "description is required",
		},
		{
			name: "no steps",
			yaml: "name: x\ndescription: y\n",
			want: "steps list is required",
		},
		{
			name: "two actions in one step",
			yaml: "name: x\ndescription: y\nsteps: [{hold: true, release: true}]\n",
			want: "steps[0]: exactly one of",
		},
		{
			name: "unknown intent",
			yaml: "name: x\ndescription: y\nsteps: [{intent: {op: jump, node: a}}]\n",
			want: `unknown op "jump"`,
		},
		{
			name: "create without parent",
			yaml: "name: x\ndescription: y\nsteps: [{intent: {op: create, node: a}}]\n",
			want: "parent is required for create",
		},
		{
			name: "unknown failure category",
			yaml: "name: x\ndescription: y\nsteps: [{fail: [{op: move_node, category: flaky}]}]\n",
			want: `unknown category "flaky"`,
		},
		{
			name: "unknown failure op",
			yaml: "name: x\ndescription: y\nsteps: [{fail: [{op: teleport, category: timeout}]}]\n",
			want: `unknown op "teleport"`,
		},
		{
			name: "notify without type",
			yaml: "name: x\ndescription: y\nsteps: [{notify: {action: created}}]\n",
			want: "type and action are required",
		},
		{
			name: "unknown assertion",
			yaml: "name: x\ndescription: y\nsteps: [{hold: true}]\nassertions: [{type: vibes}]\n",
			want: `unknown assertion type "vibes"`,
		},
		{
			name: "needs_rebalancing without value",
			yaml: "name: x\ndescription: y\nsteps: [{hold: true}]\nassertions: [{type: needs_rebalancing, parent: p}]\n",
			want: "value is required",
		},
		{
			name: "mid-flow assertion without parent",
			yaml: "name: x\ndescription: y\nsteps: [{assert: [{type: children}]}]\n",
			want: "steps[0].assert[0]: parent is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

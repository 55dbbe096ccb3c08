package tools

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	defs := make([]Definition, 0, 7)
	for _, tool := range LocalTools(DefaultConfig()) {
		defs = append(defs, tool.Definition())
	}
	r, err := NewRegistry(defs...)
	require.NoError(t, err)
	return r
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	def := Definition{Name: "read_file", Capability: CapabilityRead}
	_, err := NewRegistry(def, def)
	assert.ErrorContains(t, err, "already registered")

	_, err = NewRegistry(Definition{Name: " "})
	assert.Error(t, err)
}

func TestRegistryNamesAreSorted(t *testing.T) {
	r := testRegistry(t)
	assert.Equal(t, []string{
		"delete_file", "edit_file", "git", "list_files", "read_file", "run_command", "write_file",
	}, r.Names())
	assert.Equal(t, 7, r.Len())
}

func TestRegistryValidate(t *testing.T) {
	r := testRegistry(t)

	assert.NoError(t, r.Validate("read_file", map[string]any{"path": "x"}))
	assert.NoError(t, r.Validate("list_files", nil))
	assert.NoError(t, r.Validate("git", map[string]any{"args": []string{"status"}}))

	err := r.Validate("read_file", map[string]any{})
	assert.ErrorIs(t, err, ErrInvalidArguments)

	err = r.Validate("read_file", map[string]any{"path": 42})
	assert.ErrorIs(t, err, ErrInvalidArguments)

	err = r.Validate("git", map[string]any{"args": []any{"status", 1}})
	assert.ErrorIs(t, err, ErrInvalidArguments)

	assert.ErrorIs(t, r.Validate("nope", nil), ErrUnknownTool)
}

func TestRegistryCustomSchema(t *testing.T) {
	r, err := NewRegistry(Definition{
		Name: "search",
		Schema: map[string]any{
			"type":                 "object",
			"properties":           map[string]any{"query": map[string]any{"type": "string", "minLength": 3}},
			"required":             []string{"query"},
			"additionalProperties": false,
		},
	})
	require.NoError(t, err)

	assert.NoError(t, r.Validate("search", map[string]any{"query": "needle"}))
	assert.Error(t, r.Validate("search", map[string]any{"query": "x"}))
	assert.Error(t, r.Validate("search", map[string]any{"query": "needle", "extra": true}))
}

func TestRegistrySubset(t *testing.T) {
	r := testRegistry(t)

	sub, err := r.Subset([]string{"read_file", "list_files", "read_file"})
	require.NoError(t, err)
	assert.Equal(t, []string{"list_files", "read_file"}, sub.Names())
	assert.True(t, sub.Has("read_file"))
	assert.False(t, sub.Has("run_command"))
	assert.NoError(t, sub.Validate("read_file", map[string]any{"path": "a"}))

	all, err := r.Subset(nil)
	require.NoError(t, err)
	assert.Same(t, r, all)

	_, err = r.Subset([]string{"teleport"})
	assert.ErrorIs(t, err, ErrUnknownTool)
}

func TestDefinitionSignificant(t *testing.T) {
	assert.False(t, Definition{Capability: CapabilityRead}.Significant())
	assert.False(t, Definition{Capability: CapabilityNetwork}.Significant())
	assert.True(t, Definition{Capability: CapabilityWrite}.Significant())
	assert.True(t, Definition{Capability: CapabilityExecute}.Significant())
	assert.True(t, Definition{Capability: CapabilityGit}.Significant())
}

func TestRegistrySuggest(t *testing.T) {
	r := testRegistry(t)

	assert.Equal(t, []string{"read_file"}, r.Suggest("read"))
	assert.Equal(t, []string{"git"}, r.Suggest("git_status"))
	assert.Equal(t, []string{"run_command"}, r.Suggest("run_shell"))
	assert.Empty(t, r.Suggest("zzz"))

	sub, err := r.Subset([]string{"read_file"})
	require.NoError(t, err)
	assert.Empty(t, sub.Suggest("write"))
}

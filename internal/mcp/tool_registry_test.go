package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToolRegistry_Search(t *testing.T) {
	r := NewToolRegistry()
	r.Register(&ToolMetadata{Name: "task_lease", Description: "Lease the next ready task", Category: CategoryLifecycle})
	r.Register(&ToolMetadata{Name: "checkpoint_latest", Description: "Most recent completion", Category: CategoryLedger, Keywords: []string{"lease history"}})
	r.Register(&ToolMetadata{Name: "lease", Description: "exact", Category: CategoryTasks})
	r.Register(nil)
	r.Register(&ToolMetadata{})
	require.Equal(t, 3, r.Count())

	results := r.Search("LEASE", "")
	require.Len(t, results, 3)
	assert.Equal(t, "lease", results[0].Tool.Name)
	assert.Equal(t, 3, results[0].Score)
	assert.Equal(t, "task_lease", results[1].Tool.Name)
	assert.Equal(t, 2, results[1].Score)
	assert.Equal(t, "checkpoint_latest", results[2].Tool.Name)
	assert.Equal(t, "keyword matches", results[2].MatchReason)

	ledger := r.Search("lease", CategoryLedger)
	require.Len(t, ledger, 1)
	assert.Equal(t, "checkpoint_latest", ledger[0].Tool.Name)

	regex := r.Search("^task_.*", "")
	require.Len(t, regex, 1)
	assert.Equal(t, "task_lease", regex[0].Tool.Name)

	assert.Nil(t, r.Search("  ", ""))
	assert.Empty(t, r.Search("(unclosed", ""))
}

func TestToolRegistry_List(t *testing.T) {
	r := NewToolRegistry()
	r.Register(&ToolMetadata{Name: "b"})
	r.Register(&ToolMetadata{Name: "a"})
	r.Register(&ToolMetadata{Name: "b", Description: "replaced"})

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].Name)
	got, ok := r.Get("b")
	require.True(t, ok)
	assert.Equal(t, "replaced", got.Description)
}

package chatctx

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tempStorePath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "context.json")
}

func TestWindowEviction(t *testing.T) {
	s := New(tempStorePath(t), 2)

	// Three full exchanges against a 2-group window.
	for _, pair := range [][2]string{
		{"q1", "a1"},
		{"q2", "a2"},
		{"q3", "a3"},
	} {
		s.AppendUserTurn("alice", pair[0])
		s.AppendAssistantTurn("alice", pair[1])
	}

	turns := s.History("alice")
	require.Len(t, turns, 4)
	assert.Equal(t, "q2", turns[0].Content)
	assert.Equal(t, "a2", turns[1].Content)
	assert.Equal(t, "q3", turns[2].Content)
	assert.Equal(t, "a3", turns[3].Content)
	assert.Equal(t, RoleUser, turns[0].Role)
	assert.Equal(t, RoleAssistant, turns[1].Role)
}

func TestUserTurnMayExceedCapByOne(t *testing.T) {
	s := New(tempStorePath(t), 1)

	s.AppendUserTurn("bob", "q1")
	s.AppendAssistantTurn("bob", "a1")
	// The pending user turn is allowed to push the window to 2g+1 until
	// the matching assistant turn lands.
	s.AppendUserTurn("bob", "q2")
	require.Len(t, s.History("bob"), 3)

	s.AppendAssistantTurn("bob", "a2")
	turns := s.History("bob")
	require.Len(t, turns, 2)
	assert.Equal(t, "q2", turns[0].Content)
	assert.Equal(t, "a2", turns[1].Content)
}

func TestPersistAndReload(t *testing.T) {
	path := tempStorePath(t)

	s := New(path, 3)
	s.AppendUserTurn("carol", "hello")
	s.AppendAssistantTurn("carol", "hi there")

	// A second store over the same file sees the persisted state.
	s2 := New(path, 3)
	require.NoError(t, s2.Reload())
	turns := s2.History("carol")
	require.Len(t, turns, 2)
	assert.Equal(t, "hello", turns[0].Content)
	assert.Equal(t, "hi there", turns[1].Content)
}

func TestReloadMissingFile(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "does", "not", "exist.json"), 2)
	assert.NoError(t, s.Reload())
	assert.Empty(t, s.History("anyone"))
}

func TestReloadCorruptFile(t *testing.T) {
	path := tempStorePath(t)
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	s := New(path, 2)
	s.histories["dave"] = []Turn{{Role: RoleUser, Content: "kept"}}
	assert.Error(t, s.Reload())
	// In-memory state stays authoritative on a failed reload.
	assert.Len(t, s.History("dave"), 1)
}

func TestClear(t *testing.T) {
	path := tempStorePath(t)
	s := New(path, 2)
	s.AppendUserTurn("erin", "q")
	s.AppendAssistantTurn("erin", "a")
	s.AppendUserTurn("frank", "q")

	s.Clear("erin")
	assert.Empty(t, s.History("erin"))
	assert.Len(t, s.History("frank"), 1)

	// Clearing an unknown user is a no-op.
	s.Clear("nobody")

	s2 := New(path, 2)
	require.NoError(t, s2.Reload())
	assert.Empty(t, s2.History("erin"))
	assert.Len(t, s2.History("frank"), 1)
}

func TestHistoryReturnsCopy(t *testing.T) {
	s := New(tempStorePath(t), 2)
	s.AppendUserTurn("gail", "original")

	turns := s.History("gail")
	turns[0].Content = "mutated"

	assert.Equal(t, "original", s.History("gail")[0].Content)
}

func TestSnapshot(t *testing.T) {
	s := New(tempStorePath(t), 2)
	s.AppendUserTurn("u1", "q")
	s.AppendAssistantTurn("u1", "a")
	s.AppendUserTurn("u2", "q")

	snap := s.Snapshot()
	require.Len(t, snap, 2)
	assert.Len(t, snap["u1"], 2)

	snap["u1"][0].Content = "mutated"
	assert.Equal(t, "q", s.History("u1")[0].Content)
}

func TestInvalidMaxGroupsFallsBack(t *testing.T) {
	s := New(tempStorePath(t), 0)
	assert.Equal(t, DefaultMaxGroups, s.MaxGroups())
}

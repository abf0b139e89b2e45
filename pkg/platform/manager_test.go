package platform

import (
	"path/filepath"
	"testing"

	"WeRelay/pkg/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseListenList(t *testing.T) {
	mapping, err := ParseListenList([][]string{
		{"wxid_001", "poet", "llm_direct"},
		{"wxid_002", "assistant", "coze"},
		{"wxid_003", "", "dify"},
	})
	require.NoError(t, err)
	require.Len(t, mapping, 3)
	assert.Equal(t, UserRoute{Role: "poet", Backend: BackendDirect}, mapping["wxid_001"])
	assert.Equal(t, UserRoute{Role: "assistant", Backend: BackendCoze}, mapping["wxid_002"])
	assert.Equal(t, UserRoute{Role: "", Backend: BackendDify}, mapping["wxid_003"])
}

func TestParseListenListRejectsBadArity(t *testing.T) {
	_, err := ParseListenList([][]string{{"wxid_001", "poet"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfig)

	_, err = ParseListenList([][]string{{"wxid_001", "poet", "llm_direct", "extra"}})
	assert.Error(t, err)
}

func TestParseListenListRejectsUnknownBackend(t *testing.T) {
	_, err := ParseListenList([][]string{{"wxid_001", "poet", "chatgpt"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfig)
	assert.Contains(t, err.Error(), "chatgpt")
}

func TestParseListenListDuplicateOverwrites(t *testing.T) {
	mapping, err := ParseListenList([][]string{
		{"wxid_001", "poet", "llm_direct"},
		{"wxid_001", "assistant", "coze"},
	})
	require.NoError(t, err)
	require.Len(t, mapping, 1)
	assert.Equal(t, UserRoute{Role: "assistant", Backend: BackendCoze}, mapping["wxid_001"])
}

func TestManagerUnconfiguredBackendsYieldApology(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.ContextPath = filepath.Join(t.TempDir(), "context.json")
	cfg.ListenList = [][]string{{"wxid_001", "poet", "llm_direct"}}
	// No credentials set anywhere: every factory fails, the router comes up
	// with zero live backends and routing degrades to the apology.
	m := NewManager(cfg)

	reply := m.RouteUserMessage("wxid_001", "hi", DefaultOptions())
	assert.Equal(t, ApologyNoPlatform, reply)

	stats, _, err := m.Stats()
	require.NoError(t, err)
	assert.Equal(t, 0, stats.TotalPlatforms)
	assert.Equal(t, 1, stats.TotalUsers)
}

func TestManagerRejectsBadListenList(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.ContextPath = filepath.Join(t.TempDir(), "context.json")
	cfg.ListenList = [][]string{{"only-two", "fields"}}
	m := NewManager(cfg)

	_, err := m.Router()
	assert.Error(t, err)
	assert.Equal(t, ApologyNoPlatform, m.RouteUserMessage("anyone", "hi", DefaultOptions()))
}

func TestManagerReloadUserMapping(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.ContextPath = filepath.Join(t.TempDir(), "context.json")
	cfg.ListenList = [][]string{{"wxid_001", "poet", "llm_direct"}}
	m := NewManager(cfg)

	_, err := m.Router()
	require.NoError(t, err)

	cfg.ListenList = append(cfg.ListenList, []string{"wxid_002", "helper", "dify"})
	require.NoError(t, m.ReloadUserMapping())

	stats, percentages, err := m.Stats()
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalUsers)
	total := 0.0
	for _, pct := range percentages {
		total += pct
	}
	assert.InDelta(t, 100.0, total, 0.01)
}

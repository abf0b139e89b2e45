package platform

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"WeRelay/pkg/chatctx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubTokens struct {
	token string
	err   error
}

func (s *stubTokens) Token(_ context.Context) (string, error) { return s.token, s.err }

func newTestCoze(t *testing.T, serverURL string) (*CozePlatform, *chatctx.Store) {
	t.Helper()
	store := chatctx.New(filepath.Join(t.TempDir(), "context.json"), 3)
	return &CozePlatform{
		base:       base{name: BackendCoze, deps: Deps{Store: store}},
		tokens:     &stubTokens{token: "test-token"},
		workflowID: "wf-123",
		baseURL:    serverURL,
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}, store
}

func TestCozeRunWorkflow(t *testing.T) {
	var gotAuth string
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/workflow/run", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Write([]byte(`{"code":0,"msg":"","data":"{\"content\":\"工作流的回复内容在这里\"}"}`))
	}))
	defer server.Close()

	p, store := newTestCoze(t, server.URL)
	reply := p.GetResponse("今天天气怎么样", "alice", DefaultOptions())

	assert.Equal(t, "工作流的回复内容在这里", reply)
	assert.Equal(t, "Bearer test-token", gotAuth)
	assert.Equal(t, "wf-123", gotBody["workflow_id"])
	params, ok := gotBody["parameters"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "今天天气怎么样", params["input"])
	assert.NotEmpty(t, params["system_prompt"])

	turns := store.History("alice")
	require.Len(t, turns, 2)
	assert.Equal(t, "今天天气怎么样", turns[0].Content)
}

func TestCozeWorkflowErrorCode(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"code":4100,"msg":"authorization failed"}`))
	}))
	defer server.Close()

	p, store := newTestCoze(t, server.URL)
	reply := p.GetResponse("hi", "bob", DefaultOptions())
	assert.Equal(t, cozeApologyAuth, reply)
	assert.Empty(t, store.History("bob"))
}

func TestCozeTokenFailure(t *testing.T) {
	p, _ := newTestCoze(t, "http://unused.invalid")
	p.tokens = &stubTokens{err: errors.New("token exchange failed (status 401)")}

	reply := p.GetResponse("hi", "carol", DefaultOptions())
	assert.Equal(t, cozeApologyAuth, reply)
}

func TestCozeEmptyWorkflowReply(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"code":0,"data":""}`))
	}))
	defer server.Close()

	p, store := newTestCoze(t, server.URL)
	reply := p.GetResponse("hi", "dave", DefaultOptions())
	assert.Equal(t, ApologyBusy, reply)
	assert.Empty(t, store.History("dave"))
}

func TestExtractReplyText(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    string
	}{
		{"json string wrapping object", `"{\"content\":\"inner text\"}"`, "inner text"},
		{"plain json string", `"just a string reply"`, "just a string reply"},
		{"object data field", `{"data":"from data"}`, "from data"},
		{"object content field", `{"content":"from content"}`, "from content"},
		{"object output field", `{"output":"from output"}`, "from output"},
		{"field priority", `{"content":"second","data":"first"}`, "first"},
		{"first long string fallback", `{"unusual_key":"a reply that is long enough"}`, "a reply that is long enough"},
		{"short strings ignored", `{"code_str":"ok"}`, `{"code_str":"ok"}`},
		{"raw text fallback", `not json at all`, "not json at all"},
		{"empty", ``, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractReplyText([]byte(tt.payload)))
		})
	}
}

func TestHandleCozeError(t *testing.T) {
	p, _ := newTestCoze(t, "http://unused.invalid")

	tests := []struct {
		msg  string
		want string
	}{
		{"authentication: bad assertion", cozeApologyAuth},
		{"workflow run failed (status 401): denied", cozeApologyAuth},
		{"rate limit exceeded", cozeApologyRateLimit},
		{"quota exhausted for workspace", cozeApologyQuota},
		{"insufficient credits", cozeApologyQuota},
		{"context deadline exceeded", cozeApologyTimeout},
		{"network: dial tcp refused", cozeApologyNetwork},
		{"workflow error 700012006: unknown", cozeApologyGeneric},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.handleCozeError(errors.New(tt.msg), "u"), tt.msg)
	}
}

func TestPreviewText(t *testing.T) {
	long := strings.Repeat("回", 150)
	got := previewText(long)
	assert.True(t, utf8.ValidString(got), "preview must not split a multi-byte rune")
	assert.Equal(t, strings.Repeat("回", 100)+"...", got)

	short := "短回复"
	assert.Equal(t, short, previewText(short))
}

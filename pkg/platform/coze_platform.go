package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"WeRelay/pkg/config"
	"WeRelay/pkg/coze"
	"WeRelay/pkg/logger"
	"WeRelay/pkg/utils"
)

// Coze-specific apology strings, one per failure class.
const (
	cozeApologyAuth      = "抱歉，身份验证失败，请检查配置。"
	cozeApologyRateLimit = "抱歉，访问频率过高，请稍后再试。"
	cozeApologyQuota     = "抱歉，配额已用完，请联系管理员。"
	cozeApologyTimeout   = "抱歉，请求超时，请稍后再试。"
	cozeApologyNetwork   = "抱歉，网络连接失败，请稍后再试。"
	cozeApologyGeneric   = "抱歉，服务暂时不可用，请稍后再试。"
)

// tokenProvider issues bearer tokens. Implemented by coze.TokenSource;
// tests inject stubs.
type tokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// CozePlatform invokes a Coze workflow per message. The workflow call is
// stateless - it carries only the current message and the resolved system
// prompt - while the shared context store keeps the conversation window
// consistent with the other backends.
type CozePlatform struct {
	base
	tokens     tokenProvider
	workflowID string
	baseURL    string
	httpClient *http.Client
}

// NewCozePlatform validates credentials and identifiers and builds the
// adapter. Missing fields fail fast with an actionable error.
func NewCozePlatform(cfg config.CozeConfig, deps Deps) (*CozePlatform, error) {
	workflowID := cfg.WorkflowID
	if config.IsPlaceholder(workflowID) {
		// Older configs carried the identifier under bot_id.
		workflowID = cfg.BotID
	}
	if config.IsPlaceholder(workflowID) {
		return nil, fmt.Errorf("%w: coze workflow_id is missing or a placeholder", ErrConfig)
	}

	threshold := time.Duration(cfg.TokenRefreshMinutes) * time.Minute
	tokens, err := coze.NewTokenSource(coze.Options{
		ClientID:    cfg.ClientID,
		PrivateKey:  cfg.PrivateKey,
		PublicKeyID: cfg.PublicKeyID,
		BaseURL:     cfg.BaseURL,
		CachePath:   cfg.CredentialCachePath,
		Threshold:   threshold,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}

	p := &CozePlatform{
		base:       base{name: BackendCoze, deps: deps},
		tokens:     tokens,
		workflowID: workflowID,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: 120 * time.Second},
	}
	logger.Infof("coze: initialized with workflow %s", workflowID)
	return p, nil
}

func (p *CozePlatform) Name() string { return BackendCoze }

func (p *CozePlatform) Info() Info {
	return Info{Name: BackendCoze, Kind: "CozePlatform", Detail: p.workflowID}
}

// GetResponse implements the adapter contract.
func (p *CozePlatform) GetResponse(message, userID string, opts Options) (reply string) {
	defer p.recoverToApology(&reply)

	logger.Infof("coze: user %s message %q", userID, previewText(message))

	// The workflow call carries only the current message; the shared window
	// is still reloaded and appended to so history stays consistent with
	// the other backends.
	if opts.StoreContext && p.deps.Store != nil {
		if err := p.deps.Store.Reload(); err != nil {
			logger.Warnf("coze: context reload failed, using in-memory state: %v", err)
		}
	}
	systemPrompt := ""
	if opts.StoreContext || strings.TrimSpace(opts.SystemPrompt) != "" {
		systemPrompt = p.systemPrompt(userID, opts.SystemPrompt)
	}

	ctx := context.Background()
	text, err := p.runWorkflow(ctx, message, systemPrompt)
	if err != nil {
		return p.handleCozeError(err, userID)
	}
	if strings.TrimSpace(text) == "" {
		logger.Warnf("coze: workflow completed without usable reply for user %s", userID)
		return ApologyBusy
	}

	if opts.StoreContext {
		p.recordExchange(userID, message, text)
	}
	return strings.TrimSpace(text)
}

// TestConnection sends a stateless probe.
func (p *CozePlatform) TestConnection() bool { return testConnection(p) }

// workflowEnvelope is the run endpoint's response wrapper.
type workflowEnvelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// runWorkflow performs one stateless workflow invocation.
func (p *CozePlatform) runWorkflow(ctx context.Context, message, systemPrompt string) (string, error) {
	token, err := p.tokens.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("authentication: %w", err)
	}

	if err := utils.GetRateLimiter(BackendCoze).Wait(ctx); err != nil {
		return "", err
	}

	parameters := map[string]string{"input": message}
	if systemPrompt != "" {
		parameters["system_prompt"] = systemPrompt
	}
	body, err := json.Marshal(map[string]any{
		"workflow_id": p.workflowID,
		"parameters":  parameters,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/workflow/run", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("network: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("network: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("workflow run failed (status %d): %s", resp.StatusCode, previewText(string(respBody)))
	}

	var envelope workflowEnvelope
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		// Not even the envelope shape; fall back to treating the whole body
		// as the payload.
		return ExtractReplyText(respBody), nil
	}
	if envelope.Code != 0 {
		return "", fmt.Errorf("workflow error %d: %s", envelope.Code, envelope.Msg)
	}
	return ExtractReplyText(envelope.Data), nil
}

// conventionalFields are tried in order when the payload is a JSON object.
var conventionalFields = []string{"data", "content", "message", "output", "result"}

// ExtractReplyText pulls a best-guess text reply out of a workflow result
// payload. The payload may be a JSON-encoded string, a plain string, or a
// structured object; extraction is defensive and never fails - the worst
// case is the stringified envelope.
func ExtractReplyText(payload []byte) string {
	raw := bytes.TrimSpace(payload)
	if len(raw) == 0 {
		return ""
	}

	// A JSON string often wraps a second JSON document.
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		inner := strings.TrimSpace(asString)
		if strings.HasPrefix(inner, "{") || strings.HasPrefix(inner, "[") {
			if text := extractFromJSON([]byte(inner)); text != "" {
				return text
			}
		}
		return inner
	}

	if text := extractFromJSON(raw); text != "" {
		return text
	}

	// Last resort: the raw payload as text.
	return string(raw)
}

// extractFromJSON tries the conventional field names, then the first string
// value longer than 10 characters.
func extractFromJSON(raw []byte) string {
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return ""
	}

	for _, field := range conventionalFields {
		if v, ok := obj[field]; ok {
			if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
				return strings.TrimSpace(s)
			}
		}
	}

	for _, v := range obj {
		if s, ok := v.(string); ok && len(s) > 10 {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

// handleCozeError maps failures onto the platform's own apology strings.
func (p *CozePlatform) handleCozeError(err error, userID string) string {
	msg := strings.ToLower(err.Error())
	logger.Errorf("coze: user %s: %s", userID, utils.SanitizeLog(err.Error()))

	switch {
	case strings.Contains(msg, "authentication") || strings.Contains(msg, "authorization") ||
		strings.Contains(msg, "401"):
		return cozeApologyAuth
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "429"):
		return cozeApologyRateLimit
	case strings.Contains(msg, "quota") || strings.Contains(msg, "insufficient"):
		return cozeApologyQuota
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded"):
		return cozeApologyTimeout
	case strings.Contains(msg, "network") || strings.Contains(msg, "connection"):
		return cozeApologyNetwork
	default:
		return cozeApologyGeneric
	}
}

// previewText shortens text for log lines, truncating on a rune boundary
// so multi-byte characters are never split mid-sequence.
func previewText(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) > 100 {
		return string(r[:100]) + "..."
	}
	return s
}

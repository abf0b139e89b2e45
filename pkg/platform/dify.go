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
	"WeRelay/pkg/logger"
)

// DifyPlatform relays messages to a Dify chat application in blocking mode.
// Like the Coze adapter it sends only the current message and keeps the
// conversation window in the shared context store.
type DifyPlatform struct {
	base
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewDifyPlatform validates the backend config and builds the adapter.
func NewDifyPlatform(cfg config.DifyConfig, deps Deps) (*DifyPlatform, error) {
	if config.IsPlaceholder(cfg.APIKey) {
		return nil, fmt.Errorf("%w: dify api_key is missing or a placeholder", ErrConfig)
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("%w: dify base_url is required", ErrConfig)
	}

	p := &DifyPlatform{
		base:       base{name: BackendDify, deps: deps},
		apiKey:     cfg.APIKey,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: 120 * time.Second},
	}
	logger.Infof("dify: initialized against %s", p.baseURL)
	return p, nil
}

func (p *DifyPlatform) Name() string { return BackendDify }

func (p *DifyPlatform) Info() Info {
	return Info{Name: BackendDify, Kind: "DifyPlatform", Detail: p.baseURL}
}

// GetResponse implements the adapter contract.
func (p *DifyPlatform) GetResponse(message, userID string, opts Options) (reply string) {
	defer p.recoverToApology(&reply)

	if opts.StoreContext && p.deps.Store != nil {
		if err := p.deps.Store.Reload(); err != nil {
			logger.Warnf("dify: context reload failed, using in-memory state: %v", err)
		}
	}

	text, err := p.sendChatMessage(context.Background(), message, userID)
	if err != nil {
		return p.handleError(err, userID)
	}
	if strings.TrimSpace(text) == "" {
		return ApologyEmptyReply
	}

	if opts.StoreContext {
		p.recordExchange(userID, message, text)
	}
	return strings.TrimSpace(text)
}

// TestConnection sends a stateless probe.
func (p *DifyPlatform) TestConnection() bool { return testConnection(p) }

func (p *DifyPlatform) sendChatMessage(ctx context.Context, message, userID string) (string, error) {
	body, err := json.Marshal(map[string]any{
		"inputs":        map[string]any{},
		"query":         message,
		"response_mode": "blocking",
		"user":          userID,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat-messages", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("connection: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("connection: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("chat request failed (status %d): %s", resp.StatusCode, previewText(string(respBody)))
	}

	var parsed struct {
		Answer string `json:"answer"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("unexpected response shape: %w", err)
	}
	return parsed.Answer, nil
}

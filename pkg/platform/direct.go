package platform

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"WeRelay/pkg/chatctx"
	"WeRelay/pkg/config"
	"WeRelay/pkg/llm"
	"WeRelay/pkg/logger"
)

// defaultMaxRetries is the number of re-attempts after the first call, so a
// call makes at most defaultMaxRetries+1 attempts.
const defaultMaxRetries = 2

// chatCompleter is the slice of llm.Client the adapter needs. Tests inject
// stubs through it.
type chatCompleter interface {
	Chat(ctx context.Context, messages []llm.Message) (*llm.ChatResponse, error)
	SimpleQuery(ctx context.Context, prompt string) (string, error)
	Model() string
}

// errorClass partitions backend failures for the retry loop.
type errorClass int

const (
	classRetryable errorClass = iota
	classRealName             // identity verification required
	classPayment              // paid model without payment
	classQuota                // balance exhausted
	classSensitive            // sensitive content rejected
)

// DirectPlatform relays messages straight to a chat-completion endpoint and
// manages the conversation window itself.
type DirectPlatform struct {
	base
	client           chatCompleter
	maxRetries       int
	clearOnSensitive bool
}

// NewDirectPlatform validates the backend config and builds the adapter.
func NewDirectPlatform(cfg config.DirectConfig, clearOnSensitive bool, deps Deps) (*DirectPlatform, error) {
	if config.IsPlaceholder(cfg.APIKey) {
		return nil, fmt.Errorf("%w: llm_direct api_key is missing or a placeholder", ErrConfig)
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("%w: llm_direct base_url is required", ErrConfig)
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("%w: llm_direct model is required", ErrConfig)
	}

	p := &DirectPlatform{
		base:             base{name: BackendDirect, deps: deps},
		client:           llm.NewClient(cfg.BaseURL, cfg.APIKey, cfg.Model, cfg.Provider, cfg.Temperature, cfg.MaxTokens),
		maxRetries:       defaultMaxRetries,
		clearOnSensitive: clearOnSensitive,
	}
	logger.Infof("llm_direct: initialized with model %s", cfg.Model)
	return p, nil
}

func (p *DirectPlatform) Name() string { return BackendDirect }

func (p *DirectPlatform) Info() Info {
	return Info{Name: BackendDirect, Kind: "DirectPlatform", Detail: p.client.Model()}
}

// GetResponse implements the adapter contract. Every failure path resolves
// to an apology string; nothing escapes.
func (p *DirectPlatform) GetResponse(message, userID string, opts Options) (reply string) {
	defer p.recoverToApology(&reply)

	turns := p.assembleTurns(message, userID, opts)
	text, err := p.callWithRetry(context.Background(), toMessages(turns), userID, opts.IsSummary)
	if err != nil {
		return p.handleError(err, userID)
	}

	if opts.StoreContext {
		p.recordExchange(userID, message, text)
	}
	return text
}

// TestConnection sends a stateless one-shot probe. It goes through
// SimpleQuery rather than the full retry pipeline: a probe wants a quick
// answer about reachability, not the conversation-path error handling.
func (p *DirectPlatform) TestConnection() bool {
	reply, err := p.client.SimpleQuery(context.Background(), probeMessage)
	if err != nil {
		logger.Warnf("llm_direct: connection test failed: %v", err)
		return false
	}
	return strings.TrimSpace(reply) != ""
}

// callWithRetry calls the completion endpoint, retrying on empty or invalid
// replies and on retryable errors. Terminal business errors abort the loop
// immediately; exhaustion yields a service-busy error wrapping the cause.
func (p *DirectPlatform) callWithRetry(ctx context.Context, messages []llm.Message, userID string, isSummary bool) (string, error) {
	var lastErr error

	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		resp, err := p.client.Chat(ctx, messages)
		if err == nil {
			if text, ok := extractReply(resp); ok {
				return text, nil
			}
			logger.Errorf("llm_direct: empty or invalid completion for user %s (model %s), attempt %d", userID, p.client.Model(), attempt+1)
			continue
		}

		lastErr = err
		logger.Errorf("llm_direct: attempt %d failed for user %s: %v", attempt+1, userID, err)

		switch classifyDirectError(err) {
		case classRealName:
			logger.Errorf("llm_direct: provider requires real-name verification, not retrying")
			return "", serviceBusy(err)
		case classPayment:
			logger.Errorf("llm_direct: provider requires payment, not retrying")
			return "", serviceBusy(err)
		case classQuota:
			logger.Errorf("llm_direct: quota exhausted, not retrying")
			return "", serviceBusy(err)
		case classSensitive:
			logger.Errorf("llm_direct: sensitive content rejected for user %s", userID)
			if p.clearOnSensitive {
				p.clearContext(userID, isSummary)
			}
			return "", serviceBusy(err)
		}
		// Retryable (rate limit, invalid key, unavailable, unclassified):
		// fall through to the next attempt.
	}

	return "", serviceBusy(lastErr)
}

// classifyDirectError maps a backend error onto a retry class by substring,
// matching the messages the upstream providers actually send.
func classifyDirectError(err error) errorClass {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "real name verification"):
		return classRealName
	case strings.Contains(msg, "payment required"):
		return classPayment
	case strings.Contains(msg, "user quota") || strings.Contains(msg, "is not enough") ||
		strings.Contains(msg, "UnlimitedQuota"):
		return classQuota
	case strings.Contains(msg, "sensitive words detected"):
		return classSensitive
	default:
		// rate limit, invalid API key, service unavailable and anything
		// unrecognized all retry.
		return classRetryable
	}
}

// extractReply pulls the usable reply text out of a completion response.
// Replies containing the literal [image] marker are treated as invalid.
func extractReply(resp *llm.ChatResponse) (string, bool) {
	if resp == nil || len(resp.Choices) == 0 {
		return "", false
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" || strings.Contains(content, "[image]") {
		return "", false
	}
	content = strings.TrimSpace(StripBeforeThoughtTags(content))
	return content, content != ""
}

var thoughtTagRe = regexp.MustCompile(`(?s)(?:</thought>|</think>)(.*)`)

// StripBeforeThoughtTags drops everything up to and including a closing
// reasoning tag. Text without a closing tag passes through unchanged.
func StripBeforeThoughtTags(text string) string {
	if m := thoughtTagRe.FindStringSubmatch(text); m != nil {
		return m[1]
	}
	return text
}

// toMessages converts stored turns into the wire message type.
func toMessages(turns []chatctx.Turn) []llm.Message {
	out := make([]llm.Message, 0, len(turns))
	for _, t := range turns {
		out = append(out, llm.Message{Role: string(t.Role), Content: t.Content})
	}
	return out
}

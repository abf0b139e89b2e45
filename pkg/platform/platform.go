// Package platform implements the AI backend adapters and the per-user
// router that relays chat messages to them. Every adapter presents the same
// contract: a GetResponse that always returns user-safe text, never an error.
package platform

import (
	"errors"
	"fmt"
	"strings"

	"WeRelay/pkg/chatctx"
	"WeRelay/pkg/logger"
	"WeRelay/pkg/persona"
	"WeRelay/pkg/utils"
)

// Backend names accepted in the listen list.
const (
	BackendDirect = "llm_direct"
	BackendCoze   = "coze"
	BackendDify   = "dify"
)

// ValidBackends lists every recognized backend name.
var ValidBackends = []string{BackendDirect, BackendCoze, BackendDify}

// ErrConfig marks a fatal construction-time configuration problem. It is the
// only error class allowed to escape an adapter, and only from its
// constructor.
var ErrConfig = errors.New("platform configuration error")

// errServiceBusy is raised when the retry loop exhausts its attempts. It
// wraps the last backend error so classification still sees the cause.
var errServiceBusy = errors.New("service busy")

// User-facing apology strings. One short localized sentence per failure
// class; adapters never surface raw backend errors.
const (
	ApologyRateLimit   = "抱歉，AI服务访问频率过高，请稍后再试。"
	ApologyQuota       = "抱歉，AI服务余额不足，请联系管理员。"
	ApologyTimeout     = "抱歉，AI服务响应超时，请稍后再试。"
	ApologyAuth        = "抱歉，AI服务认证失败，请联系管理员。"
	ApologyGeneric     = "抱歉，AI服务暂时不可用，请稍后再试。"
	ApologyBusy        = "抱歉，我现在有点忙，稍后再聊吧。"
	ApologyNoPlatform  = "抱歉，AI服务暂时不可用。"
	ApologyEmptyReply  = "抱歉，未能获取到有效回复。"
	ApologyRouteFailed = "抱歉，处理您的请求时发生错误。"
)

// Options carries the per-call flags of the GetResponse contract.
type Options struct {
	// StoreContext selects whether this call participates in the durable
	// conversation window. One-off tool invocations (summaries, reminder
	// parsing) pass false so they do not pollute ongoing history.
	StoreContext bool
	// IsSummary marks a summarization task; the sensitive-content recovery
	// path additionally clears summary temp artifacts for these.
	IsSummary bool
	// SystemPrompt overrides the user's configured persona for this call
	// only. Never persisted.
	SystemPrompt string
}

// DefaultOptions returns the options for a normal chat message.
func DefaultOptions() Options {
	return Options{StoreContext: true}
}

// Info describes a live adapter for stats reporting.
type Info struct {
	Name   string `json:"name"`
	Kind   string `json:"kind"`
	Detail string `json:"detail,omitempty"`
}

// Platform is the normalized adapter contract shared by all backends.
type Platform interface {
	// Name returns the backend identifier (e.g. "llm_direct").
	Name() string
	// Info returns identity details for stats reporting.
	Info() Info
	// GetResponse relays one message and returns the reply text. It never
	// returns an error: every failure becomes a localized apology string.
	GetResponse(message, userID string, opts Options) string
	// TestConnection sends a synthetic probe without touching stored
	// context and reports whether a non-empty reply came back.
	TestConnection() bool
}

// Deps bundles the collaborators every adapter shares.
type Deps struct {
	// Store is the durable conversation window, shared across backends.
	Store *chatctx.Store
	// Personas resolves role labels to system prompts. Optional.
	Personas *persona.Loader
	// RoleFor maps a user id to its configured role label. Optional.
	RoleFor func(userID string) string
	// ClearSummaryArtifacts removes a user's summary temp files. Called by
	// the sensitive-content recovery path for summary tasks. Optional; the
	// embedding application owns those files.
	ClearSummaryArtifacts func(userID string)
}

// base carries the context-window and persona behavior common to every
// adapter.
type base struct {
	name string
	deps Deps
}

// systemPrompt resolves the effective system prompt: per-call override,
// else the user's configured persona, else the hard-coded fallback.
func (b *base) systemPrompt(userID, override string) string {
	if strings.TrimSpace(override) != "" {
		return override
	}
	if b.deps.Personas != nil && b.deps.RoleFor != nil {
		role := b.deps.RoleFor(userID)
		if role != "" {
			prompt, err := b.deps.Personas.PromptForRole(role)
			if err == nil {
				return prompt
			}
			if errors.Is(err, persona.ErrPersonaNotFound) {
				logger.Debugf("%s: no persona for user %s role %q, using fallback", b.name, userID, role)
			} else {
				logger.Warnf("%s: persona load failed for user %s: %v", b.name, userID, err)
			}
		}
	}
	return persona.DefaultPersona
}

// assembleTurns builds the message list for one call. With StoreContext the
// durable store is reloaded first (sibling processes may have edited it) and
// the window is included; without it the call is a stateless one-shot.
func (b *base) assembleTurns(message, userID string, opts Options) []chatctx.Turn {
	var turns []chatctx.Turn

	if opts.StoreContext {
		turns = append(turns, chatctx.Turn{Role: chatctx.RoleSystem, Content: b.systemPrompt(userID, opts.SystemPrompt)})
		if b.deps.Store != nil {
			if err := b.deps.Store.Reload(); err != nil {
				logger.Warnf("%s: context reload failed, using in-memory state: %v", b.name, err)
			}
			turns = append(turns, b.deps.Store.History(userID)...)
		}
	} else if strings.TrimSpace(opts.SystemPrompt) != "" {
		turns = append(turns, chatctx.Turn{Role: chatctx.RoleSystem, Content: opts.SystemPrompt})
	}

	return append(turns, chatctx.Turn{Role: chatctx.RoleUser, Content: message})
}

// recordExchange appends the user turn and then the assistant turn, each
// persisted independently. The user turn always lands before the assistant
// turn for one call; concurrent calls for the same user may interleave.
func (b *base) recordExchange(userID, message, reply string) {
	if b.deps.Store == nil {
		return
	}
	b.deps.Store.AppendUserTurn(userID, message)
	b.deps.Store.AppendAssistantTurn(userID, reply)
}

// clearContext drops a user's stored window, and their summary artifacts for
// summary tasks. Recovery action for sensitive-content rejections.
func (b *base) clearContext(userID string, isSummary bool) {
	if b.deps.Store != nil {
		b.deps.Store.Clear(userID)
		logger.Warnf("%s: cleared stored context for user %s", b.name, userID)
	}
	if isSummary && b.deps.ClearSummaryArtifacts != nil {
		b.deps.ClearSummaryArtifacts(userID)
	}
}

// handleError converts any adapter failure into a localized apology.
func (b *base) handleError(err error, userID string) string {
	if err == nil {
		return ApologyGeneric
	}
	logger.Errorf("%s: user %s: %s", b.name, userID, utils.SanitizeLog(err.Error()))

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "429"):
		return ApologyRateLimit
	case strings.Contains(msg, "quota") || strings.Contains(msg, "billing") ||
		strings.Contains(msg, "payment required") || strings.Contains(msg, "is not enough"):
		return ApologyQuota
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded"):
		return ApologyTimeout
	case strings.Contains(msg, "authentication") || strings.Contains(msg, "unauthorized") ||
		strings.Contains(msg, "401"):
		return ApologyAuth
	default:
		return ApologyGeneric
	}
}

// recoverToApology converts a panic inside GetResponse into the generic
// apology, keeping the adapter boundary exception-free.
func (b *base) recoverToApology(reply *string) {
	if r := recover(); r != nil {
		logger.Errorf("%s: recovered from panic: %v", b.name, r)
		*reply = ApologyGeneric
	}
}

// probeMessage is the synthetic message used by TestConnection.
const probeMessage = "测试连接"

// testConnection implements the shared probe behavior on top of any
// adapter's GetResponse.
func testConnection(p Platform) bool {
	reply := p.GetResponse(probeMessage, "test_user", Options{StoreContext: false})
	return strings.TrimSpace(reply) != ""
}

// serviceBusy wraps the final error of an exhausted retry loop.
func serviceBusy(lastErr error) error {
	if lastErr == nil {
		return errServiceBusy
	}
	return fmt.Errorf("%w: %v", errServiceBusy, lastErr)
}

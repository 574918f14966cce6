// Package llm adjudicates gray-band matches with a closed-set pick: an
// external model chooses among the supplied candidates or answers UNKNOWN.
// The model is treated as untrusted. Its output is parsed as structured
// JSON and validated against the submitted id set; anything malformed or
// out of set degrades to UNKNOWN, so a hallucinated id can never reach a
// caller.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/autokb/faultmatch/internal/calib"
	"github.com/autokb/faultmatch/internal/errors"
)

// Truncation bounds applied before prompting. Long case texts add cost and
// latency without helping a closed-set choice.
const (
	MaxCandidateLen = 300
	MaxQueryLen     = 256
)

// DefaultMaxCandidates caps how many candidates one pick may submit.
const DefaultMaxCandidates = 5

// DefaultTimeout bounds one adjudication round-trip.
const DefaultTimeout = 20 * time.Second

// Unknown is the literal the model answers when no candidate fits.
const Unknown = "UNKNOWN"

// Candidate is one case submitted to the picker.
type Candidate struct {
	ID     string `json:"id"`
	Text   string `json:"text"`
	System string `json:"system,omitempty"`
	Part   string `json:"part,omitempty"`
}

// Pick is the picker's validated verdict.
type Pick struct {
	// ChosenID is one of the submitted ids, or Unknown.
	ChosenID string `json:"chosen_id"`
	// Confidence is the model's self-reported confidence in [0, 1].
	Confidence float64 `json:"confidence"`
	// Reason is the model's short justification.
	Reason string `json:"reason"`
}

// IsUnknown reports whether the pick declined to choose.
func (p Pick) IsUnknown() bool {
	return p.ChosenID == Unknown
}

// Picker runs closed-set adjudication.
type Picker interface {
	Pick(ctx context.Context, query string, candidates []Candidate) (Pick, error)
}

// Config configures the OpenAI-compatible picker.
type Config struct {
	BaseURL string
	APIKey  string
	Model   string
	// MaxCandidates caps the submitted candidate list (default 5).
	MaxCandidates int
	// Timeout bounds one round-trip (default 20s).
	Timeout time.Duration
}

// OpenAIPicker adjudicates through an OpenAI-compatible chat endpoint.
// The client keeps a pooled connection per (base URL, key) pair.
type OpenAIPicker struct {
	client *openai.Client
	config Config
}

// NewOpenAIPicker creates a picker for cfg.
func NewOpenAIPicker(cfg Config) (*OpenAIPicker, error) {
	if cfg.Model == "" {
		return nil, errors.ConfigError("llm model is required", nil)
	}
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = DefaultMaxCandidates
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAIPicker{
		client: openai.NewClientWithConfig(clientCfg),
		config: cfg,
	}, nil
}

const systemPrompt = `你是汽车故障案例匹配助手。用户描述一个故障现象，你从给定的候选案例中选择最匹配的一条。
规则：
1. 只能从候选列表中选择一个 id，或者回答 UNKNOWN 表示都不匹配。
2. 必须输出 JSON 对象：{"chosen_id": "<id 或 UNKNOWN>", "confidence": <0 到 1 的数字>, "reason": "<一句话理由>"}
3. 不要输出任何其他内容。`

// Pick submits query and candidates and returns the validated verdict.
// Transport failures, timeouts, and malformed or out-of-set answers all
// return an error alongside the UNKNOWN pick, so callers can log the
// failure and keep their gray decision.
func (p *OpenAIPicker) Pick(ctx context.Context, query string, candidates []Candidate) (Pick, error) {
	unknown := Pick{ChosenID: Unknown, Confidence: 0, Reason: "llm parse failure"}
	if len(candidates) == 0 {
		return Pick{ChosenID: Unknown, Confidence: 0, Reason: "no candidates"}, nil
	}

	if len(candidates) > p.config.MaxCandidates {
		candidates = candidates[:p.config.MaxCandidates]
	}
	validIDs := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		validIDs[c.ID] = true
	}

	ctx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       p.config.Model,
		Temperature: 0,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: buildUserPrompt(query, candidates)},
		},
	})
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return unknown, errors.New(errors.ErrCodeNetworkTimeout, "llm request timed out", err)
		}
		return unknown, errors.New(errors.ErrCodeLLMFailed, "llm request failed", err)
	}
	if len(resp.Choices) == 0 {
		return unknown, errors.New(errors.ErrCodeLLMFailed, "llm returned no choices", nil)
	}

	return parsePick(resp.Choices[0].Message.Content, validIDs)
}

// buildUserPrompt renders the query and the truncated candidate list.
func buildUserPrompt(query string, candidates []Candidate) string {
	var b strings.Builder
	fmt.Fprintf(&b, "故障描述：%s\n\n候选案例：\n", truncate(query, MaxQueryLen))
	for _, c := range candidates {
		fmt.Fprintf(&b, "- id: %s", c.ID)
		if c.System != "" {
			fmt.Fprintf(&b, " [系统: %s]", c.System)
		}
		if c.Part != "" {
			fmt.Fprintf(&b, " [部件: %s]", c.Part)
		}
		fmt.Fprintf(&b, "\n  %s\n", truncate(c.Text, MaxCandidateLen))
	}
	b.WriteString("\n请选择最匹配的案例 id，或回答 UNKNOWN。")
	return b.String()
}

// parsePick decodes and validates the model's answer. The closed-set
// guarantee lives here: only a submitted id or UNKNOWN survives.
func parsePick(content string, validIDs map[string]bool) (Pick, error) {
	unknown := Pick{ChosenID: Unknown, Confidence: 0, Reason: "llm parse failure"}

	// Some models wrap JSON in a code fence despite the response format.
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")

	var pick Pick
	if err := json.Unmarshal([]byte(content), &pick); err != nil {
		return unknown, errors.New(errors.ErrCodeLLMFailed, "llm returned malformed JSON", err)
	}

	pick.ChosenID = strings.TrimSpace(pick.ChosenID)
	if pick.ChosenID != Unknown && !validIDs[pick.ChosenID] {
		return unknown, errors.New(errors.ErrCodeLLMFailed,
			fmt.Sprintf("llm chose id outside candidate set: %q", pick.ChosenID), nil)
	}
	pick.Confidence = calib.Clamp01(pick.Confidence)
	return pick, nil
}

// Verify interface implementation at compile time.
var _ Picker = (*OpenAIPicker)(nil)

// truncate shortens s to at most n runes.
func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

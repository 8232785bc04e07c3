// Package agent is the AI participant. It watches routed messages for a
// mention, asks the language model for a reply and injects that reply
// into the room as an agent message.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/collabhub/internal/chat"
	perrors "github.com/p-blackswan/collabhub/internal/errors"
	"github.com/p-blackswan/collabhub/internal/filetree"
	"github.com/p-blackswan/collabhub/internal/llm"
	"github.com/p-blackswan/collabhub/internal/metrics"
	"github.com/p-blackswan/collabhub/internal/retry"
	"github.com/p-blackswan/collabhub/internal/room"
	"github.com/p-blackswan/collabhub/internal/router"
)

// Snapshotter reads a project's working tree.
type Snapshotter interface {
	Snapshot(projectID string) (filetree.Tree, error)
}

// Injector routes a message into a room.
type Injector interface {
	Handle(ctx context.Context, projectID string, origin room.Conn, msg chat.Message) (router.Result, error)
}

// Config controls when and how the agent answers.
type Config struct {
	Mention       string
	MaxConcurrent int
	Model         string
	MaxTokens     int
	Timeout       time.Duration
}

// DefaultConfig answers "@ai" with at most four generations at a time.
func DefaultConfig() Config {
	return Config{
		Mention:       "@ai",
		MaxConcurrent: 4,
		Timeout:       2 * time.Minute,
	}
}

// Agent answers mentions. It implements router.Hook.
type Agent struct {
	provider llm.Provider
	trees    Snapshotter
	inject   Injector
	cfg      Config
	mention  *regexp.Regexp
	sem      chan struct{}
	retry    retry.Config
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	now      func() time.Time
}

// Option configures an Agent.
type Option func(*Agent)

// WithMetrics counts generation failures.
func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Agent) { a.metrics = m }
}

// WithRetry overrides the retry policy for model calls.
func WithRetry(cfg retry.Config) Option {
	return func(a *Agent) { a.retry = cfg }
}

// New creates an agent.
func New(provider llm.Provider, trees Snapshotter, inject Injector, cfg Config, logger zerolog.Logger, opts ...Option) *Agent {
	def := DefaultConfig()
	if strings.TrimSpace(cfg.Mention) == "" {
		cfg.Mention = def.Mention
	}
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	a := &Agent{
		provider: provider,
		trees:    trees,
		inject:   inject,
		cfg:      cfg,
		mention:  regexp.MustCompile(`(?i)` + regexp.QuoteMeta(strings.TrimSpace(cfg.Mention))),
		sem:      make(chan struct{}, cfg.MaxConcurrent),
		retry:    retry.DefaultConfig(),
		logger:   logger.With().Str("component", "agent").Logger(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Mentioned reports whether body addresses the agent, and returns the
// body with every mention removed.
func (a *Agent) Mentioned(body string) (string, bool) {
	if !a.mention.MatchString(body) {
		return body, false
	}
	return strings.TrimSpace(a.mention.ReplaceAllString(body, "")), true
}

// OnMessage answers human messages that mention the agent. When every
// generation slot is busy the mention is dropped.
func (a *Agent) OnMessage(ctx context.Context, projectID string, msg chat.Message) {
	human, ok := msg.Sender.(chat.Human)
	if !ok {
		return
	}
	prompt, ok := a.Mentioned(msg.Body)
	if !ok {
		return
	}
	log := a.logger.With().Str("project_id", projectID).Str("user_id", human.ID).Logger()

	select {
	case a.sem <- struct{}{}:
		defer func() { <-a.sem }()
	default:
		log.Warn().Int("max_concurrent", a.cfg.MaxConcurrent).Msg("agent busy, dropping mention")
		a.metrics.RecordError("agent", perrors.Kind(perrors.ErrRateLimit))
		return
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	body, err := a.answer(ctx, projectID, human, prompt)
	if err != nil {
		log.Error().Err(err).Msg("generation failed")
		a.metrics.RecordError("agent", perrors.Kind(err))
		body = failureBody(err)
	}

	reply := chat.Message{Sender: chat.Agent{}, Body: body, Timestamp: a.now()}
	res, err := a.inject.Handle(ctx, projectID, nil, reply)
	if err != nil {
		log.Warn().Err(err).Msg("agent reply not delivered")
		return
	}
	log.Info().Bool("tree_applied", res.TreeApplied).Int("delivered", res.Delivered).Msg("agent replied")
}

func (a *Agent) answer(ctx context.Context, projectID string, from chat.Human, prompt string) (string, error) {
	req := llm.CompletionRequest{
		SystemPrompt: systemPrompt,
		Messages:     []llm.Message{llm.UserMessage(a.userPrompt(projectID, from, prompt))},
		Model:        a.cfg.Model,
		MaxTokens:    a.cfg.MaxTokens,
	}

	var resp *llm.CompletionResponse
	cfg := a.retry
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		a.logger.Warn().Err(err).Str("project_id", projectID).Int("attempt", attempt).Dur("backoff", delay).Msg("retrying generation")
	}
	err := retry.Do(ctx, cfg, func(ctx context.Context) error {
		r, err := a.provider.Complete(ctx, req)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(resp.Text) == "" {
		return "", fmt.Errorf("%w: empty completion", perrors.ErrAIParse)
	}
	if resp.StopReason == llm.StopReasonMaxTokens {
		a.logger.Warn().Str("project_id", projectID).Int("out_tokens", resp.OutputTokens).Msg("completion truncated")
	}
	return resp.Text, nil
}

func (a *Agent) userPrompt(projectID string, from chat.Human, prompt string) string {
	var b strings.Builder
	if tree, err := a.trees.Snapshot(projectID); err == nil && len(tree) > 0 {
		if raw, err := json.Marshal(tree); err == nil {
			b.WriteString("Current project file tree:\n")
			b.Write(raw)
			b.WriteString("\n\n")
		}
	}
	who := from.Email
	if who == "" {
		who = from.ID
	}
	fmt.Fprintf(&b, "Message from %s:\n%s", who, prompt)
	return b.String()
}

func failureBody(err error) string {
	raw, _ := json.Marshal(struct {
		Text string `json:"text"`
	}{Text: "Sorry, I could not answer that right now (" + perrors.Kind(err) + ")."})
	return string(raw)
}

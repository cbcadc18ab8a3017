// Package enhance implements the prompt-enhancement middleware: per-client
// model/prompt selection, a cache probe before calling inference, a
// fallback chain when the chosen rule's model is unavailable, and graceful
// passthrough of the original prompt whenever anything in the pipeline
// fails. Inference errors are never surfaced to the caller; at worst a
// caller just gets their prompt back unenhanced.
package enhance

import (
	"context"
	"unicode/utf8"

	"github.com/standardbeagle/mcp-gateway/internal/cache"
	"github.com/standardbeagle/mcp-gateway/internal/inference"
	"github.com/standardbeagle/mcp-gateway/pkg/events"
)

// ClientRule configures how one client's prompts should be enhanced.
type ClientRule struct {
	Model        string `json:"model"`
	SystemPrompt string `json:"system_prompt,omitempty"`
	Enabled      bool   `json:"enabled"`
	MaxTokens    int    `json:"max_tokens,omitempty"`
}

// RuleSet is the full rules.json document: a default rule, per-client
// overrides, and an ordered fallback chain of models to try if the chosen
// model errors out. A nil entry in FallbackChain is the sentinel meaning
// "give up and return the original prompt" rather than try another model.
type RuleSet struct {
	Default       ClientRule            `json:"default"`
	Clients       map[string]ClientRule `json:"clients"`
	FallbackChain []*string             `json:"fallback_chain"`
}

// ruleFor resolves the effective rule for a client name, falling back to the
// default rule when no per-client override exists.
func (rs *RuleSet) ruleFor(client string) ClientRule {
	if rs == nil {
		return ClientRule{}
	}
	if rule, ok := rs.Clients[client]; ok {
		return rule
	}
	return rs.Default
}

// Result describes what Enhance did, for logging; it is never an error
// surface.
type Result struct {
	Prompt   string
	Enhanced string
	Model    string
	Cached   bool
	Applied  bool // false when the pipeline fell through to the original prompt
}

type Middleware struct {
	rules     *RuleSet
	cache     *cache.Cache
	inference *inference.Client
	bus       *events.EventBus
}

func NewMiddleware(rules *RuleSet, c *cache.Cache, inf *inference.Client) *Middleware {
	return &Middleware{rules: rules, cache: c, inference: inf}
}

// SetEventBus attaches a bus that exhausted-fallback-chain failures are
// published to. Nil is safe and means "don't publish".
func (m *Middleware) SetEventBus(bus *events.EventBus) {
	m.bus = bus
}

// Enhance runs the full pipeline for one client's prompt: rule lookup, cache
// probe, inference call, fallback chain, graceful passthrough. It never
// returns an error; callers that want to know *why* enhancement didn't
// apply should inspect Result.Applied via a logging hook, not an err return.
func (m *Middleware) Enhance(ctx context.Context, client, prompt string) Result {
	rule := m.rules.ruleFor(client)
	if !rule.Enabled || rule.Model == "" || m.inference == nil {
		return Result{Prompt: prompt, Enhanced: prompt, Applied: false}
	}

	if m.cache != nil {
		if entry, found, err := m.cache.Get(ctx, prompt); err == nil && found {
			return Result{Prompt: prompt, Enhanced: entry.Enhanced, Model: entry.Model, Cached: true, Applied: true}
		}
	}

	models := append([]string{rule.Model}, m.fallbackModels()...)
	for i, model := range models {
		// Context-size awareness (spec §4.6): the preferred model's declared
		// budget is rule.MaxTokens. If the prompt doesn't fit, skip straight
		// to the fallback chain rather than calling a model we expect to
		// reject the request; fallback models are assumed to have enough
		// headroom once picked.
		if i == 0 && !FitsContext(prompt, rule.MaxTokens) {
			continue
		}

		enhanced, err := m.inference.Generate(ctx, model, rule.SystemPrompt, prompt)
		if err != nil {
			continue
		}

		if m.cache != nil {
			m.cache.Put(ctx, cache.Entry{Prompt: prompt, Enhanced: enhanced, Model: model})
		}
		return Result{Prompt: prompt, Enhanced: enhanced, Model: model, Applied: true}
	}

	if m.bus != nil {
		m.bus.Publish(events.Event{Type: events.EnhancementFailed, Data: map[string]interface{}{"client": client}})
	}
	return Result{Prompt: prompt, Enhanced: prompt, Applied: false}
}

// fallbackModels flattens the rule set's fallback chain, stopping at the
// first nil sentinel (give up, don't try further models).
func (m *Middleware) fallbackModels() []string {
	if m.rules == nil {
		return nil
	}
	var models []string
	for _, step := range m.rules.FallbackChain {
		if step == nil {
			break
		}
		models = append(models, *step)
	}
	return models
}

// EstimateTokens is a cheap token-count heuristic (no tokenizer dependency):
// four characters per token, the same rule of thumb most LM providers quote
// for English text, rounded up so a partial token counts as a whole one.
func EstimateTokens(prompt string) int {
	return (utf8.RuneCountInString(prompt) + 3) / 4
}

// FitsContext reports whether prompt's estimated token count is within
// maxTokens; a zero maxTokens means no limit is configured.
func FitsContext(prompt string, maxTokens int) bool {
	if maxTokens <= 0 {
		return true
	}
	return EstimateTokens(prompt) <= maxTokens
}

// Package router selects agents for task descriptions. The ranking itself
// is delegated to an Oracle (an Anthropic model in production, a keyword
// matcher as the keyless fallback, stubs in tests); the router validates
// whatever the oracle answers against the live registry.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/testmesh/conductor/pkg/models"
)

// Candidate is the agent view handed to the oracle: identity plus the
// free-text capability descriptions it ranks against.
type Candidate struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Skills      []string `json:"skills,omitempty"`
}

// Oracle ranks candidates for a task description. RankOne returns the best
// candidate id or empty when none is suitable; RankAll returns every
// suitable id. Both must only return ids from the candidate set.
type Oracle interface {
	RankOne(ctx context.Context, task string, candidates []Candidate) (string, error)
	RankAll(ctx context.Context, task string, candidates []Candidate) ([]string, error)
}

// MessagesClient is the subset of the Anthropic SDK the oracle uses.
// Satisfied by *sdk.MessageService; tests pass a stub.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

const rankSystemPrompt = "You match work items to worker agents. " +
	"You are given a task description and a JSON list of candidate agents with their capabilities. " +
	"Judge suitability strictly by the described capabilities. " +
	"Answer with JSON only, no prose."

// AnthropicOracle ranks candidates with a Claude model.
type AnthropicOracle struct {
	msg   MessagesClient
	model string
}

// NewAnthropicOracle creates the production oracle.
func NewAnthropicOracle(apiKey, model string) *AnthropicOracle {
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return &AnthropicOracle{msg: &ac.Messages, model: model}
}

// NewAnthropicOracleWithClient creates an oracle on an existing messages
// client. Used by tests.
func NewAnthropicOracleWithClient(msg MessagesClient, model string) *AnthropicOracle {
	return &AnthropicOracle{msg: msg, model: model}
}

// RankOne asks the model for the single best agent.
func (o *AnthropicOracle) RankOne(ctx context.Context, task string, candidates []Candidate) (string, error) {
	prompt, err := rankPrompt(task, candidates,
		`Pick the single most suitable agent. Answer {"id":"<agent id>"} or {"id":null} if none fits.`)
	if err != nil {
		return "", err
	}
	answer, err := o.complete(ctx, prompt)
	if err != nil {
		return "", err
	}

	var selected models.SelectedAgent
	if err := json.Unmarshal(extractJSON(answer), &selected); err != nil {
		return "", fmt.Errorf("oracle answer %q: %w", answer, err)
	}
	return selected.ID, nil
}

// RankAll asks the model for every suitable agent.
func (o *AnthropicOracle) RankAll(ctx context.Context, task string, candidates []Candidate) ([]string, error) {
	prompt, err := rankPrompt(task, candidates,
		`List every suitable agent. Answer {"ids":["<agent id>", ...]} or {"ids":[]} if none fits.`)
	if err != nil {
		return nil, err
	}
	answer, err := o.complete(ctx, prompt)
	if err != nil {
		return nil, err
	}

	var selected models.SelectedAgents
	if err := json.Unmarshal(extractJSON(answer), &selected); err != nil {
		return nil, fmt.Errorf("oracle answer %q: %w", answer, err)
	}
	return selected.IDs, nil
}

func (o *AnthropicOracle) complete(ctx context.Context, prompt string) (string, error) {
	msg, err := o.msg.New(ctx, sdk.MessageNewParams{
		MaxTokens: 512,
		Model:     sdk.Model(o.model),
		System:    []sdk.TextBlockParam{{Text: rankSystemPrompt}},
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(prompt))},
	})
	if err != nil {
		return "", fmt.Errorf("rank request: %w", err)
	}

	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	if b.Len() == 0 {
		return "", fmt.Errorf("oracle returned no text content")
	}
	return b.String(), nil
}

func rankPrompt(task string, candidates []Candidate, instruction string) (string, error) {
	encoded, err := json.Marshal(candidates)
	if err != nil {
		return "", fmt.Errorf("encode candidates: %w", err)
	}
	return fmt.Sprintf("Task:\n%s\n\nCandidate agents:\n%s\n\n%s", task, encoded, instruction), nil
}

// extractJSON cuts the outermost JSON object out of a model answer,
// tolerating code fences and surrounding prose.
func extractJSON(answer string) []byte {
	start := strings.IndexByte(answer, '{')
	end := strings.LastIndexByte(answer, '}')
	if start < 0 || end <= start {
		return []byte(answer)
	}
	return []byte(answer[start : end+1])
}

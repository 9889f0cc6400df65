// Package prompt turns a randomly picked topic into session instructions via a
// single chat completion.
package prompt

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/openai/openai-go/v3"
	"go.uber.org/zap"

	"github.com/arients/VoiceChatBot/shared"
)

const Fallback = "No instruction generated."

const (
	completionModel       = openai.ChatModelGPT3_5Turbo
	completionMaxTokens   = 150
	completionTemperature = 0.7
)

var topics = [...]string{
	"travel and favorite destinations",
	"food and cooking",
	"movies and TV shows",
	"music and concerts",
	"books and reading",
	"sports and fitness",
	"technology and gadgets",
	"hobbies and free time",
	"nature and the outdoors",
	"pets and animals",
	"art and museums",
	"languages and cultures",
	"childhood memories",
	"dreams and future plans",
	"science and space",
}

// ChatCompleter is the slice of the upstream client the generator needs.
type ChatCompleter interface {
	ChatCompletion(ctx context.Context, body []byte) (int, []byte, error)
}

type Generator struct {
	logger   shared.LoggerAdapter
	upstream ChatCompleter
	pick     func(n int) int
}

func NewGenerator(logger shared.LoggerAdapter, upstream ChatCompleter) *Generator {
	return &Generator{
		logger:   logger,
		upstream: upstream,
		pick:     rand.IntN,
	}
}

// Generate picks a topic uniformly at random, requests one completion, and
// returns the trimmed instruction. A non-2xx vendor response comes back as a
// VendorError so the handler can relay it verbatim.
func (g *Generator) Generate(ctx context.Context) (string, error) {
	topic := topics[g.pick(len(topics))]
	body, err := sonic.Marshal(openai.ChatCompletionNewParams{
		Model: completionModel,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(fmt.Sprintf(
				"Write a short instruction for a voice AI assistant that wants to have a casual conversation about %s. "+
					"The instruction should tell the assistant how to open the conversation and keep it going.",
				topic,
			)),
		},
		MaxTokens:   openai.Int(completionMaxTokens),
		Temperature: openai.Float(completionTemperature),
		N:           openai.Int(1),
	})
	if err != nil {
		return "", fmt.Errorf("marshaling completion request: %w", err)
	}

	status, respBody, err := g.upstream.ChatCompletion(ctx, body)
	if err != nil {
		return "", fmt.Errorf("requesting completion: %w", err)
	}
	if status < 200 || status >= 300 {
		return "", &shared.VendorError{StatusCode: status, Body: respBody}
	}

	var resp openai.ChatCompletion
	if err := sonic.Unmarshal(respBody, &resp); err != nil {
		return "", fmt.Errorf("parsing completion response: %w", err)
	}
	if len(resp.Choices) == 0 {
		g.logger.Warn("completion returned no choices", zap.String("topic", topic))
		return Fallback, nil
	}
	instruction := strings.TrimSpace(resp.Choices[0].Message.Content)
	if instruction == "" {
		return Fallback, nil
	}
	g.logger.Debug("instruction generated", zap.String("topic", topic))
	return instruction, nil
}

package bridge

import (
	"context"
	"errors"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// DefaultOpenAIModel is used when no model is configured
const DefaultOpenAIModel = "gpt-4o-mini"

// OpenAIProvider serves completions from the OpenAI chat completions API, or
// any compatible endpoint via a custom base URL
type OpenAIProvider struct {
	client openai.Client
	model  string
}

// NewOpenAIProvider returns a pointer to a configured OpenAIProvider.
// baseURL and model may be empty to use the defaults.
func NewOpenAIProvider(apiKey, baseURL, model string) *OpenAIProvider {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if model == "" {
		model = DefaultOpenAIModel
	}
	return &OpenAIProvider{
		client: openai.NewClient(opts...),
		model:  model,
	}
}

// Name returns the provider name used for selection and reporting
func (p *OpenAIProvider) Name() string { return "openai" }

// messages converts a bridge request into chat messages, folding the feed
// context into the system prompt
func (p *OpenAIProvider) messages(req Request) []openai.ChatCompletionMessageParamUnion {

	system := req.System
	if system == "" {
		system = "You are an assistant answering questions about a live data feed."
	}
	if len(req.Context) > 0 {
		system += "\n\nRecent feed data, oldest first:\n" + strings.Join(req.Context, "\n")
	}

	return []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(system),
		openai.UserMessage(req.Question),
	}
}

// Complete issues one chat completion call
func (p *OpenAIProvider) Complete(ctx context.Context, req Request) (Result, error) {

	resp, err := p.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(p.model),
		Messages: p.messages(req),
	})
	if err != nil {
		return Result{}, err
	}

	if len(resp.Choices) == 0 {
		return Result{}, errors.New("no choices in completion response")
	}

	return Result{
		Answer:     resp.Choices[0].Message.Content,
		TokensUsed: int(resp.Usage.TotalTokens),
		Provider:   p.Name(),
	}, nil
}

// CompleteStream issues a streaming chat completion, pushing each content
// delta into the token channel as it arrives
func (p *OpenAIProvider) CompleteStream(ctx context.Context, req Request, tokens chan<- string) (Result, error) {

	stream := p.client.Chat.Completions.NewStreaming(ctx, openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(p.model),
		Messages: p.messages(req),
		StreamOptions: openai.ChatCompletionStreamOptionsParam{
			IncludeUsage: openai.Bool(true),
		},
	})

	acc := openai.ChatCompletionAccumulator{}

	for stream.Next() {
		chunk := stream.Current()
		acc.AddChunk(chunk)
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		select {
		case tokens <- delta:
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}

	if err := stream.Err(); err != nil {
		return Result{}, err
	}

	answer := ""
	if len(acc.Choices) > 0 {
		answer = acc.Choices[0].Message.Content
	}

	return Result{
		Answer:     answer,
		TokensUsed: int(acc.Usage.TotalTokens),
		Provider:   p.Name(),
	}, nil
}

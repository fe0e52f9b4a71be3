package bridge

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// DefaultAnthropicModel is used when no model is configured
const DefaultAnthropicModel = "claude-3-5-sonnet-latest"

const anthropicMessagesURL = "https://api.anthropic.com/v1/messages"

// AnthropicProvider serves completions from the Anthropic messages API
type AnthropicProvider struct {
	APIKey string
	Model  string

	// URL overrides the API endpoint, for testing
	URL string

	// HTTPClient overrides the default client, for testing
	HTTPClient *http.Client
}

// Name returns the provider name used for selection and reporting
func (p *AnthropicProvider) Name() string { return "anthropic" }

func (p *AnthropicProvider) model() string {
	if p.Model == "" {
		return DefaultAnthropicModel
	}
	return p.Model
}

func (p *AnthropicProvider) url() string {
	if p.URL == "" {
		return anthropicMessagesURL
	}
	return p.URL
}

func (p *AnthropicProvider) httpClient() *http.Client {
	if p.HTTPClient == nil {
		return http.DefaultClient
	}
	return p.HTTPClient
}

func (p *AnthropicProvider) system(req Request) string {
	system := req.System
	if system == "" {
		system = "You are an assistant answering questions about a live data feed."
	}
	if len(req.Context) > 0 {
		system += "\n\nRecent feed data, oldest first:\n" + strings.Join(req.Context, "\n")
	}
	return system
}

type anthropicResponse struct {
	Content []struct {
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// post issues one messages API request and returns the raw response after
// checking the status
func (p *AnthropicProvider) post(ctx context.Context, req Request, stream bool) (*http.Response, error) {

	body := map[string]interface{}{
		"model":      p.model(),
		"max_tokens": 1024,
		"system":     p.system(req),
		"stream":     stream,
		"messages": []map[string]interface{}{{
			"role":    "user",
			"content": req.Question,
		}},
	}

	b, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url(), bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("x-api-key", p.APIKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")
	httpReq.Header.Set("content-type", "application/json")

	res, err := p.httpClient().Do(httpReq)
	if err != nil {
		return nil, err
	}

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		var eresp map[string]interface{}
		_ = json.NewDecoder(res.Body).Decode(&eresp)
		res.Body.Close()
		return nil, fmt.Errorf("anthropic status %d: %v", res.StatusCode, eresp)
	}

	return res, nil
}

// Complete issues one messages API call
func (p *AnthropicProvider) Complete(ctx context.Context, req Request) (Result, error) {

	res, err := p.post(ctx, req, false)
	if err != nil {
		return Result{}, err
	}
	defer res.Body.Close()

	var resp anthropicResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		return Result{}, err
	}
	if len(resp.Content) == 0 {
		return Result{}, errors.New("no content in completion response")
	}

	return Result{
		Answer:     resp.Content[0].Text,
		TokensUsed: resp.Usage.InputTokens + resp.Usage.OutputTokens,
		Provider:   p.Name(),
	}, nil
}

// anthropicStreamEvent is the subset of SSE event fields the stream consumer
// needs; unused fields of other event types unmarshal to zero values
type anthropicStreamEvent struct {
	Type    string `json:"type"`
	Message struct {
		Usage struct {
			InputTokens int `json:"input_tokens"`
		} `json:"usage"`
	} `json:"message"`
	Delta struct {
		Text string `json:"text"`
	} `json:"delta"`
	Usage struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// CompleteStream issues a streaming messages API call, pushing each text
// delta from the SSE event stream into the token channel as it arrives
func (p *AnthropicProvider) CompleteStream(ctx context.Context, req Request, tokens chan<- string) (Result, error) {

	res, err := p.post(ctx, req, true)
	if err != nil {
		return Result{}, err
	}
	defer res.Body.Close()

	var answer strings.Builder
	inputTokens := 0
	outputTokens := 0

	scanner := bufio.NewScanner(res.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {

		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}

		var ev anthropicStreamEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			return Result{}, err
		}

		switch ev.Type {
		case "message_start":
			inputTokens = ev.Message.Usage.InputTokens
		case "content_block_delta":
			if ev.Delta.Text == "" {
				continue
			}
			answer.WriteString(ev.Delta.Text)
			select {
			case tokens <- ev.Delta.Text:
			case <-ctx.Done():
				return Result{}, ctx.Err()
			}
		case "message_delta":
			outputTokens = ev.Usage.OutputTokens
		case "error":
			return Result{}, errors.New("anthropic stream error: " + ev.Error.Message)
		}
	}

	if err := scanner.Err(); err != nil {
		return Result{}, err
	}

	return Result{
		Answer:     answer.String(),
		TokensUsed: inputTokens + outputTokens,
		Provider:   p.Name(),
	}, nil
}

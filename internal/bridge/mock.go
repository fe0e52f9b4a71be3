package bridge

import (
	"context"
	"errors"
	"strings"
)

// MockProvider is used in tests and when no real provider is configured.
// It answers with a canned response, or echoes the question.
type MockProvider struct {
	// Answer overrides the echoed response when non-empty
	Answer string

	// Err makes every call fail, for exercising error paths
	Err error
}

// Name returns the provider name used for selection and reporting
func (m *MockProvider) Name() string { return "mock" }

func (m *MockProvider) answer(req Request) string {
	if m.Answer != "" {
		return m.Answer
	}
	return "mock answer to: " + req.Question
}

// Complete returns the canned answer in one piece
func (m *MockProvider) Complete(ctx context.Context, req Request) (Result, error) {
	if m.Err != nil {
		return Result{}, m.Err
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	answer := m.answer(req)
	return Result{
		Answer:     answer,
		TokensUsed: len(strings.Fields(answer)),
		Provider:   m.Name(),
	}, nil
}

// CompleteStream pushes the canned answer word by word
func (m *MockProvider) CompleteStream(ctx context.Context, req Request, tokens chan<- string) (Result, error) {
	if m.Err != nil {
		return Result{}, m.Err
	}
	answer := m.answer(req)
	words := strings.Fields(answer)
	for i, w := range words {
		if i > 0 {
			w = " " + w
		}
		select {
		case tokens <- w:
		case <-ctx.Done():
			return Result{}, errors.New("stream cancelled: " + ctx.Err().Error())
		}
	}
	return Result{
		Answer:     answer,
		TokensUsed: len(words),
		Provider:   m.Name(),
	}, nil
}

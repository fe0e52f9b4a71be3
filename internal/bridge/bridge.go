// Package bridge connects client questions about live feed data to an LLM
// completion provider, relaying the answer (or a token stream) back to the
// originating connection. Every reply carries the caller's correlation id so
// a client can match messages to its request with multiple queries in flight.
package bridge

import (
	"context"
	"errors"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/feedmarket/relay/internal/usage"
)

const (
	// DefaultSyncTimeout bounds a single synchronous completion call
	DefaultSyncTimeout = 60 * time.Second

	// DefaultStreamTimeout bounds a whole streamed completion
	DefaultStreamTimeout = 120 * time.Second

	// DefaultContextSize is how many recent feed payloads go into a prompt
	DefaultContextSize = 20
)

// Query represents one client question, correlated by RequestID
type Query struct {
	RequestID  string
	AnalysisID string //names a streaming analysis, optional
	FeedID     string
	Question   string
	Provider   string //optional provider selection, empty means default
	System     string //optional system prompt
	UserID     string
}

// Request is what a provider receives: the question plus assembled context
type Request struct {
	Question string
	System   string
	Context  []string
}

// Result is a provider's completed answer
type Result struct {
	Answer     string
	TokensUsed int
	Provider   string
}

// Provider produces completions. CompleteStream pushes partial tokens into
// the channel as they arrive; the bridge owns closing the channel.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (Result, error)
	CompleteStream(ctx context.Context, req Request, tokens chan<- string) (Result, error)
}

// Conn is the reply surface of the originating connection
type Conn interface {
	Reply(messageType string, payload interface{}) error
}

// ContextSource supplies recent feed payloads for prompt assembly
type ContextSource interface {
	Recent(feedID string, n int) []string
}

// reply payloads

// AnswerPayload is sent as llm-response
type AnswerPayload struct {
	RequestID  string `json:"requestId"`
	Answer     string `json:"answer"`
	TokensUsed int    `json:"tokensUsed"`
	Provider   string `json:"provider"`
}

// TokenPayload is sent as llm-token, one per partial token
type TokenPayload struct {
	RequestID  string `json:"requestId"`
	AnalysisID string `json:"analysisId,omitempty"`
	Token      string `json:"token"`
}

// CompletePayload is sent as llm-complete when a stream finishes
type CompletePayload struct {
	RequestID  string `json:"requestId"`
	AnalysisID string `json:"analysisId,omitempty"`
	TokensUsed int    `json:"tokensUsed"`
	Provider   string `json:"provider"`
}

// ErrorPayload is sent as llm-error
type ErrorPayload struct {
	RequestID  string `json:"requestId"`
	AnalysisID string `json:"analysisId,omitempty"`
	Error      string `json:"error"`
}

// UsagePayload is sent as token-usage-update after usage is recorded
type UsagePayload struct {
	UserID string `json:"userId"`
	Tokens int    `json:"tokens"`
}

// Bridge owns the provider table and the collaborators needed to serve
// queries. All state is per-instance so bridges can coexist in tests.
type Bridge struct {
	SyncTimeout   time.Duration
	StreamTimeout time.Duration
	ContextSize   int

	providers       map[string]Provider
	defaultProvider string

	contexts ContextSource
	recorder usage.Recorder
}

// New returns a pointer to a Bridge with the given default provider
func New(p Provider) *Bridge {
	b := &Bridge{
		SyncTimeout:   DefaultSyncTimeout,
		StreamTimeout: DefaultStreamTimeout,
		ContextSize:   DefaultContextSize,
		providers:     make(map[string]Provider),
	}
	b.providers[strings.ToLower(p.Name())] = p
	b.defaultProvider = strings.ToLower(p.Name())
	return b
}

// WithProvider registers an additional named provider
func (b *Bridge) WithProvider(p Provider) *Bridge {
	b.providers[strings.ToLower(p.Name())] = p
	return b
}

// WithContextSource sets where prompt context comes from
func (b *Bridge) WithContextSource(cs ContextSource) *Bridge {
	b.contexts = cs
	return b
}

// WithRecorder sets where token usage is reported
func (b *Bridge) WithRecorder(r usage.Recorder) *Bridge {
	b.recorder = r
	return b
}

// provider resolves an optional provider selection to a registered provider
func (b *Bridge) provider(name string) (Provider, error) {
	if name == "" {
		name = b.defaultProvider
	}
	p, ok := b.providers[strings.ToLower(name)]
	if !ok {
		return nil, errors.New("unknown provider " + name)
	}
	return p, nil
}

// request assembles the provider request for a query
func (b *Bridge) request(q Query) Request {
	req := Request{
		Question: q.Question,
		System:   q.System,
	}
	if b.contexts != nil && q.FeedID != "" {
		req.Context = b.contexts.Recent(q.FeedID, b.ContextSize)
	}
	return req
}

// Ask serves a synchronous query: one completion call, one llm-response (or
// llm-error) reply. Run it in its own goroutine; a failure affects only this
// query, never the connection or other in-flight queries.
func (b *Bridge) Ask(ctx context.Context, conn Conn, q Query) {

	ctx, cancel := context.WithTimeout(ctx, b.SyncTimeout)
	defer cancel()

	p, err := b.provider(q.Provider)
	if err != nil {
		b.sendError(conn, q, err)
		return
	}

	res, err := p.Complete(ctx, b.request(q))
	if err != nil {
		log.WithFields(log.Fields{"requestId": q.RequestID, "provider": p.Name(), "error": err.Error()}).Warn("llm completion failed")
		b.sendError(conn, q, err)
		return
	}

	err = conn.Reply("llm-response", AnswerPayload{
		RequestID:  q.RequestID,
		Answer:     res.Answer,
		TokensUsed: res.TokensUsed,
		Provider:   res.Provider,
	})
	if err != nil {
		log.WithFields(log.Fields{"requestId": q.RequestID, "error": err.Error()}).Debug("llm response reply dropped")
	}

	b.recordUsage(conn, q, res.TokensUsed)
}

// Stream serves a streaming query: each partial token is forwarded as its own
// llm-token message, then a final llm-complete (or llm-error) follows. Run it
// in its own goroutine.
func (b *Bridge) Stream(ctx context.Context, conn Conn, q Query) {

	ctx, cancel := context.WithTimeout(ctx, b.StreamTimeout)
	defer cancel()

	p, err := b.provider(q.Provider)
	if err != nil {
		b.sendError(conn, q, err)
		return
	}

	tokens := make(chan string, 32)
	results := make(chan struct {
		res Result
		err error
	}, 1)

	go func() {
		res, err := p.CompleteStream(ctx, b.request(q), tokens)
		close(tokens)
		results <- struct {
			res Result
			err error
		}{res, err}
	}()

	for tok := range tokens {
		err := conn.Reply("llm-token", TokenPayload{
			RequestID:  q.RequestID,
			AnalysisID: q.AnalysisID,
			Token:      tok,
		})
		if err != nil {
			log.WithFields(log.Fields{"requestId": q.RequestID, "error": err.Error()}).Debug("llm token reply dropped")
		}
	}

	r := <-results

	if r.err != nil {
		log.WithFields(log.Fields{"requestId": q.RequestID, "provider": p.Name(), "error": r.err.Error()}).Warn("llm stream failed")
		b.sendError(conn, q, r.err)
		return
	}

	err = conn.Reply("llm-complete", CompletePayload{
		RequestID:  q.RequestID,
		AnalysisID: q.AnalysisID,
		TokensUsed: r.res.TokensUsed,
		Provider:   r.res.Provider,
	})
	if err != nil {
		log.WithFields(log.Fields{"requestId": q.RequestID, "error": err.Error()}).Debug("llm complete reply dropped")
	}

	b.recordUsage(conn, q, r.res.TokensUsed)
}

func (b *Bridge) sendError(conn Conn, q Query, err error) {
	rerr := conn.Reply("llm-error", ErrorPayload{
		RequestID:  q.RequestID,
		AnalysisID: q.AnalysisID,
		Error:      err.Error(),
	})
	if rerr != nil {
		log.WithFields(log.Fields{"requestId": q.RequestID, "error": rerr.Error()}).Debug("llm error reply dropped")
	}
}

// recordUsage pushes token accounting to the recorder and, if that succeeds,
// echoes it to the connection
func (b *Bridge) recordUsage(conn Conn, q Query, tokens int) {

	if b.recorder == nil || q.UserID == "" || tokens == 0 {
		return
	}

	if err := b.recorder.RecordUsage(q.UserID, tokens); err != nil {
		log.WithFields(log.Fields{"userId": q.UserID, "error": err.Error()}).Warn("usage recording failed")
		return
	}

	err := conn.Reply("token-usage-update", UsagePayload{
		UserID: q.UserID,
		Tokens: tokens,
	})
	if err != nil {
		log.WithFields(log.Fields{"userId": q.UserID, "error": err.Error()}).Debug("usage update reply dropped")
	}
}

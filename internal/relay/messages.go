package relay

import (
	"encoding/json"
	"strings"
)

// envelope is the outbound wire format
type envelope struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// inboundEnvelope is the inbound wire format; the payload stays raw until
// the message kind is known
type inboundEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// messageKind is the closed set of inbound message types. Dispatch switches
// exhaustively over these so a new kind cannot be added without handling it.
type messageKind int

const (
	kindUnknown messageKind = iota
	kindAuthenticate
	kindPing
	kindRegisterUser
	kindSubscribeFeed
	kindUnsubscribeFeed
	kindLLMQuery
	kindLLMQueryStream
)

func kindOf(messageType string) messageKind {
	switch strings.ToLower(messageType) {
	case "authenticate":
		return kindAuthenticate
	case "ping":
		return kindPing
	case "register-user":
		return kindRegisterUser
	case "subscribe-feed":
		return kindSubscribeFeed
	case "unsubscribe-feed":
		return kindUnsubscribeFeed
	case "llm-query":
		return kindLLMQuery
	case "llm-query-stream":
		return kindLLMQueryStream
	default:
		return kindUnknown
	}
}

// inbound payloads

type authenticatePayload struct {
	Token string `json:"token"`
}

type registerUserPayload struct {
	UserID string `json:"userId"`
}

type feedRequestPayload struct {
	FeedID string `json:"feedId"`
}

type queryPayload struct {
	RequestID  string `json:"requestId"`
	AnalysisID string `json:"analysisId,omitempty"`
	FeedID     string `json:"feedId"`
	Question   string `json:"question"`
	Provider   string `json:"provider,omitempty"`
	System     string `json:"systemPrompt,omitempty"`
}

// outbound payloads

type errorPayload struct {
	Error string `json:"error"`
}

type userPayload struct {
	UserID string `json:"userId"`
}

type subscriptionPayload struct {
	FeedID string `json:"feedId"`
}

type feedDataPayload struct {
	FeedID    string      `json:"feedId"`
	FeedName  string      `json:"feedName"`
	EventName string      `json:"eventName,omitempty"`
	Data      interface{} `json:"data"`
	Timestamp int64       `json:"timestamp"`
}

package relay

import (
	"context"
	"encoding/json"

	log "github.com/sirupsen/logrus"

	"github.com/feedmarket/relay/internal/bridge"
)

// dispatch routes one decoded envelope to its behaviour. The switch is
// exhaustive over the closed set of message kinds; a malformed payload for a
// known kind degrades to a typed error reply and never ends the read loop.
func (r *Relay) dispatch(ctx context.Context, c *Client, env inboundEnvelope) {

	switch kindOf(env.Type) {

	case kindAuthenticate:
		r.handleAuthenticate(c, env.Payload)

	case kindPing:
		r.reply(c, "pong", nil)

	case kindRegisterUser:
		r.handleRegisterUser(c, env.Payload)

	case kindSubscribeFeed:
		r.handleSubscribeFeed(c, env.Payload)

	case kindUnsubscribeFeed:
		r.handleUnsubscribeFeed(c, env.Payload)

	case kindLLMQuery:
		r.handleQuery(ctx, c, env.Payload, false)

	case kindLLMQueryStream:
		r.handleQuery(ctx, c, env.Payload, true)

	case kindUnknown:
		r.reply(c, "error", errorPayload{Error: "unknown message type " + env.Type})
	}
}

// reply sends and logs rather than propagating; an undeliverable reply only
// matters to the client that is already failing to receive it
func (r *Relay) reply(c *Client, messageType string, payload interface{}) {
	if err := c.Reply(messageType, payload); err != nil {
		log.WithFields(log.Fields{"client": c.name, "type": messageType, "error": err.Error()}).Debug("reply dropped")
		r.metrics.dropped.Inc()
	}
}

func (r *Relay) handleAuthenticate(c *Client, payload json.RawMessage) {

	var p authenticatePayload
	if err := json.Unmarshal(payload, &p); err != nil || p.Token == "" {
		r.reply(c, "auth_error", errorPayload{Error: "missing token"})
		return
	}

	if r.verifier == nil {
		r.reply(c, "auth_error", errorPayload{Error: "authentication not enabled"})
		return
	}

	claims, err := r.verifier.Verify(p.Token)
	if err != nil {
		log.WithFields(log.Fields{"client": c.name, "error": err.Error()}).Info("authentication failed")
		// the connection stays open, just unauthenticated
		r.reply(c, "auth_error", errorPayload{Error: "invalid token"})
		return
	}

	c.setUserID(claims.UserID)
	r.reply(c, "auth_success", userPayload{UserID: claims.UserID})
}

func (r *Relay) handleRegisterUser(c *Client, payload json.RawMessage) {

	var p registerUserPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.UserID == "" {
		r.reply(c, "registration-error", errorPayload{Error: "missing user id"})
		return
	}

	c.setUserID(p.UserID)
	r.reply(c, "registration-success", userPayload{UserID: p.UserID})
}

func (r *Relay) handleSubscribeFeed(c *Client, payload json.RawMessage) {

	var p feedRequestPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.FeedID == "" {
		r.reply(c, "subscription-error", errorPayload{Error: "missing feed id"})
		return
	}

	r.index.Join(roomForFeed(p.FeedID), c)
	r.reply(c, "subscription-success", subscriptionPayload{FeedID: p.FeedID})

	// bring up the upstream connection without holding up the read loop
	go r.ensureFeed(p.FeedID)
}

// ensureFeed connects the upstream feed if it is not already live. Failures
// are logged only; the subscription stands and a later subscribe (or the
// feed's own reconnect policy) can bring the upstream up.
func (r *Relay) ensureFeed(feedID string) {

	if r.config.Feeds == nil {
		return
	}

	cfg, err := r.config.Feeds.GetFeedByID(feedID)
	if err != nil {
		log.WithFields(log.Fields{"feed": feedID, "error": err.Error()}).Warn("feed configuration lookup failed")
		return
	}

	if err := r.feeds.Connect(cfg); err != nil {
		log.WithFields(log.Fields{"feed": feedID, "error": err.Error()}).Warn("feed connect failed")
	}
}

func (r *Relay) handleUnsubscribeFeed(c *Client, payload json.RawMessage) {

	var p feedRequestPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.FeedID == "" {
		r.reply(c, "unsubscription-error", errorPayload{Error: "missing feed id"})
		return
	}

	room := roomForFeed(p.FeedID)
	r.index.Leave(room, c)
	r.reply(c, "unsubscription-success", subscriptionPayload{FeedID: p.FeedID})

	if r.index.MemberCount(room) == 0 {
		r.feeds.Stop(p.FeedID)
	}
}

func (r *Relay) handleQuery(ctx context.Context, c *Client, payload json.RawMessage, stream bool) {

	var p queryPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		r.reply(c, "llm-error", bridge.ErrorPayload{Error: "malformed query payload"})
		return
	}

	if r.config.Bridge == nil {
		r.reply(c, "llm-error", bridge.ErrorPayload{RequestID: p.RequestID, Error: "llm queries not enabled"})
		return
	}

	if p.RequestID == "" || p.Question == "" {
		r.reply(c, "llm-error", bridge.ErrorPayload{RequestID: p.RequestID, Error: "missing request id or question"})
		return
	}

	q := bridge.Query{
		RequestID:  p.RequestID,
		AnalysisID: p.AnalysisID,
		FeedID:     p.FeedID,
		Question:   p.Question,
		Provider:   p.Provider,
		System:     p.System,
		UserID:     c.UserID(),
	}

	if stream {
		go r.config.Bridge.Stream(ctx, c, q)
	} else {
		go r.config.Bridge.Ask(ctx, c, q)
	}
}

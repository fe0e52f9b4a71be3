// Package relay accepts client websocket connections, maintains the room
// subscription index so data from each upstream feed reaches exactly its
// subscribers, owns the lifecycle of upstream feed connections, and brokers
// LLM queries over the same client connection.
package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/feedmarket/relay/internal/feed"
	"github.com/feedmarket/relay/internal/rooms"
	"github.com/feedmarket/relay/internal/token"
)

// Relay owns all relay state: the subscription index, the client set and the
// upstream feed pool are fields of the instance, so multiple relays can
// coexist in tests.
type Relay struct {
	config Config

	verifier *token.Verifier

	index *rooms.Index

	feeds *feed.Pool

	mu      sync.RWMutex
	clients map[*Client]bool

	metrics *metrics
}

// New returns a pointer to an initialised Relay
func New(config Config) *Relay {

	r := &Relay{
		config:  config,
		index:   rooms.NewIndex(),
		clients: make(map[*Client]bool),
	}

	if config.Secret != "" {
		r.verifier = &token.Verifier{Audience: config.Audience, Secret: config.Secret}
	}

	r.feeds = feed.NewPool(r.fanout)
	r.metrics = newMetrics(r.feeds)

	return r
}

// roomForFeed names the room carrying a feed's fan-out
func roomForFeed(feedID string) string {
	return "feed:" + feedID
}

// feedForRoom is the inverse of roomForFeed
func feedForRoom(room string) string {
	return strings.TrimPrefix(room, "feed:")
}

// fanout is the sink for every live feed: append to the context store, wrap
// as feed-data and broadcast to the feed's room. Messages are forwarded in
// the order read from the upstream (single reader per feed).
func (r *Relay) fanout(cfg feed.Config, data []byte) {

	if r.config.Contexts != nil {
		r.config.Contexts.Append(cfg.ID, cfg.Name, data)
	}

	payload := feedDataPayload{
		FeedID:    cfg.ID,
		FeedName:  cfg.Name,
		EventName: cfg.EventName,
		Timestamp: time.Now().UnixMilli(),
	}

	// structured data when the payload decodes as JSON, raw text otherwise
	if json.Valid(data) {
		payload.Data = json.RawMessage(data)
	} else {
		payload.Data = string(data)
	}

	msg, err := json.Marshal(envelope{Type: "feed-data", Payload: payload})
	if err != nil {
		log.WithFields(log.Fields{"feed": cfg.ID, "error": err.Error()}).Error("feed-data marshal failed")
		return
	}

	r.metrics.relayed.Inc()
	r.index.Broadcast(roomForFeed(cfg.ID), rooms.Message{Data: msg, Type: websocket.TextMessage})
}

// addClient registers an accepted connection
func (r *Relay) addClient(c *Client) {
	r.mu.Lock()
	r.clients[c] = true
	r.mu.Unlock()
	r.metrics.clients.Inc()
}

// removeClient runs the cleanup owed to a closing connection: cancel pending
// work, leave every room, stop feeds that lost their last subscriber, and
// drop the registration
func (r *Relay) removeClient(c *Client) {

	c.cancel()

	subscribed := r.index.Rooms(c)
	r.index.LeaveAll(c)

	for _, room := range subscribed {
		if r.index.MemberCount(room) == 0 {
			r.feeds.Stop(feedForRoom(room))
		}
	}

	r.mu.Lock()
	delete(r.clients, c)
	r.mu.Unlock()

	c.conn.Close()
	r.metrics.clients.Dec()

	log.WithFields(log.Fields{"client": c.name, "user": c.UserID()}).Debug("client removed")
}

// Report returns connection and statistics information for every client
func (r *Relay) Report() []ClientReport {

	r.mu.RLock()
	clients := make([]*Client, 0, len(r.clients))
	for c := range r.clients {
		clients = append(clients, c)
	}
	r.mu.RUnlock()

	report := make([]ClientReport, 0, len(clients))
	for _, c := range clients {
		subs := []string{}
		for _, room := range r.index.Rooms(c) {
			subs = append(subs, feedForRoom(room))
		}
		report = append(report, ClientReport{
			UserID:        c.UserID(),
			Connected:     c.stats.connectedAt.Format(time.RFC3339),
			RemoteAddr:    c.remoteAddr,
			UserAgent:     c.userAgent,
			Subscriptions: subs,
			Stats: RxTx{
				Rx: c.stats.rx.report(),
				Tx: c.stats.tx.report(),
			},
		})
	}
	return report
}

// ServeHTTP routes websocket upgrades and the metrics endpoint
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	switch req.URL.Path {
	case "/ws":
		r.serveWs(w, req)
	case "/metrics":
		r.metrics.handler().ServeHTTP(w, req)
	default:
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	}
}

// Run starts the relay's http server and blocks until closed is closed,
// then shuts everything down: feeds first, then client connections
func (r *Relay) Run(closed <-chan struct{}, parentwg *sync.WaitGroup) {

	defer parentwg.Done()

	srv := &http.Server{
		Addr:    ":" + strconv.Itoa(r.config.Listen),
		Handler: r,
	}

	go func() {
		err := srv.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			log.WithField("error", err.Error()).Error("relay server stopped")
		}
	}()

	log.WithField("port", r.config.Listen).Info("relay listening")

	<-closed

	r.feeds.Close()

	r.mu.RLock()
	clients := make([]*Client, 0, len(r.clients))
	for c := range r.clients {
		clients = append(clients, c)
	}
	r.mu.RUnlock()

	for _, c := range clients {
		c.cancel()
		c.conn.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.WithField("error", err.Error()).Warn("relay shutdown error")
	}
}

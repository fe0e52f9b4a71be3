package relay

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/eclesh/welford"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/feedmarket/relay/internal/bridge"
	"github.com/feedmarket/relay/internal/feed"
	"github.com/feedmarket/relay/internal/rooms"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer (1MB)
	maxMessageSize = 1024 * 1024
)

// FeedGetter supplies feed configurations; the marketplace layer owns them
type FeedGetter interface {
	GetFeedByID(id string) (feed.Config, error)
}

// ContextStore accumulates recent feed payloads to serve as LLM context
type ContextStore interface {
	Append(feedID, feedName string, payload []byte)
}

// Config represents configuration options for a relay instance.
// Use this struct to pass configuration as argument during testing.
type Config struct {

	// Listen is the listening port
	Listen int

	// Audience must match the aud in client tokens
	Audience string

	// Secret is used for validating client tokens
	Secret string

	// Feeds looks up feed configuration by id; nil disables on-demand
	// upstream connections (subscriptions still join rooms)
	Feeds FeedGetter

	// Contexts receives every relayed feed payload; may be nil
	Contexts ContextStore

	// Bridge serves llm-query messages; nil disables them
	Bridge *bridge.Bridge
}

// NewDefaultConfig returns a pointer to a Config struct with default parameters
func NewDefaultConfig() *Config {
	c := &Config{}
	c.Listen = 3000
	return c
}

// WithListen specifies which (int) port to listen on
func (c *Config) WithListen(listen int) *Config {
	c.Listen = listen
	return c
}

// WithAudience specifies the audience for client tokens
func (c *Config) WithAudience(audience string) *Config {
	c.Audience = audience
	return c
}

// WithSecret specifies the secret for client tokens
func (c *Config) WithSecret(secret string) *Config {
	c.Secret = secret
	return c
}

// WithFeeds specifies the feed configuration source
func (c *Config) WithFeeds(feeds FeedGetter) *Config {
	c.Feeds = feeds
	return c
}

// WithContexts specifies the feed context store
func (c *Config) WithContexts(contexts ContextStore) *Config {
	c.Contexts = contexts
	return c
}

// WithBridge specifies the LLM query bridge
func (c *Config) WithBridge(b *bridge.Bridge) *Config {
	c.Bridge = b
	return c
}

// Client is a middleperson between one websocket connection and the relay
type Client struct {
	relay *Relay

	// The websocket connection.
	conn *websocket.Conn

	// mu serialises writes; the connection is not safe for concurrent
	// writers and fan-out can race with direct replies otherwise
	mu sync.Mutex

	// cancel ends pending work for this connection only
	cancel context.CancelFunc

	name string

	// userID is set by a successful authenticate or register-user
	userMu sync.RWMutex
	userID string

	userAgent  string
	remoteAddr string

	stats *Stats
}

// UserID returns the authenticated user id, or empty if unauthenticated
func (c *Client) UserID() string {
	c.userMu.RLock()
	defer c.userMu.RUnlock()
	return c.userID
}

func (c *Client) setUserID(id string) {
	c.userMu.Lock()
	defer c.userMu.Unlock()
	c.userID = id
}

// write sends one message on the connection, serialised and bounded by a
// deadline so a slow client never blocks a sender beyond writeWait
func (c *Client) write(mt int, data []byte) error {

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	if err := c.conn.WriteMessage(mt, data); err != nil {
		return err
	}

	c.stats.tx.update(len(data))
	return nil
}

// Send delivers a fan-out message; a failed or timed-out write is dropped,
// not retried (best-effort delivery)
func (c *Client) Send(m rooms.Message) {
	if err := c.write(m.Type, m.Data); err != nil {
		log.WithFields(log.Fields{"client": c.name, "error": err.Error()}).Debug("dropping message on failed write")
		c.relay.metrics.dropped.Inc()
	}
}

// Reply marshals a typed message and sends it to this client. Implements the
// reply surface the query bridge needs.
func (c *Client) Reply(messageType string, payload interface{}) error {
	data, err := json.Marshal(envelope{Type: messageType, Payload: payload})
	if err != nil {
		return err
	}
	return c.write(websocket.TextMessage, data)
}

// keepalive pings the client periodically; the read deadline is renewed in
// the pong handler, so a dead client eventually fails the read loop
func (c *Client) keepalive(ctx context.Context) {

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			err := c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err == nil {
				err = c.conn.WriteMessage(websocket.PingMessage, nil)
			}
			c.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// Stats represents statistics for a connection
type Stats struct {
	connectedAt time.Time

	rx *Frames

	tx *Frames
}

func newStats() *Stats {
	now := time.Now()
	return &Stats{
		connectedAt: now,
		rx:          &Frames{size: welford.New(), ns: welford.New(), connectedAt: now},
		tx:          &Frames{size: welford.New(), ns: welford.New(), connectedAt: now},
	}
}

// Frames represents statistics on messages sent over a connection
type Frames struct {
	mu sync.Mutex

	connectedAt time.Time

	last time.Time

	size *welford.Stats

	ns *welford.Stats
}

func (f *Frames) update(size int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := time.Now()
	if f.ns.Count() > 0 {
		f.ns.Add(float64(t.UnixNano() - f.last.UnixNano()))
	} else {
		f.ns.Add(float64(t.UnixNano() - f.connectedAt.UnixNano()))
	}
	f.last = t
	f.size.Add(float64(size))
}

func (f *Frames) report() ReportStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	rs := ReportStats{}
	if !f.last.IsZero() {
		rs.Last = time.Since(f.last).String()
	}
	if f.size.Count() > 0 {
		rs.Size = f.size.Mean()
	}
	if f.ns.Count() > 0 && f.ns.Mean() > 0 {
		rs.Fps = 1e9 / f.ns.Mean()
	}
	return rs
}

// ReportStats represents statistics about what has been sent/received
type ReportStats struct {
	Last string `json:"last"` //how long ago...

	Size float64 `json:"size"`

	Fps float64 `json:"fps"`
}

// RxTx represents statistics for both receive and transmit
type RxTx struct {
	Tx ReportStats `json:"tx"`
	Rx ReportStats `json:"rx"`
}

// ClientReport represents information about a client's connection and statistics
type ClientReport struct {
	UserID string `json:"userId"`

	Connected string `json:"connected"`

	RemoteAddr string `json:"remoteAddr"`

	UserAgent string `json:"userAgent"`

	Subscriptions []string `json:"subscriptions"`

	Stats RxTx `json:"stats"`
}

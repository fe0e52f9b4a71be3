// Package feed manages outbound websocket connections to external data
// sources. Each live feed has a single reader; inbound messages are handed to
// a sink for fan-out. Connections are tracked in a Pool which enforces at
// most one live connection per feed id and schedules reconnects with capped
// exponential backoff when a feed is configured to allow them.
package feed

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

const (
	// Time allowed to write a message to the upstream.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the upstream.
	pongWait = 60 * time.Second

	// Send pings to upstream with this period. Must be less than pongWait.
	pingPeriod = 30 * time.Second

	// Time allowed to complete the opening handshake.
	handshakeTimeout = 5 * time.Second

	// Maximum message size allowed from the upstream (1MB)
	maxMessageSize = 1024 * 1024
)

// Config represents the connection details for one external feed
type Config struct {
	ID   string `json:"id"`
	Name string `json:"name"`

	// URL of the upstream websocket source (ws or wss)
	URL string `json:"url"`

	// QueryParams are appended to the URL before dialling
	QueryParams map[string]string `json:"queryParams,omitempty"`

	// Headers are sent with the dial request
	Headers map[string]string `json:"headers,omitempty"`

	// ConnectionMessage is a single message sent after connecting, e.g. a
	// subscription request the upstream expects
	ConnectionMessage json.RawMessage `json:"connectionMessage,omitempty"`

	// ConnectionMessages are sent in order after ConnectionMessage
	ConnectionMessages []json.RawMessage `json:"connectionMessages,omitempty"`

	// EventName labels the data in fan-out messages
	EventName string `json:"eventName,omitempty"`

	// Reconnect enables automatic reconnection after a read failure
	Reconnect bool `json:"reconnect"`
}

// Upstream represents one live connection to an external feed
type Upstream struct {
	Config Config

	conn *websocket.Conn

	// closing stop ends the read loop cleanly, with no reconnect
	stop     chan struct{}
	stopOnce sync.Once

	// stopped is closed when the read loop has exited
	stopped chan struct{}
}

// Stop signals the read loop to end; safe to call more than once
func (u *Upstream) Stop() {
	u.stopOnce.Do(func() { close(u.stop) })
}

// Stopped returns a channel closed once the read loop has exited
func (u *Upstream) Stopped() <-chan struct{} {
	return u.stopped
}

// dial connects to the configured upstream once, applying query parameters,
// headers and the post-connect handshake messages
func dial(cfg Config) (*websocket.Conn, error) {

	if cfg.URL == "" {
		return nil, errors.New("can't dial an empty url")
	}

	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, err
	}

	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, errors.New("url needs to start with ws or wss")
	}

	q := u.Query()
	for k, v := range cfg.QueryParams {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()

	header := http.Header{}
	for k, v := range cfg.Headers {
		header.Set(k, v)
	}

	dialer := &websocket.Dialer{HandshakeTimeout: handshakeTimeout}

	conn, _, err := dialer.Dial(u.String(), header)
	if err != nil {
		log.WithFields(log.Fields{"feed": cfg.ID, "url": cfg.URL, "error": err.Error()}).Error("feed dial failed")
		return nil, err
	}

	// send handshake messages in order, best-effort; a failed send is
	// logged but does not abort the connection
	handshake := [][]byte{}
	if len(cfg.ConnectionMessage) > 0 {
		handshake = append(handshake, cfg.ConnectionMessage)
	}
	for _, m := range cfg.ConnectionMessages {
		handshake = append(handshake, m)
	}

	for _, m := range handshake {
		if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
			log.WithFields(log.Fields{"feed": cfg.ID, "error": err.Error()}).Warn("feed handshake deadline error")
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, m); err != nil {
			log.WithFields(log.Fields{"feed": cfg.ID, "error": err.Error()}).Warn("feed handshake send failed")
		}
	}

	return conn, nil
}

package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// serveWs handles websocket requests from clients
func (r *Relay) serveWs(w http.ResponseWriter, req *http.Request) {

	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		log.WithField("error", err.Error()).Error("serveWs failed to upgrade to websocket")
		return
	}

	//cannot return any http responses from here on

	ctx, cancel := context.WithCancel(context.Background())

	c := &Client{
		relay:      r,
		conn:       conn,
		cancel:     cancel,
		name:       uuid.New().String(),
		userAgent:  req.UserAgent(),
		remoteAddr: req.Header.Get("X-Forwarded-For"),
		stats:      newStats(),
	}

	if c.remoteAddr == "" {
		c.remoteAddr = req.RemoteAddr
	}

	r.addClient(c)

	log.WithFields(log.Fields{"client": c.name, "remoteAddr": c.remoteAddr}).Debug("client connected")

	go c.keepalive(ctx)
	go r.readPump(ctx, c)
}

// readPump reads and dispatches messages from one client connection until it
// fails or closes. The application ensures there is at most one reader on a
// connection by executing all reads from this goroutine.
func (r *Relay) readPump(ctx context.Context, c *Client) {

	defer func() {
		r.removeClient(c)
		log.WithField("client", c.name).Trace("readPump closed")
	}()

	c.conn.SetReadLimit(maxMessageSize)

	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		log.WithField("error", err.Error()).Error("readPump deadline error")
		return
	}

	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {

		_, data, err := c.conn.ReadMessage()

		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.WithFields(log.Fields{"client": c.name, "error": err.Error()}).Error("readPump error")
			}
			break
		}

		c.stats.rx.update(len(data))

		var env inboundEnvelope

		if err := json.Unmarshal(data, &env); err != nil {
			// an unparsable envelope is a protocol failure for the
			// whole connection, unlike a bad payload for a known type
			log.WithFields(log.Fields{"client": c.name, "error": err.Error()}).Info("unparsable envelope; closing connection")
			break
		}

		r.dispatch(ctx, c, env)
	}
}

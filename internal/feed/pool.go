package feed

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	log "github.com/sirupsen/logrus"
)

// Sink receives each message read from a live feed, in the order it was read
type Sink func(cfg Config, data []byte)

// RetryConfig represents the parameters for reconnect delays
type RetryConfig struct {
	Factor float64
	Jitter bool
	Min    time.Duration
	Max    time.Duration
}

// Pool owns the table of live upstream connections. It enforces at most one
// live connection per feed id, and reconnects failed feeds that allow it.
type Pool struct {
	Retry RetryConfig

	mu      sync.RWMutex
	live    map[string]*Upstream
	retries map[string]*backoff.Backoff

	sink   Sink
	closed chan struct{}
}

// NewPool returns a pointer to a Pool delivering messages to the given sink
func NewPool(sink Sink) *Pool {
	return &Pool{
		Retry: RetryConfig{
			Factor: 2,
			Jitter: true,
			Min:    1 * time.Second,
			Max:    30 * time.Second,
		},
		live:    make(map[string]*Upstream),
		retries: make(map[string]*backoff.Backoff),
		sink:    sink,
		closed:  make(chan struct{}),
	}
}

// Connect dials the feed and starts its read loop. A connect request for a
// feed that is already live is a no-op, unless the registered connection has
// stopped or been told to stop. Dial errors are returned to the caller
// and leave no registration behind; retries happen only via the read loop's
// reconnect path or a later Connect.
func (p *Pool) Connect(cfg Config) error {

	p.mu.Lock()

	if u, ok := p.live[cfg.ID]; ok {
		// a registration that has stopped, or been told to stop, is on
		// its way out and must not swallow a new connect request
		select {
		case <-u.stopped:
			delete(p.live, cfg.ID)
		default:
			select {
			case <-u.stop:
				delete(p.live, cfg.ID)
			default:
				p.mu.Unlock()
				return nil
			}
		}
	}

	// register before dialling so concurrent connects for the same feed
	// cannot both produce a live transport
	u := &Upstream{
		Config:  cfg,
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	p.live[cfg.ID] = u
	p.mu.Unlock()

	conn, err := dial(cfg)
	if err != nil {
		p.remove(cfg.ID, u)
		close(u.stopped)
		return err
	}

	u.conn = conn

	p.mu.Lock()
	if b, ok := p.retries[cfg.ID]; ok {
		b.Reset()
	}
	p.mu.Unlock()

	log.WithFields(log.Fields{"feed": cfg.ID, "url": cfg.URL}).Info("feed connected")

	go p.run(u)

	return nil
}

// run is the read loop for one upstream connection. It multiplexes over the
// stop signal, the ping ticker, inbound messages and read errors. A read or
// ping failure is fatal for this connection; an explicit stop ends it cleanly
// with no reconnect.
func (p *Pool) run(u *Upstream) {

	defer close(u.stopped)

	u.conn.SetReadLimit(maxMessageSize)

	if err := u.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		log.WithFields(log.Fields{"feed": u.Config.ID, "error": err.Error()}).Error("feed read deadline error")
		p.fail(u, err)
		return
	}

	u.conn.SetPongHandler(func(string) error {
		return u.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	readErr := make(chan error, 1)
	incoming := make(chan []byte)

	go func() {
		for {
			_, data, err := u.conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			// any traffic proves the upstream is alive
			if err := u.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
				readErr <- err
				return
			}
			select {
			case incoming <- data:
			case <-u.stop:
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {

		case <-u.stop:
			err := u.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			if err != nil {
				log.WithFields(log.Fields{"feed": u.Config.ID, "error": err.Error()}).Debug("feed close message error")
			}
			u.conn.Close()
			p.remove(u.Config.ID, u)
			log.WithFields(log.Fields{"feed": u.Config.ID}).Info("feed stopped")
			return

		case <-ticker.C:
			if err := u.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				p.fail(u, err)
				return
			}
			if err := u.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				p.fail(u, err)
				return
			}

		case data := <-incoming:
			p.sink(u.Config, data)

		case err := <-readErr:
			p.fail(u, err)
			return
		}
	}
}

// fail handles a fatal error on a live connection: deregister, close the
// transport, and schedule a reconnect if the feed allows it
func (p *Pool) fail(u *Upstream, err error) {

	log.WithFields(log.Fields{"feed": u.Config.ID, "error": err.Error()}).Warn("feed connection failed")

	// release the reader goroutine if it is blocked handing over a message;
	// without this a ping failure would strand it on the incoming channel
	u.Stop()

	p.remove(u.Config.ID, u)
	u.conn.Close()

	if u.Config.Reconnect {
		p.scheduleReconnect(u.Config)
	}
}

// scheduleReconnect arranges a delayed reconnect attempt for the feed, with
// the delay growing on each consecutive failure
func (p *Pool) scheduleReconnect(cfg Config) {

	select {
	case <-p.closed:
		return
	default:
	}

	delay := p.backoffFor(cfg.ID).Duration()

	log.WithFields(log.Fields{"feed": cfg.ID, "delay": delay.String()}).Info("feed reconnect scheduled")

	go func() {
		select {
		case <-p.closed:
			return
		case <-time.After(delay):
		}
		if err := p.Connect(cfg); err != nil {
			p.scheduleReconnect(cfg)
		}
	}()
}

// backoffFor returns the reconnect backoff tracker for a feed id
func (p *Pool) backoffFor(id string) *backoff.Backoff {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.retries[id]
	if !ok {
		b = &backoff.Backoff{
			Factor: p.Retry.Factor,
			Jitter: p.Retry.Jitter,
			Min:    p.Retry.Min,
			Max:    p.Retry.Max,
		}
		p.retries[id] = b
	}
	return b
}

// remove deletes the registration, but only if it still belongs to u
func (p *Pool) remove(id string, u *Upstream) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.live[id] == u {
		delete(p.live, id)
	}
}

// Stop cleanly ends the live connection for a feed id, if there is one.
// Stopped feeds are not reconnected.
func (p *Pool) Stop(id string) {
	p.mu.RLock()
	u, ok := p.live[id]
	p.mu.RUnlock()
	if ok {
		u.Stop()
	}
}

// Connected reports whether there is a live connection for the feed id
func (p *Pool) Connected(id string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	u, ok := p.live[id]
	if !ok {
		return false
	}
	select {
	case <-u.stopped:
		return false
	default:
		return true
	}
}

// Count returns the number of live connections
func (p *Pool) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.live)
}

// Close stops every live connection and prevents further reconnects
func (p *Pool) Close() {
	close(p.closed)
	p.mu.RLock()
	for _, u := range p.live {
		u.Stop()
	}
	p.mu.RUnlock()
}

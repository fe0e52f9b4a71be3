package relay

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/phayes/freeport"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"github.com/feedmarket/relay/internal/bridge"
	"github.com/feedmarket/relay/internal/catalog"
	"github.com/feedmarket/relay/internal/feed"
	"github.com/feedmarket/relay/internal/feedctx"
	"github.com/feedmarket/relay/internal/token"
	"github.com/feedmarket/relay/internal/usage"
)

func init() {
	log.SetLevel(log.PanicLevel)
}

var testUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func wsURL(s *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(s.URL, "http") + path
}

// newTestRelay starts a relay behind an httptest server and dials one client
func newTestRelay(t *testing.T, config Config) (*Relay, *httptest.Server, *websocket.Conn) {
	r := New(config)
	s := httptest.NewServer(r)
	t.Cleanup(s.Close)
	conn := dialTestClient(t, s)
	return r, s, conn
}

func dialTestClient(t *testing.T, s *httptest.Server) *websocket.Conn {
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(s, "/ws"), nil)
	if err != nil {
		t.Fatalf("client dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, messageType string, payload interface{}) {
	data, err := json.Marshal(map[string]interface{}{"type": messageType, "payload": payload})
	assert.NoError(t, err)
	err = conn.WriteMessage(websocket.TextMessage, data)
	assert.NoError(t, err)
}

func receive(t *testing.T, conn *websocket.Conn) (string, json.RawMessage) {
	err := conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	assert.NoError(t, err)
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	var env inboundEnvelope
	err = json.Unmarshal(data, &env)
	assert.NoError(t, err)
	return env.Type, env.Payload
}

// receiveType reads until a message of the wanted type arrives, failing on
// timeout or after too many unrelated messages
func receiveType(t *testing.T, conn *websocket.Conn, want string) json.RawMessage {
	for i := 0; i < 20; i++ {
		mt, payload := receive(t, conn)
		if mt == want {
			return payload
		}
	}
	t.Fatalf("did not receive %s", want)
	return nil
}

func TestPingPong(t *testing.T) {

	_, _, conn := newTestRelay(t, *NewDefaultConfig())

	send(t, conn, "ping", nil)

	mt, _ := receive(t, conn)
	assert.Equal(t, "pong", mt)
}

func TestUnknownMessageType(t *testing.T) {

	_, _, conn := newTestRelay(t, *NewDefaultConfig())

	send(t, conn, "frobnicate", nil)

	mt, payload := receive(t, conn)
	assert.Equal(t, "error", mt)
	var e errorPayload
	assert.NoError(t, json.Unmarshal(payload, &e))
	assert.Contains(t, e.Error, "frobnicate")
}

func TestUnparsableEnvelopeClosesConnection(t *testing.T) {

	_, _, conn := newTestRelay(t, *NewDefaultConfig())

	err := conn.WriteMessage(websocket.TextMessage, []byte("this is not json"))
	assert.NoError(t, err)

	err = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	assert.NoError(t, err)
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
}

func TestMalformedPayloadKeepsConnectionOpen(t *testing.T) {

	_, _, conn := newTestRelay(t, *NewDefaultConfig())

	// feedId of the wrong type degrades to a typed error, not a close
	send(t, conn, "subscribe-feed", map[string]interface{}{"feedId": 123})

	mt, _ := receive(t, conn)
	assert.Equal(t, "subscription-error", mt)

	// the read loop is still serving
	send(t, conn, "ping", nil)
	mt, _ = receive(t, conn)
	assert.Equal(t, "pong", mt)
}

func TestAuthenticate(t *testing.T) {

	config := NewDefaultConfig().
		WithAudience("https://relay.example.io").
		WithSecret("testsecret")

	_, _, conn := newTestRelay(t, *config)

	iat := time.Now().Add(-time.Second)
	signed, err := token.Sign(token.New("https://relay.example.io", "user-7", nil, iat, iat, iat.Add(time.Hour)), "testsecret")
	assert.NoError(t, err)

	send(t, conn, "authenticate", map[string]string{"token": signed})

	mt, payload := receive(t, conn)
	assert.Equal(t, "auth_success", mt)
	var u userPayload
	assert.NoError(t, json.Unmarshal(payload, &u))
	assert.Equal(t, "user-7", u.UserID)
}

func TestAuthenticateInvalidTokenLeavesConnectionOpen(t *testing.T) {

	config := NewDefaultConfig().
		WithAudience("https://relay.example.io").
		WithSecret("testsecret")

	_, _, conn := newTestRelay(t, *config)

	send(t, conn, "authenticate", map[string]string{"token": "garbage"})
	mt, _ := receive(t, conn)
	assert.Equal(t, "auth_error", mt)

	send(t, conn, "authenticate", map[string]string{})
	mt, _ = receive(t, conn)
	assert.Equal(t, "auth_error", mt)

	send(t, conn, "ping", nil)
	mt, _ = receive(t, conn)
	assert.Equal(t, "pong", mt)
}

func TestRegisterUser(t *testing.T) {

	_, _, conn := newTestRelay(t, *NewDefaultConfig())

	send(t, conn, "register-user", map[string]string{"userId": "user-9"})
	mt, _ := receive(t, conn)
	assert.Equal(t, "registration-success", mt)

	send(t, conn, "register-user", map[string]string{})
	mt, _ = receive(t, conn)
	assert.Equal(t, "registration-error", mt)
}

func TestSubscribeMissingFeedID(t *testing.T) {

	_, _, conn := newTestRelay(t, *NewDefaultConfig())

	send(t, conn, "subscribe-feed", map[string]string{})
	mt, _ := receive(t, conn)
	assert.Equal(t, "subscription-error", mt)

	send(t, conn, "unsubscribe-feed", map[string]string{})
	mt, _ = receive(t, conn)
	assert.Equal(t, "unsubscription-error", mt)
}

// upstreamServer is a fake external feed that sends each queued message to
// every connection it accepts
func upstreamServer(t *testing.T, emit <-chan string) *httptest.Server {
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		for msg := range emit {
			if err := c.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				return
			}
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func TestFeedDataFanOut(t *testing.T) {

	emit := make(chan string)
	defer close(emit)
	up := upstreamServer(t, emit)

	feeds := catalog.NewStore()
	feeds.Add(feed.Config{ID: "f1", Name: "prices", EventName: "tick", URL: wsURL(up, "")})

	contexts := feedctx.NewStore(0)

	config := NewDefaultConfig().WithFeeds(feeds).WithContexts(contexts)
	r, s, subscriber := newTestRelay(t, *config)

	bystander := dialTestClient(t, s)

	send(t, subscriber, "subscribe-feed", map[string]string{"feedId": "f1"})
	mt, _ := receive(t, subscriber)
	assert.Equal(t, "subscription-success", mt)

	// wait for the upstream connection to come up, then emit
	for i := 0; i < 100 && !r.feeds.Connected("f1"); i++ {
		time.Sleep(10 * time.Millisecond)
	}
	assert.True(t, r.feeds.Connected("f1"))

	emit <- `{"price":100}`

	payload := receiveType(t, subscriber, "feed-data")
	var fd struct {
		FeedID    string          `json:"feedId"`
		FeedName  string          `json:"feedName"`
		EventName string          `json:"eventName"`
		Data      json.RawMessage `json:"data"`
		Timestamp int64           `json:"timestamp"`
	}
	assert.NoError(t, json.Unmarshal(payload, &fd))
	assert.Equal(t, "f1", fd.FeedID)
	assert.Equal(t, "prices", fd.FeedName)
	assert.Equal(t, "tick", fd.EventName)
	assert.JSONEq(t, `{"price":100}`, string(fd.Data))
	assert.NotZero(t, fd.Timestamp)

	// the context store saw the payload too
	assert.Equal(t, []string{`{"price":100}`}, contexts.Recent("f1", 0))

	// the bystander subscribed to nothing and must receive nothing
	err := bystander.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	assert.NoError(t, err)
	_, _, err = bystander.ReadMessage()
	assert.Error(t, err)
}

func TestNonJSONFeedDataRelayedAsText(t *testing.T) {

	emit := make(chan string)
	defer close(emit)
	up := upstreamServer(t, emit)

	feeds := catalog.NewStore()
	feeds.Add(feed.Config{ID: "f1", Name: "wire", URL: wsURL(up, "")})

	r, _, subscriber := newTestRelay(t, *NewDefaultConfig().WithFeeds(feeds))

	send(t, subscriber, "subscribe-feed", map[string]string{"feedId": "f1"})
	receiveType(t, subscriber, "subscription-success")

	for i := 0; i < 100 && !r.feeds.Connected("f1"); i++ {
		time.Sleep(10 * time.Millisecond)
	}

	emit <- "PLAIN TEXT TICK"

	payload := receiveType(t, subscriber, "feed-data")
	var fd struct {
		Data interface{} `json:"data"`
	}
	assert.NoError(t, json.Unmarshal(payload, &fd))
	assert.Equal(t, "PLAIN TEXT TICK", fd.Data)
}

func TestUnsubscribeStopsIdleFeed(t *testing.T) {

	emit := make(chan string)
	defer close(emit)
	up := upstreamServer(t, emit)

	feeds := catalog.NewStore()
	feeds.Add(feed.Config{ID: "f1", URL: wsURL(up, "")})

	r, _, conn := newTestRelay(t, *NewDefaultConfig().WithFeeds(feeds))

	send(t, conn, "subscribe-feed", map[string]string{"feedId": "f1"})
	receiveType(t, conn, "subscription-success")

	for i := 0; i < 100 && !r.feeds.Connected("f1"); i++ {
		time.Sleep(10 * time.Millisecond)
	}
	assert.True(t, r.feeds.Connected("f1"))

	send(t, conn, "unsubscribe-feed", map[string]string{"feedId": "f1"})
	receiveType(t, conn, "unsubscription-success")

	// the upstream is stopped once its last subscriber leaves
	for i := 0; i < 100 && r.feeds.Connected("f1"); i++ {
		time.Sleep(10 * time.Millisecond)
	}
	assert.False(t, r.feeds.Connected("f1"))
	assert.Equal(t, 0, r.index.RoomCount())
}

func TestDisconnectCleansUpMembership(t *testing.T) {

	r, s, conn := newTestRelay(t, *NewDefaultConfig())

	send(t, conn, "subscribe-feed", map[string]string{"feedId": "f1"})
	receiveType(t, conn, "subscription-success")
	assert.Equal(t, 1, r.index.RoomCount())

	conn.Close()

	for i := 0; i < 100 && r.index.RoomCount() > 0; i++ {
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, 0, r.index.RoomCount())

	// the relay keeps serving other connections
	other := dialTestClient(t, s)
	send(t, other, "ping", nil)
	mt, _ := receive(t, other)
	assert.Equal(t, "pong", mt)
}

func TestLLMQuery(t *testing.T) {

	rec := usage.NewMemoryRecorder()
	b := bridge.New(&bridge.MockProvider{Answer: "steady upward trend"}).WithRecorder(rec)

	_, _, conn := newTestRelay(t, *NewDefaultConfig().WithBridge(b))

	send(t, conn, "register-user", map[string]string{"userId": "user-3"})
	receiveType(t, conn, "registration-success")

	send(t, conn, "llm-query", map[string]string{"requestId": "q1", "feedId": "f1", "question": "trend?"})

	payload := receiveType(t, conn, "llm-response")
	var answer bridge.AnswerPayload
	assert.NoError(t, json.Unmarshal(payload, &answer))
	assert.Equal(t, "q1", answer.RequestID)
	assert.Equal(t, "steady upward trend", answer.Answer)
	assert.Equal(t, "mock", answer.Provider)

	receiveType(t, conn, "token-usage-update")
	assert.Equal(t, 3, rec.Total("user-3"))
}

func TestLLMQueryStream(t *testing.T) {

	b := bridge.New(&bridge.MockProvider{Answer: "up up and away"})

	_, _, conn := newTestRelay(t, *NewDefaultConfig().WithBridge(b))

	send(t, conn, "llm-query-stream", map[string]string{"requestId": "q2", "analysisId": "a1", "question": "trend?"})

	var streamed string
	for {
		mt, payload := receive(t, conn)
		if mt == "llm-token" {
			var tok bridge.TokenPayload
			assert.NoError(t, json.Unmarshal(payload, &tok))
			assert.Equal(t, "q2", tok.RequestID)
			assert.Equal(t, "a1", tok.AnalysisID)
			streamed += tok.Token
			continue
		}
		assert.Equal(t, "llm-complete", mt)
		var done bridge.CompletePayload
		assert.NoError(t, json.Unmarshal(payload, &done))
		assert.Equal(t, "q2", done.RequestID)
		break
	}
	assert.Equal(t, "up up and away", streamed)
}

func TestLLMQueryDisabled(t *testing.T) {

	_, _, conn := newTestRelay(t, *NewDefaultConfig())

	send(t, conn, "llm-query", map[string]string{"requestId": "q1", "question": "trend?"})

	payload := receiveType(t, conn, "llm-error")
	var e bridge.ErrorPayload
	assert.NoError(t, json.Unmarshal(payload, &e))
	assert.Equal(t, "q1", e.RequestID)
}

func TestConcurrentWritesDoNotInterleave(t *testing.T) {

	emit := make(chan string)
	defer close(emit)
	up := upstreamServer(t, emit)

	feeds := catalog.NewStore()
	feeds.Add(feed.Config{ID: "f1", Name: "prices", URL: wsURL(up, "")})

	answer := strings.TrimSpace(strings.Repeat("word ", 40))
	b := bridge.New(&bridge.MockProvider{Answer: answer})

	r, _, conn := newTestRelay(t, *NewDefaultConfig().WithFeeds(feeds).WithBridge(b))

	send(t, conn, "subscribe-feed", map[string]string{"feedId": "f1"})
	receiveType(t, conn, "subscription-success")

	for i := 0; i < 100 && !r.feeds.Connected("f1"); i++ {
		time.Sleep(10 * time.Millisecond)
	}
	assert.True(t, r.feeds.Connected("f1"))

	// flood fan-out traffic while a token stream is serving the same
	// connection; the write lock must keep every frame whole
	const n = 50
	go func() {
		for i := 0; i < n; i++ {
			emit <- `{"seq":` + strconv.Itoa(i) + `}`
		}
	}()

	send(t, conn, "llm-query-stream", map[string]string{"requestId": "q1", "question": "trend?"})

	var streamed string
	feedData := 0
	complete := false
	for feedData < n || !complete {
		mt, payload := receive(t, conn)
		switch mt {
		case "feed-data":
			var fd struct {
				Data json.RawMessage `json:"data"`
			}
			assert.NoError(t, json.Unmarshal(payload, &fd))
			assert.True(t, json.Valid(fd.Data))
			feedData++
		case "llm-token":
			var tok bridge.TokenPayload
			assert.NoError(t, json.Unmarshal(payload, &tok))
			assert.Equal(t, "q1", tok.RequestID)
			streamed += tok.Token
		case "llm-complete":
			complete = true
		default:
			t.Fatalf("unexpected frame type %q", mt)
		}
	}

	assert.Equal(t, answer, streamed)
	assert.Equal(t, n, feedData)
}

func TestFeedReconnectKeepsSubscribers(t *testing.T) {

	var firstConn = make(chan *websocket.Conn, 1)
	emit := make(chan string)
	defer close(emit)

	var upgrades int32
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		if atomic.AddInt32(&upgrades, 1) == 1 {
			firstConn <- c
			// park the first connection; the test kills it
			for {
				if _, _, err := c.ReadMessage(); err != nil {
					return
				}
			}
		}
		defer c.Close()
		for msg := range emit {
			if err := c.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				return
			}
		}
	}))
	defer up.Close()

	feeds := catalog.NewStore()
	feeds.Add(feed.Config{ID: "f1", Name: "prices", URL: wsURL(up, ""), Reconnect: true})

	r := New(*NewDefaultConfig().WithFeeds(feeds))
	r.feeds.Retry = feed.RetryConfig{Factor: 2, Min: 20 * time.Millisecond, Max: 100 * time.Millisecond}
	s := httptest.NewServer(r)
	defer s.Close()

	conn := dialTestClient(t, s)

	send(t, conn, "subscribe-feed", map[string]string{"feedId": "f1"})
	receiveType(t, conn, "subscription-success")

	// kill the first upstream connection to force a reconnect
	select {
	case c := <-firstConn:
		c.Close()
	case <-time.After(2 * time.Second):
		t.Fatal("upstream never connected")
	}

	// the replacement connection serves data; the client never resubscribed
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		select {
		case emit <- `{"price":200}`:
		case <-time.After(50 * time.Millisecond):
			continue
		}
		break
	}

	payload := receiveType(t, conn, "feed-data")
	var fd struct {
		Data json.RawMessage `json:"data"`
	}
	assert.NoError(t, json.Unmarshal(payload, &fd))
	assert.JSONEq(t, `{"price":200}`, string(fd.Data))
}

func TestReport(t *testing.T) {

	r, _, conn := newTestRelay(t, *NewDefaultConfig())

	send(t, conn, "register-user", map[string]string{"userId": "user-5"})
	receiveType(t, conn, "registration-success")
	send(t, conn, "subscribe-feed", map[string]string{"feedId": "f1"})
	receiveType(t, conn, "subscription-success")

	report := r.Report()
	assert.Len(t, report, 1)
	assert.Equal(t, "user-5", report[0].UserID)
	assert.Equal(t, []string{"f1"}, report[0].Subscriptions)
}

func TestRunShutdown(t *testing.T) {

	port, err := freeport.GetFreePort()
	assert.NoError(t, err)

	r := New(*NewDefaultConfig().WithListen(port))

	var wg sync.WaitGroup
	closed := make(chan struct{})
	wg.Add(1)
	go r.Run(closed, &wg)

	addr := "ws://127.0.0.1:" + strconv.Itoa(port) + "/ws"

	var conn *websocket.Conn
	for i := 0; i < 100; i++ {
		conn, _, err = websocket.DefaultDialer.Dial(addr, nil)
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("server never came up: %v", err)
	}

	send(t, conn, "ping", nil)
	mt, _ := receive(t, conn)
	assert.Equal(t, "pong", mt)

	close(closed)
	wg.Wait()

	// the listener is gone and the client connection was closed
	_, _, err = websocket.DefaultDialer.Dial(addr, nil)
	assert.Error(t, err)
	err = conn.SetReadDeadline(time.Now().Add(time.Second))
	assert.NoError(t, err)
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
}

func TestMetricsEndpoint(t *testing.T) {

	_, s, conn := newTestRelay(t, *NewDefaultConfig())

	send(t, conn, "ping", nil)
	receiveType(t, conn, "pong")

	resp, err := http.Get(s.URL + "/metrics")
	assert.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"
)

const (
	// pingAfter is how long the connection may be silent before the
	// event loop sends a ping.
	pingAfter = 10 * time.Second

	// disconnectAfter is how long the connection may be silent before it
	// is declared dead and closed.
	disconnectAfter = 120 * time.Second

	// heartbeatCheckAt is the event loop's heartbeat ticker interval.
	heartbeatCheckAt = 20 * time.Second

	reconnectMin = 5 * time.Second
	reconnectMax = 5 * time.Minute

	// feedReadLimit caps WebSocket frame sizes. Event frames are small
	// JSON payloads; content never travels over the feed.
	feedReadLimit = 1024 * 1024

	// inboundChanSize is the buffer size for the channel carrying frames
	// from the reader goroutine to the event loop.
	inboundChanSize = 64

	// changeChanSize is the buffer size for the channel delivering
	// parsed change events to the consumer.
	changeChanSize = 64

	// jitterDivisor controls the range of random jitter added to
	// reconnect backoff: jitter is uniform in [0, backoff/jitterDivisor).
	jitterDivisor = 2

	// reconnectBackoffMultiplier is the exponential growth factor
	// applied to the reconnect backoff after each consecutive failure.
	reconnectBackoffMultiplier = 2
)

// ChangeKind classifies a remote change event.
type ChangeKind string

const (
	ChangeModified ChangeKind = "modified"
	ChangeDeleted  ChangeKind = "deleted"
)

// Change is one remote-side file event, with the path relative to the
// remote root.
type Change struct {
	Path string
	Kind ChangeKind
}

// inboundMsg wraps a frame read from the WebSocket by the reader goroutine.
type inboundMsg struct {
	typ  websocket.MessageType
	data []byte
	err  error
}

// wsConn abstracts the WebSocket connection so Feed can be tested
// without a real server. *websocket.Conn satisfies this interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	SetReadLimit(n int64)
}

// FeedOptions configures a change feed subscription.
type FeedOptions struct {
	// BaseURL is the API origin; the ws/wss scheme is derived from it.
	BaseURL string

	// Token is the bearer token presented at dial time.
	Token string

	// Root is the remote directory whose events to subscribe to.
	Root string

	// Device identifies this client in the subscribe handshake so the
	// server can skip echoing a device's own writes back to it.
	Device string
}

// Feed maintains a WebSocket subscription to the store's change events.
//
// Architecture: a reader goroutine feeds inboundCh with raw frames. A
// single event loop goroutine (Listen) parses them, forwards change
// events to the Changes channel, and owns all writes to the connection
// (heartbeat pings), so no write mutex is needed.
type Feed struct {
	logger *slog.Logger

	url    string
	token  string
	root   string
	device string

	conn      wsConn
	inboundCh chan inboundMsg
	changes   chan Change

	lastMessage time.Time
	lastMsgMu   sync.Mutex

	// connCancel cancels the per-connection context. Used to stop the
	// reader goroutine when the connection drops before reconnecting.
	connCancel context.CancelFunc
}

// NewFeed creates a change feed client. Call Connect, then Listen.
func NewFeed(opts FeedOptions, logger *slog.Logger) *Feed {
	url := strings.TrimSuffix(opts.BaseURL, "/")
	url = strings.Replace(url, "http", "ws", 1) + "/v1/events"

	return &Feed{
		logger:  logger,
		url:     url,
		token:   opts.Token,
		root:    strings.TrimSuffix(opts.Root, "/"),
		device:  opts.Device,
		changes: make(chan Change, changeChanSize),
	}
}

// Changes returns the channel delivering remote change events.
func (f *Feed) Changes() <-chan Change {
	return f.changes
}

type subscribeMessage struct {
	Op     string `json:"op"`
	Root   string `json:"root"`
	Device string `json:"device,omitempty"`
}

type subscribeResponse struct {
	Res string `json:"res"`
	Msg string `json:"msg"`
}

// Connect dials the WebSocket, subscribes to the remote root, and waits
// for the server's acknowledgement.
func (f *Feed) Connect(ctx context.Context) error {
	// Cancel any previous reader goroutine from a prior connection.
	if f.connCancel != nil {
		f.connCancel()
	}

	f.logger.Debug("connecting to change feed", slog.String("url", f.url))

	conn, _, err := websocket.Dial(ctx, f.url, &websocket.DialOptions{ //nolint:bodyclose // websocket.Dial closes the response body internally
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + f.token},
		},
	})
	if err != nil {
		return fmt.Errorf("dialing websocket: %w", err)
	}

	return f.subscribe(ctx, conn)
}

// subscribe performs the post-dial subscription handshake. Extracted
// from Connect so the logic can be tested with a mock wsConn without a
// real network connection.
func (f *Feed) subscribe(ctx context.Context, conn wsConn) error {
	f.conn = conn
	f.conn.SetReadLimit(feedReadLimit)
	f.touchLastMessage()

	if err := f.writeJSON(ctx, subscribeMessage{Op: "subscribe", Root: f.root, Device: f.device}); err != nil {
		f.conn.Close(websocket.StatusInternalError, "subscribe failed")
		return fmt.Errorf("sending subscribe: %w", err)
	}

	var resp subscribeResponse
	if err := f.readJSON(ctx, &resp); err != nil {
		f.conn.Close(websocket.StatusInternalError, "subscribe read failed")
		return fmt.Errorf("reading subscribe response: %w", err)
	}

	if resp.Res != "ok" {
		msg := resp.Msg
		if msg == "" {
			msg = resp.Res
		}

		f.conn.Close(websocket.StatusNormalClosure, "subscribe rejected")

		return fmt.Errorf("subscribe rejected: %s", msg)
	}

	f.logger.Info("change feed subscribed", slog.String("root", f.root))

	return nil
}

// startReader launches a goroutine that reads from the WebSocket and
// feeds inboundCh. Exits when connCtx is cancelled or a read error
// occurs. The error is delivered as the final message on inboundCh.
// The goroutine captures ch and conn by value so that if startReader is
// called again for a new connection, the old goroutine cannot send
// stale messages into the new channel.
func (f *Feed) startReader(connCtx context.Context) {
	ch := make(chan inboundMsg, inboundChanSize)
	f.inboundCh = ch
	conn := f.conn

	go func() {
		for {
			typ, data, err := conn.Read(connCtx)
			select {
			case ch <- inboundMsg{typ: typ, data: data, err: err}:
			case <-connCtx.Done():
				return
			}

			if err != nil {
				return
			}
		}
	}()
}

// Listen is the event loop with automatic reconnection. It owns all
// writes to the connection. Returns only on permanent errors or context
// cancellation. Connect must have succeeded first.
func (f *Feed) Listen(ctx context.Context) error {
	backoff := reconnectMin

	connCtx, connCancel := context.WithCancel(ctx)
	f.connCancel = connCancel
	f.startReader(connCtx)

	for {
		err := f.eventLoop(ctx, connCtx)
		if err == nil {
			return nil
		}

		connCancel()

		if ctx.Err() != nil {
			return ctx.Err()
		}

		if isPermanentError(err) {
			return fmt.Errorf("permanent error: %w", err)
		}

		f.logger.Warn("change feed connection lost, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("backoff", backoff),
		)

		jitter := time.Duration(rand.Int64N(int64(backoff) / jitterDivisor)) //nolint:gosec // G404: math/rand is fine for reconnect jitter, no security impact

		timer := time.NewTimer(backoff + jitter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		if err := f.Connect(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			if isPermanentError(err) {
				return fmt.Errorf("permanent reconnect error: %w", err)
			}

			f.logger.Warn("change feed reconnect failed",
				slog.String("error", err.Error()),
				slog.Duration("backoff", backoff),
			)
			backoff = min(backoff*reconnectBackoffMultiplier, reconnectMax)

			continue
		}

		// Fresh connection context and reader for the new connection.
		connCtx, connCancel = context.WithCancel(ctx)
		f.connCancel = connCancel
		f.startReader(connCtx)

		backoff = reconnectMin

		f.logger.Info("change feed reconnected")
	}
}

// eventLoop is the single event loop for one connection. It selects on
// inbound frames and the heartbeat ticker. Returns on read error or
// context cancellation.
func (f *Feed) eventLoop(ctx context.Context, connCtx context.Context) error {
	ticker := time.NewTicker(heartbeatCheckAt)
	defer ticker.Stop()

	for {
		select {
		case msg := <-f.inboundCh:
			if msg.err != nil {
				return fmt.Errorf("reading frame: %w", msg.err)
			}

			f.touchLastMessage()

			if msg.typ == websocket.MessageBinary {
				f.logger.Debug("unexpected binary frame on change feed", slog.Int("bytes", len(msg.data)))
				continue
			}

			if err := f.handleFrame(ctx, msg.data); err != nil {
				return err
			}

		case <-ticker.C:
			f.lastMsgMu.Lock()
			elapsed := time.Since(f.lastMessage)
			f.lastMsgMu.Unlock()

			if elapsed > disconnectAfter {
				f.logger.Warn("change feed timed out, closing")
				f.conn.Close(websocket.StatusGoingAway, "timeout")

				return fmt.Errorf("heartbeat timeout")
			}

			if elapsed > pingAfter {
				if err := f.writeJSON(ctx, map[string]string{"op": "ping"}); err != nil {
					return fmt.Errorf("sending ping: %w", err)
				}
			}

		case <-ctx.Done():
			f.conn.Close(websocket.StatusNormalClosure, "shutdown")
			return ctx.Err()

		case <-connCtx.Done():
			return connCtx.Err()
		}
	}
}

// handleFrame processes a single text frame from the server.
func (f *Feed) handleFrame(ctx context.Context, data []byte) error {
	op := gjson.GetBytes(data, "op").Str

	switch op {
	case "pong":
		return nil

	case "change":
		path := gjson.GetBytes(data, "path").Str
		kind := ChangeKind(gjson.GetBytes(data, "kind").Str)

		rel, ok := strings.CutPrefix(path, f.root+"/")
		if !ok {
			f.logger.Debug("change outside subscribed root", slog.String("path", path))
			return nil
		}

		if kind != ChangeModified && kind != ChangeDeleted {
			f.logger.Debug("unknown change kind", slog.String("kind", string(kind)))
			return nil
		}

		select {
		case f.changes <- Change{Path: rel, Kind: kind}:
		case <-ctx.Done():
			return ctx.Err()
		}

		return nil

	default:
		f.logger.Debug("unexpected frame on change feed", slog.String("op", op))
		return nil
	}
}

func (f *Feed) writeJSON(ctx context.Context, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshalling message: %w", err)
	}

	return f.conn.Write(ctx, websocket.MessageText, data)
}

func (f *Feed) readJSON(ctx context.Context, v interface{}) error {
	_, data, err := f.conn.Read(ctx)
	if err != nil {
		return fmt.Errorf("reading message: %w", err)
	}

	f.touchLastMessage()

	return json.Unmarshal(data, v)
}

func (f *Feed) touchLastMessage() {
	f.lastMsgMu.Lock()
	f.lastMessage = time.Now()
	f.lastMsgMu.Unlock()
}

// isPermanentError returns true for errors that won't resolve on retry.
func isPermanentError(err error) bool {
	if err == nil {
		return false
	}

	msg := err.Error()

	return strings.Contains(msg, "subscribe rejected") ||
		strings.Contains(msg, "unauthorized") ||
		strings.Contains(msg, "invalid token")
}

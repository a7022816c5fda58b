package waveline

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Wire format
// ============================================================================

// FeedEnvelope is the wire format for all change feed events.
type FeedEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// SnapshotPayload carries one snapshot batch: full message documents for the
// live window, newest first, bounded by the subscription page size.
type SnapshotPayload struct {
	ConversationID string     `json:"conversationId"`
	Messages       []*Message `json:"messages"`
}

// feedErrorPayload is a server-side error delivered in-band.
type feedErrorPayload struct {
	Message string `json:"message"`
}

// ============================================================================
// Configuration
// ============================================================================

// FeedConfig configures a change feed subscription.
type FeedConfig struct {
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	StaleAfter           time.Duration
	PageSize             int
	HTTPClient           *http.Client
}

func (c *FeedConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.StaleAfter == 0 {
		c.StaleAfter = 45 * time.Second
	}
	if c.PageSize == 0 {
		c.PageSize = 50
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
}

// FeedState represents the subscription connection state.
type FeedState string

const (
	FeedDisconnected FeedState = "disconnected"
	FeedConnecting   FeedState = "connecting"
	FeedConnected    FeedState = "connected"
	FeedReconnecting FeedState = "reconnecting"
)

// FeedHandlers receives change feed events. Handlers are invoked
// synchronously from the read loop, in arrival order; a slow handler
// backpressures the feed rather than reordering it.
type FeedHandlers struct {
	OnSnapshot func(batch []*Message)
	OnPresence func(rec *PresenceRecord)
	OnError    func(err error)
	OnState    func(state FeedState)
}

func (h *FeedHandlers) dispatch(env FeedEnvelope) {
	switch env.Type {
	case "snapshot":
		var p SnapshotPayload
		if json.Unmarshal(env.Payload, &p) == nil && h.OnSnapshot != nil {
			h.OnSnapshot(p.Messages)
		}
	case "presence":
		var p PresenceRecord
		if json.Unmarshal(env.Payload, &p) == nil && h.OnPresence != nil {
			h.OnPresence(&p)
		}
	case "error":
		var p feedErrorPayload
		if json.Unmarshal(env.Payload, &p) == nil && h.OnError != nil {
			h.OnError(&TransportError{Op: "feed", Err: fmt.Errorf("%s", p.Message)})
		}
	}
}

func (h *FeedHandlers) emitState(state FeedState) {
	if h.OnState != nil {
		h.OnState(state)
	}
}

func (h *FeedHandlers) emitError(err error) {
	if h.OnError != nil {
		h.OnError(err)
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *FeedConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// FeedHandle
// ============================================================================

// FeedHandle is an open change feed subscription. It holds one streaming
// connection for its lifetime and must be released with Close.
type FeedHandle interface {
	Connect(ctx context.Context) error
	Close() error
	State() FeedState
}

// ============================================================================
// WebSocket feed
// ============================================================================

// FeedWSClient subscribes to a conversation's change feed over WebSocket,
// with auto-reconnect and a staleness watchdog.
type FeedWSClient struct {
	baseURL        string
	token          string
	conversationID string
	config         *FeedConfig
	handlers       FeedHandlers

	mu               sync.Mutex
	conn             *websocket.Conn
	state            FeedState
	intentionalClose bool
	lastDataTime     time.Time
	cancelFn         context.CancelFunc

	recon *reconnector
}

// SubscribeWS creates a WebSocket feed subscription for one conversation.
// Call Connect to establish it.
func (c *Client) SubscribeWS(conversationID string, config *FeedConfig, handlers FeedHandlers) *FeedWSClient {
	cfg := FeedConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	return &FeedWSClient{
		baseURL:        c.baseURL,
		token:          c.token,
		conversationID: conversationID,
		config:         &cfg,
		handlers:       handlers,
		state:          FeedDisconnected,
		recon:          newReconnector(&cfg),
	}
}

// State returns the current connection state.
func (ws *FeedWSClient) State() FeedState {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.state
}

func (ws *FeedWSClient) setState(state FeedState) {
	ws.mu.Lock()
	ws.state = state
	ws.mu.Unlock()
	ws.handlers.emitState(state)
}

func (ws *FeedWSClient) url() string {
	u := strings.Replace(ws.baseURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	u += "/api/v1/conversations/" + ws.conversationID + "/ws"
	if ws.token != "" {
		u += "?token=" + ws.token
	}
	return u
}

// Connect establishes the subscription. The first snapshot batch arrives on
// the handlers once the server has materialized the live window.
func (ws *FeedWSClient) Connect(ctx context.Context) error {
	ws.mu.Lock()
	if ws.state == FeedConnected || ws.state == FeedConnecting {
		ws.mu.Unlock()
		return nil
	}
	ws.state = FeedConnecting
	ws.intentionalClose = false
	ws.mu.Unlock()

	conn, _, err := websocket.Dial(ctx, ws.url(), &websocket.DialOptions{
		HTTPClient: ws.config.HTTPClient,
	})
	if err != nil {
		ws.setState(FeedDisconnected)
		return &TransportError{Op: "dial", Err: err}
	}

	connCtx, cancel := context.WithCancel(context.Background())
	ws.mu.Lock()
	ws.conn = conn
	ws.state = FeedConnected
	ws.lastDataTime = time.Now()
	ws.cancelFn = cancel
	ws.mu.Unlock()
	ws.recon.markConnected()
	ws.handlers.emitState(FeedConnected)

	go ws.readLoop(connCtx)
	go ws.watchdog(connCtx)

	return nil
}

// Close releases the subscription and its connection.
func (ws *FeedWSClient) Close() error {
	ws.mu.Lock()
	ws.intentionalClose = true
	if ws.cancelFn != nil {
		ws.cancelFn()
		ws.cancelFn = nil
	}
	conn := ws.conn
	ws.conn = nil
	ws.state = FeedDisconnected
	ws.mu.Unlock()

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client close")
	}
	return nil
}

func (ws *FeedWSClient) readLoop(ctx context.Context) {
	for {
		ws.mu.Lock()
		conn := ws.conn
		ws.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.Read(ctx)
		if err != nil {
			ws.onStreamEnd(err)
			return
		}

		ws.mu.Lock()
		ws.lastDataTime = time.Now()
		ws.mu.Unlock()

		var env FeedEnvelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}
		if env.Type == "pong" {
			continue
		}
		ws.handlers.dispatch(env)
	}
}

// watchdog sends heartbeat pings and forces a reconnect when the stream
// falls silent past the staleness threshold.
func (ws *FeedWSClient) watchdog(ctx context.Context) {
	ticker := time.NewTicker(ws.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ws.mu.Lock()
			conn := ws.conn
			stale := time.Since(ws.lastDataTime) > ws.config.StaleAfter
			ws.mu.Unlock()
			if conn == nil {
				return
			}
			if stale {
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
			ping, _ := json.Marshal(FeedEnvelope{Type: "ping"})
			if err := conn.Write(ctx, websocket.MessageText, ping); err != nil {
				return
			}
		}
	}
}

func (ws *FeedWSClient) onStreamEnd(cause error) {
	ws.mu.Lock()
	intentional := ws.intentionalClose
	ws.conn = nil
	ws.mu.Unlock()
	if intentional {
		return
	}

	ws.setState(FeedDisconnected)
	ws.handlers.emitError(&TransportError{Op: "read", Err: cause})

	if ws.config.AutoReconnect && ws.recon.shouldReconnect() {
		go ws.scheduleReconnect()
	}
}

func (ws *FeedWSClient) scheduleReconnect() {
	delay := ws.recon.nextDelay()
	ws.setState(FeedReconnecting)
	time.Sleep(delay)

	ws.mu.Lock()
	intentional := ws.intentionalClose
	ws.state = FeedDisconnected
	ws.mu.Unlock()
	if intentional {
		return
	}

	if err := ws.Connect(context.Background()); err != nil {
		if ws.config.AutoReconnect && ws.recon.shouldReconnect() {
			ws.scheduleReconnect()
		} else {
			ws.setState(FeedDisconnected)
		}
	}
}

// ============================================================================
// SSE feed
// ============================================================================

// FeedSSEClient subscribes to a conversation's change feed over server-sent
// events. Server-push only; outbound writes go through the HTTP API.
type FeedSSEClient struct {
	baseURL        string
	token          string
	conversationID string
	config         *FeedConfig
	handlers       FeedHandlers

	mu               sync.Mutex
	state            FeedState
	intentionalClose bool
	lastDataTime     time.Time
	cancelFn         context.CancelFunc

	recon *reconnector
}

// SubscribeSSE creates an SSE feed subscription for one conversation.
// Call Connect to establish it.
func (c *Client) SubscribeSSE(conversationID string, config *FeedConfig, handlers FeedHandlers) *FeedSSEClient {
	cfg := FeedConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	return &FeedSSEClient{
		baseURL:        c.baseURL,
		token:          c.token,
		conversationID: conversationID,
		config:         &cfg,
		handlers:       handlers,
		state:          FeedDisconnected,
		recon:          newReconnector(&cfg),
	}
}

// State returns the current connection state.
func (sse *FeedSSEClient) State() FeedState {
	sse.mu.Lock()
	defer sse.mu.Unlock()
	return sse.state
}

func (sse *FeedSSEClient) setState(state FeedState) {
	sse.mu.Lock()
	sse.state = state
	sse.mu.Unlock()
	sse.handlers.emitState(state)
}

// Connect establishes the SSE stream.
func (sse *FeedSSEClient) Connect(ctx context.Context) error {
	sse.mu.Lock()
	if sse.state == FeedConnected || sse.state == FeedConnecting {
		sse.mu.Unlock()
		return nil
	}
	sse.state = FeedConnecting
	sse.intentionalClose = false
	sse.mu.Unlock()

	u := sse.baseURL + "/api/v1/conversations/" + sse.conversationID + "/sse"
	if sse.token != "" {
		u += "?token=" + sse.token
	}

	connCtx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(connCtx, "GET", u, nil)
	if err != nil {
		cancel()
		sse.setState(FeedDisconnected)
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := sse.config.HTTPClient.Do(req)
	if err != nil {
		cancel()
		sse.setState(FeedDisconnected)
		return &TransportError{Op: "subscribe", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		sse.setState(FeedDisconnected)
		return &TransportError{Op: "subscribe", Err: fmt.Errorf("HTTP %d", resp.StatusCode)}
	}

	sse.mu.Lock()
	sse.state = FeedConnected
	sse.lastDataTime = time.Now()
	sse.cancelFn = cancel
	sse.mu.Unlock()
	sse.recon.markConnected()
	sse.handlers.emitState(FeedConnected)

	go sse.readLoop(connCtx, resp)
	go sse.watchdog(connCtx)

	return nil
}

// Close releases the subscription.
func (sse *FeedSSEClient) Close() error {
	sse.mu.Lock()
	sse.intentionalClose = true
	if sse.cancelFn != nil {
		sse.cancelFn()
		sse.cancelFn = nil
	}
	sse.state = FeedDisconnected
	sse.mu.Unlock()
	return nil
}

func (sse *FeedSSEClient) readLoop(ctx context.Context, resp *http.Response) {
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line := scanner.Text()

		sse.mu.Lock()
		sse.lastDataTime = time.Now()
		sse.mu.Unlock()

		if strings.HasPrefix(line, ":") {
			continue // heartbeat comment
		}
		if strings.HasPrefix(line, "data: ") {
			var env FeedEnvelope
			if json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &env) == nil {
				sse.handlers.dispatch(env)
			}
		}
	}

	sse.mu.Lock()
	intentional := sse.intentionalClose
	sse.mu.Unlock()
	if intentional {
		return
	}

	sse.setState(FeedDisconnected)
	sse.handlers.emitError(&TransportError{Op: "read", Err: fmt.Errorf("stream ended")})

	if sse.config.AutoReconnect && sse.recon.shouldReconnect() {
		go sse.scheduleReconnect()
	}
}

func (sse *FeedSSEClient) watchdog(ctx context.Context) {
	ticker := time.NewTicker(sse.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sse.mu.Lock()
			stale := time.Since(sse.lastDataTime) > sse.config.StaleAfter
			cancel := sse.cancelFn
			sse.mu.Unlock()
			if stale {
				if cancel != nil {
					cancel()
				}
				return
			}
		}
	}
}

func (sse *FeedSSEClient) scheduleReconnect() {
	delay := sse.recon.nextDelay()
	sse.setState(FeedReconnecting)
	time.Sleep(delay)

	sse.mu.Lock()
	intentional := sse.intentionalClose
	sse.state = FeedDisconnected
	sse.mu.Unlock()
	if intentional {
		return
	}

	if err := sse.Connect(context.Background()); err != nil {
		if sse.config.AutoReconnect && sse.recon.shouldReconnect() {
			sse.scheduleReconnect()
		} else {
			sse.setState(FeedDisconnected)
		}
	}
}

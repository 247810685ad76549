package discord

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"muse/internal/domain/instance"
	"muse/internal/shared/async"
	"muse/internal/shared/logging"
)

const (
	defaultGatewayURL = "wss://gateway.discord.gg/?v=9&encoding=json"

	opDispatch       = 0
	opHeartbeat      = 1
	opIdentify       = 2
	opInvalidSession = 9
	opHello          = 10
	opHeartbeatAck   = 11

	reconnectBaseDelay = 2 * time.Second
	reconnectMaxDelay  = time.Minute
)

// EventHandler consumes inbound dispatch events. OnMessage receives both
// MESSAGE_CREATE and MESSAGE_UPDATE payloads.
type EventHandler interface {
	OnMessage(eventType string, msg InboundMessage)
}

// InboundMessage is the subset of a gateway message event the correlator
// needs.
type InboundMessage struct {
	ID          string       `json:"id"`
	ChannelID   string       `json:"channel_id"`
	Content     string       `json:"content"`
	Nonce       string       `json:"nonce"`
	Attachments []Attachment `json:"attachments"`
	Embeds      []Embed      `json:"embeds"`
	ReferencedMessage *struct {
		ID string `json:"id"`
	} `json:"referenced_message"`
	Interaction *struct {
		Name string `json:"name"`
	} `json:"interaction"`
}

// Attachment is an inbound message file reference.
type Attachment struct {
	URL      string `json:"url"`
	Filename string `json:"filename"`
}

// Embed is an inbound rich-content block; the upstream reports command errors
// through embeds.
type Embed struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Color       int    `json:"color"`
}

type gatewayFrame struct {
	Op   int             `json:"op"`
	Seq  *int64          `json:"s"`
	Type string          `json:"t"`
	Data json.RawMessage `json:"d"`
}

// Gateway maintains one account's websocket connection, identifying on
// connect, answering heartbeats and feeding dispatch events to the handler.
// It reconnects with exponential backoff until stopped.
type Gateway struct {
	account    instance.Account
	gatewayURL string
	handler    EventHandler
	logger     logging.Logger
	dialer     *websocket.Dialer

	mu   sync.Mutex
	conn *websocket.Conn
	seq  int64

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithGatewayURL overrides the websocket endpoint, used by tests.
func WithGatewayURL(url string) GatewayOption {
	return func(g *Gateway) { g.gatewayURL = url }
}

// NewGateway creates a stopped gateway for account.
func NewGateway(account instance.Account, handler EventHandler, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		account:    account,
		gatewayURL: defaultGatewayURL,
		handler:    handler,
		logger:     logging.NewComponentLogger("Gateway[" + account.ID + "]"),
		dialer:     websocket.DefaultDialer,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Start launches the connect/read loop.
func (g *Gateway) Start() {
	g.startOnce.Do(func() {
		async.Go(g.logger, "gateway.run", g.run)
	})
}

// Stop closes the connection and waits for the loop to exit.
func (g *Gateway) Stop(ctx context.Context) error {
	g.stopOnce.Do(func() {
		close(g.stopCh)
		g.mu.Lock()
		if g.conn != nil {
			_ = g.conn.Close()
		}
		g.mu.Unlock()
	})
	select {
	case <-g.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("gateway %s: shutdown: %w", g.account.ID, ctx.Err())
	}
}

func (g *Gateway) run() {
	defer close(g.doneCh)
	delay := reconnectBaseDelay
	for {
		select {
		case <-g.stopCh:
			return
		default:
		}

		err := g.connectAndRead()
		select {
		case <-g.stopCh:
			return
		default:
		}
		if err != nil {
			g.logger.Warn("gateway session ended: %v, reconnecting in %s", err, delay)
		}
		select {
		case <-time.After(delay):
		case <-g.stopCh:
			return
		}
		delay *= 2
		if delay > reconnectMaxDelay {
			delay = reconnectMaxDelay
		}
	}
}

// connectAndRead runs one gateway session to completion.
func (g *Gateway) connectAndRead() error {
	conn, _, err := g.dialer.Dial(g.gatewayURL, nil)
	if err != nil {
		return fmt.Errorf("dial gateway: %w", err)
	}
	g.mu.Lock()
	g.conn = conn
	g.mu.Unlock()
	defer conn.Close()

	heartbeatStop := make(chan struct{})
	defer close(heartbeatStop)

	for {
		var frame gatewayFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return fmt.Errorf("read frame: %w", err)
		}
		if frame.Seq != nil {
			g.mu.Lock()
			g.seq = *frame.Seq
			g.mu.Unlock()
		}

		switch frame.Op {
		case opHello:
			var hello struct {
				HeartbeatInterval int `json:"heartbeat_interval"`
			}
			if err := json.Unmarshal(frame.Data, &hello); err != nil {
				return fmt.Errorf("parse hello: %w", err)
			}
			if err := g.identify(conn); err != nil {
				return err
			}
			g.startHeartbeat(conn, time.Duration(hello.HeartbeatInterval)*time.Millisecond, heartbeatStop)

		case opHeartbeat:
			if err := g.sendHeartbeat(conn); err != nil {
				return err
			}

		case opInvalidSession:
			return fmt.Errorf("session invalidated by upstream")

		case opDispatch:
			g.dispatch(frame)

		case opHeartbeatAck:
			// nothing to do
		}
	}
}

func (g *Gateway) identify(conn *websocket.Conn) error {
	payload := map[string]any{
		"op": opIdentify,
		"d": map[string]any{
			"token": g.account.UserToken,
			"properties": map[string]any{
				"os":      "linux",
				"browser": "chrome",
				"device":  "",
			},
			"presence": map[string]any{
				"status": "online",
				"afk":    false,
			},
		},
	}
	if err := conn.WriteJSON(payload); err != nil {
		return fmt.Errorf("identify: %w", err)
	}
	g.logger.Info("gateway identified")
	return nil
}

func (g *Gateway) startHeartbeat(conn *websocket.Conn, interval time.Duration, stop <-chan struct{}) {
	if interval <= 0 {
		interval = 41250 * time.Millisecond
	}
	async.Go(g.logger, "gateway.heartbeat", func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := g.sendHeartbeat(conn); err != nil {
					g.logger.Warn("heartbeat failed: %v", err)
					_ = conn.Close()
					return
				}
			case <-stop:
				return
			case <-g.stopCh:
				return
			}
		}
	})
}

func (g *Gateway) sendHeartbeat(conn *websocket.Conn) error {
	g.mu.Lock()
	seq := g.seq
	g.mu.Unlock()
	return conn.WriteJSON(map[string]any{"op": opHeartbeat, "d": seq})
}

func (g *Gateway) dispatch(frame gatewayFrame) {
	switch frame.Type {
	case "MESSAGE_CREATE", "MESSAGE_UPDATE":
		var msg InboundMessage
		if err := json.Unmarshal(frame.Data, &msg); err != nil {
			g.logger.Warn("parse %s: %v", frame.Type, err)
			return
		}
		if msg.ChannelID != g.account.ChannelID {
			return
		}
		if g.handler != nil {
			g.handler.OnMessage(frame.Type, msg)
		}
	}
}

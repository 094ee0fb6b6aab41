// Package feed implements the Upstream Feed Client of spec.md §4.A: a
// single multiplexed WebSocket connection to the upstream trade feed,
// subscribe/unsubscribe by mint, and demultiplexed TradeEvent delivery
// tagged by mint. Grounded on the teacher's
// internal/binance/user_data_stream.go connect/readLoop/keepalive shape,
// generalized from one listen-key stream to an N-mint multiplexed one.
package feed

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"contractstream/internal/apperr"
	"contractstream/internal/contracts"
)

// connState is the connection state machine of spec.md §4.A.
type connState int32

const (
	stateDisconnected connState = iota
	stateConnecting
	stateConnected
	stateClosing
)

// Config controls reconnect behavior and channel sizing.
type Config struct {
	URL             string
	BaseRetryDelay  time.Duration // default 1s
	MaxAttempts     int           // default 5
	PingInterval    time.Duration // default 15m (when 0), negative disables
	EventBufferSize int           // default 256, shared demux buffer
}

// subscribeFrame / unsubscribeFrame are the wire commands sent upstream.
// Field names are illustrative of a pump.fun-style trade feed protocol;
// the exact upstream schema is an external collaborator, not part of
// this package's contract.
type subscribeFrame struct {
	Method string   `json:"method"`
	Keys   []string `json:"keys"`
}

// rawTradeEvent mirrors the upstream wire frame before being mapped onto
// contracts.TradeEvent.
type rawTradeEvent struct {
	Signature             string  `json:"signature"`
	Mint                   string  `json:"mint"`
	TraderPublicKey        string  `json:"traderPublicKey"`
	TxType                 string  `json:"txType"`
	TokenAmount            float64 `json:"tokenAmount"`
	SolAmount              float64 `json:"solAmount"`
	NewTokenBalance        float64 `json:"newTokenBalance"`
	VTokensInBondingCurve  float64 `json:"vTokensInBondingCurve"`
	VSolInBondingCurve     float64 `json:"vSolInBondingCurve"`
	MarketCapSol           float64 `json:"marketCapSol"`
	Pool                   string  `json:"pool"`
}

// Client is the default contracts.FeedClient implementation.
type Client struct {
	cfg Config
	log zerolog.Logger

	mu            sync.Mutex
	subscriptions map[string]struct{}
	conn          *websocket.Conn
	state         connState
	reconnects    int

	dropped atomic.Int64

	events chan contracts.TradeEvent
	errs   chan error

	closeOnce sync.Once
	closeCh   chan struct{}
	wg        sync.WaitGroup
}

// New builds a feed Client and immediately starts its connect loop.
func New(cfg Config, log zerolog.Logger) *Client {
	if cfg.BaseRetryDelay <= 0 {
		cfg.BaseRetryDelay = time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.EventBufferSize <= 0 {
		cfg.EventBufferSize = 256
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = 15 * time.Minute
	}

	c := &Client{
		cfg:           cfg,
		log:           log.With().Str("component", "feed.client").Logger(),
		subscriptions: make(map[string]struct{}),
		events:        make(chan contracts.TradeEvent, cfg.EventBufferSize),
		errs:          make(chan error, 1),
		closeCh:       make(chan struct{}),
	}

	c.wg.Add(1)
	go c.connectLoop()
	if cfg.PingInterval > 0 {
		c.wg.Add(1)
		go c.pingLoop()
	}

	return c
}

// Subscribe is idempotent: repeated calls for the same mint are no-ops
// and send no further subscribe frame. While disconnected, the mint is
// only recorded; the next successful connect subscribes the whole active
// set.
func (c *Client) Subscribe(ctx context.Context, mint string) error {
	c.mu.Lock()
	_, already := c.subscriptions[mint]
	c.subscriptions[mint] = struct{}{}
	conn := c.conn
	connected := c.state == stateConnected
	c.mu.Unlock()

	if already || !connected {
		return nil
	}
	return c.sendSubscribe(conn, []string{mint})
}

// Unsubscribe is idempotent. After it returns, no further events for
// mint are delivered bar one already-buffered frame (spec.md §4.A).
func (c *Client) Unsubscribe(ctx context.Context, mint string) error {
	c.mu.Lock()
	_, existed := c.subscriptions[mint]
	delete(c.subscriptions, mint)
	conn := c.conn
	connected := c.state == stateConnected
	c.mu.Unlock()

	if !existed || !connected {
		return nil
	}
	return c.sendUnsubscribe(conn, []string{mint})
}

func (c *Client) Events() <-chan contracts.TradeEvent { return c.events }
func (c *Client) Errors() <-chan error                { return c.errs }

// Status reports a point-in-time snapshot.
func (c *Client) Status() contracts.FeedStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	subs := make([]string, 0, len(c.subscriptions))
	for m := range c.subscriptions {
		subs = append(subs, m)
	}
	return contracts.FeedStatus{
		Connected:     c.state == stateConnected,
		Subscriptions: subs,
		Reconnects:    c.reconnects,
		DroppedEvents: c.dropped.Load(),
	}
}

// Close tears down the connection and cancels all subscriptions.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = stateClosing
		conn := c.conn
		c.subscriptions = make(map[string]struct{})
		c.mu.Unlock()

		close(c.closeCh)
		if conn != nil {
			_ = conn.Close()
		}
		c.wg.Wait()
		close(c.events)
		close(c.errs)
	})
	return nil
}

// connectLoop owns the Disconnected -> Connecting -> Connected cycle and
// the exponential-backoff reconnect policy of spec.md §4.A.
func (c *Client) connectLoop() {
	defer c.wg.Done()

	attempt := 0
	for {
		select {
		case <-c.closeCh:
			return
		default:
		}

		c.setState(stateConnecting)
		conn, _, err := websocket.DefaultDialer.Dial(c.cfg.URL, nil)
		if err != nil {
			attempt++
			if attempt > c.cfg.MaxAttempts {
				c.log.Error().Int("attempts", attempt-1).Msg("feed reconnect budget exhausted")
				c.surfaceFatal(apperr.New(apperr.Fatal, "upstream feed unreachable, reconnect budget exhausted"))
				c.mu.Lock()
				c.subscriptions = make(map[string]struct{})
				c.mu.Unlock()
				c.setState(stateDisconnected)
				return
			}
			delay := c.cfg.BaseRetryDelay * time.Duration(1<<uint(attempt-1))
			c.log.Warn().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("feed connect failed, backing off")
			select {
			case <-time.After(delay):
				continue
			case <-c.closeCh:
				return
			}
		}

		attempt = 0
		c.mu.Lock()
		c.conn = conn
		c.reconnects++
		active := make([]string, 0, len(c.subscriptions))
		for m := range c.subscriptions {
			active = append(active, m)
		}
		c.mu.Unlock()

		c.setState(stateConnected)
		c.log.Info().Int("subscriptions", len(active)).Msg("feed connected")

		if len(active) > 0 {
			if err := c.sendSubscribe(conn, active); err != nil {
				c.log.Warn().Err(err).Msg("re-subscribe after reconnect failed")
			}
		}

		c.readLoop(conn)

		select {
		case <-c.closeCh:
			return
		default:
		}
		c.setState(stateConnecting)
	}
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Warn().Err(err).Msg("feed read error")
			}
			return
		}
		c.handleMessage(msg)
	}
}

func (c *Client) handleMessage(msg []byte) {
	var raw rawTradeEvent
	if err := json.Unmarshal(msg, &raw); err != nil {
		c.log.Debug().Err(err).Msg("dropping undecodable feed frame")
		return
	}
	if raw.Mint == "" {
		return
	}

	c.mu.Lock()
	_, subscribed := c.subscriptions[raw.Mint]
	c.mu.Unlock()
	if !subscribed {
		return
	}

	ev := contracts.TradeEvent{
		Signature:             raw.Signature,
		Mint:                  raw.Mint,
		Trader:                raw.TraderPublicKey,
		TxType:                raw.TxType,
		TokenAmount:           raw.TokenAmount,
		SolAmount:             raw.SolAmount,
		NewTokenBalance:       raw.NewTokenBalance,
		VTokensInBondingCurve: raw.VTokensInBondingCurve,
		VSolInBondingCurve:    raw.VSolInBondingCurve,
		MarketCapSol:          raw.MarketCapSol,
		Pool:                  raw.Pool,
	}

	select {
	case c.events <- ev:
	default:
		c.dropped.Add(1)
		select {
		case <-c.events:
		default:
		}
		select {
		case c.events <- ev:
		default:
		}
	}
}

func (c *Client) pingLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closeCh:
			return
		case <-ticker.C:
			c.mu.Lock()
			conn := c.conn
			connected := c.state == stateConnected
			c.mu.Unlock()
			if !connected || conn == nil {
				continue
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				c.log.Warn().Err(err).Msg("feed ping failed")
			}
		}
	}
}

func (c *Client) sendSubscribe(conn *websocket.Conn, mints []string) error {
	return c.sendFrame(conn, subscribeFrame{Method: "subscribeTokenTrade", Keys: mints})
}

func (c *Client) sendUnsubscribe(conn *websocket.Conn, mints []string) error {
	return c.sendFrame(conn, subscribeFrame{Method: "unsubscribeTokenTrade", Keys: mints})
}

func (c *Client) sendFrame(conn *websocket.Conn, frame subscribeFrame) error {
	if conn == nil {
		return nil
	}
	body, err := json.Marshal(frame)
	if err != nil {
		return apperr.Wrap(apperr.Fatal, "marshal feed subscribe frame", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, body); err != nil {
		return apperr.Wrap(apperr.Transient, "write feed subscribe frame", err)
	}
	return nil
}

func (c *Client) surfaceFatal(err error) {
	select {
	case c.errs <- err:
	default:
	}
}

func (c *Client) setState(s connState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

var _ contracts.FeedClient = (*Client)(nil)

// Package agent implements the Agent Channel: a correlation layer over a
// WebSocket connection to the strategy agent, framing task_request and
// demultiplexing every inbound message type to either a waiting request
// future or the reconciler's inbound event stream.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"aitrader/internal/core"
	"aitrader/pkg/websocket"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ErrAgentDisconnected is delivered to every in-flight request future when
// the underlying connection drops before a result arrives.
var ErrAgentDisconnected = fmt.Errorf("agent channel disconnected")

// wireMessage is the on-wire envelope; fields are present depending on Type.
type wireMessage struct {
	Type        string          `json:"type"`
	TaskID      string          `json:"task_id,omitempty"`
	Status      string          `json:"status,omitempty"`
	Summary     string          `json:"summary,omitempty"`
	OrdID       string          `json:"ord_id,omitempty"`
	InstID      string          `json:"inst_id,omitempty"`
	PosSide     string          `json:"pos_side,omitempty"`
	Side        string          `json:"side,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	FilledSize  string          `json:"filled_size,omitempty"`
	AvgPx       string          `json:"avg_px,omitempty"`
	EventTS     int64           `json:"event_ts,omitempty"`
	RealizedPnL string          `json:"realized_pnl,omitempty"`
	PnLTS       int64           `json:"pnl_ts,omitempty"`
	Positions   json.RawMessage `json:"positions,omitempty"`
	Balances    json.RawMessage `json:"balances,omitempty"`
	Error       string          `json:"error,omitempty"`
	Retriable   bool            `json:"retriable,omitempty"`
}

// wirePosition is one entry of a position_snapshot's positions array.
type wirePosition struct {
	InstID        string `json:"inst_id"`
	PosSide       string `json:"pos_side"`
	Size          string `json:"size"`
	EntryPrice    string `json:"entry_price"`
	UnrealizedPnL string `json:"unrealized_pnl"`
	EntryOrdID    string `json:"entry_ord_id,omitempty"`
	IsOpen        bool   `json:"is_open"`
}

func (w wirePosition) toCore() core.Position {
	size, _ := decimal.NewFromString(w.Size)
	entryPrice, _ := decimal.NewFromString(w.EntryPrice)
	upnl, _ := decimal.NewFromString(w.UnrealizedPnL)
	return core.Position{
		Inst: core.Instrument(w.InstID), PosSide: core.PosSide(w.PosSide),
		Size: size, EntryPrice: entryPrice, UnrealizedPnL: upnl,
		IsOpen: w.IsOpen, ActionKind: core.ActionAgent, EntryOrdID: w.EntryOrdID,
		UpdatedAt: time.Now(),
	}
}

type pending struct {
	ch chan core.StrategyMessage
}

// Channel implements core.IAgentChannel on top of pkg/websocket.Client.
type Channel struct {
	ws      *websocket.Client
	logger  core.ILogger
	inbound chan core.StrategyMessage

	mu       sync.Mutex
	awaiters map[string]*pending

	requestTimeout time.Duration
}

// New dials url lazily (Start must be called) and begins correlating
// task_request futures against inbound task_result/analysis_error frames.
func New(url string, requestTimeout time.Duration, heartbeatInterval, heartbeatTimeout, reconnectMin, reconnectMax time.Duration, logger core.ILogger) *Channel {
	c := &Channel{
		logger:         logger.WithField("component", "agent_channel"),
		inbound:        make(chan core.StrategyMessage, 256),
		awaiters:       make(map[string]*pending),
		requestTimeout: requestTimeout,
	}
	c.ws = websocket.NewClient(url, c.onMessage, c.logger)
	c.ws.SetPingConfig(heartbeatInterval, 10*time.Second, heartbeatTimeout)
	c.ws.SetReconnectPolicy(reconnectMin, reconnectMax)
	c.ws.SetOnConnected(func() {
		c.logger.Info("agent channel connected")
	})
	return c
}

// Start connects the underlying WebSocket client and begins the reconnect
// loop. A background goroutine watches for disconnects to drain awaiters.
func (c *Channel) Start() {
	c.ws.Start()
	go c.watchDisconnects()
}

// Stop closes the connection and fails every in-flight awaiter.
func (c *Channel) Stop() {
	c.ws.Stop()
	c.drainAwaiters(ErrAgentDisconnected)
}

func (c *Channel) watchDisconnects() {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	wasOpen := false
	for range ticker.C {
		open := c.ws.State() == websocket.StateOpen
		if wasOpen && !open {
			c.drainAwaiters(ErrAgentDisconnected)
		}
		wasOpen = open
		if c.ws.State() == websocket.StateClosing {
			return
		}
	}
}

func (c *Channel) drainAwaiters(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for taskID, p := range c.awaiters {
		msg := core.StrategyMessage{
			Type:      core.MsgAnalysisError,
			TaskID:    taskID,
			Timestamp: time.Now(),
			Payload:   map[string]interface{}{"error": err.Error()},
		}
		select {
		case p.ch <- msg:
		default:
		}
		delete(c.awaiters, taskID)
	}
}

// Connected reports whether the channel is currently in the Open state.
func (c *Channel) Connected() bool {
	return c.ws.State() == websocket.StateOpen
}

// Inbound returns the event stream the reconciler consumes. Every message is
// delivered in arrival order; task_result/analysis_error are delivered here
// in addition to being routed to their awaiter.
func (c *Channel) Inbound() <-chan core.StrategyMessage {
	return c.inbound
}

// RequestAnalysis sends a task_request and blocks until the matching
// task_result/analysis_error arrives, the context is canceled, the channel's
// request timeout elapses, or the connection drops.
func (c *Channel) RequestAnalysis(ctx context.Context, inst core.Instrument, payload map[string]interface{}) (*core.StrategyMessage, error) {
	taskID := uuid.NewString()
	p := &pending{ch: make(chan core.StrategyMessage, 1)}

	c.mu.Lock()
	c.awaiters[taskID] = p
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.awaiters, taskID)
		c.mu.Unlock()
	}()

	out := wireMessage{
		Type:   string(core.MsgTaskRequest),
		TaskID: taskID,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal task_request payload: %w", err)
	}
	out.Payload = body
	out.InstID = string(inst)

	if err := c.ws.Send(out); err != nil {
		return nil, fmt.Errorf("send task_request: %w", err)
	}

	timeout := c.requestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg := <-p.ch:
		if msg.Type == core.MsgAnalysisError && msg.Payload["error"] == ErrAgentDisconnected.Error() {
			return nil, ErrAgentDisconnected
		}
		return &msg, nil
	case <-timer.C:
		return nil, fmt.Errorf("task_request %s timed out after %s", taskID, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// onMessage is the websocket.MessageHandler: it unmarshals the wire envelope,
// dispatches by Type, and always preserves arrival order into c.inbound.
func (c *Channel) onMessage(raw []byte) {
	var wm wireMessage
	if err := json.Unmarshal(raw, &wm); err != nil {
		c.logger.Warn("agent channel: dropping malformed frame", "error", err)
		return
	}

	msg, ok := c.toStrategyMessage(wm)
	if !ok {
		c.logger.Warn("agent channel: dropping unknown message type", "type", wm.Type)
		return
	}

	if msg.Type == core.MsgTaskResult || msg.Type == core.MsgAnalysisError {
		c.routeToAwaiter(wm.TaskID, msg)
	}

	c.inbound <- msg
}

func (c *Channel) routeToAwaiter(taskID string, msg core.StrategyMessage) {
	c.mu.Lock()
	p, ok := c.awaiters[taskID]
	c.mu.Unlock()
	if !ok {
		return
	}
	select {
	case p.ch <- msg:
	default:
	}
}

// toStrategyMessage maps the closed wire-message sum type onto the domain
// envelope. Unknown Type values return ok=false and are logged+dropped by
// the caller, never propagated.
func (c *Channel) toStrategyMessage(wm wireMessage) (core.StrategyMessage, bool) {
	msg := core.StrategyMessage{
		TaskID:    wm.TaskID,
		Inst:      core.Instrument(wm.InstID),
		Timestamp: time.Now(),
		Payload:   map[string]interface{}{},
	}

	switch core.StrategyMessageType(wm.Type) {
	case core.MsgTaskResult:
		msg.Type = core.MsgTaskResult
		msg.Payload["status"] = wm.Status
		msg.Payload["summary"] = wm.Summary
		msg.Payload["ord_id"] = wm.OrdID
		if len(wm.Payload) > 0 {
			var p map[string]interface{}
			if err := json.Unmarshal(wm.Payload, &p); err == nil {
				for k, v := range p {
					msg.Payload[k] = v
				}
			}
		}
	case core.MsgOrderEvent:
		msg.Type = core.MsgOrderEvent
		msg.Payload["ord_id"] = wm.OrdID
		msg.Payload["status"] = wm.Status
		msg.Payload["filled_size"] = wm.FilledSize
		msg.Payload["avg_px"] = wm.AvgPx
		msg.Payload["event_ts"] = wm.EventTS
		msg.Payload["pos_side"] = wm.PosSide
		msg.Payload["side"] = wm.Side
	case core.MsgPnLUpdate:
		msg.Type = core.MsgPnLUpdate
		msg.Payload["ord_id"] = wm.OrdID
		msg.Payload["realized_pnl"] = wm.RealizedPnL
		msg.Payload["pnl_ts"] = wm.PnLTS
	case core.MsgPositionSnapshot:
		msg.Type = core.MsgPositionSnapshot
		var wirePositions []wirePosition
		if len(wm.Positions) > 0 {
			if err := json.Unmarshal(wm.Positions, &wirePositions); err != nil {
				c.logger.Warn("agent channel: malformed position_snapshot positions", "error", err)
			}
		}
		positions := make([]core.Position, 0, len(wirePositions))
		for _, wp := range wirePositions {
			positions = append(positions, wp.toCore())
		}
		msg.Payload["positions"] = positions
		msg.Payload["balances"] = json.RawMessage(wm.Balances)
	case core.MsgAnalysisError:
		msg.Type = core.MsgAnalysisError
		msg.Payload["error"] = wm.Error
		msg.Payload["retriable"] = wm.Retriable
	default:
		return core.StrategyMessage{}, false
	}

	return msg, true
}

package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/iainonline/meshtastic-weather-works/internal/logx"
)

// onlineWindow is how recently a node must have been heard to count as
// online, matching the station's reporting rule.
const onlineWindow = 15 * time.Minute

const (
	readLimit    = 256 * 1024
	helloTimeout = 10 * time.Second
)

// envelope is the JSON frame exchanged with the radio gateway daemon. The
// gateway owns the serial link and echoes our correlation id in ack events.
type envelope struct {
	Type     string      `json:"type"`
	ID       string      `json:"id,omitempty"`
	Dest     uint32      `json:"dest,omitempty"`
	Payload  []byte      `json:"payload,omitempty"`
	WantAck  bool        `json:"want_ack,omitempty"`
	HopLimit int         `json:"hop_limit,omitempty"`
	Channel  int         `json:"channel,omitempty"`
	From     uint32      `json:"from,omitempty"`
	Error    string      `json:"error,omitempty"`
	Self     uint32      `json:"self,omitempty"`
	Nodes    []nodeEntry `json:"nodes,omitempty"`
}

type nodeEntry struct {
	Num       uint32  `json:"num"`
	SNR       float64 `json:"snr"`
	Hops      int     `json:"hops"`
	LastHeard int64   `json:"last_heard"`
}

// Gateway speaks the envelope protocol over a websocket to the radio bridge.
type Gateway struct {
	log *logx.Logger
	clk clock.Clock
	url string

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	self      NodeInfo
	nodes     map[uint32]LinkQuality

	events chan AckEvent
}

func NewGateway(log *logx.Logger, clk clock.Clock, url string) *Gateway {
	return &Gateway{
		log:    log,
		clk:    clk,
		url:    url,
		nodes:  make(map[uint32]LinkQuality),
		events: make(chan AckEvent, 64),
	}
}

// Connect dials the gateway and waits for its hello frame carrying the
// radio's own node number. Safe to call again after a failure; a second call
// while connected is a no-op returning the cached identity.
func (g *Gateway) Connect(ctx context.Context) (NodeInfo, error) {
	g.mu.Lock()
	if g.connected {
		info := g.self
		g.mu.Unlock()
		return info, nil
	}
	g.mu.Unlock()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, g.url, nil)
	if err != nil {
		return NodeInfo{}, fmt.Errorf("dial gateway %s: %w", g.url, err)
	}
	conn.SetReadLimit(readLimit)

	// First frame must be the hello.
	_ = conn.SetReadDeadline(time.Now().Add(helloTimeout))
	var hello envelope
	if err := conn.ReadJSON(&hello); err != nil {
		conn.Close()
		return NodeInfo{}, fmt.Errorf("read gateway hello: %w", err)
	}
	if hello.Type != "hello" {
		conn.Close()
		return NodeInfo{}, fmt.Errorf("unexpected first frame %q from gateway", hello.Type)
	}
	_ = conn.SetReadDeadline(time.Time{})

	g.mu.Lock()
	g.conn = conn
	g.connected = true
	g.self = NodeInfo{Num: hello.Self}
	g.applyNodesLocked(hello.Nodes)
	g.mu.Unlock()

	g.log.Infof("LINK UP → gateway=%s self=%s known_nodes=%d", g.url, formatAddr(hello.Self), len(hello.Nodes))
	go g.readPump(conn)
	return NodeInfo{Num: hello.Self}, nil
}

func (g *Gateway) Connected() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.connected
}

// Send writes one send frame. The correlation id we generate is the opaque
// message id the gateway echoes back in ack events.
func (g *Gateway) Send(ctx context.Context, payload []byte, dest uint32, opts SendOptions) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.connected || g.conn == nil {
		return "", ErrDisconnected
	}
	id := uuid.NewString()
	env := envelope{
		Type:     "send",
		ID:       id,
		Dest:     dest,
		Payload:  payload,
		WantAck:  opts.WantAck,
		HopLimit: opts.HopLimit,
		Channel:  opts.Channel,
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = g.conn.SetWriteDeadline(deadline)
	} else {
		_ = g.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	}
	if err := g.conn.WriteJSON(env); err != nil {
		g.dropLocked("write failed: " + err.Error())
		return "", fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	return id, nil
}

func (g *Gateway) Events() <-chan AckEvent { return g.events }

func (g *Gateway) Quality(dest uint32) (LinkQuality, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	q, ok := g.nodes[dest]
	return q, ok
}

func (g *Gateway) OnlineCounts() (online, total int) {
	cutoff := g.clk.Now().Add(-onlineWindow)
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, q := range g.nodes {
		total++
		if q.LastHeard.After(cutoff) {
			online++
		}
	}
	return online, total
}

func (g *Gateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.conn != nil {
		err := g.conn.Close()
		g.conn = nil
		g.connected = false
		return err
	}
	return nil
}

// readPump consumes frames until the socket dies. Ack events go out on the
// events channel; if the station falls behind the oldest events are dropped
// with a warning, the expiry sweep covers the loss.
func (g *Gateway) readPump(conn *websocket.Conn) {
	for {
		var env envelope
		if err := conn.ReadJSON(&env); err != nil {
			g.mu.Lock()
			if g.conn == conn {
				g.dropLocked("read failed: " + err.Error())
			}
			g.mu.Unlock()
			return
		}
		switch env.Type {
		case "ack", "nak":
			ev := AckEvent{ID: env.ID, From: env.From, Error: env.Error}
			select {
			case g.events <- ev:
			default:
				g.log.Warnf("LINK event queue full, dropping %s for id=%s", env.Type, env.ID)
			}
		case "nodes":
			g.mu.Lock()
			g.applyNodesLocked(env.Nodes)
			g.mu.Unlock()
		default:
			g.log.Debugf("LINK ignoring frame type=%q", env.Type)
		}
	}
}

func (g *Gateway) applyNodesLocked(nodes []nodeEntry) {
	for _, n := range nodes {
		g.nodes[n.Num] = LinkQuality{
			SNR:       n.SNR,
			Hops:      n.Hops,
			LastHeard: time.Unix(n.LastHeard, 0),
		}
	}
}

func (g *Gateway) dropLocked(reason string) {
	if !g.connected {
		return
	}
	g.connected = false
	if g.conn != nil {
		g.conn.Close()
		g.conn = nil
	}
	g.log.Warnf("LINK DOWN → %s (will retry via reconnect manager)", reason)
}

func formatAddr(a uint32) string {
	return fmt.Sprintf("!%08x", a)
}

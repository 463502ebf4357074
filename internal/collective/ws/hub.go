package ws

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gofiber/fiber/v2"
	fiberrecover "github.com/gofiber/fiber/v2/middleware/recover"
	fiberws "github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"yqhp/mcpi/internal/collective"
)

// HubConfig holds the configuration for a group hub.
type HubConfig struct {
	// Address is the address to listen on (e.g., ":7400").
	Address string

	// Size is the number of members the group waits for.
	Size int

	// Session scopes the group; members presenting another session are rejected.
	// Empty accepts any session.
	Session string

	// GroupName is reported to members once the group is ready.
	GroupName string

	// JoinTimeout bounds how long the hub waits for the group to complete.
	JoinTimeout time.Duration
}

// DefaultHubConfig returns a default hub configuration.
func DefaultHubConfig() *HubConfig {
	return &HubConfig{
		Address:     ":7400",
		Size:        1,
		GroupName:   collective.DefaultGroupName,
		JoinTimeout: 30 * time.Second,
	}
}

// Hub relays the collectives of one group. It is hosted by one member process;
// every member, the host included, talks to it over WebSocket.
type Hub struct {
	config *HubConfig
	app    *fiber.App
	ln     net.Listener
	rv     *collective.Rendezvous
	log    *zap.Logger

	conns  map[int]*hubConn
	joined int
	ready  chan struct{}
	open   atomic.Int32

	ctx    context.Context
	cancel context.CancelFunc

	started  atomic.Bool
	stopOnce sync.Once
	mu       sync.Mutex
}

// hubConn wraps a single member connection.
type hubConn struct {
	rank int
	host string
	conn *fiberws.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

// NewHub creates a hub. A nil logger discards logs.
func NewHub(config *HubConfig, log *zap.Logger) (*Hub, error) {
	if config == nil {
		config = DefaultHubConfig()
	}
	if config.Size < 1 {
		return nil, fmt.Errorf("hub size must be at least 1, got %d", config.Size)
	}
	if config.GroupName == "" {
		config.GroupName = collective.DefaultGroupName
	}
	if log == nil {
		log = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		config: config,
		rv:     collective.NewRendezvous(config.Size),
		log:    log.Named("hub"),
		conns:  make(map[int]*hubConn),
		ready:  make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}

	h.app = fiber.New(fiber.Config{
		AppName:               "mcpi group hub",
		DisableStartupMessage: true,
		JSONEncoder:           sonic.Marshal,
		JSONDecoder:           sonic.Unmarshal,
	})
	h.app.Use(fiberrecover.New())
	h.setupRoutes()

	return h, nil
}

func (h *Hub) setupRoutes() {
	h.app.Get(HealthPath, h.handleHealth)

	h.app.Use(GroupPath, func(c *fiber.Ctx) error {
		if fiberws.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	h.app.Get(GroupPath, fiberws.New(h.handleConnection))
}

// Start begins listening. It returns once the listener is bound.
func (h *Hub) Start() error {
	if !h.started.CompareAndSwap(false, true) {
		return fmt.Errorf("hub already started")
	}

	ln, err := net.Listen("tcp", h.config.Address)
	if err != nil {
		h.started.Store(false)
		return fmt.Errorf("failed to listen on %s: %w", h.config.Address, err)
	}
	h.ln = ln

	go func() {
		if err := h.app.Listener(ln); err != nil {
			h.log.Debug("hub listener stopped", zap.Error(err))
		}
	}()
	go h.joinDeadline()

	h.log.Info("hub listening", zap.String("address", ln.Addr().String()), zap.Int("size", h.config.Size))
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (h *Hub) Addr() string {
	if h.ln != nil {
		return h.ln.Addr().String()
	}
	return h.config.Address
}

// Ready is closed once every member has joined.
func (h *Hub) Ready() <-chan struct{} {
	return h.ready
}

// Shutdown waits for every member connection to close, bounded by ctx, then
// stops the server.
func (h *Hub) Shutdown(ctx context.Context) error {
	var err error
	h.stopOnce.Do(func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
	wait:
		for h.open.Load() > 0 {
			select {
			case <-ticker.C:
			case <-ctx.Done():
				h.log.Warn("hub shutdown with members still connected", zap.Int32("open", h.open.Load()))
				break wait
			}
		}

		h.rv.Abort(fmt.Errorf("%w: hub shut down", collective.ErrAborted))
		h.cancel()
		if h.started.Load() {
			err = h.app.ShutdownWithContext(ctx)
		}
	})
	return err
}

func (h *Hub) joinDeadline() {
	if h.config.JoinTimeout <= 0 {
		return
	}
	timer := time.NewTimer(h.config.JoinTimeout)
	defer timer.Stop()

	select {
	case <-h.ready:
	case <-h.ctx.Done():
	case <-timer.C:
		h.mu.Lock()
		joined := h.joined
		h.mu.Unlock()
		reason := fmt.Sprintf("group incomplete after %s: %d of %d joined", h.config.JoinTimeout, joined, h.config.Size)
		h.log.Error("join timeout", zap.Int("joined", joined), zap.Int("size", h.config.Size))
		h.abort(reason)
	}
}

// abort fails every collective and tells connected members.
func (h *Hub) abort(reason string) {
	h.rv.Abort(fmt.Errorf("%w: %s", collective.ErrAborted, reason))

	msg, err := encode(MsgAbort, &AbortMessage{Reason: reason, Code: CodeAborted})
	if err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.conns {
		c.push(msg)
	}
}

func (h *Hub) handleHealth(c *fiber.Ctx) error {
	h.mu.Lock()
	joined := h.joined
	h.mu.Unlock()

	status := "joining"
	select {
	case <-h.ready:
		status = "ready"
	default:
	}

	return c.JSON(fiber.Map{
		"status":  status,
		"group":   h.config.GroupName,
		"size":    h.config.Size,
		"joined":  joined,
		"open":    h.open.Load(),
		"pending": h.rv.Pending(),
	})
}

// handleConnection serves one member for the lifetime of its connection.
func (h *Hub) handleConnection(c *fiberws.Conn) {
	h.open.Add(1)
	defer h.open.Add(-1)

	// The first message must be a join message.
	_, raw, err := c.ReadMessage()
	if err != nil {
		h.log.Warn("read join failed", zap.Error(err))
		return
	}
	msg, err := decode(raw)
	if err != nil || msg.Type != MsgJoin {
		h.log.Warn("expected join message", zap.Error(err))
		return
	}
	var req JoinRequest
	if err := decodeData(msg, &req); err != nil {
		h.log.Warn("parse join failed", zap.Error(err))
		return
	}

	conn := &hubConn{
		rank: req.Rank,
		host: req.Host,
		conn: c,
		send: make(chan []byte, 64),
		done: make(chan struct{}),
	}

	if code, reason := h.register(conn, &req); code != "" {
		h.log.Warn("join rejected", zap.Int("rank", req.Rank), zap.String("code", code), zap.String("reason", reason))
		if data, err := encode(MsgReject, &RejectMessage{Reason: reason, Code: code}); err == nil {
			_ = c.WriteMessage(fiberws.TextMessage, data)
		}
		return
	}
	defer h.unregister(conn)

	h.log.Info("member joined", zap.Int("rank", req.Rank), zap.String("host", req.Host))

	go conn.writePump()
	h.readPump(conn)

	h.log.Info("member left", zap.Int("rank", conn.rank))
}

// register validates a join and adds the connection. It returns a reject code
// and reason when the join is refused.
func (h *Hub) register(conn *hubConn, req *JoinRequest) (string, string) {
	if req.ProtocolVersion != collective.ProtocolVersion {
		return CodeProtocolVersion, fmt.Sprintf("%v: member speaks %d, hub speaks %d",
			collective.ErrProtocolVersion, req.ProtocolVersion, collective.ProtocolVersion)
	}
	if h.config.Session != "" && req.Session != h.config.Session {
		return CodeSession, fmt.Sprintf("session %q does not match hub session", req.Session)
	}
	if req.Size != h.config.Size {
		return CodeSize, fmt.Sprintf("member expects size %d, group size is %d", req.Size, h.config.Size)
	}
	if req.Rank < 0 || req.Rank >= h.config.Size {
		return CodeRank, fmt.Sprintf("rank %d not in [0,%d)", req.Rank, h.config.Size)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.conns[req.Rank]; ok {
		return CodeRank, fmt.Sprintf("rank %d already joined", req.Rank)
	}
	select {
	case <-h.ready:
		return CodeRank, "group already complete"
	default:
	}

	h.conns[req.Rank] = conn
	h.joined++

	if h.joined == h.config.Size {
		close(h.ready)
		ready, err := encode(MsgReady, &ReadyMessage{
			Group:   h.config.GroupName,
			Size:    h.config.Size,
			Version: fmt.Sprintf("mcpi ws hub protocol %d", collective.ProtocolVersion),
		})
		if err == nil {
			for _, c := range h.conns {
				c.push(ready)
			}
		}
		h.log.Info("group ready", zap.Int("size", h.config.Size))
	}
	return "", ""
}

func (h *Hub) unregister(conn *hubConn) {
	conn.close()
	h.rv.Leave(conn.rank)
}

func (h *Hub) readPump(conn *hubConn) {
	for {
		_, raw, err := conn.conn.ReadMessage()
		if err != nil {
			return
		}

		msg, err := decode(raw)
		if err != nil {
			h.log.Error("invalid message", zap.Int("rank", conn.rank), zap.Error(err))
			continue
		}

		switch msg.Type {
		case MsgOp:
			var op OpRequest
			if err := decodeData(msg, &op); err != nil {
				h.log.Error("invalid op", zap.Int("rank", conn.rank), zap.Error(err))
				continue
			}
			go h.handleOp(conn, &op)
		default:
			h.log.Warn("unexpected message", zap.Int("rank", conn.rank), zap.String("type", string(msg.Type)))
		}
	}
}

func (h *Hub) handleOp(conn *hubConn, op *OpRequest) {
	res, err := h.rv.Contribute(h.ctx, conn.rank, op.Seq, &collective.Contribution{
		Kind:    op.Kind,
		Root:    op.Root,
		Payload: op.Payload,
		Values:  op.Values,
	})

	reply := &OpReply{Seq: op.Seq}
	if err != nil {
		reply.Error = err.Error()
		reply.Code = codeOf(err)
		h.log.Debug("op failed", zap.Int("rank", conn.rank), zap.Uint64("seq", op.Seq),
			zap.String("kind", string(op.Kind)), zap.Error(err))
	} else {
		reply.Payload = res.Payload
		reply.Values = res.Values
	}

	data, err := encode(MsgReply, reply)
	if err != nil {
		h.log.Error("encode reply failed", zap.Error(err))
		return
	}
	conn.push(data)
}

// push queues data for the connection, dropping it if the connection is gone.
func (c *hubConn) push(data []byte) {
	select {
	case <-c.done:
	case c.send <- data:
	}
}

func (c *hubConn) writePump() {
	for {
		select {
		case data := <-c.send:
			if err := c.conn.WriteMessage(fiberws.TextMessage, data); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *hubConn) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

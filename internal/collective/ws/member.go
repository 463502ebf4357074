package ws

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"yqhp/mcpi/internal/collective"
)

// LibraryVersion is reported by WebSocket members.
const LibraryVersion = "mcpi ws transport 1.0"

// Config holds the configuration for a WebSocket group member.
type Config struct {
	// HubAddress is the host:port (or ws:// URL) of the group hub.
	HubAddress string

	// Rank and Size are this member's identity; the hub validates them.
	Rank int
	Size int

	// Session scopes the run. Members and hub must agree.
	Session string

	// ServeHub makes this member host the hub before joining it.
	ServeHub bool

	// ListenAddress is where a hosted hub listens. Defaults to HubAddress.
	ListenAddress string

	// GroupName is the name a hosted hub reports.
	GroupName string

	// Host overrides the processor name sent to the hub.
	Host string

	// JoinTimeout bounds dialing and waiting for the group to complete.
	JoinTimeout time.Duration

	// DialInterval is the pause between dial attempts while the hub is not up.
	DialInterval time.Duration

	// ShutdownTimeout bounds the finalize round and hub shutdown.
	ShutdownTimeout time.Duration

	// ProtocolVersion overrides the advertised protocol (tests only).
	ProtocolVersion int
}

// DefaultConfig returns a default member configuration.
func DefaultConfig() *Config {
	return &Config{
		HubAddress:      "127.0.0.1:7400",
		Size:            1,
		GroupName:       collective.DefaultGroupName,
		JoinTimeout:     30 * time.Second,
		DialInterval:    200 * time.Millisecond,
		ShutdownTimeout: 10 * time.Second,
	}
}

const (
	stateNew int32 = iota
	stateInitialized
	stateFinalized
)

// Member is one process's connection to a WebSocket group.
type Member struct {
	config *Config
	log    *zap.Logger

	hub  *Hub
	conn *websocket.Conn

	group string

	seq     uint64
	state   atomic.Int32
	replies chan *OpReply
	closing chan struct{}
	done    chan struct{}
	doneErr error

	writeMu   sync.Mutex
	closeOnce sync.Once
}

var _ collective.Transport = (*Member)(nil)

// NewMember creates a member. A nil logger discards logs.
func NewMember(config *Config, log *zap.Logger) *Member {
	if config == nil {
		config = DefaultConfig()
	}
	if config.ProtocolVersion == 0 {
		config.ProtocolVersion = collective.ProtocolVersion
	}
	if config.GroupName == "" {
		config.GroupName = collective.DefaultGroupName
	}
	if config.DialInterval <= 0 {
		config.DialInterval = 200 * time.Millisecond
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Member{
		config:  config,
		log:     log.Named("member").With(zap.Int("rank", config.Rank)),
		replies: make(chan *OpReply, 4),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Hub returns the hub hosted by this member, if any.
func (m *Member) Hub() *Hub {
	return m.hub
}

// Init hosts the hub when configured to, dials it and waits until every member
// of the group has joined.
func (m *Member) Init(ctx context.Context) (err error) {
	if m.state.Load() != stateNew {
		return collective.ErrAlreadyInitialized
	}
	defer func() {
		if err != nil {
			m.closeConn()
		}
	}()

	if m.config.JoinTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.config.JoinTimeout)
		defer cancel()
	}

	if m.config.ServeHub {
		listen := m.config.ListenAddress
		if listen == "" {
			listen = hostPort(m.config.HubAddress)
		}
		hub, err := NewHub(&HubConfig{
			Address:     listen,
			Size:        m.config.Size,
			Session:     m.config.Session,
			GroupName:   m.config.GroupName,
			JoinTimeout: m.config.JoinTimeout,
		}, m.log)
		if err != nil {
			return err
		}
		if err := hub.Start(); err != nil {
			return err
		}
		m.hub = hub
	}

	conn, err := m.dial(ctx)
	if err != nil {
		return err
	}
	m.writeMu.Lock()
	m.conn = conn
	m.writeMu.Unlock()

	host := m.config.Host
	if host == "" {
		host, _ = os.Hostname()
	}
	join, err := encode(MsgJoin, &JoinRequest{
		Session:         m.config.Session,
		Rank:            m.config.Rank,
		Size:            m.config.Size,
		ProtocolVersion: m.config.ProtocolVersion,
		Host:            host,
	})
	if err != nil {
		return err
	}
	if err := m.write(join); err != nil {
		return fmt.Errorf("send join: %w", err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	}
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("wait for group: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	msg, err := decode(raw)
	if err != nil {
		return err
	}
	switch msg.Type {
	case MsgReady:
		var ready ReadyMessage
		if err := decodeData(msg, &ready); err != nil {
			return err
		}
		m.group = ready.Group
	case MsgReject:
		var rej RejectMessage
		_ = decodeData(msg, &rej)
		return errorOf(rej.Code, rej.Reason)
	case MsgAbort:
		var ab AbortMessage
		_ = decodeData(msg, &ab)
		return errorOf(ab.Code, ab.Reason)
	default:
		return fmt.Errorf("unexpected message while joining: %s", msg.Type)
	}

	m.state.Store(stateInitialized)
	go m.readPump()

	m.log.Debug("joined group", zap.String("group", m.group), zap.Int("size", m.config.Size))
	return nil
}

func (m *Member) dial(ctx context.Context) (*websocket.Conn, error) {
	url := toWebSocketURL(m.config.HubAddress) + GroupPath
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}

	for {
		conn, _, err := dialer.DialContext(ctx, url, nil)
		if err == nil {
			return conn, nil
		}
		m.log.Debug("hub not reachable yet", zap.String("url", url), zap.Error(err))

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("dial %s: %w", url, err)
		case <-time.After(m.config.DialInterval):
		}
	}
}

// Finalize runs the closing round, closes the connection and, on the hosting
// member, shuts the hub down once the other members are gone.
func (m *Member) Finalize(ctx context.Context) error {
	prev := m.state.Swap(stateFinalized)
	if prev == stateFinalized {
		return collective.ErrFinalized
	}

	if m.config.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.config.ShutdownTimeout)
		defer cancel()
	}

	var err error
	if prev == stateInitialized {
		_, err = m.collective(ctx, &OpRequest{Kind: collective.KindFinalize})
	} else {
		err = collective.ErrNotInitialized
	}

	m.closeConn()
	if m.hub != nil {
		if herr := m.hub.Shutdown(ctx); herr != nil && err == nil {
			err = fmt.Errorf("hub shutdown: %w", herr)
		}
	}
	return err
}

func (m *Member) Size() (int, error) {
	if err := m.ready(); err != nil {
		return 0, err
	}
	return m.config.Size, nil
}

func (m *Member) Rank() (int, error) {
	if err := m.ready(); err != nil {
		return -1, err
	}
	return m.config.Rank, nil
}

func (m *Member) Name() (string, error) {
	if m.group == "" {
		return "", collective.ErrNotInitialized
	}
	return m.group, nil
}

func (m *Member) ProcessorName() (string, error) {
	if m.config.Host != "" {
		return m.config.Host, nil
	}
	return os.Hostname()
}

func (m *Member) LibraryVersion() (string, error) {
	return LibraryVersion, nil
}

func (m *Member) APIVersion() (int, int, error) {
	return collective.APIMajor, collective.APIMinor, nil
}

func (m *Member) Broadcast(ctx context.Context, buf []byte, root int) error {
	op := &OpRequest{Kind: collective.KindBroadcast, Root: root, Payload: buf}
	reply, err := m.collective(ctx, op)
	if err != nil {
		return err
	}
	if len(reply.Payload) != len(buf) {
		return fmt.Errorf("%w: got %d bytes, want %d", collective.ErrLength, len(reply.Payload), len(buf))
	}
	copy(buf, reply.Payload)
	return nil
}

func (m *Member) Barrier(ctx context.Context) error {
	_, err := m.collective(ctx, &OpRequest{Kind: collective.KindBarrier})
	return err
}

func (m *Member) ReduceSum(ctx context.Context, send, recv []uint64, root int) error {
	if m.config.Rank == root && len(recv) < len(send) {
		return fmt.Errorf("%w: recv holds %d of %d values", collective.ErrLength, len(recv), len(send))
	}
	reply, err := m.collective(ctx, &OpRequest{Kind: collective.KindReduceSum, Root: root, Values: send})
	if err != nil {
		return err
	}
	if m.config.Rank == root {
		copy(recv, reply.Values)
	}
	return nil
}

// collective sends op with the next sequence number and waits for its reply.
func (m *Member) collective(ctx context.Context, op *OpRequest) (*OpReply, error) {
	if op.Kind != collective.KindFinalize {
		if err := m.ready(); err != nil {
			return nil, err
		}
	}

	op.Seq = m.seq
	m.seq++
	opErr := func(err error) error {
		return &collective.OpError{Kind: op.Kind, Rank: m.config.Rank, Seq: op.Seq, Err: err}
	}

	data, err := encode(MsgOp, op)
	if err != nil {
		return nil, opErr(err)
	}
	if err := m.write(data); err != nil {
		return nil, opErr(err)
	}

	for {
		select {
		case reply := <-m.replies:
			if reply.Seq != op.Seq {
				// left over from a call abandoned by its context
				continue
			}
			if reply.Error != "" {
				return nil, opErr(errorOf(reply.Code, reply.Error))
			}
			return reply, nil
		case <-m.done:
			return nil, opErr(m.doneErr)
		case <-ctx.Done():
			return nil, opErr(ctx.Err())
		}
	}
}

func (m *Member) readPump() {
	var err error
	defer func() {
		m.doneErr = err
		close(m.done)
	}()

	for {
		var raw []byte
		_, raw, err = m.conn.ReadMessage()
		if err != nil {
			err = fmt.Errorf("%w: connection to hub lost: %v", collective.ErrAborted, err)
			return
		}

		msg, derr := decode(raw)
		if derr != nil {
			m.log.Error("invalid message from hub", zap.Error(derr))
			continue
		}

		switch msg.Type {
		case MsgReply:
			var reply OpReply
			if derr := decodeData(msg, &reply); derr != nil {
				m.log.Error("invalid reply", zap.Error(derr))
				continue
			}
			select {
			case m.replies <- &reply:
			case <-m.closing:
				err = collective.ErrFinalized
				return
			}
		case MsgAbort:
			var ab AbortMessage
			_ = decodeData(msg, &ab)
			err = errorOf(ab.Code, ab.Reason)
			return
		}
	}
}

func (m *Member) write(data []byte) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if m.conn == nil {
		return collective.ErrNotInitialized
	}
	return m.conn.WriteMessage(websocket.TextMessage, data)
}

func (m *Member) closeConn() {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if m.conn == nil {
		return
	}
	m.closeOnce.Do(func() {
		close(m.closing)
		_ = m.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = m.conn.Close()
	})
}

func (m *Member) ready() error {
	switch m.state.Load() {
	case stateNew:
		return collective.ErrNotInitialized
	case stateFinalized:
		return collective.ErrFinalized
	}
	return nil
}

// toWebSocketURL converts a host:port or http(s) URL to a ws(s) URL.
func toWebSocketURL(addr string) string {
	switch {
	case strings.HasPrefix(addr, "ws://"), strings.HasPrefix(addr, "wss://"):
		return strings.TrimSuffix(addr, "/")
	case strings.HasPrefix(addr, "https://"):
		return "wss://" + strings.TrimSuffix(strings.TrimPrefix(addr, "https://"), "/")
	case strings.HasPrefix(addr, "http://"):
		return "ws://" + strings.TrimSuffix(strings.TrimPrefix(addr, "http://"), "/")
	}
	return "ws://" + strings.TrimSuffix(addr, "/")
}

// hostPort strips any scheme from addr.
func hostPort(addr string) string {
	for _, p := range []string{"ws://", "wss://", "http://", "https://"} {
		addr = strings.TrimPrefix(addr, p)
	}
	return strings.TrimSuffix(addr, "/")
}

// IsJoinRejected reports whether err is a hub refusing a join.
func IsJoinRejected(err error) bool {
	return errors.Is(err, errJoinRejected) || errors.Is(err, collective.ErrProtocolVersion)
}

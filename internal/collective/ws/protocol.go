package ws

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bytedance/sonic"

	"yqhp/mcpi/internal/collective"
)

// GroupPath is the hub's WebSocket endpoint.
const GroupPath = "/api/v1/group-ws"

// HealthPath reports hub status.
const HealthPath = "/api/v1/health"

// MessageType defines WebSocket message types between members and the hub.
type MessageType string

const (
	// Member -> Hub
	MsgJoin MessageType = "join"
	MsgOp   MessageType = "op"

	// Hub -> Member
	MsgReady  MessageType = "ready"
	MsgReject MessageType = "reject"
	MsgReply  MessageType = "reply"
	MsgAbort  MessageType = "abort"
)

// Message is the envelope for every WebSocket message.
type Message struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// JoinRequest is the first message a member sends.
type JoinRequest struct {
	Session         string `json:"session"`
	Rank            int    `json:"rank"`
	Size            int    `json:"size"`
	ProtocolVersion int    `json:"protocol_version"`
	Host            string `json:"host"`
}

// ReadyMessage is sent to every member once the group is complete.
type ReadyMessage struct {
	Group   string `json:"group"`
	Size    int    `json:"size"`
	Version string `json:"version"`
}

// RejectMessage refuses a join.
type RejectMessage struct {
	Reason string `json:"reason"`
	Code   string `json:"code"`
}

// AbortMessage tells members the group is gone.
type AbortMessage struct {
	Reason string `json:"reason"`
	Code   string `json:"code"`
}

// OpRequest carries one collective call.
type OpRequest struct {
	Seq     uint64          `json:"seq"`
	Kind    collective.Kind `json:"kind"`
	Root    int             `json:"root"`
	Payload []byte          `json:"payload,omitempty"`
	Values  []uint64        `json:"values,omitempty"`
}

// OpReply answers an OpRequest.
type OpReply struct {
	Seq     uint64   `json:"seq"`
	Payload []byte   `json:"payload,omitempty"`
	Values  []uint64 `json:"values,omitempty"`
	Error   string   `json:"error,omitempty"`
	Code    string   `json:"code,omitempty"`
}

// Error codes carried by reject, abort and reply messages.
const (
	CodeProtocolVersion = "protocol_version"
	CodeSession         = "session"
	CodeSize            = "size"
	CodeRank            = "rank"
	CodeMismatch        = "mismatch"
	CodeLength          = "length"
	CodeMemberLeft      = "member_left"
	CodeInvalidRoot     = "invalid_root"
	CodeAborted         = "aborted"
	CodeInternal        = "internal"
)

var errJoinRejected = errors.New("join rejected")

// encode wraps v into an envelope of type t.
func encode(t MessageType, v any) ([]byte, error) {
	data, err := sonic.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", t, err)
	}
	return sonic.Marshal(&Message{Type: t, Data: data})
}

// decode parses an envelope.
func decode(raw []byte) (*Message, error) {
	var msg Message
	if err := sonic.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return &msg, nil
}

// decodeData parses an envelope's payload into v.
func decodeData(msg *Message, v any) error {
	if err := sonic.Unmarshal(msg.Data, v); err != nil {
		return fmt.Errorf("decode %s: %w", msg.Type, err)
	}
	return nil
}

// codeOf maps a collective error to its wire code.
func codeOf(err error) string {
	switch {
	case errors.Is(err, collective.ErrProtocolVersion):
		return CodeProtocolVersion
	case errors.Is(err, collective.ErrMismatch):
		return CodeMismatch
	case errors.Is(err, collective.ErrLength):
		return CodeLength
	case errors.Is(err, collective.ErrMemberLeft):
		return CodeMemberLeft
	case errors.Is(err, collective.ErrInvalidRoot):
		return CodeInvalidRoot
	case errors.Is(err, collective.ErrAborted):
		return CodeAborted
	}
	return CodeInternal
}

// errorOf rebuilds a collective error from its wire code.
func errorOf(code, msg string) error {
	var base error
	switch code {
	case CodeProtocolVersion:
		base = collective.ErrProtocolVersion
	case CodeMismatch:
		base = collective.ErrMismatch
	case CodeLength:
		base = collective.ErrLength
	case CodeMemberLeft:
		base = collective.ErrMemberLeft
	case CodeInvalidRoot:
		base = collective.ErrInvalidRoot
	case CodeAborted:
		base = collective.ErrAborted
	case CodeSession, CodeSize, CodeRank:
		base = errJoinRejected
	default:
		return errors.New(msg)
	}
	return fmt.Errorf("%w: %s", base, msg)
}

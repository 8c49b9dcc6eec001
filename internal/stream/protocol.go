package stream

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/xtrntr/cryptodesk/internal/models"
)

// MessageType tags every frame exchanged over the stream, one JSON object per frame.
type MessageType string

const (
	TypeAuthSuccess      MessageType = "auth_success"
	TypeAuthFailed       MessageType = "auth_failed"
	TypePnLUpdate        MessageType = "pnl_update"
	TypeError            MessageType = "error"
	TypeRequestPnLUpdate MessageType = "request_pnl_update"
)

var (
	ErrMalformedFrame = errors.New("malformed frame")
	ErrUnknownType    = errors.New("unknown message type")
)

// Frame is a server→client message. The set of implementations is closed.
type Frame interface {
	FrameType() MessageType
}

type authSuccessFrame struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
}

type authFailedFrame struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
}

type pnlUpdateFrame struct {
	Type MessageType          `json:"type"`
	Data []models.PositionPnL `json:"data"`
}

type errorFrame struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
}

func (authSuccessFrame) FrameType() MessageType { return TypeAuthSuccess }
func (authFailedFrame) FrameType() MessageType  { return TypeAuthFailed }
func (pnlUpdateFrame) FrameType() MessageType   { return TypePnLUpdate }
func (errorFrame) FrameType() MessageType       { return TypeError }

func AuthSuccess() Frame {
	return authSuccessFrame{Type: TypeAuthSuccess, Message: "Successfully authenticated."}
}

func AuthFailed(message string) Frame {
	return authFailedFrame{Type: TypeAuthFailed, Message: message}
}

// PnLUpdate is a full snapshot of the user's open positions, never a delta.
func PnLUpdate(positions []models.PositionPnL) Frame {
	if positions == nil {
		positions = []models.PositionPnL{}
	}
	return pnlUpdateFrame{Type: TypePnLUpdate, Data: positions}
}

func ErrorFrame(message string) Frame {
	return errorFrame{Type: TypeError, Message: message}
}

// Envelope decodes any server frame on the client side.
type Envelope struct {
	Type    MessageType          `json:"type"`
	Message string               `json:"message,omitempty"`
	Data    []models.PositionPnL `json:"data,omitempty"`
}

// ClientMessage is a client→server frame
type ClientMessage struct {
	Type MessageType `json:"type"`
}

// ParseClientMessage decodes and validates a client frame. Frames that are not
// JSON objects fail with ErrMalformedFrame; a type other than
// request_pnl_update fails with ErrUnknownType.
func ParseClientMessage(data []byte) (ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ClientMessage{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	switch msg.Type {
	case TypeRequestPnLUpdate:
		return msg, nil
	case "":
		return ClientMessage{}, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	default:
		return ClientMessage{}, fmt.Errorf("%w: %q", ErrUnknownType, msg.Type)
	}
}

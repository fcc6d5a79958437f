package ws

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/whisper/duochat/internal/protocol"
)

// DefaultRequestTimeout bounds the work done for one client frame.
const DefaultRequestTimeout = 5 * time.Second

// MessageHandler is the callback signature for handling a parsed client frame.
// The msg parameter is the concrete struct returned by
// protocol.ParseClientMessage (e.g., protocol.SubscribeMsg).
type MessageHandler func(ctx context.Context, conn *Connection, msg interface{})

// MessageDispatcher routes incoming frames to registered handlers based on
// the frame type. It answers ping internally and sends structured errors for
// malformed or unsupported frames.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
	timeout  time.Duration
	log      *zerolog.Logger
}

// NewMessageDispatcher creates an empty dispatcher.
func NewMessageDispatcher(logger *zerolog.Logger) *MessageDispatcher {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
		timeout:  DefaultRequestTimeout,
		log:      logger,
	}
}

// Register associates a MessageHandler with a frame type. If a handler was
// already registered for the given type, it is silently replaced.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch parses the raw bytes into a typed frame, handles ping internally,
// and routes all other types to the registered handler.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		d.log.Debug().Err(err).Str("conn", conn.ID).Msg("dispatch parse error")
		sendError(d.log, conn, protocol.CodeBadRequest, "invalid message format")
		return
	}

	if msgType == protocol.TypePing {
		conn.Touch()
		send(d.log, conn, protocol.TypePong, protocol.PongMsg{})
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		d.log.Debug().Str("type", msgType).Str("conn", conn.ID).Msg("unsupported message type")
		sendError(d.log, conn, protocol.CodeBadRequest, "unsupported message type")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	handler(ctx, conn, msg)
}

// send builds a server frame and writes it. Failures are logged, not
// propagated; a broken connection is reaped by its read loop.
func send(log *zerolog.Logger, conn *Connection, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Error().Err(err).Str("type", msgType).Msg("failed to build server message")
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		log.Debug().Err(err).Str("type", msgType).Str("conn", conn.ID).Msg("failed to send server message")
	}
}

func sendError(log *zerolog.Logger, conn *Connection, code, message string) {
	send(log, conn, protocol.TypeError, protocol.ErrorMsg{Code: code, Message: message})
}

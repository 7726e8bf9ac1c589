package room

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"chatroom/internal/apperr"
	"chatroom/internal/models"
)

func encodeFrame(f models.Frame) ([]byte, error) {
	return json.Marshal(f)
}

// decodeFrame parses and validates one inbound frame. Every failure is a ProtocolError.
func decodeFrame(data []byte) (models.Frame, error) {
	const op = "decode frame"
	var f models.Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return models.Frame{}, apperr.Protocol(op, err)
	}
	switch f.Type {
	case models.FrameMessage:
		if strings.TrimSpace(f.Content) == "" {
			return models.Frame{}, apperr.Protocol(op, errors.New("message frame without content"))
		}
		if f.Format == "" {
			f.Format = models.FormatText
		}
		if !f.Format.Valid() {
			return models.Frame{}, apperr.Protocol(op, fmt.Errorf("unsupported format %q", f.Format))
		}
	case models.FrameKick, models.FrameMute, models.FrameAdmin:
		if f.Target == "" {
			return models.Frame{}, apperr.Protocol(op, fmt.Errorf("%s frame without target", f.Type))
		}
	case models.FrameHello:
		if strings.TrimSpace(f.Sender) == "" {
			return models.Frame{}, apperr.Protocol(op, errors.New("hello frame without username"))
		}
	case models.FrameWelcome, models.FrameRoster, models.FrameError, models.FrameTerminate, models.FrameLeave, models.FrameAck:
	default:
		return models.Frame{}, apperr.Protocol(op, fmt.Errorf("unknown frame type %q", f.Type))
	}
	return f, nil
}

// readFrame returns transport errors as-is and decoding errors as ProtocolErrors.
func readFrame(conn *websocket.Conn) (models.Frame, error) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return models.Frame{}, err
	}
	return decodeFrame(data)
}

func writeFrame(conn *websocket.Conn, f models.Frame, wait time.Duration) error {
	payload, err := encodeFrame(f)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(wait))
	return conn.WriteMessage(websocket.TextMessage, payload)
}

// writePump owns every write on conn. It drains send until the channel is
// closed, then sends a close message and closes the connection.
func writePump(conn *websocket.Conn, send <-chan models.Frame, opts Options, onError func(error)) {
	ticker := time.NewTicker(opts.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case frame, ok := <-send:
			if !ok {
				_ = conn.SetWriteDeadline(time.Now().Add(opts.WriteWait))
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := writeFrame(conn, frame, opts.WriteWait); err != nil {
				reportWriteError(err, onError)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(opts.WriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				reportWriteError(err, onError)
				return
			}
		}
	}
}

func reportWriteError(err error, onError func(error)) {
	if errors.Is(err, net.ErrClosed) || errors.Is(err, websocket.ErrCloseSent) {
		return
	}
	onError(err)
}

// keepAlive arms the read deadline and extends it on every pong.
func keepAlive(conn *websocket.Conn, opts Options) {
	conn.SetReadLimit(opts.MaxFrameBytes)
	_ = conn.SetReadDeadline(time.Now().Add(opts.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(opts.PongWait))
	})
}

func isExpectedClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || errors.Is(err, net.ErrClosed)
}

func errorFrame(err error) models.Frame {
	return models.Frame{Type: models.FrameError, Error: err.Error(), Reason: apperr.Name(err)}
}

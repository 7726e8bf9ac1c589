package room

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"chatroom/internal/apperr"
	"chatroom/internal/models"
	"chatroom/internal/observability"
)

// Dialer opens the transport to a remote host.
type Dialer func(ctx context.Context) (*websocket.Conn, error)

// Client is a room joined on a remote host. Its role flags mirror the last
// roster the host sent.
type Client struct {
	opts     Options
	log      *slog.Logger
	sink     Sink
	username string

	state   stateMachine
	started atomic.Bool
	leaving atomic.Bool

	conn       *websocket.Conn
	sendMu     sync.Mutex
	send       chan models.Frame
	sendClosed bool
	writerDone chan struct{}
	done       chan struct{}

	selfID string
	roster atomic.Pointer[[]models.Participant]

	pendingMu sync.Mutex
	pending   map[string]chan error
}

// NewClient prepares a session that joins a remote room as username.
func NewClient(username string, sink Sink, log *slog.Logger, opts Options) *Client {
	c := &Client{
		opts:       opts.withDefaults(),
		log:        log,
		sink:       sink,
		username:   username,
		writerDone: make(chan struct{}),
		done:       make(chan struct{}),
		pending:    make(map[string]chan error),
	}
	c.send = make(chan models.Frame, c.opts.SendBuffer)
	empty := []models.Participant{}
	c.roster.Store(&empty)
	return c
}

// Connect dials the host and completes the hello/welcome handshake. On failure
// the session is back to Disconnected and the error is a RoomConnectionError or ProtocolError.
func (c *Client) Connect(ctx context.Context, dial Dialer) error {
	const op = "Connect"
	if !c.started.CompareAndSwap(false, true) {
		return kindError(apperr.ErrValidation, op, ErrReopen)
	}
	if !c.state.transition(Disconnected, Connecting) {
		return kindError(apperr.ErrValidation, op, fmt.Errorf("session is %s", c.state.Load()))
	}

	conn, err := dial(ctx)
	if err != nil {
		c.state.set(Disconnected)
		if errors.Is(err, apperr.ErrRoomConnection) {
			return err
		}
		return apperr.RoomConnection(op, err)
	}

	welcome, err := c.handshake(conn)
	if err != nil {
		_ = conn.Close()
		c.state.set(Disconnected)
		return err
	}

	c.conn = conn
	c.selfID = welcome.Target
	c.roster.Store(&welcome.Participants)
	if !c.state.transition(Connecting, Connected) {
		st := c.state.Load()
		_ = conn.Close()
		c.state.set(Disconnected)
		return apperr.RoomConnection(op, fmt.Errorf("session became %s during join", st))
	}
	observability.IncWSActive("room_client")
	c.sink.OnRoster(welcome.Participants)

	go func() {
		defer close(c.writerDone)
		writePump(conn, c.send, c.opts, func(err error) {
			c.sink.OnException(apperr.RoomConnection("deliver", err), "host")
		})
	}()
	go c.readLoop()

	c.log.Info("joined room", "participant_id", c.selfID, "username", c.username)
	return nil
}

func (c *Client) handshake(conn *websocket.Conn) (models.Frame, error) {
	const op = "join"
	conn.SetReadLimit(c.opts.MaxFrameBytes)
	if err := writeFrame(conn, models.Frame{Type: models.FrameHello, Sender: c.username}, c.opts.WriteWait); err != nil {
		return models.Frame{}, apperr.RoomConnection(op, err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(c.opts.JoinTimeout))
	f, err := readFrame(conn)
	if err != nil {
		if errors.Is(err, apperr.ErrProtocol) {
			return models.Frame{}, err
		}
		return models.Frame{}, apperr.RoomConnection(op, err)
	}

	switch f.Type {
	case models.FrameWelcome:
		if f.Target == "" {
			return models.Frame{}, apperr.Protocol(op, errors.New("welcome frame without participant id"))
		}
		return f, nil
	case models.FrameError:
		return models.Frame{}, apperr.RoomConnection(op, errors.New(f.Error))
	case models.FrameTerminate:
		return models.Frame{}, apperr.RoomConnection(op, errors.New("room closed before join completed"))
	}
	return models.Frame{}, apperr.Protocol(op, fmt.Errorf("expected welcome, got %q", f.Type))
}

func (c *Client) readLoop() {
	reason := "connection to host lost"
	defer func() { c.finish(reason) }()

	keepAlive(c.conn, c.opts)
	for {
		f, err := readFrame(c.conn)
		if err != nil {
			switch {
			case c.leaving.Load():
				reason = "left the room"
			case errors.Is(err, apperr.ErrProtocol):
				c.sink.OnException(err, "frame from host")
				observability.IncWSEvent("room_client", "protocol_error")
				reason = "protocol error"
			default:
				c.sink.OnException(apperr.RoomConnection("read", err), "host")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))

		switch f.Type {
		case models.FrameMessage:
			c.sink.OnMessage(f.Message())
		case models.FrameRoster:
			roster := f.Participants
			c.roster.Store(&roster)
			c.sink.OnRoster(roster)
		case models.FrameAck:
			c.resolve(f.Ref, nil)
		case models.FrameError:
			err := apperr.FromName(f.Reason, "host", f.Error)
			if !c.resolve(f.Ref, err) {
				c.sink.OnException(err, "request rejected by host")
			}
		case models.FrameKick:
			reason = f.Reason
			if reason == "" {
				reason = "kicked"
			}
			return
		case models.FrameTerminate:
			reason = f.Reason
			if reason == "" {
				reason = "host closed the room"
			}
			return
		default:
			c.sink.OnException(apperr.Protocol("read", fmt.Errorf("unexpected %q frame from host", f.Type)), "frame from host")
			reason = "protocol error"
			return
		}
	}
}

func (c *Client) finish(reason string) {
	c.closeSend()
	select {
	case <-c.writerDone:
	case <-time.After(2 * c.opts.WriteWait):
	}
	_ = c.conn.Close()

	empty := []models.Participant{}
	c.roster.Store(&empty)
	c.state.set(Disconnected)
	observability.DecWSActive("room_client")
	c.log.Info("left room", "participant_id", c.selfID, "reason", reason)
	c.sink.OnClosed(reason)
	close(c.done)
}

func (c *Client) enqueue(op string, f models.Frame) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendClosed {
		return notConnected(op)
	}
	select {
	case c.send <- f:
		return nil
	default:
		return apperr.RoomConnection(op, errors.New("send queue is full"))
	}
}

func (c *Client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.sendClosed {
		c.sendClosed = true
		close(c.send)
	}
}

func (c *Client) State() State { return c.state.Load() }

func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) Participants() []models.Participant {
	return append([]models.Participant(nil), *c.roster.Load()...)
}

func (c *Client) Self() models.Participant {
	if p, ok := findParticipant(*c.roster.Load(), c.selfID); ok {
		return p
	}
	return models.Participant{ID: c.selfID, Username: c.username}
}

// SendMessage queues content for the host. It is rejected locally when the
// host has muted this participant.
func (c *Client) SendMessage(content string, format models.Format) error {
	const op = "SendMessage"
	if c.state.Load() != Connected {
		return notConnected(op)
	}
	content, format, err := normalizeMessage(op, content, format)
	if err != nil {
		return err
	}
	if c.Self().IsMuted {
		return mutedError(op)
	}
	return c.enqueue(op, models.Frame{Type: models.FrameMessage, Content: content, Format: format})
}

func (c *Client) TryKick(targetID string) error {
	return c.tryModerate("TryKick", targetID, models.FrameKick)
}

func (c *Client) TryChangeMuteStatus(targetID string) error {
	return c.tryModerate("TryChangeMuteStatus", targetID, models.FrameMute)
}

func (c *Client) TryChangeAdminStatus(targetID string) error {
	return c.tryModerate("TryChangeAdminStatus", targetID, models.FrameAdmin)
}

// tryModerate checks the local role snapshot, then waits for the host's verdict
// so a stale snapshot never reports success.
func (c *Client) tryModerate(op, targetID string, action models.FrameType) error {
	if c.state.Load() != Connected {
		return notConnected(op)
	}
	if !c.Self().IsAdmin {
		return notAdminError(op)
	}
	target, ok := findParticipant(*c.roster.Load(), targetID)
	if !ok {
		return unknownParticipant(op, targetID)
	}
	if target.IsHost {
		return hostTargetError(op)
	}

	ref := uuid.NewString()
	reply := make(chan error, 1)
	c.pendingMu.Lock()
	c.pending[ref] = reply
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, ref)
		c.pendingMu.Unlock()
	}()

	if err := c.enqueue(op, models.Frame{Type: action, Target: targetID, Ref: ref}); err != nil {
		return err
	}
	timer := time.NewTimer(c.opts.JoinTimeout)
	defer timer.Stop()
	select {
	case err := <-reply:
		if err != nil {
			return kindError(apperr.KindOf(err), op, err)
		}
		return nil
	case <-c.done:
		return notConnected(op)
	case <-timer.C:
		return apperr.RoomConnection(op, errors.New("no reply from host"))
	}
}

// resolve hands a host reply to the moderation call waiting on ref.
func (c *Client) resolve(ref string, err error) bool {
	if ref == "" {
		return false
	}
	c.pendingMu.Lock()
	reply, ok := c.pending[ref]
	c.pendingMu.Unlock()
	if ok {
		reply <- err
	}
	return ok
}

// Disconnect leaves the room and waits for the connection to close.
func (c *Client) Disconnect() error {
	const op = "Disconnect"
	if !c.state.transition(Connected, Disconnecting) {
		return notConnected(op)
	}
	c.leaving.Store(true)
	_ = c.enqueue(op, models.Frame{Type: models.FrameLeave})
	c.closeSend()

	select {
	case <-c.done:
	case <-time.After(2 * c.opts.WriteWait):
		_ = c.conn.Close()
		<-c.done
	}
	return nil
}

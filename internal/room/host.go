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
	"github.com/samber/lo"

	"chatroom/internal/apperr"
	"chatroom/internal/models"
	"chatroom/internal/observability"
)

const inboxSize = 1024

// Host is a room hosted by this process. One actor goroutine owns the
// participant arena; every read loop and every local call reaches it through
// the inbox, which is the single ordering point for the whole room.
type Host struct {
	opts     Options
	log      *slog.Logger
	sink     Sink
	username string

	state   stateMachine
	started atomic.Bool
	mu      sync.Mutex // guards state changes against wg.Add in Accept

	inbox  chan command
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup

	selfID string
	roster atomic.Pointer[[]models.Participant]

	// owned by the actor goroutine
	arena map[string]*member
	order []string
	seq   uint64
}

type member struct {
	models.Participant
	peer *peer
}

type peer struct {
	id     string
	conn   *websocket.Conn
	send   chan models.Frame
	closed bool
}

type command interface{}

type joinCmd struct {
	conn     *websocket.Conn
	username string
	address  string
	reply    chan *peer
}

type leaveCmd struct {
	id     string
	reason string
	final  *models.Frame
}

type messageCmd struct {
	senderID string
	content  string
	format   models.Format
}

type moderateCmd struct {
	callerID string
	targetID string
	action   models.FrameType
	ref      string
	reply    chan error
}

// NewHost prepares a hosted room for username. Call Connect to open it.
func NewHost(username string, sink Sink, log *slog.Logger, opts Options) *Host {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Host{
		opts:     opts.withDefaults(),
		log:      log,
		sink:     sink,
		username: username,
		inbox:    make(chan command, inboxSize),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		arena:    make(map[string]*member),
	}
	empty := []models.Participant{}
	h.roster.Store(&empty)
	return h
}

// Connect registers the host user as the first, admin, participant and starts the actor.
func (h *Host) Connect(_ context.Context) error {
	const op = "Connect"
	if !h.started.CompareAndSwap(false, true) {
		return kindError(apperr.ErrValidation, op, ErrReopen)
	}
	if !h.state.transition(Disconnected, Connecting) {
		return kindError(apperr.ErrValidation, op, fmt.Errorf("session is %s", h.state.Load()))
	}

	self := &member{Participant: models.Participant{
		ID:       uuid.NewString(),
		Username: h.username,
		Address:  "local",
		IsAdmin:  true,
		IsHost:   true,
		JoinedAt: time.Now().UTC(),
	}}
	h.selfID = self.ID
	h.arena[self.ID] = self
	h.order = append(h.order, self.ID)
	h.sink.OnRoster(h.publishRoster())

	go h.run()

	h.mu.Lock()
	h.state.set(Connected)
	h.mu.Unlock()
	h.log.Info("room hosted", "participant_id", self.ID, "username", h.username)
	return nil
}

func (h *Host) State() State { return h.state.Load() }

func (h *Host) Done() <-chan struct{} { return h.done }

// Participants returns the latest roster snapshot in join order.
func (h *Host) Participants() []models.Participant {
	return append([]models.Participant(nil), *h.roster.Load()...)
}

func (h *Host) Self() models.Participant {
	p, _ := findParticipant(*h.roster.Load(), h.selfID)
	return p
}

// Accept hands an upgraded connection to the room. The join handshake and the
// participant's read loop run on their own goroutine.
func (h *Host) Accept(conn *websocket.Conn, address string) {
	h.mu.Lock()
	if h.state.Load() != Connected {
		h.mu.Unlock()
		_ = writeFrame(conn, errorFrame(kindError(apperr.ErrRoomConnection, "Accept", ErrNotConnected)), h.opts.WriteWait)
		_ = conn.Close()
		return
	}
	h.wg.Add(1)
	h.mu.Unlock()

	go h.serve(conn, address)
}

func (h *Host) serve(conn *websocket.Conn, address string) {
	defer h.wg.Done()

	conn.SetReadLimit(h.opts.MaxFrameBytes)
	_ = conn.SetReadDeadline(time.Now().Add(h.opts.JoinTimeout))
	hello, err := readFrame(conn)
	if err == nil && hello.Type != models.FrameHello {
		err = apperr.Protocol("join", fmt.Errorf("expected hello, got %q", hello.Type))
	}
	if err != nil {
		if errors.Is(err, apperr.ErrProtocol) {
			h.sink.OnException(err, "join from "+address)
			observability.IncWSEvent("room", "protocol_error")
			_ = writeFrame(conn, errorFrame(err), h.opts.WriteWait)
		} else {
			h.log.Debug("join handshake failed", "address", address, "error", err)
		}
		_ = conn.Close()
		return
	}

	reply := make(chan *peer, 1)
	if !h.submit(joinCmd{conn: conn, username: hello.Sender, address: address, reply: reply}) {
		_ = conn.Close()
		return
	}
	var p *peer
	select {
	case p = <-reply:
	case <-h.done:
		_ = conn.Close()
		return
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		writePump(conn, p.send, h.opts, func(err error) {
			h.sink.OnException(apperr.RoomConnection("deliver", err), "participant "+p.id)
		})
	}()

	h.readLoop(p)
	<-writerDone
}

func (h *Host) readLoop(p *peer) {
	keepAlive(p.conn, h.opts)
	for {
		f, err := readFrame(p.conn)
		if err != nil {
			if errors.Is(err, apperr.ErrProtocol) {
				h.abortPeer(p, err)
				return
			}
			reason := "connection lost"
			if isExpectedClose(err) {
				reason = "disconnected"
			}
			h.submit(leaveCmd{id: p.id, reason: reason})
			return
		}
		_ = p.conn.SetReadDeadline(time.Now().Add(h.opts.PongWait))

		switch f.Type {
		case models.FrameMessage:
			h.submit(messageCmd{senderID: p.id, content: f.Content, format: f.Format})
		case models.FrameKick, models.FrameMute, models.FrameAdmin:
			h.submit(moderateCmd{callerID: p.id, targetID: f.Target, action: f.Type, ref: f.Ref})
		case models.FrameLeave:
			h.submit(leaveCmd{id: p.id, reason: "left"})
			return
		default:
			h.abortPeer(p, apperr.Protocol("read", fmt.Errorf("unexpected %q frame from participant", f.Type)))
			return
		}
	}
}

// abortPeer drops one participant after a malformed frame; the rest of the room is untouched.
func (h *Host) abortPeer(p *peer, err error) {
	h.sink.OnException(err, "participant "+p.id)
	observability.IncWSEvent("room", "protocol_error")
	final := errorFrame(err)
	h.submit(leaveCmd{id: p.id, reason: "protocol error", final: &final})
}

func (h *Host) submit(cmd command) bool {
	select {
	case h.inbox <- cmd:
		return true
	case <-h.done:
		return false
	}
}

func (h *Host) run() {
	defer close(h.done)
	for {
		select {
		case cmd := <-h.inbox:
			h.dispatch(cmd)
		case <-h.ctx.Done():
			h.shutdown()
			return
		}
	}
}

func (h *Host) dispatch(cmd command) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("room loop recovered from panic", "panic", r)
			h.sink.OnException(apperr.Internal("room", fmt.Errorf("%v", r)), "host serialization loop")
		}
	}()

	switch c := cmd.(type) {
	case joinCmd:
		c.reply <- h.join(c)
	case leaveCmd:
		h.leave(c)
	case messageCmd:
		h.message(c)
	case moderateCmd:
		err := h.moderate(c.callerID, c.targetID, c.action)
		if c.reply != nil {
			c.reply <- err
			return
		}
		caller, ok := h.arena[c.callerID]
		if !ok {
			return
		}
		switch {
		case err != nil:
			f := errorFrame(err)
			f.Ref = c.ref
			h.deliver(caller, f)
		case c.ref != "":
			h.deliver(caller, models.Frame{Type: models.FrameAck, Ref: c.ref})
		}
	}
}

func (h *Host) join(c joinCmd) *peer {
	p := &peer{id: uuid.NewString(), conn: c.conn, send: make(chan models.Frame, h.opts.SendBuffer)}
	m := &member{
		Participant: models.Participant{
			ID:       p.id,
			Username: c.username,
			Address:  c.address,
			JoinedAt: time.Now().UTC(),
		},
		peer: p,
	}
	h.arena[p.id] = m
	h.order = append(h.order, p.id)
	observability.IncWSActive("room")
	observability.IncWSEvent("room", "join")

	roster := h.publishRoster()
	h.deliver(m, models.Frame{Type: models.FrameWelcome, Target: p.id, Participants: roster})
	h.broadcastExcept(p.id, models.Frame{Type: models.FrameRoster, Participants: roster})
	h.sink.OnRoster(roster)
	h.log.Info("participant joined", "participant_id", p.id, "username", c.username, "address", c.address)
	return p
}

func (h *Host) leave(c leaveCmd) {
	if !h.remove(c.id, c.final) {
		return
	}
	h.log.Info("participant left", "participant_id", c.id, "reason", c.reason)
	h.rosterChanged()
}

func (h *Host) message(c messageCmd) {
	sender, ok := h.arena[c.senderID]
	if !ok {
		return
	}
	if sender.IsMuted {
		err := mutedError("SendMessage")
		if sender.peer != nil {
			h.deliver(sender, errorFrame(err))
		} else {
			h.sink.OnException(err, "local send")
		}
		return
	}

	h.seq++
	frame := models.Frame{
		Type:      models.FrameMessage,
		Seq:       h.seq,
		SenderID:  sender.ID,
		Sender:    sender.Username,
		Content:   c.content,
		Format:    c.format,
		Timestamp: time.Now().UTC(),
	}
	h.broadcastExcept("", frame)
	observability.IncWSEvent("room", "message")
	h.sink.OnMessage(frame.Message())
}

func (h *Host) moderate(callerID, targetID string, action models.FrameType) error {
	op := "moderate " + string(action)
	caller, ok := h.arena[callerID]
	if !ok {
		return unknownParticipant(op, callerID)
	}
	if !caller.IsAdmin {
		return notAdminError(op)
	}
	target, ok := h.arena[targetID]
	if !ok {
		return unknownParticipant(op, targetID)
	}
	if target.IsHost {
		return hostTargetError(op)
	}

	switch action {
	case models.FrameKick:
		h.remove(target.ID, &models.Frame{Type: models.FrameKick, Target: target.ID, Reason: "kicked by " + caller.Username})
	case models.FrameMute:
		target.IsMuted = !target.IsMuted
	case models.FrameAdmin:
		target.IsAdmin = !target.IsAdmin
	default:
		return apperr.Validation(op, "unknown moderation action")
	}

	h.log.Info("participant moderated", "action", action, "caller_id", caller.ID, "target_id", target.ID,
		"is_muted", target.IsMuted, "is_admin", target.IsAdmin)
	observability.IncWSEvent("room", string(action))
	h.rosterChanged()
	h.sink.OnModeration(action, caller.Participant, target.Participant)
	return nil
}

// remove drops a participant from the arena and closes its send queue after an optional final frame.
func (h *Host) remove(id string, final *models.Frame) bool {
	m, ok := h.arena[id]
	if !ok {
		return false
	}
	delete(h.arena, id)
	h.order = lo.Without(h.order, id)
	if m.peer != nil && !m.peer.closed {
		if final != nil {
			select {
			case m.peer.send <- *final:
			default:
			}
		}
		m.peer.closed = true
		close(m.peer.send)
		observability.DecWSActive("room")
	}
	return true
}

func (h *Host) deliver(m *member, f models.Frame) {
	if m.peer == nil || m.peer.closed {
		return
	}
	select {
	case m.peer.send <- f:
	default:
		h.log.Warn("participant send queue full, dropping participant", "participant_id", m.ID)
		h.sink.OnException(apperr.RoomConnection("deliver", fmt.Errorf("send queue of %s is full", m.Username)), "participant "+m.ID)
		if h.remove(m.ID, nil) {
			h.rosterChanged()
		}
	}
}

func (h *Host) broadcastExcept(skipID string, f models.Frame) {
	for _, id := range append([]string(nil), h.order...) {
		if id == skipID {
			continue
		}
		if m, ok := h.arena[id]; ok {
			h.deliver(m, f)
		}
	}
}

func (h *Host) rosterChanged() {
	roster := h.publishRoster()
	h.broadcastExcept("", models.Frame{Type: models.FrameRoster, Participants: roster})
	h.sink.OnRoster(roster)
}

func (h *Host) publishRoster() []models.Participant {
	roster := lo.FilterMap(h.order, func(id string, _ int) (models.Participant, bool) {
		m, ok := h.arena[id]
		if !ok {
			return models.Participant{}, false
		}
		return m.Participant, true
	})
	h.roster.Store(&roster)
	return roster
}

// shutdown tells every remote participant the room is over and empties the arena.
func (h *Host) shutdown() {
	terminate := models.Frame{Type: models.FrameTerminate, Reason: "host closed the room"}
	for _, id := range append([]string(nil), h.order...) {
		h.remove(id, &terminate)
	}
	empty := []models.Participant{}
	h.roster.Store(&empty)
}

// SendMessage queues content at the room's ordering point and returns without
// waiting for fan-out.
func (h *Host) SendMessage(content string, format models.Format) error {
	const op = "SendMessage"
	if h.state.Load() != Connected {
		return notConnected(op)
	}
	content, format, err := normalizeMessage(op, content, format)
	if err != nil {
		return err
	}
	if h.Self().IsMuted {
		return mutedError(op)
	}
	if !h.submit(messageCmd{senderID: h.selfID, content: content, format: format}) {
		return notConnected(op)
	}
	return nil
}

func (h *Host) TryKick(targetID string) error {
	return h.tryModerate("TryKick", targetID, models.FrameKick)
}

func (h *Host) TryChangeMuteStatus(targetID string) error {
	return h.tryModerate("TryChangeMuteStatus", targetID, models.FrameMute)
}

func (h *Host) TryChangeAdminStatus(targetID string) error {
	return h.tryModerate("TryChangeAdminStatus", targetID, models.FrameAdmin)
}

func (h *Host) tryModerate(op, targetID string, action models.FrameType) error {
	if h.state.Load() != Connected {
		return notConnected(op)
	}
	reply := make(chan error, 1)
	if !h.submit(moderateCmd{callerID: h.selfID, targetID: targetID, action: action, reply: reply}) {
		return notConnected(op)
	}
	select {
	case err := <-reply:
		return err
	case <-h.done:
		return notConnected(op)
	}
}

// Disconnect closes the room. Host loss is fatal: every participant receives a
// terminate frame and is disconnected.
func (h *Host) Disconnect() error {
	const op = "Disconnect"
	h.mu.Lock()
	ok := h.state.transition(Connected, Disconnecting)
	h.mu.Unlock()
	if !ok {
		return notConnected(op)
	}

	h.cancel()
	<-h.done
	if !waitTimeout(&h.wg, 2*h.opts.WriteWait) {
		h.log.Warn("participants did not close in time")
	}

	h.state.set(Disconnected)
	h.log.Info("room closed")
	h.sink.OnClosed("host closed the room")
	return nil
}

func waitTimeout(wg *sync.WaitGroup, d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}

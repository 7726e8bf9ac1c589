package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samber/lo"

	"chatroom/internal/apperr"
	"chatroom/internal/discovery"
	"chatroom/internal/models"
	"chatroom/internal/observability"
	"chatroom/internal/room"
	"chatroom/internal/telemetry"
)

const (
	defaultEventBuffer = 256
	persistQueueSize   = 256
	persistTimeout     = 5 * time.Second
	outboxSize         = 256
	publishTimeout     = 5 * time.Second
)

// Discovery opens room sessions for a connection target.
type Discovery interface {
	Connect(ctx context.Context, target, username string, sink room.Sink) (room.Session, error)
	StopHosting() error
}

// MessageLog persists room lines into a stored conversation.
type MessageLog interface {
	SendMessage(ctx context.Context, senderID, conversationID int, content string, format models.Format) (models.Message, error)
}

type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any) error
}

type Option func(*Service)

// WithMessageLog logs every line the local user gets accepted into conversationID.
func WithMessageLog(log MessageLog, userID, conversationID int) Option {
	return func(s *Service) {
		s.messageLog = log
		s.userID = userID
		s.conversationID = conversationID
	}
}

func WithAudit(audit *telemetry.AuditEmitter) Option {
	return func(s *Service) { s.audit = audit }
}

// WithPublisher publishes room lifecycle events to a broker.
func WithPublisher(p Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

func WithEventBuffer(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.eventBuffer = n
		}
	}
}

type activeSession struct {
	session room.Session
	mode    discovery.Mode
	target  string
}

// Service is the entry point for UI and web callers: it opens a room through
// discovery, routes calls into the live session and fans session output out to
// subscribers.
type Service struct {
	discovery Discovery
	log       *slog.Logger

	messageLog     MessageLog
	userID         int
	conversationID int
	audit          *telemetry.AuditEmitter
	publisher      Publisher
	eventBuffer    int
	now            func() time.Time

	lifecycle sync.Mutex
	current   atomic.Pointer[activeSession]
	leaving   atomic.Bool

	subsMu sync.RWMutex
	subs   map[*Subscription]struct{}

	persist     chan models.RoomMessage
	persistQuit chan struct{}
	persistDone chan struct{}

	// broker and audit publishes run off the room's loops
	outbox     chan outboxJob
	outboxQuit chan struct{}
	outboxDone chan struct{}

	closeOnce sync.Once
}

type outboxJob struct {
	name string
	run  func(ctx context.Context)
}

var _ room.Sink = (*Service)(nil)

func New(d Discovery, log *slog.Logger, opts ...Option) *Service {
	s := &Service{
		discovery:   d,
		log:         log,
		eventBuffer: defaultEventBuffer,
		now:         time.Now,
		subs:        make(map[*Subscription]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.messageLog != nil && s.conversationID > 0 {
		s.persist = make(chan models.RoomMessage, persistQueueSize)
		s.persistQuit = make(chan struct{})
		s.persistDone = make(chan struct{})
		go s.persistLoop()
	}
	if s.publisher != nil || s.audit != nil {
		s.outbox = make(chan outboxJob, outboxSize)
		s.outboxQuit = make(chan struct{})
		s.outboxDone = make(chan struct{})
		go s.outboxLoop()
	}
	return s
}

// Subscribe registers a new consumer of both event streams.
func (s *Service) Subscribe() *Subscription {
	sub := &Subscription{
		svc:        s,
		messages:   make(chan models.NewMessageEvent, s.eventBuffer),
		exceptions: make(chan models.ExceptionEvent, s.eventBuffer),
	}
	s.subsMu.Lock()
	s.subs[sub] = struct{}{}
	s.subsMu.Unlock()
	return sub
}

func (s *Service) unsubscribe(sub *Subscription) {
	s.subsMu.Lock()
	delete(s.subs, sub)
	s.subsMu.Unlock()
}

func (s *Service) subscribers() []*Subscription {
	s.subsMu.RLock()
	defer s.subsMu.RUnlock()
	return lo.Keys(s.subs)
}

// ConnectUserToServer resolves target and opens a room as username. The
// sentinel target hosts a room; anything else joins a remote host.
func (s *Service) ConnectUserToServer(ctx context.Context, target, username string) error {
	const op = "ConnectUserToServer"
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if cur := s.current.Load(); cur != nil && cur.session.State() != room.Disconnected {
		return apperr.Validation(op, "already connected to "+cur.target)
	}
	if username == "" {
		return apperr.Validation(op, "username must not be empty")
	}

	mode, err := discovery.Resolve(target)
	if err != nil {
		s.raise(err, "resolve "+target)
		return err
	}

	s.leaving.Store(false)
	session, err := s.discovery.Connect(ctx, target, username, s)
	if err != nil {
		s.raise(err, "connect to "+target)
		return err
	}
	s.current.Store(&activeSession{session: session, mode: mode, target: target})

	self := session.Self()
	s.log.Info("connected to room", "mode", mode.String(), "target", target, "participant_id", self.ID)
	s.publishEvent(ctx, "room_"+mode.String()+"ed", map[string]any{
		"target":         target,
		"participant_id": self.ID,
		"username":       self.Username,
	})
	return nil
}

func (s *Service) session(op string) (*activeSession, error) {
	cur := s.current.Load()
	if cur == nil || cur.session.State() != room.Connected {
		return nil, &apperr.Error{Kind: apperr.ErrValidation, Op: op, Err: room.ErrNotConnected}
	}
	return cur, nil
}

// SendMessage queues text at the room's ordering point. Delivery failures
// arrive later as exception events.
func (s *Service) SendMessage(content string, format models.Format) error {
	cur, err := s.session("SendMessage")
	if err != nil {
		return err
	}
	return cur.session.SendMessage(content, format)
}

func (s *Service) TryKick(targetID string) error {
	cur, err := s.session("TryKick")
	if err != nil {
		return err
	}
	return cur.session.TryKick(targetID)
}

func (s *Service) TryChangeMuteStatus(targetID string) error {
	cur, err := s.session("TryChangeMuteStatus")
	if err != nil {
		return err
	}
	return cur.session.TryChangeMuteStatus(targetID)
}

func (s *Service) TryChangeAdminStatus(targetID string) error {
	cur, err := s.session("TryChangeAdminStatus")
	if err != nil {
		return err
	}
	return cur.session.TryChangeAdminStatus(targetID)
}

// DisconnectClient leaves the room. A host closes the room for everyone.
func (s *Service) DisconnectClient() error {
	const op = "DisconnectClient"
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	cur, err := s.session(op)
	if err != nil {
		return err
	}
	s.leaving.Store(true)
	if cur.mode == discovery.ModeHost {
		return s.discovery.StopHosting()
	}
	return cur.session.Disconnect()
}

func (s *Service) State() room.State {
	if cur := s.current.Load(); cur != nil {
		return cur.session.State()
	}
	return room.Disconnected
}

func (s *Service) Participants() []models.Participant {
	if cur := s.current.Load(); cur != nil {
		return cur.session.Participants()
	}
	return []models.Participant{}
}

func (s *Service) Self() (models.Participant, bool) {
	cur := s.current.Load()
	if cur == nil || cur.session.State() != room.Connected {
		return models.Participant{}, false
	}
	return cur.session.Self(), true
}

// Close disconnects, closes every subscription and stops the message log worker.
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		if s.State() == room.Connected {
			if err := s.DisconnectClient(); err != nil {
				s.log.Warn("disconnect on close failed", "error", err)
			}
		}
		for _, sub := range s.subscribers() {
			sub.Close()
		}
		if s.persistQuit != nil {
			close(s.persistQuit)
			<-s.persistDone
		}
		if s.outboxQuit != nil {
			close(s.outboxQuit)
			<-s.outboxDone
		}
	})
}

func (s *Service) OnMessage(msg models.RoomMessage) {
	ev := models.NewMessageEvent{Message: msg}
	for _, sub := range s.subscribers() {
		if !sub.pushMessage(ev) {
			observability.IncEventDropped("message")
			s.log.Warn("subscriber too slow, message event dropped", "seq", msg.Seq)
		}
	}
	if s.persist != nil && s.isSelf(msg.SenderID) {
		select {
		case s.persist <- msg:
		default:
			s.raise(apperr.Internal("log message", errors.New("message log queue is full")), "conversation log")
		}
	}
}

func (s *Service) OnException(err error, where string) {
	s.raise(err, where)
}

func (s *Service) OnRoster(participants []models.Participant) {
	s.log.Debug("room roster changed", "participants", len(participants))
}

func (s *Service) OnModeration(action models.FrameType, caller, target models.Participant) {
	if s.audit != nil {
		s.enqueue(outboxJob{name: "audit_" + string(action), run: func(ctx context.Context) {
			s.audit.EmitModeration(ctx, string(action), caller.ID, caller.Username, target.ID, target.Username)
		}})
	}
	s.publishEvent(context.Background(), "participant_"+string(action), map[string]any{
		"caller_id": caller.ID,
		"target_id": target.ID,
		"is_muted":  target.IsMuted,
		"is_admin":  target.IsAdmin,
	})
}

// OnClosed reports a room that ended without the local user asking for it,
// e.g. a kick or the loss of the host.
func (s *Service) OnClosed(reason string) {
	s.log.Info("room session closed", "reason", reason)
	s.publishEvent(context.Background(), "room_closed", map[string]any{"reason": reason})
	if s.leaving.Load() {
		return
	}
	s.raise(apperr.RoomConnection("session", fmt.Errorf("room closed: %s", reason)), "room terminated")
}

func (s *Service) isSelf(senderID string) bool {
	cur := s.current.Load()
	return cur != nil && cur.session.Self().ID == senderID
}

func (s *Service) raise(err error, where string) {
	ev := models.ExceptionEvent{
		Kind:       apperr.Name(err),
		Error:      err.Error(),
		Context:    where,
		OccurredAt: s.now().UTC(),
		Err:        err,
	}
	s.log.Warn("chat exception", "kind", ev.Kind, "context", where, "error", err)
	for _, sub := range s.subscribers() {
		if !sub.pushException(ev) {
			observability.IncEventDropped("exception")
		}
	}
}

func (s *Service) publishEvent(ctx context.Context, name string, payload any) {
	if s.publisher == nil {
		return
	}
	envelope := observability.EventEnvelope{
		EventType:  "room_events",
		EventName:  name,
		OccurredAt: s.now().UTC(),
		TraceID:    observability.TraceIDFromContext(ctx),
		Payload:    payload,
	}
	s.enqueue(outboxJob{name: name, run: func(ctx context.Context) {
		if err := s.publisher.Publish(ctx, observability.RoomEventRoutingKey(name), envelope); err != nil {
			s.log.Warn("room event publish failed", "event", name, "error", err)
		}
	}})
}

// enqueue never blocks: a full outbox drops the job.
func (s *Service) enqueue(job outboxJob) {
	select {
	case s.outbox <- job:
	default:
		observability.IncEventDropped("broker")
		s.log.Warn("broker outbox full, event dropped", "event", job.name)
	}
}

func (s *Service) outboxLoop() {
	defer close(s.outboxDone)
	for {
		select {
		case job := <-s.outbox:
			s.runJob(job)
		case <-s.outboxQuit:
			for {
				select {
				case job := <-s.outbox:
					s.runJob(job)
				default:
					return
				}
			}
		}
	}
}

func (s *Service) runJob(job outboxJob) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	job.run(ctx)
}

func (s *Service) persistLoop() {
	defer close(s.persistDone)
	for {
		select {
		case msg := <-s.persist:
			ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
			_, err := s.messageLog.SendMessage(ctx, s.userID, s.conversationID, msg.Content, msg.Format)
			cancel()
			if err != nil {
				s.raise(err, "log message to conversation")
			}
		case <-s.persistQuit:
			return
		}
	}
}

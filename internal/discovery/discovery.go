package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"

	"chatroom/internal/apperr"
	"chatroom/internal/observability"
	"chatroom/internal/room"
)

// Sentinel is the connection target meaning "host a room here and wait for participants".
const Sentinel = "host"

// RoomPath is the websocket endpoint a hosted room listens on.
const RoomPath = "/room"

type Mode int

const (
	ModeHost Mode = iota
	ModeJoin
)

func (m Mode) String() string {
	if m == ModeHost {
		return "host"
	}
	return "join"
}

var ErrAlreadyHosting = errors.New("a room is already hosted")

// Resolve decides whether target means hosting locally or joining a remote room.
func Resolve(target string) (Mode, error) {
	target = strings.TrimSpace(target)
	if target == Sentinel {
		return ModeHost, nil
	}
	if target == "" {
		return 0, apperr.Validation("Resolve", "connection target must not be empty")
	}
	if _, _, err := net.SplitHostPort(target); err != nil {
		return 0, apperr.Validation("Resolve", fmt.Sprintf("invalid room address %q: %v", target, err))
	}
	return ModeJoin, nil
}

// Service opens room sessions: it hosts a room behind a listener or dials a remote host.
type Service struct {
	listenAddr string
	opts       room.Options
	log        *slog.Logger
	dialer     *websocket.Dialer
	upgrader   websocket.Upgrader

	mu       sync.Mutex
	host     *room.Host
	listener net.Listener
	server   *http.Server
	stopOnce *sync.Once
	served   chan struct{}
}

func New(listenAddr string, opts room.Options, log *slog.Logger) *Service {
	joinTimeout := opts.JoinTimeout
	if joinTimeout <= 0 {
		joinTimeout = room.DefaultJoinTimeout
	}
	return &Service{
		listenAddr: listenAddr,
		opts:       opts,
		log:        log,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: joinTimeout,
		},
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Connect resolves target and opens the matching session. Hosting returns the
// local host room; any other target is dialed and joined as username.
func (s *Service) Connect(ctx context.Context, target, username string, sink room.Sink) (room.Session, error) {
	mode, err := Resolve(target)
	if err != nil {
		return nil, err
	}
	if mode == ModeHost {
		host, err := s.StartHosting(ctx, username, sink)
		if err != nil {
			return nil, err
		}
		return host, nil
	}

	client := room.NewClient(username, sink, s.log, s.opts)
	if err := client.Connect(ctx, s.dial(strings.TrimSpace(target))); err != nil {
		return nil, err
	}
	return client, nil
}

func (s *Service) dial(target string) room.Dialer {
	return func(ctx context.Context) (*websocket.Conn, error) {
		ctx, span := observability.Tracer("chatroom/discovery").Start(ctx, "room.dial")
		defer span.End()
		span.SetAttributes(attribute.String("room.target", target))

		u := url.URL{Scheme: "ws", Host: target, Path: RoomPath}
		conn, resp, err := s.dialer.DialContext(ctx, u.String(), nil)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			span.RecordError(err)
			return nil, apperr.RoomConnection("dial "+target, err)
		}
		return conn, nil
	}
}

// StartHosting binds the listen address, opens a host room for username and
// serves inbound participants until StopHosting.
func (s *Service) StartHosting(ctx context.Context, username string, sink room.Sink) (*room.Host, error) {
	const op = "StartHosting"
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.host != nil {
		return nil, &apperr.Error{Kind: apperr.ErrValidation, Op: op, Err: ErrAlreadyHosting}
	}

	ln, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return nil, apperr.RoomConnection(op, err)
	}

	host := room.NewHost(username, sink, s.log, s.opts)
	if err := host.Connect(ctx); err != nil {
		_ = ln.Close()
		return nil, err
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.GET(RoomPath, s.handleJoin(host, sink))

	server := &http.Server{
		Handler:           router,
		ReadHeaderTimeout: s.joinTimeout(),
	}
	served := make(chan struct{})
	go func() {
		defer close(served)
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("room listener stopped", "addr", ln.Addr().String(), "error", err)
			sink.OnException(apperr.RoomConnection("accept", err), "room listener")
		}
	}()

	s.host = host
	s.listener = ln
	s.server = server
	s.served = served
	s.stopOnce = &sync.Once{}
	s.log.Info("hosting room", "addr", ln.Addr().String(), "username", username)
	return host, nil
}

func (s *Service) handleJoin(host *room.Host, sink room.Sink) gin.HandlerFunc {
	return func(c *gin.Context) {
		_, span := observability.Tracer("chatroom/discovery").Start(c.Request.Context(), "room.accept")
		defer span.End()

		address := observability.IPFromRequest(c.Request)
		conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			span.RecordError(err)
			observability.IncWSEvent("room", "upgrade_error")
			sink.OnException(apperr.RoomConnection("accept", err), "inbound connection from "+address)
			return
		}
		host.Accept(conn, address)
	}
}

// Addr reports the bound listen address while hosting.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Service) Hosting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.host != nil
}

// StopHosting closes the listener and terminates the hosted room. Calling it
// again, or without a hosted room, is a no-op.
func (s *Service) StopHosting() error {
	s.mu.Lock()
	host, server, served, once := s.host, s.server, s.served, s.stopOnce
	s.mu.Unlock()
	if host == nil {
		return nil
	}

	var stopErr error
	once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.joinTimeout())
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			stopErr = apperr.RoomConnection("StopHosting", err)
		}
		if host.State() == room.Connected {
			_ = host.Disconnect()
		}
		<-served

		s.mu.Lock()
		s.host, s.listener, s.server, s.served = nil, nil, nil, nil
		s.mu.Unlock()
		s.log.Info("stopped hosting room")
	})
	return stopErr
}

func (s *Service) joinTimeout() time.Duration {
	if s.opts.JoinTimeout > 0 {
		return s.opts.JoinTimeout
	}
	return room.DefaultJoinTimeout
}

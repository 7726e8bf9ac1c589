package room

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatroom/internal/apperr"
	"chatroom/internal/models"
)

const waitFor = 3 * time.Second

type recordingSink struct {
	messages   chan models.RoomMessage
	exceptions chan error
	closed     chan string

	mu          sync.Mutex
	moderations []models.FrameType
}

func newRecordingSink() *recordingSink {
	return &recordingSink{
		messages:   make(chan models.RoomMessage, 64),
		exceptions: make(chan error, 64),
		closed:     make(chan string, 1),
	}
}

func (s *recordingSink) OnMessage(msg models.RoomMessage) {
	select {
	case s.messages <- msg:
	default:
	}
}

func (s *recordingSink) OnException(err error, _ string) {
	select {
	case s.exceptions <- err:
	default:
	}
}

func (s *recordingSink) OnRoster([]models.Participant) {}

func (s *recordingSink) OnModeration(action models.FrameType, _, _ models.Participant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.moderations = append(s.moderations, action)
}

func (s *recordingSink) OnClosed(reason string) {
	select {
	case s.closed <- reason:
	default:
	}
}

func (s *recordingSink) nextMessage(t *testing.T) models.RoomMessage {
	t.Helper()
	select {
	case msg := <-s.messages:
		return msg
	case <-time.After(waitFor):
		t.Fatal("no message received")
	}
	return models.RoomMessage{}
}

func (s *recordingSink) nextException(t *testing.T) error {
	t.Helper()
	select {
	case err := <-s.exceptions:
		return err
	case <-time.After(waitFor):
		t.Fatal("no exception received")
	}
	return nil
}

func testOptions() Options {
	return Options{
		PingPeriod:  time.Second,
		PongWait:    5 * time.Second,
		WriteWait:   time.Second,
		JoinTimeout: 2 * time.Second,
	}
}

func testLogger() *slog.Logger {
	return logs.GetLoggerFromLevel(slog.LevelDebug)
}

func startHost(t *testing.T) (*Host, *recordingSink, string) {
	t.Helper()
	sink := newRecordingSink()
	h := NewHost("alice", sink, testLogger(), testOptions())
	require.NoError(t, h.Connect(context.Background()))

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		h.Accept(conn, r.RemoteAddr)
	}))
	t.Cleanup(func() {
		if h.State() == Connected {
			_ = h.Disconnect()
		}
		srv.Close()
	})
	return h, sink, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialURL(url string) Dialer {
	return func(ctx context.Context) (*websocket.Conn, error) {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		return conn, err
	}
}

func joinRoom(t *testing.T, url, username string) (*Client, *recordingSink) {
	t.Helper()
	sink := newRecordingSink()
	c := NewClient(username, sink, testLogger(), testOptions())
	require.NoError(t, c.Connect(context.Background(), dialURL(url)))
	t.Cleanup(func() {
		if c.State() == Connected {
			_ = c.Disconnect()
		}
	})
	return c, sink
}

// rawJoin completes the handshake by hand so tests can put arbitrary frames on the wire.
func rawJoin(t *testing.T, url, username string) (*websocket.Conn, string) {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	require.NoError(t, conn.WriteJSON(models.Frame{Type: models.FrameHello, Sender: username}))
	var welcome models.Frame
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitFor)))
	require.NoError(t, conn.ReadJSON(&welcome))
	require.Equal(t, models.FrameWelcome, welcome.Type)
	return conn, welcome.Target
}

func readUntil(t *testing.T, conn *websocket.Conn, want models.FrameType) models.Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitFor)))
	for {
		var f models.Frame
		require.NoError(t, conn.ReadJSON(&f))
		if f.Type == want {
			return f
		}
	}
}

func TestHostRegistersItselfAsAdmin(t *testing.T) {
	h, _, _ := startHost(t)

	self := h.Self()
	assert.Equal(t, Connected, h.State())
	assert.Equal(t, "alice", self.Username)
	assert.True(t, self.IsAdmin)
	assert.True(t, self.IsHost)
	assert.Len(t, h.Participants(), 1)
}

func TestHostMessageReachesEveryoneFirst(t *testing.T) {
	h, hostSink, url := startHost(t)
	c, clientSink := joinRoom(t, url, "bob")

	require.NoError(t, h.SendMessage("hi", ""))
	require.NoError(t, c.SendMessage("later", models.FormatMarkdown))

	for _, sink := range []*recordingSink{hostSink, clientSink} {
		first := sink.nextMessage(t)
		assert.Equal(t, "hi", first.Content)
		assert.Equal(t, "alice", first.SenderName)
		assert.Equal(t, h.Self().ID, first.SenderID)
		assert.Equal(t, models.FormatText, first.Format)

		second := sink.nextMessage(t)
		assert.Equal(t, "later", second.Content)
		assert.Greater(t, second.Seq, first.Seq)
	}
}

func TestJoinedParticipantIsNotAdmin(t *testing.T) {
	h, _, url := startHost(t)
	c, _ := joinRoom(t, url, "bob")

	assert.Equal(t, Connected, c.State())
	assert.False(t, c.Self().IsAdmin)
	require.Eventually(t, func() bool { return len(h.Participants()) == 2 }, waitFor, 10*time.Millisecond)
	assert.Equal(t, []string{"alice", "bob"}, []string{h.Participants()[0].Username, h.Participants()[1].Username})
}

func TestNonAdminCannotKickHost(t *testing.T) {
	h, _, url := startHost(t)
	c, _ := joinRoom(t, url, "bob")

	err := c.TryKick(h.Self().ID)
	require.ErrorIs(t, err, apperr.ErrAuthorization)
	require.ErrorIs(t, err, ErrNotAdmin)

	assert.Equal(t, Connected, h.State())
	assert.Equal(t, Connected, c.State())
	assert.Len(t, h.Participants(), 2)
}

func TestHostRejectsModerationFromNonAdminOnTheWire(t *testing.T) {
	h, hostSink, url := startHost(t)
	c, _ := joinRoom(t, url, "bob")
	conn, _ := rawJoin(t, url, "mallory")

	require.NoError(t, conn.WriteJSON(models.Frame{Type: models.FrameMute, Target: c.Self().ID}))
	f := readUntil(t, conn, models.FrameError)
	assert.Equal(t, "authorization", f.Reason)

	for _, p := range h.Participants() {
		assert.False(t, p.IsMuted)
	}
	hostSink.mu.Lock()
	assert.Empty(t, hostSink.moderations)
	hostSink.mu.Unlock()
}

func TestHostCannotBeModerated(t *testing.T) {
	h, _, _ := startHost(t)

	err := h.TryChangeMuteStatus(h.Self().ID)
	require.ErrorIs(t, err, ErrHostTarget)
	require.ErrorIs(t, err, apperr.ErrAuthorization)
	assert.False(t, h.Self().IsMuted)
}

func TestModerationOfUnknownParticipant(t *testing.T) {
	h, _, _ := startHost(t)

	require.ErrorIs(t, h.TryKick("nobody"), apperr.ErrNotFound)
}

func TestMutedParticipantIsSilenced(t *testing.T) {
	h, hostSink, url := startHost(t)
	c, clientSink := joinRoom(t, url, "bob")
	conn, rawID := rawJoin(t, url, "mallory")

	require.NoError(t, h.TryChangeMuteStatus(c.Self().ID))
	require.NoError(t, h.TryChangeMuteStatus(rawID))
	require.Eventually(t, func() bool { return c.Self().IsMuted }, waitFor, 10*time.Millisecond)

	err := c.SendMessage("let me talk", "")
	require.ErrorIs(t, err, ErrMuted)
	require.ErrorIs(t, err, apperr.ErrAuthorization)

	// A peer that ignores its muted flag is stopped by the host.
	require.NoError(t, conn.WriteJSON(models.Frame{Type: models.FrameMessage, Content: "sneaky"}))
	f := readUntil(t, conn, models.FrameError)
	assert.Equal(t, "authorization", f.Reason)

	require.NoError(t, h.SendMessage("after", ""))
	assert.Equal(t, "after", hostSink.nextMessage(t).Content)
	assert.Equal(t, "after", clientSink.nextMessage(t).Content)

	require.NoError(t, h.TryChangeMuteStatus(c.Self().ID))
	require.Eventually(t, func() bool { return !c.Self().IsMuted }, waitFor, 10*time.Millisecond)
	require.NoError(t, c.SendMessage("back", ""))
	assert.Equal(t, "back", hostSink.nextMessage(t).Content)
}

func TestPromotedParticipantCanModerate(t *testing.T) {
	h, _, url := startHost(t)
	c, _ := joinRoom(t, url, "bob")
	_, rawID := rawJoin(t, url, "carol")

	require.NoError(t, h.TryChangeAdminStatus(c.Self().ID))
	require.Eventually(t, func() bool {
		_, ok := findParticipant(c.Participants(), rawID)
		return c.Self().IsAdmin && ok
	}, waitFor, 10*time.Millisecond)

	require.NoError(t, c.TryChangeMuteStatus(rawID))
	require.Eventually(t, func() bool {
		p, _ := findParticipant(h.Participants(), rawID)
		return p.IsMuted
	}, waitFor, 10*time.Millisecond)
}

func TestKickClosesOnlyTheTarget(t *testing.T) {
	h, _, url := startHost(t)
	c, clientSink := joinRoom(t, url, "bob")
	other, otherSink := joinRoom(t, url, "carol")

	require.NoError(t, h.TryKick(c.Self().ID))

	select {
	case reason := <-clientSink.closed:
		assert.Contains(t, reason, "kicked")
	case <-time.After(waitFor):
		t.Fatal("kicked client was not closed")
	}
	assert.Equal(t, Disconnected, c.State())
	assert.Equal(t, Connected, other.State())
	require.Eventually(t, func() bool { return len(other.Participants()) == 2 }, waitFor, 10*time.Millisecond)

	require.NoError(t, h.SendMessage("still here", ""))
	assert.Equal(t, "still here", otherSink.nextMessage(t).Content)
}

func TestMalformedFrameAbortsOnlySender(t *testing.T) {
	h, hostSink, url := startHost(t)
	c, clientSink := joinRoom(t, url, "bob")
	conn, rawID := rawJoin(t, url, "mallory")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"message","content":`)))

	err := hostSink.nextException(t)
	require.ErrorIs(t, err, apperr.ErrProtocol)
	f := readUntil(t, conn, models.FrameError)
	assert.Equal(t, "protocol", f.Reason)

	require.Eventually(t, func() bool {
		_, ok := findParticipant(h.Participants(), rawID)
		return !ok
	}, waitFor, 10*time.Millisecond)
	assert.Equal(t, Connected, c.State())

	require.NoError(t, c.SendMessage("ok", ""))
	assert.Equal(t, "ok", clientSink.nextMessage(t).Content)
}

func TestHostDisconnectTerminatesEveryone(t *testing.T) {
	h, hostSink, url := startHost(t)
	c1, sink1 := joinRoom(t, url, "bob")
	c2, sink2 := joinRoom(t, url, "carol")

	require.NoError(t, h.Disconnect())
	assert.Equal(t, Disconnected, h.State())
	assert.Equal(t, "host closed the room", <-hostSink.closed)

	for _, sink := range []*recordingSink{sink1, sink2} {
		select {
		case reason := <-sink.closed:
			assert.Equal(t, "host closed the room", reason)
		case <-time.After(waitFor):
			t.Fatal("participant was not terminated")
		}
	}
	assert.Equal(t, Disconnected, c1.State())
	assert.Equal(t, Disconnected, c2.State())
	assert.Empty(t, c1.Participants())

	require.ErrorIs(t, h.SendMessage("anyone?", ""), ErrNotConnected)
	require.ErrorIs(t, h.Connect(context.Background()), ErrReopen)
}

func TestClientLeaveUpdatesRoster(t *testing.T) {
	h, _, url := startHost(t)
	c, sink := joinRoom(t, url, "bob")
	require.Eventually(t, func() bool { return len(h.Participants()) == 2 }, waitFor, 10*time.Millisecond)

	require.NoError(t, c.Disconnect())
	assert.Equal(t, "left the room", <-sink.closed)
	assert.Equal(t, Disconnected, c.State())
	require.Eventually(t, func() bool { return len(h.Participants()) == 1 }, waitFor, 10*time.Millisecond)

	require.ErrorIs(t, c.Disconnect(), ErrNotConnected)
}

func TestClientConnectFailureRevertsToDisconnected(t *testing.T) {
	c := NewClient("bob", newRecordingSink(), testLogger(), testOptions())

	err := c.Connect(context.Background(), dialURL("ws://127.0.0.1:1/room"))
	require.ErrorIs(t, err, apperr.ErrRoomConnection)
	assert.Equal(t, Disconnected, c.State())
}

func TestJoinRejectedAfterHostClosed(t *testing.T) {
	h, _, url := startHost(t)
	require.NoError(t, h.Disconnect())

	c := NewClient("bob", newRecordingSink(), testLogger(), testOptions())
	err := c.Connect(context.Background(), dialURL(url))
	require.ErrorIs(t, err, apperr.ErrRoomConnection)
	assert.Equal(t, Disconnected, c.State())
}

func TestSendValidation(t *testing.T) {
	h, _, _ := startHost(t)

	require.ErrorIs(t, h.SendMessage("  ", ""), apperr.ErrValidation)
	require.ErrorIs(t, h.SendMessage("hi", "html"), apperr.ErrValidation)
}

func TestDemotedParticipantModerationIsRejectedByHost(t *testing.T) {
	h, _, url := startHost(t)
	c, _ := joinRoom(t, url, "bob")
	_, rawID := rawJoin(t, url, "carol")

	for i := 0; i < 5; i++ {
		require.NoError(t, h.TryChangeAdminStatus(c.Self().ID))
		require.Eventually(t, func() bool {
			_, ok := findParticipant(c.Participants(), rawID)
			return c.Self().IsAdmin && ok
		}, waitFor, 10*time.Millisecond)

		require.NoError(t, h.TryChangeAdminStatus(c.Self().ID))
		err := c.TryKick(rawID)
		require.ErrorIs(t, err, apperr.ErrAuthorization)
	}

	_, ok := findParticipant(h.Participants(), rawID)
	assert.True(t, ok)
}

func TestAdminModerationWaitsForHostAck(t *testing.T) {
	h, _, url := startHost(t)
	c, _ := joinRoom(t, url, "bob")
	_, rawID := rawJoin(t, url, "carol")

	require.NoError(t, h.TryChangeAdminStatus(c.Self().ID))
	require.Eventually(t, func() bool {
		_, ok := findParticipant(c.Participants(), rawID)
		return c.Self().IsAdmin && ok
	}, waitFor, 10*time.Millisecond)

	require.NoError(t, c.TryChangeMuteStatus(rawID))
	p, _ := findParticipant(h.Participants(), rawID)
	assert.True(t, p.IsMuted)
}

func TestTerminateRightAfterWelcome(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var hello models.Frame
		if err := conn.ReadJSON(&hello); err != nil {
			return
		}
		self := models.Participant{ID: "p1", Username: hello.Sender}
		_ = conn.WriteJSON(models.Frame{Type: models.FrameWelcome, Target: self.ID, Participants: []models.Participant{self}})
		_ = conn.WriteJSON(models.Frame{Type: models.FrameTerminate, Reason: "host closed the room"})
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	sink := newRecordingSink()
	c := NewClient("bob", sink, testLogger(), testOptions())
	require.NoError(t, c.Connect(context.Background(), dialURL("ws"+strings.TrimPrefix(srv.URL, "http"))))

	select {
	case reason := <-sink.closed:
		assert.Equal(t, "host closed the room", reason)
	case <-time.After(waitFor):
		t.Fatal("session was not closed")
	}
	<-c.Done()
	assert.Equal(t, Disconnected, c.State())
	require.ErrorIs(t, c.Disconnect(), ErrNotConnected)
}

package chat

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"chatroom/internal/apperr"
	"chatroom/internal/discovery"
	"chatroom/internal/mocks"
	"chatroom/internal/models"
	"chatroom/internal/room"
	"chatroom/internal/telemetry"
)

const waitFor = 3 * time.Second

type messageLogMock struct {
	mock.Mock
}

func (m *messageLogMock) SendMessage(ctx context.Context, senderID, conversationID int, content string, format models.Format) (models.Message, error) {
	args := m.Called(ctx, senderID, conversationID, content, format)
	return args.Get(0).(models.Message), args.Error(1)
}

func testLogger() *slog.Logger {
	return logs.GetLoggerFromLevel(slog.LevelDebug)
}

func testRoomOptions() room.Options {
	return room.Options{
		PingPeriod:  time.Second,
		PongWait:    5 * time.Second,
		WriteWait:   time.Second,
		JoinTimeout: 2 * time.Second,
	}
}

func newService(t *testing.T, opts ...Option) (*Service, *discovery.Service) {
	t.Helper()
	d := discovery.New("127.0.0.1:0", testRoomOptions(), testLogger())
	svc := New(d, testLogger(), opts...)
	t.Cleanup(svc.Close)
	return svc, d
}

func hostAndJoin(t *testing.T, hostOpts, clientOpts []Option) (host, client *Service, hostSub, clientSub *Subscription) {
	t.Helper()
	host, hostDiscovery := newService(t, hostOpts...)
	hostSub = host.Subscribe()
	require.NoError(t, host.ConnectUserToServer(context.Background(), discovery.Sentinel, "alice"))

	client, _ = newService(t, clientOpts...)
	clientSub = client.Subscribe()
	require.NoError(t, client.ConnectUserToServer(context.Background(), hostDiscovery.Addr(), "bob"))
	require.Eventually(t, func() bool { return len(host.Participants()) == 2 }, waitFor, 10*time.Millisecond)
	return host, client, hostSub, clientSub
}

func nextMessage(t *testing.T, sub *Subscription) models.RoomMessage {
	t.Helper()
	select {
	case ev := <-sub.Messages():
		return ev.Message
	case <-time.After(waitFor):
		t.Fatal("no message event")
	}
	return models.RoomMessage{}
}

func nextException(t *testing.T, sub *Subscription) models.ExceptionEvent {
	t.Helper()
	select {
	case ev := <-sub.Exceptions():
		return ev
	case <-time.After(waitFor):
		t.Fatal("no exception event")
	}
	return models.ExceptionEvent{}
}

func TestHostMessageObservedFirstByEveryone(t *testing.T) {
	host, client, hostSub, clientSub := hostAndJoin(t, nil, nil)

	require.NoError(t, host.SendMessage("hi", ""))
	require.NoError(t, client.SendMessage("next", ""))

	hostSelf, ok := host.Self()
	require.True(t, ok)
	for _, sub := range []*Subscription{hostSub, clientSub} {
		first := nextMessage(t, sub)
		assert.Equal(t, "hi", first.Content)
		assert.Equal(t, hostSelf.ID, first.SenderID)
		assert.Equal(t, "next", nextMessage(t, sub).Content)
	}
}

func TestNonAdminCannotKickHost(t *testing.T) {
	host, client, _, _ := hostAndJoin(t, nil, nil)
	hostSelf, _ := host.Self()

	err := client.TryKick(hostSelf.ID)
	require.ErrorIs(t, err, apperr.ErrAuthorization)

	assert.Equal(t, room.Connected, host.State())
	assert.Equal(t, room.Connected, client.State())
	assert.Len(t, host.Participants(), 2)
}

func TestMutedParticipantNeverReachesOthers(t *testing.T) {
	host, client, hostSub, clientSub := hostAndJoin(t, nil, nil)
	clientSelf, _ := client.Self()

	require.NoError(t, host.TryChangeMuteStatus(clientSelf.ID))
	require.Eventually(t, func() bool {
		self, _ := client.Self()
		return self.IsMuted
	}, waitFor, 10*time.Millisecond)

	require.ErrorIs(t, client.SendMessage("can you hear me", ""), room.ErrMuted)
	require.NoError(t, host.SendMessage("after", ""))

	assert.Equal(t, "after", nextMessage(t, hostSub).Content)
	assert.Equal(t, "after", nextMessage(t, clientSub).Content)
}

func TestHostDisconnectTerminatesClients(t *testing.T) {
	host, client, hostSub, clientSub := hostAndJoin(t, nil, nil)

	require.NoError(t, host.DisconnectClient())
	assert.Equal(t, room.Disconnected, host.State())

	require.Eventually(t, func() bool { return client.State() == room.Disconnected }, waitFor, 10*time.Millisecond)
	ev := nextException(t, clientSub)
	assert.Equal(t, "room_connection", ev.Kind)
	assert.Contains(t, ev.Error, "host closed the room")
	require.ErrorIs(t, ev.Err, apperr.ErrRoomConnection)

	select {
	case ev := <-hostSub.Exceptions():
		t.Fatalf("host raised an exception for its own disconnect: %s", ev.Error)
	default:
	}

	require.ErrorIs(t, client.SendMessage("anyone?", ""), room.ErrNotConnected)
}

func TestClientDisconnectLeavesHostRunning(t *testing.T) {
	host, client, _, clientSub := hostAndJoin(t, nil, nil)

	require.NoError(t, client.DisconnectClient())
	assert.Equal(t, room.Disconnected, client.State())
	require.Eventually(t, func() bool { return len(host.Participants()) == 1 }, waitFor, 10*time.Millisecond)
	assert.Equal(t, room.Connected, host.State())

	select {
	case ev := <-clientSub.Exceptions():
		t.Fatalf("leaving raised an exception: %s", ev.Error)
	default:
	}
}

func TestConnectFailureRaisesException(t *testing.T) {
	svc, _ := newService(t)
	sub := svc.Subscribe()

	err := svc.ConnectUserToServer(context.Background(), "127.0.0.1:1", "bob")
	require.ErrorIs(t, err, apperr.ErrRoomConnection)
	assert.Equal(t, room.Disconnected, svc.State())

	ev := nextException(t, sub)
	assert.Equal(t, "room_connection", ev.Kind)
	assert.Equal(t, "connect to 127.0.0.1:1", ev.Context)
}

func TestConnectRejectsInvalidTarget(t *testing.T) {
	svc, _ := newService(t)

	require.ErrorIs(t, svc.ConnectUserToServer(context.Background(), "not an address", "bob"), apperr.ErrValidation)
	require.ErrorIs(t, svc.ConnectUserToServer(context.Background(), discovery.Sentinel, ""), apperr.ErrValidation)
}

func TestConnectTwiceIsRejected(t *testing.T) {
	svc, _ := newService(t)
	require.NoError(t, svc.ConnectUserToServer(context.Background(), discovery.Sentinel, "alice"))

	require.ErrorIs(t, svc.ConnectUserToServer(context.Background(), discovery.Sentinel, "alice"), apperr.ErrValidation)
}

func TestOperationsRequireConnection(t *testing.T) {
	svc, _ := newService(t)

	require.ErrorIs(t, svc.SendMessage("hi", ""), room.ErrNotConnected)
	require.ErrorIs(t, svc.TryKick("x"), room.ErrNotConnected)
	require.ErrorIs(t, svc.DisconnectClient(), room.ErrNotConnected)
	assert.Empty(t, svc.Participants())
}

func TestOwnMessagesAreLogged(t *testing.T) {
	log := new(messageLogMock)
	logged := make(chan struct{}, 1)
	log.On("SendMessage", mock.Anything, 7, 3, "hi", models.FormatText).
		Run(func(mock.Arguments) { logged <- struct{}{} }).
		Return(models.Message{ID: 1}, nil).Once()

	host, client, _, clientSub := hostAndJoin(t, nil, []Option{WithMessageLog(log, 7, 3)})

	require.NoError(t, host.SendMessage("from host", ""))
	assert.Equal(t, "from host", nextMessage(t, clientSub).Content)
	require.NoError(t, client.SendMessage("hi", ""))

	select {
	case <-logged:
	case <-time.After(waitFor):
		t.Fatal("message was not logged")
	}
	log.AssertExpectations(t)
}

func TestMessageLogFailureBecomesException(t *testing.T) {
	log := new(messageLogMock)
	log.On("SendMessage", mock.Anything, 7, 3, "hi", models.FormatText).
		Return(models.Message{}, apperr.Authorization("SendMessage", "sender is not part of the conversation")).Once()

	svc, _ := newService(t, WithMessageLog(log, 7, 3))
	sub := svc.Subscribe()
	require.NoError(t, svc.ConnectUserToServer(context.Background(), discovery.Sentinel, "alice"))
	require.NoError(t, svc.SendMessage("hi", ""))

	ev := nextException(t, sub)
	assert.Equal(t, "authorization", ev.Kind)
	assert.Equal(t, "log message to conversation", ev.Context)
}

func TestModerationIsAuditedAndPublished(t *testing.T) {
	var mu sync.Mutex
	published := map[string]bool{}
	pub := new(mocks.PublisherMock)
	pub.On("Publish", mock.Anything, mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		mu.Lock()
		published[args.String(1)] = true
		mu.Unlock()
	}).Return(nil)
	audit := telemetry.NewAuditEmitter(pub, "audit.room", "chatroom", "test", testLogger())

	host, client, _, _ := hostAndJoin(t, []Option{WithPublisher(pub), WithAudit(audit)}, nil)
	clientSelf, _ := client.Self()

	require.NoError(t, host.TryChangeAdminStatus(clientSelf.ID))

	for _, key := range []string{"room_events.room_hosted", "room_events.participant_admin", "audit.room"} {
		require.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return published[key]
		}, waitFor, 10*time.Millisecond, key)
	}
	pub.AssertCalled(t, "Publish", mock.Anything, "audit.room", mock.AnythingOfType("telemetry.AuditEnvelope"))
	require.Eventually(t, func() bool {
		self, _ := client.Self()
		return self.IsAdmin
	}, waitFor, 10*time.Millisecond)
}

func TestSubscriptionCloseIsIdempotent(t *testing.T) {
	svc, _ := newService(t)
	sub := svc.Subscribe()

	sub.Close()
	sub.Close()

	_, open := <-sub.Messages()
	assert.False(t, open)
	_, open = <-sub.Exceptions()
	assert.False(t, open)
	assert.Empty(t, svc.subscribers())

	svc.OnMessage(models.RoomMessage{Content: "after close"})
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	svc, _ := newService(t, WithEventBuffer(1))
	slow := svc.Subscribe()
	fast := svc.Subscribe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 3; i++ {
			svc.OnMessage(models.RoomMessage{Seq: uint64(i + 1), Content: "m"})
		}
	}()

	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("dispatch blocked on a slow subscriber")
	}
	assert.Len(t, slow.Messages(), 1)
	assert.Equal(t, uint64(1), nextMessage(t, fast).Seq)
}

// stalledPublisher blocks moderation events until released, like a broker under flow control.
type stalledPublisher struct {
	release chan struct{}
}

func (p *stalledPublisher) Publish(ctx context.Context, routingKey string, _ any) error {
	if routingKey != "room_events.participant_mute" {
		return nil
	}
	select {
	case <-p.release:
	case <-ctx.Done():
	}
	return ctx.Err()
}

func TestStalledBrokerDoesNotBlockTheRoom(t *testing.T) {
	pub := &stalledPublisher{release: make(chan struct{})}
	host, client, _, clientSub := hostAndJoin(t, []Option{WithPublisher(pub)}, nil)
	t.Cleanup(func() { close(pub.release) })
	clientSelf, _ := client.Self()

	moderated := make(chan error, 1)
	go func() { moderated <- host.TryChangeMuteStatus(clientSelf.ID) }()
	select {
	case err := <-moderated:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("moderation blocked on the broker")
	}

	require.NoError(t, host.SendMessage("hello", ""))
	assert.Equal(t, "hello", nextMessage(t, clientSub).Content)
}

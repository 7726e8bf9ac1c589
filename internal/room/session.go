package room

import (
	"errors"
	"strings"

	"chatroom/internal/apperr"
	"chatroom/internal/models"
)

var (
	ErrNotConnected = errors.New("session is not connected")
	ErrMuted        = errors.New("participant is muted")
	ErrNotAdmin     = errors.New("caller is not an admin")
	ErrHostTarget   = errors.New("the host cannot be moderated")
	ErrReopen       = errors.New("a closed session cannot be reopened")
)

// Session is a live room, hosted locally or joined remotely.
type Session interface {
	State() State
	Self() models.Participant
	Participants() []models.Participant
	SendMessage(content string, format models.Format) error
	TryKick(targetID string) error
	TryChangeMuteStatus(targetID string) error
	TryChangeAdminStatus(targetID string) error
	Disconnect() error
	Done() <-chan struct{}
}

// Sink receives everything a session observes. Calls come from the session's
// own loops and must not block.
type Sink interface {
	OnMessage(msg models.RoomMessage)
	OnException(err error, context string)
	OnRoster(participants []models.Participant)
	OnModeration(action models.FrameType, caller, target models.Participant)
	OnClosed(reason string)
}

var (
	_ Session = (*Host)(nil)
	_ Session = (*Client)(nil)
)

func kindError(kind error, op string, cause error) error {
	return &apperr.Error{Kind: kind, Op: op, Err: cause}
}

func notConnected(op string) error { return kindError(apperr.ErrValidation, op, ErrNotConnected) }

func mutedError(op string) error { return kindError(apperr.ErrAuthorization, op, ErrMuted) }

func notAdminError(op string) error { return kindError(apperr.ErrAuthorization, op, ErrNotAdmin) }

func hostTargetError(op string) error { return kindError(apperr.ErrAuthorization, op, ErrHostTarget) }

func unknownParticipant(op, id string) error {
	return apperr.NotFound(op, "participant "+id+" is not in the room")
}

// normalizeMessage validates outgoing content and defaults the format to text.
func normalizeMessage(op, content string, format models.Format) (string, models.Format, error) {
	if strings.TrimSpace(content) == "" {
		return "", "", apperr.Validation(op, "content must not be empty")
	}
	if format == "" {
		format = models.FormatText
	}
	if !format.Valid() {
		return "", "", apperr.Validation(op, "unsupported format "+string(format))
	}
	return content, format, nil
}

func findParticipant(list []models.Participant, id string) (models.Participant, bool) {
	for _, p := range list {
		if p.ID == id {
			return p, true
		}
	}
	return models.Participant{}, false
}

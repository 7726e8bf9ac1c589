package chat

import (
	"sync"

	"chatroom/internal/models"
)

// Subscription is one consumer of the message and exception streams. Drain
// both channels; events that do not fit the buffer are dropped.
type Subscription struct {
	svc        *Service
	messages   chan models.NewMessageEvent
	exceptions chan models.ExceptionEvent

	mu     sync.Mutex
	closed bool
}

func (sub *Subscription) Messages() <-chan models.NewMessageEvent { return sub.messages }

func (sub *Subscription) Exceptions() <-chan models.ExceptionEvent { return sub.exceptions }

// Close unsubscribes and closes both channels. It is safe to call more than once.
func (sub *Subscription) Close() {
	sub.svc.unsubscribe(sub)

	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return
	}
	sub.closed = true
	close(sub.messages)
	close(sub.exceptions)
}

func (sub *Subscription) pushMessage(ev models.NewMessageEvent) bool {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return true
	}
	select {
	case sub.messages <- ev:
		return true
	default:
		return false
	}
}

func (sub *Subscription) pushException(ev models.ExceptionEvent) bool {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return true
	}
	select {
	case sub.exceptions <- ev:
		return true
	default:
		return false
	}
}

package client

import (
	"sync"

	"github.com/rl1809/inventory-sync/internal/core/domain"
)

// Outbox holds stamped messages that could not be sent so the caller can
// replay them after the agent reconnects. Replayed messages keep their
// sequence numbers, so the server applies each at most once.
type Outbox struct {
	mu    sync.Mutex
	limit int
	msgs  []domain.SyncMessage
}

func NewOutbox(limit int) *Outbox {
	return &Outbox{limit: limit}
}

// Submit stamps msg and sends it through a. When the send fails, or older
// messages are still waiting, msg is buffered instead. It reports false
// only when the message had to be dropped because the outbox is full.
func (o *Outbox) Submit(a *Agent, msg domain.SyncMessage) bool {
	msg = a.Stamp(msg)

	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.msgs) == 0 && a.Resend(msg) {
		return true
	}
	if o.limit > 0 && len(o.msgs) >= o.limit {
		return false
	}
	o.msgs = append(o.msgs, msg)
	return true
}

// Flush resends buffered messages in order and stops at the first failure.
// It returns the number sent.
func (o *Outbox) Flush(a *Agent) int {
	o.mu.Lock()
	defer o.mu.Unlock()

	sent := 0
	for _, msg := range o.msgs {
		if !a.Resend(msg) {
			break
		}
		sent++
	}
	o.msgs = o.msgs[sent:]
	return sent
}

func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.msgs)
}

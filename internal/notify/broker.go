package notify

import (
	"sync"
	"time"
)

// Change is a wake-up hint. Receivers must re-query state instead of trusting it.
type Change struct {
	TenantID string    `json:"tenant_id"`
	Type     string    `json:"type"`
	BreakID  string    `json:"break_id,omitempty"`
	At       time.Time `json:"at"`
}

// Publisher is what the engine signals after a committed transition.
type Publisher interface {
	Publish(c Change)
}

// Broker is an in-process fan-out of changes per tenant. Publish never blocks:
// every subscriber holds at most one pending change, and later ones coalesce into it.
type Broker struct {
	mu   sync.Mutex
	subs map[string]map[chan Change]struct{}
}

func NewBroker() *Broker {
	return &Broker{subs: make(map[string]map[chan Change]struct{})}
}

// Subscribe registers a listener for one tenant. The returned cancel func is idempotent
// and closes the channel.
func (b *Broker) Subscribe(tenantID string) (<-chan Change, func()) {
	ch := make(chan Change, 1)
	b.mu.Lock()
	set, ok := b.subs[tenantID]
	if !ok {
		set = make(map[chan Change]struct{})
		b.subs[tenantID] = set
	}
	set[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs[tenantID], ch)
			if len(b.subs[tenantID]) == 0 {
				delete(b.subs, tenantID)
			}
			close(ch)
		})
	}
	return ch, cancel
}

func (b *Broker) Publish(c Change) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[c.TenantID] {
		select {
		case ch <- c:
		default:
		}
	}
}

// Subscribers returns the live subscriber count for a tenant.
func (b *Broker) Subscribers(tenantID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[tenantID])
}

package notify

import (
	"context"
	"sync"

	"github.com/MarkoPoloResearchLab/skechum/pkg/ledger"
)

type subscriber struct {
	changes chan ledger.BalanceChange
	once    sync.Once
}

func (sub *subscriber) close() {
	sub.once.Do(func() { close(sub.changes) })
}

// MemoryBroker is a Broker for a single process.
type MemoryBroker struct {
	mu          sync.RWMutex
	subscribers map[string]map[*subscriber]struct{}
	closed      bool
}

// NewMemoryBroker returns an empty MemoryBroker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{subscribers: make(map[string]map[*subscriber]struct{})}
}

func (broker *MemoryBroker) Publish(_ context.Context, change ledger.BalanceChange) error {
	broker.mu.RLock()
	defer broker.mu.RUnlock()
	if broker.closed {
		return ErrBrokerClosed
	}
	for sub := range broker.subscribers[change.UserID] {
		select {
		case sub.changes <- change:
		default:
		}
	}
	return nil
}

// Subscribe registers a subscriber until cancel is called or ctx ends.
func (broker *MemoryBroker) Subscribe(ctx context.Context, userID string) (<-chan ledger.BalanceChange, func(), error) {
	broker.mu.Lock()
	defer broker.mu.Unlock()
	if broker.closed {
		return nil, nil, ErrBrokerClosed
	}
	sub := &subscriber{changes: make(chan ledger.BalanceChange, subscriberBuffer)}
	if broker.subscribers[userID] == nil {
		broker.subscribers[userID] = make(map[*subscriber]struct{})
	}
	broker.subscribers[userID][sub] = struct{}{}

	done := make(chan struct{})
	var cancelOnce sync.Once
	cancel := func() {
		cancelOnce.Do(func() {
			close(done)
			broker.mu.Lock()
			delete(broker.subscribers[userID], sub)
			if len(broker.subscribers[userID]) == 0 {
				delete(broker.subscribers, userID)
			}
			broker.mu.Unlock()
			sub.close()
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-done:
		}
	}()
	return sub.changes, cancel, nil
}

// Close ends every subscription.
func (broker *MemoryBroker) Close() error {
	broker.mu.Lock()
	defer broker.mu.Unlock()
	if broker.closed {
		return nil
	}
	broker.closed = true
	for userID, subs := range broker.subscribers {
		for sub := range subs {
			sub.close()
		}
		delete(broker.subscribers, userID)
	}
	return nil
}

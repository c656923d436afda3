// Package broadcast carries device linking signals from the authenticated
// device to the device displaying the link code.
package broadcast

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// LinkEvent is an opaque linking handshake message. The core never inspects Data.
type LinkEvent struct {
	LinkCode string          `json:"link_code"`
	Type     string          `json:"type"`
	Data     json.RawMessage `json:"data"`
	SentAt   time.Time       `json:"sent_at"`
}

// Subscription delivers events for one link code until Close is called.
type Subscription interface {
	Events() <-chan LinkEvent
	Close() error
}

// Broadcaster publishes linking events and lets waiting devices subscribe.
type Broadcaster interface {
	Publish(ctx context.Context, event LinkEvent) error
	Subscribe(ctx context.Context, linkCode string) (Subscription, error)
}

// Channel returns the pub/sub channel name for a link code.
func Channel(linkCode string) string {
	return "linking." + linkCode
}

// Local is an in-process Broadcaster for single instance deployments and tests.
type Local struct {
	mu   sync.Mutex
	subs map[string]map[*localSub]struct{}
}

func NewLocal() *Local {
	return &Local{subs: make(map[string]map[*localSub]struct{})}
}

type localSub struct {
	owner *Local
	code  string
	ch    chan LinkEvent
	once  sync.Once
}

func (s *localSub) Events() <-chan LinkEvent { return s.ch }

func (s *localSub) Close() error {
	s.once.Do(func() {
		s.owner.mu.Lock()
		delete(s.owner.subs[s.code], s)
		if len(s.owner.subs[s.code]) == 0 {
			delete(s.owner.subs, s.code)
		}
		s.owner.mu.Unlock()
		close(s.ch)
	})
	return nil
}

func (l *Local) Publish(_ context.Context, event LinkEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for sub := range l.subs[event.LinkCode] {
		select {
		case sub.ch <- event:
		default:
			// Slow subscriber; linking clients retry the handshake.
		}
	}
	return nil
}

func (l *Local) Subscribe(_ context.Context, linkCode string) (Subscription, error) {
	sub := &localSub{owner: l, code: linkCode, ch: make(chan LinkEvent, 16)}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.subs[linkCode] == nil {
		l.subs[linkCode] = make(map[*localSub]struct{})
	}
	l.subs[linkCode][sub] = struct{}{}
	return sub, nil
}

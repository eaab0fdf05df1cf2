package bus

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/weibocom/agentflow/internal/common/logger"
)

// MemoryBus is the in-process Bus implementation.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[string][]*memorySubscription
	queues map[string]*queueGroup
	logger *logger.Logger
	closed bool
}

var _ Bus = (*MemoryBus)(nil)

type memorySubscription struct {
	bus     *MemoryBus
	subject string
	pattern *regexp.Regexp // nil for exact subjects
	handler Handler
	queue   string // empty for regular subscriptions

	mu     sync.Mutex
	active bool
}

// queueGroup round-robins deliveries across its subscribers.
type queueGroup struct {
	mu      sync.Mutex
	members []*memorySubscription
	next    int
}

// NewMemoryBus creates an empty in-memory bus.
func NewMemoryBus(log *logger.Logger) *MemoryBus {
	return &MemoryBus{
		subs:   make(map[string][]*memorySubscription),
		queues: make(map[string]*queueGroup),
		logger: log,
	}
}

// Publish delivers the event to every matching subscription. Handlers run on
// their own goroutines; queue groups receive each event once.
func (b *MemoryBus) Publish(ctx context.Context, subject string, event *Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return fmt.Errorf("event bus is closed")
	}

	deliveredQueues := make(map[string]bool)
	for pattern, subs := range b.subs {
		for _, sub := range subs {
			if !sub.IsValid() || !matches(subject, pattern, sub.pattern) {
				continue
			}
			if sub.queue != "" {
				key := sub.queue + ":" + pattern
				if !deliveredQueues[key] {
					deliveredQueues[key] = true
					b.deliverToQueue(ctx, key, subject, event)
				}
				continue
			}
			go b.deliver(ctx, sub, subject, event)
		}
	}
	return nil
}

// Subscribe registers a handler for a subject pattern.
func (b *MemoryBus) Subscribe(subject string, handler Handler) (Subscription, error) {
	return b.subscribe(subject, "", handler)
}

// QueueSubscribe registers a handler in a load-balancing group.
func (b *MemoryBus) QueueSubscribe(subject, queue string, handler Handler) (Subscription, error) {
	return b.subscribe(subject, queue, handler)
}

func (b *MemoryBus) subscribe(subject, queue string, handler Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}

	sub := &memorySubscription{
		bus:     b,
		subject: subject,
		pattern: compilePattern(subject),
		handler: handler,
		queue:   queue,
		active:  true,
	}
	b.subs[subject] = append(b.subs[subject], sub)

	if queue != "" {
		key := queue + ":" + subject
		if b.queues[key] == nil {
			b.queues[key] = &queueGroup{}
		}
		b.queues[key].members = append(b.queues[key].members, sub)
	}
	return sub, nil
}

// Close deactivates every subscription.
func (b *MemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for _, subs := range b.subs {
		for _, sub := range subs {
			sub.mu.Lock()
			sub.active = false
			sub.mu.Unlock()
		}
	}
	b.subs = make(map[string][]*memorySubscription)
	b.queues = make(map[string]*queueGroup)
}

// IsConnected reports whether the bus accepts publishes.
func (b *MemoryBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

func (b *MemoryBus) deliver(ctx context.Context, sub *memorySubscription, subject string, event *Event) {
	if err := sub.handler(ctx, event); err != nil {
		b.logger.Error("event handler failed",
			zap.String("subject", subject),
			zap.String("type", event.Type),
			zap.Error(err))
	}
}

// deliverToQueue picks the next active group member round-robin.
func (b *MemoryBus) deliverToQueue(ctx context.Context, key, subject string, event *Event) {
	qg, ok := b.queues[key]
	if !ok {
		return
	}
	qg.mu.Lock()
	defer qg.mu.Unlock()
	for i := 0; i < len(qg.members); i++ {
		idx := (qg.next + i) % len(qg.members)
		sub := qg.members[idx]
		if sub.IsValid() {
			qg.next = (idx + 1) % len(qg.members)
			go b.deliver(ctx, sub, subject, event)
			return
		}
	}
}

func (s *memorySubscription) Unsubscribe() error {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	subs := s.bus.subs[s.subject]
	for i, sub := range subs {
		if sub == s {
			s.bus.subs[s.subject] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if s.queue != "" {
		if qg, ok := s.bus.queues[s.queue+":"+s.subject]; ok {
			qg.mu.Lock()
			for i, sub := range qg.members {
				if sub == s {
					qg.members = append(qg.members[:i], qg.members[i+1:]...)
					break
				}
			}
			qg.mu.Unlock()
		}
	}
	return nil
}

func (s *memorySubscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// matches applies NATS wildcard semantics: "*" is one token, ">" the rest.
func matches(subject, pattern string, regex *regexp.Regexp) bool {
	if regex == nil {
		return subject == pattern
	}
	return regex.MatchString(subject)
}

func compilePattern(pattern string) *regexp.Regexp {
	if !strings.Contains(pattern, "*") && !strings.Contains(pattern, ">") {
		return nil
	}
	escaped := regexp.QuoteMeta(pattern)
	escaped = strings.ReplaceAll(escaped, `\*`, `[^.]+`)
	escaped = strings.ReplaceAll(escaped, `>`, `.+`)
	regex, err := regexp.Compile("^" + escaped + "$")
	if err != nil {
		return nil
	}
	return regex
}

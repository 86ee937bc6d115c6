// Package broadcast distributes live execution status to local
// subscribers and keeps instances converged over a shared relay channel.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ethpandaops/runwatch/pkg/metrics"
	"github.com/ethpandaops/runwatch/pkg/status"
)

// ErrDelivery marks a subscription closed because a push failed or its
// queue was full.
var ErrDelivery = errors.New("delivery failed")

// Message types pushed to subscribers.
const (
	MessageStatus = "status"
	MessageActive = "active-executions"
)

const (
	scopeExecution = "execution"
	scopeActive    = "active"
)

// Message is one push to a subscriber. Data is a status.Snapshot for
// MessageStatus and a []status.Snapshot for MessageActive.
type Message struct {
	Type string
	Data any
}

// Source reads current state from the store.
type Source interface {
	Snapshot(ctx context.Context, executionID string) (*status.Snapshot, error)
	ActiveExecutions(ctx context.Context) ([]status.Snapshot, error)
}

// Hub fans status out to subscribers.
type Hub interface {
	Start(ctx context.Context) error
	Stop() error

	// Subscribe registers for one execution. The current snapshot is the
	// first message.
	Subscribe(ctx context.Context, executionID string) (*Subscription, error)
	// SubscribeActive registers for the list of running executions. The
	// current list is the first message.
	SubscribeActive(ctx context.Context) (*Subscription, error)
	// Notify announces a local change to every instance.
	Notify(ctx context.Context, ev Event)
}

// Config tunes a Hub.
type Config struct {
	ExecutionInterval time.Duration
	ActiveInterval    time.Duration
	QueueSize         int
	// Parallelism bounds concurrent store reads per tick.
	Parallelism int
}

// Compile-time interface check.
var _ Hub = (*hub)(nil)

type hub struct {
	log    logrus.FieldLogger
	cfg    Config
	source Source
	relay  Relay

	mu     sync.RWMutex
	byExec map[string]map[uint64]*Subscription
	active map[uint64]*Subscription
	nextID atomic.Uint64

	relayUp  atomic.Bool
	done     chan struct{}
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopErr  error
}

// NewHub creates a hub. A nil relay means local-only delivery.
func NewHub(log logrus.FieldLogger, cfg Config, source Source, relay Relay) Hub {
	if cfg.ExecutionInterval <= 0 {
		cfg.ExecutionInterval = time.Second
	}

	if cfg.ActiveInterval <= 0 {
		cfg.ActiveInterval = 5 * time.Second
	}

	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 16
	}

	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 8
	}

	return &hub{
		log:    log.WithField("component", "broadcast"),
		cfg:    cfg,
		source: source,
		relay:  relay,
		byExec: make(map[string]map[uint64]*Subscription, 16),
		active: make(map[uint64]*Subscription, 4),
		done:   make(chan struct{}),
	}
}

// Start joins the relay and starts the tick loops. A relay that cannot be
// joined degrades the hub to local-only delivery.
func (h *hub) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h.cancel = cancel

	if h.relay != nil {
		events, err := h.relay.Subscribe(runCtx)
		if err != nil {
			h.log.WithError(err).Warn("Relay unavailable, delivering updates locally only")
		} else {
			h.relayUp.Store(true)

			h.wg.Add(1)

			go h.consume(runCtx, events)
		}
	}

	h.wg.Add(2)

	go h.tickLoop(runCtx, h.cfg.ExecutionInterval, h.tickExecutions)
	go h.tickLoop(runCtx, h.cfg.ActiveInterval, h.tickActive)

	h.log.WithFields(logrus.Fields{
		"execution_interval": h.cfg.ExecutionInterval,
		"active_interval":    h.cfg.ActiveInterval,
		"relay":              h.relayUp.Load(),
	}).Info("Broadcaster started")

	return nil
}

// Stop ends the loops and closes every subscription.
func (h *hub) Stop() error {
	h.stopOnce.Do(func() { h.stopErr = h.stop() })

	return h.stopErr
}

func (h *hub) stop() error {
	close(h.done)

	if h.cancel != nil {
		h.cancel()
	}

	h.wg.Wait()

	h.mu.Lock()
	subs := make([]*Subscription, 0, len(h.active))

	for _, set := range h.byExec {
		for _, s := range set {
			subs = append(subs, s)
		}
	}

	for _, s := range h.active {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	for _, s := range subs {
		s.Close()
	}

	if h.relay != nil {
		if err := h.relay.Close(); err != nil {
			return fmt.Errorf("closing relay: %w", err)
		}
	}

	return nil
}

func (h *hub) tickLoop(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	defer h.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// consume handles relay events until the stream ends. It never publishes.
func (h *hub) consume(ctx context.Context, events <-chan Event) {
	defer h.wg.Done()

	for {
		select {
		case <-h.done:
			return
		case ev, ok := <-events:
			if !ok {
				h.relayUp.Store(false)
				h.log.Warn("Relay stream ended, delivering updates locally only")

				return
			}

			metrics.RelayEvents.WithLabelValues("received").Inc()
			h.refresh(ctx, ev.ExecutionID)
		}
	}
}

// Notify publishes ev on the relay, or refreshes local subscribers
// directly when the relay is down.
func (h *hub) Notify(ctx context.Context, ev Event) {
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().UnixMilli()
	}

	if h.relayUp.Load() {
		err := h.relay.Publish(ctx, ev)
		if err == nil {
			metrics.RelayEvents.WithLabelValues("published").Inc()

			return
		}

		h.log.WithError(err).WithField("execution_id", ev.ExecutionID).
			Warn("Publishing to relay failed, refreshing locally")
	}

	h.refresh(ctx, ev.ExecutionID)
}

// refresh re-reads one execution and the active list and pushes both to
// local subscribers.
func (h *hub) refresh(ctx context.Context, executionID string) {
	h.pushExecution(ctx, executionID)

	h.mu.RLock()
	haveActive := len(h.active) > 0
	h.mu.RUnlock()

	if haveActive {
		h.tickActive(ctx)
	}
}

func (h *hub) tickExecutions(ctx context.Context) {
	h.mu.RLock()
	ids := make([]string, 0, len(h.byExec))

	for id := range h.byExec {
		ids = append(ids, id)
	}
	h.mu.RUnlock()

	if len(ids) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(h.cfg.Parallelism)

	for _, id := range ids {
		g.Go(func() error {
			h.pushExecution(gctx, id)

			return nil
		})
	}

	_ = g.Wait()
}

func (h *hub) pushExecution(ctx context.Context, executionID string) {
	subs := h.subscribers(executionID)
	if len(subs) == 0 {
		return
	}

	snap, err := h.source.Snapshot(ctx, executionID)
	if err != nil {
		h.log.WithError(err).WithField("execution_id", executionID).
			Debug("Skipping push, status unavailable")

		return
	}

	msg := Message{Type: MessageStatus, Data: *snap}

	for _, s := range subs {
		s.push(msg)
	}
}

func (h *hub) tickActive(ctx context.Context) {
	h.mu.RLock()
	subs := make([]*Subscription, 0, len(h.active))

	for _, s := range h.active {
		subs = append(subs, s)
	}
	h.mu.RUnlock()

	if len(subs) == 0 {
		return
	}

	list, err := h.source.ActiveExecutions(ctx)
	if err != nil {
		h.log.WithError(err).Debug("Skipping push, active executions unavailable")

		return
	}

	msg := Message{Type: MessageActive, Data: list}

	for _, s := range subs {
		s.push(msg)
	}
}

func (h *hub) subscribers(executionID string) []*Subscription {
	h.mu.RLock()
	defer h.mu.RUnlock()

	set := h.byExec[executionID]
	subs := make([]*Subscription, 0, len(set))

	for _, s := range set {
		subs = append(subs, s)
	}

	return subs
}

// Subscribe registers for one execution.
func (h *hub) Subscribe(ctx context.Context, executionID string) (*Subscription, error) {
	snap, err := h.source.Snapshot(ctx, executionID)
	if err != nil {
		return nil, err
	}

	s := h.newSubscription(scopeExecution, executionID)

	h.mu.Lock()
	set, ok := h.byExec[executionID]
	if !ok {
		set = make(map[uint64]*Subscription, 2)
		h.byExec[executionID] = set
	}

	set[s.id] = s
	h.mu.Unlock()

	metrics.Subscribers.WithLabelValues(scopeExecution).Inc()

	s.push(Message{Type: MessageStatus, Data: *snap})
	context.AfterFunc(ctx, s.Close)

	return s, nil
}

// SubscribeActive registers for the running executions list.
func (h *hub) SubscribeActive(ctx context.Context) (*Subscription, error) {
	list, err := h.source.ActiveExecutions(ctx)
	if err != nil {
		return nil, err
	}

	s := h.newSubscription(scopeActive, "")

	h.mu.Lock()
	h.active[s.id] = s
	h.mu.Unlock()

	metrics.Subscribers.WithLabelValues(scopeActive).Inc()

	s.push(Message{Type: MessageActive, Data: list})
	context.AfterFunc(ctx, s.Close)

	return s, nil
}

func (h *hub) newSubscription(scope, executionID string) *Subscription {
	s := &Subscription{
		id:          h.nextID.Add(1),
		scope:       scope,
		executionID: executionID,
		ch:          make(chan Message, h.cfg.QueueSize),
		done:        make(chan struct{}),
	}
	s.remove = func() { h.remove(s) }

	return s
}

func (h *hub) remove(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if s.scope == scopeActive {
		if _, ok := h.active[s.id]; ok {
			delete(h.active, s.id)
			metrics.Subscribers.WithLabelValues(scopeActive).Dec()
		}

		return
	}

	set := h.byExec[s.executionID]
	if _, ok := set[s.id]; ok {
		delete(set, s.id)
		metrics.Subscribers.WithLabelValues(scopeExecution).Dec()
	}

	if len(set) == 0 {
		delete(h.byExec, s.executionID)
	}
}

// Subscription is one subscriber's bounded queue of messages.
type Subscription struct {
	id          uint64
	scope       string
	executionID string

	ch     chan Message
	done   chan struct{}
	once   sync.Once
	mu     sync.Mutex
	err    error
	remove func()
}

// C delivers messages. It is never closed; watch Done.
func (s *Subscription) C() <-chan Message {
	return s.ch
}

// Done is closed once the subscription ends.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Err reports why the subscription ended. It is nil for a normal Close.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.err
}

// ExecutionID is empty for the active scope.
func (s *Subscription) ExecutionID() string {
	return s.executionID
}

// Close ends the subscription.
func (s *Subscription) Close() {
	s.once.Do(func() {
		close(s.done)

		if s.remove != nil {
			s.remove()
		}
	})
}

// Fail ends the subscription after a push to the client failed.
func (s *Subscription) Fail(cause error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = fmt.Errorf("%w: %w", ErrDelivery, cause)
	}
	s.mu.Unlock()

	metrics.SubscriptionsDropped.WithLabelValues(s.scope).Inc()
	s.Close()
}

// push never blocks; a full queue fails the subscription.
func (s *Subscription) push(msg Message) {
	select {
	case <-s.done:
		return
	default:
	}

	select {
	case s.ch <- msg:
	default:
		s.Fail(errors.New("subscriber queue full"))
	}
}

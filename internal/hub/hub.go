package hub

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	apperrors "github.com/covey-ai/covey/internal/common/errors"
	"github.com/covey-ai/covey/internal/common/logger"
	"github.com/covey-ai/covey/internal/events"
	"github.com/covey-ai/covey/internal/events/bus"
)

// Config holds hub tunables.
type Config struct {
	SendTimeout       time.Duration // default deadline for blocking sends
	MailboxTTL        time.Duration // eviction age for settled entries
	MaxHandlerWorkers int64         // bound on concurrently running handlers
}

// SendOptions controls a single send.
type SendOptions struct {
	Blocking   bool
	Sender     string
	CallbackID string
	Timeout    time.Duration // overrides the route/default timeout when set
}

// SendResult is returned from Send. Result is populated for blocking sends
// only; non-blocking callers retrieve results through the mailbox.
type SendResult struct {
	MessageID string  `json:"message_id"`
	Result    *Result `json:"result,omitempty"`
}

// Hub routes messages to registered modules and tracks their outcomes in
// the mailbox. Handler failures settle the mailbox entry; they never
// propagate into non-blocking callers or crash the daemon.
type Hub struct {
	registry *Registry
	mailbox  *Mailbox
	routes   *routeTable
	eventBus bus.EventBus
	sem      *semaphore.Weighted
	cfg      Config
	logger   *logger.Logger
}

// New creates a hub wired to the given event bus.
func New(cfg Config, eventBus bus.EventBus, log *logger.Logger) *Hub {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 30 * time.Second
	}
	if cfg.MaxHandlerWorkers <= 0 {
		cfg.MaxHandlerWorkers = 64
	}
	h := &Hub{
		registry: NewRegistry(log),
		mailbox:  NewMailbox(cfg.MailboxTTL, log),
		routes:   newRouteTable(),
		eventBus: eventBus,
		sem:      semaphore.NewWeighted(cfg.MaxHandlerWorkers),
		cfg:      cfg,
		logger:   log.WithFields(zap.String("component", "hub")),
	}
	h.mailbox.onUpdate = h.publishUpdate
	return h
}

// Registry exposes the module registry.
func (h *Hub) Registry() *Registry { return h.registry }

// Mailbox exposes the async result mailbox.
func (h *Hub) Mailbox() *Mailbox { return h.mailbox }

// RegisterInput registers a source module and its default routes.
func (h *Hub) RegisterInput(id string, handler InputHandler, defaultRoutes []Route) (*RegisterResult, error) {
	res, err := h.registry.Register(Descriptor{Kind: KindInput, ID: id, Input: handler})
	if err != nil {
		return nil, err
	}
	for _, route := range defaultRoutes {
		h.routes.Add(route)
	}
	return res, nil
}

// RegisterOutput registers a sink module.
func (h *Hub) RegisterOutput(id string, handler OutputHandler) (*RegisterResult, error) {
	return h.registry.Register(Descriptor{Kind: KindOutput, ID: id, Output: handler})
}

// RegisterModule registers a module from a full descriptor.
func (h *Hub) RegisterModule(desc Descriptor) (*RegisterResult, error) {
	return h.registry.Register(desc)
}

// AddRoute installs a routing rule.
func (h *Hub) AddRoute(route Route) {
	h.routes.Add(route)
}

// Routes returns the current routing table.
func (h *Hub) Routes() []Route {
	return h.routes.List()
}

// Run starts background maintenance (mailbox eviction) until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	h.mailbox.RunJanitor(ctx)
}

// Send dispatches a message to the target module. An empty target resolves
// through the routing table. Non-blocking sends return as soon as the
// mailbox entry exists; blocking sends await handler completion up to the
// route timeout (default 30s).
func (h *Hub) Send(ctx context.Context, target string, msg *Message, opts SendOptions) (*SendResult, error) {
	if msg == nil {
		return nil, apperrors.ValidationError("message", "message is required")
	}
	if msg.ID == "" {
		msg.ID = NewMessageID()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	timeout := h.cfg.SendTimeout
	if target == "" {
		route, ok := h.routes.Resolve(msg)
		if !ok {
			return nil, apperrors.NotFound("route for message type", msg.Type)
		}
		target = route.TargetOutput
		if route.Timeout > 0 {
			timeout = route.Timeout
		}
	}
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}

	mod, ok := h.registry.Get(target)
	if !ok {
		return nil, apperrors.NotFound("module", target)
	}

	entry, existed := h.mailbox.Create(msg.ID, opts.CallbackID, target)
	if existed {
		// Idempotent replay: same callback id returns the original message id
		// without re-dispatching.
		res := &SendResult{MessageID: entry.ID}
		if opts.Blocking && entry.Status == EntryCompleted {
			res.Result = entry.Result
		}
		return res, nil
	}

	if !opts.Blocking {
		go h.dispatch(context.WithoutCancel(ctx), mod, msg, timeout)
		return &SendResult{MessageID: msg.ID}, nil
	}

	done := make(chan struct{})
	var result *Result
	var handlerErr error
	go func() {
		result, handlerErr = h.invoke(context.WithoutCancel(ctx), mod, msg)
		close(done)
	}()

	select {
	case <-done:
		if handlerErr != nil {
			_ = h.mailbox.Transition(msg.ID, EntryFailed, nil, handlerErr.Error())
			return nil, apperrors.Wrap(handlerErr, "handler for '"+target+"' failed")
		}
		_ = h.mailbox.Transition(msg.ID, EntryCompleted, result, "")
		return &SendResult{MessageID: msg.ID, Result: result}, nil
	case <-time.After(timeout):
		_ = h.mailbox.Transition(msg.ID, EntryFailed, nil, "send timed out")
		return nil, apperrors.TimeoutError("blocking send to '"+target+"'", timeout)
	case <-ctx.Done():
		_ = h.mailbox.Transition(msg.ID, EntryFailed, nil, ctx.Err().Error())
		return nil, apperrors.Wrap(ctx.Err(), "send cancelled")
	}
}

// dispatch runs the handler for a non-blocking send on the bounded worker
// pool and settles the mailbox entry with the outcome.
func (h *Hub) dispatch(ctx context.Context, mod *Module, msg *Message, timeout time.Duration) {
	if err := h.sem.Acquire(ctx, 1); err != nil {
		_ = h.mailbox.Transition(msg.ID, EntryFailed, nil, "worker pool unavailable: "+err.Error())
		return
	}
	defer h.sem.Release(1)

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := h.invoke(runCtx, mod, msg)
	if err != nil {
		_ = h.mailbox.Transition(msg.ID, EntryFailed, nil, err.Error())
		return
	}
	_ = h.mailbox.Transition(msg.ID, EntryCompleted, result, "")
}

// invoke runs the module handler with panic recovery. A panicking handler
// settles as a failed entry, never as a daemon crash.
func (h *Hub) invoke(ctx context.Context, mod *Module, msg *Message) (result *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("module handler panicked",
				zap.String("module_id", mod.ID),
				zap.Any("panic", r))
			result = nil
			err = apperrors.InternalError(fmt.Sprintf("handler panic in module '%s'", mod.ID), fmt.Errorf("%v", r))
		}
	}()

	_ = h.mailbox.Transition(msg.ID, EntryProcessing, nil, "")

	switch mod.Kind {
	case KindInput:
		return mod.input(ctx, msg)
	default:
		return mod.output(ctx, msg, nil)
	}
}

// publishUpdate broadcasts a mailbox state change on the event bus.
func (h *Hub) publishUpdate(entry *Entry) {
	if h.eventBus == nil {
		return
	}
	data := map[string]any{
		"id":     entry.ID,
		"status": string(entry.Status),
	}
	if entry.Result != nil {
		data["result"] = entry.Result.Data
	}
	if entry.Error != "" {
		data["error"] = entry.Error
	}
	event := bus.NewEvent(events.MessageUpdate, "hub", data)
	if err := h.eventBus.Publish(context.Background(), events.BuildMessageUpdateSubject(entry.ID), event); err != nil {
		h.logger.Warn("failed to publish message update",
			zap.String("message_id", entry.ID),
			zap.Error(err))
	}
}

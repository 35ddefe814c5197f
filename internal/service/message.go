package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/capitalize-ai/conversation-orchestrator/internal/conversation"
	"github.com/capitalize-ai/conversation-orchestrator/internal/intent"
	"github.com/capitalize-ai/conversation-orchestrator/internal/llm"
	"github.com/capitalize-ai/conversation-orchestrator/internal/model"
	"github.com/capitalize-ai/conversation-orchestrator/internal/notify"
	"github.com/capitalize-ai/conversation-orchestrator/internal/store"
	"github.com/capitalize-ai/conversation-orchestrator/internal/tool"
	"github.com/capitalize-ai/conversation-orchestrator/internal/tool/calendar"
	"github.com/capitalize-ai/conversation-orchestrator/pkg/logger"
	"github.com/capitalize-ai/conversation-orchestrator/pkg/metrics"
	"github.com/capitalize-ai/conversation-orchestrator/pkg/tracing"
)

var (
	// ErrAlreadyInProgress is returned when a message arrives while the
	// conversation is still generating. The message itself is recorded.
	ErrAlreadyInProgress = conversation.ErrAlreadyInProgress

	// ErrGenerationTimeout marks a tool or generation call that ran past its
	// deadline.
	ErrGenerationTimeout = errors.New("generation timed out")

	errStopped = errors.New("generation stopped")
)

// User-facing replies recorded as assistant messages when a turn fails.
const (
	replyUnparseable   = "I couldn't understand that calendar request. Please rephrase it."
	replyMissingDate   = "Please include the event date, for example \"agenda una reunión el 28 de enero a las 10\"."
	replyInvalidDate   = "I couldn't read that date. Please check the day and month."
	replyInvalidTime   = "That time isn't valid. Use a time like 10:30 or 5 pm."
	replySingleDate    = "Adding or moving an event needs one date, not a range."
	replyNoChange      = "Tell me what to change, for example the new title or time."
	replyMissingTool   = "Name the tool to run, for example \"tool:pdf search:<document id>:<keyword>\"."
	replyProvider      = "The assistant is unavailable right now. Please try again in a moment."
	replyTimeout       = "That took too long and was cancelled. Please try again."
	replyToolFailed    = "The %s tool could not complete the request."
	replyNotRegistered = "Tool not found: %s"
	replyAmbiguous     = "Several events match. Tell me which one:"
	replyInternal      = "Something went wrong while answering. Please try again."
)

// Routes label generations in metrics and spans.
const (
	routeTool       = "tool"
	routeGeneration = "generation"
	routeParse      = "parse"
)

// EventSink records generation lifecycle events. *nats.StreamManager
// satisfies it.
type EventSink interface {
	PublishEvent(ctx context.Context, event *model.ConversationEvent) error
}

type nopSink struct{}

func (nopSink) PublishEvent(context.Context, *model.ConversationEvent) error { return nil }

// MessageOptions tune the orchestrator.
type MessageOptions struct {
	GenerationTimeout time.Duration
	ToolTimeout       time.Duration
	MaxHistory        int
	Model             string
	Location          *time.Location
}

// MessageDeps are the collaborators of MessageService.
type MessageDeps struct {
	Store    store.Store
	Manager  *conversation.Manager
	Notifier *notify.Manager
	Parser   *intent.Parser
	Tools    *tool.Registry
	LLM      llm.Client
	Events   EventSink
}

// MessageService turns inbound user messages into tool calls or free-form
// generations, one at a time per conversation.
type MessageService struct {
	store    store.Store
	manager  *conversation.Manager
	notifier *notify.Manager
	parser   *intent.Parser
	tools    *tool.Registry
	llm      llm.Client
	events   EventSink
	opts     MessageOptions
	logger   *logger.Logger
	tracer   trace.Tracer
	now      func() time.Time

	inflight sync.WaitGroup
}

// NewMessageService creates a new message service.
func NewMessageService(deps MessageDeps, opts MessageOptions, log *logger.Logger) *MessageService {
	if log == nil {
		log = logger.Global()
	}
	if deps.Events == nil {
		deps.Events = nopSink{}
	}
	if deps.LLM == nil {
		deps.LLM = llm.Unavailable{Reason: "no provider configured"}
	}
	if opts.GenerationTimeout <= 0 {
		opts.GenerationTimeout = 60 * time.Second
	}
	if opts.ToolTimeout <= 0 {
		opts.ToolTimeout = 15 * time.Second
	}
	if opts.MaxHistory <= 0 {
		opts.MaxHistory = llm.DefaultMaxHistory
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	return &MessageService{
		store:    deps.Store,
		manager:  deps.Manager,
		notifier: deps.Notifier,
		parser:   deps.Parser,
		tools:    deps.Tools,
		llm:      deps.LLM,
		events:   deps.Events,
		opts:     opts,
		logger:   log.Named("messages"),
		tracer:   tracing.Tracer("conversation-orchestrator/service"),
		now:      time.Now,
	}
}

// Send handles one user message and waits for the outcome. Failures of the
// turn itself (unparseable command, tool or provider error, timeout) are
// reported in the outcome; the returned error is reserved for requests that
// could not be admitted.
func (s *MessageService) Send(ctx context.Context, userID, conversationID, content string) (*model.Outcome, error) {
	adm, userMsg, err := s.admit(ctx, userID, conversationID, content)
	if err != nil {
		return nil, err
	}
	return s.run(context.WithoutCancel(ctx), adm, userID, userMsg), nil
}

// SendAsync admits the message and runs the turn in the background. The
// returned subscription resolves with the outcome; the caller may drop it
// and observe the conversation later through the notifier.
//
// Once admitted the turn always runs. If it cannot be observed from here the
// subscription is nil and the error is nil: the message was accepted.
func (s *MessageService) SendAsync(ctx context.Context, userID, conversationID, content string) (*notify.Subscription, error) {
	adm, userMsg, err := s.admit(ctx, userID, conversationID, content)
	if err != nil {
		return nil, err
	}

	sub, err := s.notifier.Subscribe(conversationID)
	if err != nil {
		s.logger.Warn("turn accepted without an observer",
			zap.String("conversation_id", conversationID),
			zap.String("generation_id", adm.GenerationID),
			zap.Error(err))
	}

	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		s.run(context.WithoutCancel(ctx), adm, userID, userMsg)
	}()
	return sub, nil
}

// Wait blocks until background turns finish or ctx ends.
func (s *MessageService) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListMessages returns the most recent limit messages of a conversation.
func (s *MessageService) ListMessages(ctx context.Context, userID, conversationID string, limit int) (*model.ListMessagesResponse, error) {
	if err := s.authorize(ctx, userID, conversationID); err != nil {
		return nil, err
	}
	limit, _ = clampPage(limit, 0)

	history, err := s.store.GetHistory(ctx, conversationID, limit+1)
	if err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}
	hasMore := len(history) > limit
	if hasMore {
		history = history[1:]
	}

	resp := &model.ListMessagesResponse{
		Messages:     make([]model.Message, len(history)),
		HasMore:      hasMore,
		StreamActive: s.manager.Status(conversationID) == conversation.StatusRunning,
	}
	for i, msg := range history {
		resp.Messages[i] = *msg
	}
	if n := len(history); n > 0 {
		resp.LastSequence = history[n-1].Sequence
	}
	return resp, nil
}

func (s *MessageService) authorize(ctx context.Context, userID, conversationID string) error {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to get conversation: %w", err)
	}
	if conv.UserID != userID {
		return ErrNotFound
	}
	return nil
}

// admit records the user message and claims the conversation slot. The
// message is recorded even when the slot is busy.
func (s *MessageService) admit(ctx context.Context, userID, conversationID, content string) (*conversation.Admission, *model.Message, error) {
	if strings.TrimSpace(content) == "" {
		return nil, nil, fmt.Errorf("%w: message content is required", ErrInvalidInput)
	}
	if err := s.authorize(ctx, userID, conversationID); err != nil {
		return nil, nil, err
	}

	userMsg := &model.Message{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: conversationID,
		Role:           model.RoleUser,
		Content:        content,
		CreatedAt:      s.now().UTC(),
	}
	if err := s.store.AppendMessage(ctx, userMsg); err != nil {
		return nil, nil, fmt.Errorf("failed to save user message: %w", err)
	}
	metrics.MessagesTotal.WithLabelValues(string(model.RoleUser)).Inc()
	s.manager.SetActive(userID, conversationID)

	adm, err := s.manager.Begin(conversationID)
	if err != nil {
		s.publishEvent(ctx, conversationID, "", model.EventTypeRejected, err.Error())
		s.logger.Info("message rejected, generation in progress",
			zap.String("conversation_id", conversationID),
			zap.String("message_id", userMsg.ID))
		return nil, nil, err
	}
	s.publishEvent(ctx, conversationID, adm.GenerationID, model.EventTypeStarted, "")
	return adm, userMsg, nil
}

// run executes an admitted turn. The admission is always completed, even if
// the turn panics.
func (s *MessageService) run(ctx context.Context, adm *conversation.Admission, userID string, userMsg *model.Message) (outcome *model.Outcome) {
	log := s.logger.WithConversation(adm.ConversationID).With(zap.String("generation_id", adm.GenerationID))

	ctx, span := s.tracer.Start(ctx, "conversation.turn", trace.WithAttributes(
		attribute.String("conversation.id", adm.ConversationID),
		attribute.String("generation.id", adm.GenerationID),
	))
	route := routeParse

	defer func() {
		if r := recover(); r != nil {
			log.Error("turn panicked", zap.Any("panic", r), zap.Stack("stack"))
			outcome = s.recovered(ctx, adm, r, log)
		}
		if err := s.manager.Complete(adm, outcome); err != nil {
			log.Error("failed to complete generation", zap.Error(err))
		}

		metrics.RecordGeneration(route, string(outcome.Status), outcome.CompletedAt.Sub(adm.StartedAt).Seconds())
		s.publishEvent(ctx, adm.ConversationID, adm.GenerationID, eventType(outcome), outcome.Error)
		span.SetAttributes(attribute.String("generation.route", route), attribute.String("outcome.status", string(outcome.Status)))
		if outcome.Failed() {
			span.SetStatus(codes.Error, outcome.Error)
		}
		span.End()
	}()

	parsed, err := s.parser.Parse(userMsg.Content)
	if err != nil {
		metrics.IntentsTotal.WithLabelValues("unparseable", "").Inc()
		log.Info("unparseable command", zap.Error(err))
		return s.reply(ctx, adm, reply{
			status: model.OutcomeFailed, code: model.CodeUnparseable, err: err, content: unparseableReply(err),
		})
	}
	metrics.IntentsTotal.WithLabelValues(string(parsed.Kind), parsed.Tool).Inc()

	if parsed.IsTool() {
		route = routeTool
		return s.runTool(ctx, adm, userID, parsed, log)
	}
	route = routeGeneration
	return s.runGeneration(ctx, adm, userID, log)
}

func (s *MessageService) runTool(ctx context.Context, adm *conversation.Admission, userID string, parsed intent.Intent, log *logger.Logger) *model.Outcome {
	invocation := &model.ToolInvocation{
		ID:    uuid.Must(uuid.NewV7()).String(),
		Tool:  parsed.Tool,
		Slots: parsed.Slots,
	}

	t, err := s.tools.Resolve(parsed.Tool)
	if err != nil {
		invocation.Error = err.Error()
		return s.reply(ctx, adm, reply{
			status: model.OutcomeFailed, code: model.CodeNotRegistered, err: err,
			content: fmt.Sprintf(replyNotRegistered, parsed.Tool), invocation: invocation,
		})
	}

	caller := tool.Caller{UserID: userID, ConversationID: adm.ConversationID}
	result, err := within(ctx, s.opts.ToolTimeout, func(ctx context.Context) (string, error) {
		return t.Execute(tool.WithCaller(ctx, caller), parsed.Slots)
	})
	if err != nil {
		invocation.Error = err.Error()
		log.Info("tool failed", zap.String("tool", parsed.Tool), zap.Error(err))

		r := reply{status: model.OutcomeFailed, code: model.CodeToolError, err: err, invocation: invocation}
		var (
			ambiguous *tool.AmbiguousError
			toolErr   *tool.Error
		)
		switch {
		case errors.Is(err, ErrGenerationTimeout):
			r.status, r.code, r.content = model.OutcomeTimeout, model.CodeTimeout, replyTimeout
		case errors.As(err, &ambiguous):
			r.code, r.content = model.CodeAmbiguous, s.describeAmbiguous(ambiguous)
		case errors.As(err, &toolErr):
			r.content = sentence(toolErr.Message)
		default:
			r.content = fmt.Sprintf(replyToolFailed, parsed.Tool)
		}
		return s.reply(ctx, adm, r)
	}

	invocation.Result = result
	return s.reply(ctx, adm, reply{status: model.OutcomeCompleted, content: result, invocation: invocation})
}

func (s *MessageService) runGeneration(ctx context.Context, adm *conversation.Admission, userID string, log *logger.Logger) *model.Outcome {
	history, err := s.store.GetHistory(ctx, adm.ConversationID, s.opts.MaxHistory)
	if err != nil {
		return s.reply(ctx, adm, reply{status: model.OutcomeFailed, code: model.CodeInternal, err: err, content: replyInternal})
	}
	docs, err := s.store.ListDocuments(ctx, adm.ConversationID)
	if err != nil {
		log.Warn("failed to load documents for prompt", zap.Error(err))
		docs = nil
	}

	req := &llm.CompletionRequest{
		Model: s.opts.Model,
		System: llm.SystemPrompt(llm.PromptContext{
			UserID:         userID,
			ConversationID: adm.ConversationID,
			Now:            s.now(),
			Location:       s.opts.Location,
			Documents:      docs,
		}),
		Messages: llm.History(history, s.opts.MaxHistory),
	}

	// stopped suppresses chunks from a call that outlived its deadline.
	var stopped atomic.Bool
	streamStarted := s.now()
	resp, err := within(ctx, s.opts.GenerationTimeout, func(ctx context.Context) (*llm.CompletionResponse, error) {
		return s.llm.CompleteStream(ctx, req, func(token string, _ int) error {
			if stopped.Load() {
				return errStopped
			}
			s.notifier.Emit(adm.ConversationID, adm.GenerationID, token)
			return nil
		})
	})
	stopped.Store(true)
	streamEnded := s.now()

	if err != nil {
		metrics.RecordLLMStream(s.llm.Name(), "error", streamEnded.Sub(streamStarted).Seconds(), 0, 0)
		log.Warn("generation failed", zap.String("provider", s.llm.Name()), zap.Error(err))
		if errors.Is(err, ErrGenerationTimeout) {
			return s.reply(ctx, adm, reply{status: model.OutcomeTimeout, code: model.CodeTimeout, err: err, content: replyTimeout})
		}
		return s.reply(ctx, adm, reply{status: model.OutcomeFailed, code: model.CodeProviderError, err: err, content: replyProvider})
	}

	metrics.RecordLLMStream(resp.Model, "success", streamEnded.Sub(streamStarted).Seconds(), resp.TokensIn, resp.TokensOut)
	return s.reply(ctx, adm, reply{
		status:  model.OutcomeCompleted,
		content: resp.Content,
		decorate: func(msg *model.Message) {
			msg.Model = &resp.Model
			msg.TokensIn = &resp.TokensIn
			msg.TokensOut = &resp.TokensOut
			msg.LatencyMs = &resp.LatencyMs
			msg.StopReason = &resp.StopReason
			msg.StreamStarted = &streamStarted
			msg.StreamEnded = &streamEnded
		},
	})
}

// recovered records the reply for a turn that panicked. If recording panics
// too, the outcome is returned without a message.
func (s *MessageService) recovered(ctx context.Context, adm *conversation.Admission, panicked any, log *logger.Logger) (outcome *model.Outcome) {
	fallback := &model.Outcome{
		Status:  model.OutcomeFailed,
		Content: replyInternal,
		Code:    model.CodeInternal,
		Error:   fmt.Sprint(panicked),
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error("failed to record reply after panic", zap.Any("panic", r))
			outcome = fallback
		}
	}()
	return s.reply(ctx, adm, reply{
		status: model.OutcomeFailed, code: model.CodeInternal, content: replyInternal,
		err: fmt.Errorf("panic: %v", panicked),
	})
}

// unparseableReply explains why a command could not be read.
func unparseableReply(err error) string {
	switch {
	case errors.Is(err, intent.ErrMissingDate):
		return replyMissingDate
	case errors.Is(err, intent.ErrInvalidDate):
		return replyInvalidDate
	case errors.Is(err, intent.ErrInvalidTime):
		return replyInvalidTime
	case errors.Is(err, intent.ErrSingleDate):
		return replySingleDate
	case errors.Is(err, intent.ErrNothingToChange):
		return replyNoChange
	case errors.Is(err, intent.ErrMissingTool):
		return replyMissingTool
	default:
		return replyUnparseable
	}
}

type reply struct {
	status     model.OutcomeStatus
	code       string
	err        error
	content    string
	invocation *model.ToolInvocation
	decorate   func(*model.Message)
}

// reply records the assistant message for a turn and builds its outcome.
func (s *MessageService) reply(ctx context.Context, adm *conversation.Admission, r reply) *model.Outcome {
	outcome := &model.Outcome{
		Status:  r.status,
		Content: r.content,
		Code:    r.code,
	}
	if r.err != nil {
		outcome.Error = r.err.Error()
	}

	msg := &model.Message{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: adm.ConversationID,
		Role:           model.RoleAssistant,
		Content:        r.content,
		ToolInvocation: r.invocation,
		CreatedAt:      s.now().UTC(),
	}
	if r.decorate != nil {
		r.decorate(msg)
	}
	if err := s.store.AppendMessage(ctx, msg); err != nil {
		s.logger.Error("failed to save assistant message",
			zap.String("conversation_id", adm.ConversationID),
			zap.Error(err))
		outcome.Status = model.OutcomeFailed
		outcome.Code = model.CodeInternal
		outcome.Error = fmt.Sprintf("failed to save assistant message: %v", err)
		return outcome
	}
	metrics.MessagesTotal.WithLabelValues(string(model.RoleAssistant)).Inc()
	outcome.Message = msg
	return outcome
}

func (s *MessageService) describeAmbiguous(err *tool.AmbiguousError) string {
	var b strings.Builder
	b.WriteString(replyAmbiguous)
	for i := range err.Candidates {
		b.WriteString("\n")
		b.WriteString(calendar.Format(&err.Candidates[i], s.opts.Location))
	}
	return b.String()
}

func (s *MessageService) publishEvent(ctx context.Context, conversationID, generationID string, typ model.EventType, reason string) {
	event := &model.ConversationEvent{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: conversationID,
		GenerationID:   generationID,
		Type:           typ,
		Reason:         reason,
		CreatedAt:      s.now().UTC(),
	}
	if err := s.events.PublishEvent(ctx, event); err != nil {
		s.logger.Warn("failed to publish event",
			zap.String("conversation_id", conversationID),
			zap.String("type", string(typ)),
			zap.Error(err))
	}
}

func eventType(o *model.Outcome) model.EventType {
	switch o.Status {
	case model.OutcomeCompleted:
		return model.EventTypeCompleted
	case model.OutcomeTimeout:
		return model.EventTypeTimeout
	default:
		return model.EventTypeError
	}
}

// within runs fn with a deadline of d. When the deadline passes first it
// returns ErrGenerationTimeout without waiting for fn; fn's late result is
// discarded. A panic in fn is re-raised on the calling goroutine.
func within[T any](ctx context.Context, d time.Duration, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	type result struct {
		v        T
		err      error
		panicked any
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				ch <- result{panicked: p}
			}
		}()
		v, err := fn(ctx)
		ch <- result{v: v, err: err}
	}()

	select {
	case r := <-ch:
		if r.panicked != nil {
			panic(r.panicked)
		}
		if r.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return r.v, fmt.Errorf("%w: %w", ErrGenerationTimeout, r.err)
		}
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return zero, fmt.Errorf("%w after %s", ErrGenerationTimeout, d)
		}
		return zero, ctx.Err()
	}
}

// sentence capitalises the first letter and ends s with a period.
func sentence(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return s
	}
	r, size := utf8.DecodeRuneInString(s)
	s = string(unicode.ToUpper(r)) + s[size:]
	if !strings.HasSuffix(s, ".") && !strings.HasSuffix(s, "?") && !strings.HasSuffix(s, "!") {
		s += "."
	}
	return s
}

package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/songzhibin97/gkit/generator"
	"github.com/songzhibin97/seoflow/capability"
	"github.com/songzhibin97/seoflow/events"
	"github.com/songzhibin97/seoflow/logging"
	"github.com/songzhibin97/seoflow/rules"
	"github.com/songzhibin97/seoflow/storage"
	"github.com/songzhibin97/seoflow/types"
)

// Config tunes execution, retry and supervision.
type Config struct {
	StageTimeout   time.Duration
	MaxAttempts    int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	StaleAfter     time.Duration
	SweepInterval  time.Duration
	// MaxConcurrent bounds concurrently running sessions; 0 means unbounded.
	MaxConcurrent int
	// ApprovalRules maps stage names to expr expressions.
	ApprovalRules map[string]string
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		StageTimeout:   120 * time.Second,
		MaxAttempts:    3,
		BackoffInitial: time.Second,
		BackoffMax:     10 * time.Second,
		StaleAfter:     15 * time.Minute,
		SweepInterval:  time.Minute,
	}
}

type engineOptions struct {
	config    Config
	logger    *slog.Logger
	evaluator rules.Evaluator
	offline   capability.Set
	bus       *events.EventBus
	now       func() time.Time
}

// Option configures a WorkflowEngine.
type Option func(*engineOptions)

// WithConfig replaces the default Config.
func WithConfig(cfg Config) Option {
	return func(o *engineOptions) { o.config = cfg }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *engineOptions) { o.logger = logger }
}

// WithEvaluator sets the approval rule evaluator.
func WithEvaluator(evaluator rules.Evaluator) Option {
	return func(o *engineOptions) { o.evaluator = evaluator }
}

// WithOfflineCapabilities sets the capabilities used when a session asks
// for use_real_data=false. Defaults to the built-in script.
func WithOfflineCapabilities(set capability.Set) Option {
	return func(o *engineOptions) { o.offline = set }
}

// WithEventBus shares an existing bus; the engine will not stop it.
func WithEventBus(bus *events.EventBus) Option {
	return func(o *engineOptions) { o.bus = bus }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *engineOptions) { o.now = now }
}

// WorkflowEngine is the orchestration API: it starts sessions, answers
// status queries, applies approvals and cancels.
type WorkflowEngine struct {
	storage    storage.Storage
	generate   generator.Generator
	eventBus   *events.EventBus
	ownBus     bool
	runner     *Runner
	gate       *Gate
	supervisor *Supervisor
	logger     *slog.Logger
	now        func() time.Time
}

// NewWorkflowEngine creates a new WorkflowEngine with the given id
// generator, session store and per-stage capabilities.
func NewWorkflowEngine(generate generator.Generator, store storage.Storage, caps capability.Set, opts ...Option) (*WorkflowEngine, error) {
	if generate == nil {
		return nil, errors.New("generator is required")
	}
	if err := caps.Validate(); err != nil {
		return nil, err
	}

	o := engineOptions{config: DefaultConfig()}
	for _, opt := range opts {
		opt(&o)
	}
	if store == nil {
		store = storage.NewMemoryStorage()
	}
	logger := logging.OrDiscard(o.logger)
	if o.now == nil {
		o.now = time.Now
	}
	if o.offline == nil {
		o.offline = capability.Uniform(capability.NewScripted(capability.DefaultScript()))
	} else if err := o.offline.Validate(); err != nil {
		return nil, fmt.Errorf("offline capabilities: %w", err)
	}

	approvalRules, err := rules.ParseApprovalRules(o.config.ApprovalRules)
	if err != nil {
		return nil, err
	}
	if o.evaluator == nil {
		o.evaluator = rules.NewExprEvaluator()
	}
	if ev, ok := o.evaluator.(*rules.ExprEvaluator); ok {
		ev.AddOptionFunc("has_result", rules.HasResultFunc)
		if err := approvalRules.Validate(ev); err != nil {
			return nil, err
		}
	}

	e := &WorkflowEngine{
		storage:  store,
		generate: generate,
		eventBus: o.bus,
		logger:   logger,
		now:      o.now,
	}
	if e.eventBus == nil {
		e.eventBus = events.NewEventBus(events.WithLogger(logger))
		e.ownBus = true
	}
	e.eventBus.SubscribeFunc(events.TypeAll, e.logEvent)

	exec := &StageExecutor{
		caps:      caps,
		offline:   o.offline,
		rules:     approvalRules,
		evaluator: o.evaluator,
		policy: RetryPolicy{
			MaxAttempts:    o.config.MaxAttempts,
			StageTimeout:   o.config.StageTimeout,
			BackoffInitial: o.config.BackoffInitial,
			BackoffMax:     o.config.BackoffMax,
		},
		logger: logger,
		now:    o.now,
	}
	e.runner = newRunner(store, exec, o.config.MaxConcurrent, logger, e.publishEvent)
	e.gate = &Gate{store: store}
	e.supervisor = &Supervisor{
		store:      store,
		runner:     e.runner,
		staleAfter: o.config.StaleAfter,
		interval:   o.config.SweepInterval,
		logger:     logger,
		now:        o.now,
		publish:    e.publishEvent,
	}
	if o.config.StaleAfter > 0 {
		e.supervisor.Start()
	}
	return e, nil
}

// SubscribeEvent subscribes an event handler to a specific event type, or
// to all of them with events.TypeAll.
func (e *WorkflowEngine) SubscribeEvent(eventType string, handler events.EventHandler) events.Subscription {
	return e.eventBus.Subscribe(eventType, handler)
}

// Bus exposes the event bus for streaming subscribers.
func (e *WorkflowEngine) Bus() *events.EventBus {
	return e.eventBus
}

// publishEvent publishes an event asynchronously to the event bus.
func (e *WorkflowEngine) publishEvent(ctx context.Context, eventType, sessionID string, data map[string]interface{}) {
	err := e.eventBus.Publish(context.WithoutCancel(ctx), events.Event{
		Type:      eventType,
		SessionID: sessionID,
		Data:      data,
	})
	if err != nil && !errors.Is(err, events.ErrNoHandler) && !errors.Is(err, events.ErrBusClosed) {
		e.logger.Warn("publish event", "event_type", eventType, "session_id", sessionID, "error", err)
	}
}

func (e *WorkflowEngine) logEvent(_ context.Context, ev events.Event) error {
	e.logger.Debug("event", "event_type", ev.Type, "session_id", ev.SessionID, "seq", ev.Seq, "data", ev.Data)
	return nil
}

// StartRequest is the input of Start.
type StartRequest struct {
	Keyword        string
	TargetAudience string
	ContentType    string
	// Mode is full_auto or semi_auto in any case; empty means semi_auto.
	Mode string
	// UseRealData defaults to true when nil.
	UseRealData     *bool
	TargetWordCount int
}

func (e *WorkflowEngine) newSessionID() (string, error) {
	n, err := e.generate.NextID()
	if err != nil {
		return "", fmt.Errorf("failed to generate ID: %w", err)
	}
	return fmt.Sprintf("seo-workflow-%x-%s", n, e.now().Format("20060102150405")), nil
}

// Start validates the request, stores a PENDING session and hands it to a
// runner. It returns as soon as the session is stored.
func (e *WorkflowEngine) Start(ctx context.Context, req StartRequest) (string, error) {
	keyword := strings.TrimSpace(req.Keyword)
	if keyword == "" {
		return "", validationErrorf("keyword is required")
	}
	modeRaw := req.Mode
	if strings.TrimSpace(modeRaw) == "" {
		modeRaw = string(types.ModeSemiAuto)
	}
	mode, err := types.ParseMode(modeRaw)
	if err != nil {
		return "", validationErrorf("%v", err)
	}
	if req.TargetWordCount < 0 {
		return "", validationErrorf("target_word_count must not be negative")
	}
	useRealData := true
	if req.UseRealData != nil {
		useRealData = *req.UseRealData
	}

	id, err := e.newSessionID()
	if err != nil {
		return "", err
	}
	sess := types.NewSession(id, keyword, mode, types.Options{
		TargetAudience:  req.TargetAudience,
		ContentType:     req.ContentType,
		UseRealData:     useRealData,
		TargetWordCount: req.TargetWordCount,
	}, e.now())
	if err := e.storage.CreateSession(ctx, sess); err != nil {
		return "", fmt.Errorf("failed to create session: %w", err)
	}

	e.logger.Info("session started", "session_id", id, "keyword", keyword, "mode", string(mode))
	e.publishEvent(ctx, events.TypeStateChanged, id, map[string]interface{}{
		"status":        string(sess.Status),
		"current_stage": string(sess.CurrentStage),
		"progress":      sess.Progress,
	})
	e.runner.Spawn(id)
	return id, nil
}

// StatusView is the read-only snapshot returned by Status.
type StatusView struct {
	SessionID       string                 `json:"session_id"`
	Keyword         string                 `json:"keyword"`
	Mode            types.Mode             `json:"workflow_mode"`
	CurrentStep     types.Stage            `json:"current_step"`
	Status          types.Status           `json:"status"`
	Progress        int                    `json:"progress"`
	Options         types.Options          `json:"options"`
	StepResults     types.StageResults     `json:"step_results"`
	PendingApproval *types.PendingApproval `json:"pending_approval,omitempty"`
	Error           *types.SessionError    `json:"error,omitempty"`
	CreatedAt       int64                  `json:"created_at"`
	UpdatedAt       int64                  `json:"updated_at"`
}

func newStatusView(s types.Session) StatusView {
	return StatusView{
		SessionID:       s.ID,
		Keyword:         s.Keyword,
		Mode:            s.Mode,
		CurrentStep:     s.CurrentStage,
		Status:          s.Status,
		Progress:        s.Progress,
		Options:         s.Options,
		StepResults:     s.Results,
		PendingApproval: s.PendingApproval,
		Error:           s.Error,
		CreatedAt:       s.CreatedAt,
		UpdatedAt:       s.UpdatedAt,
	}
}

// Status returns the current snapshot of a session.
func (e *WorkflowEngine) Status(ctx context.Context, id string) (StatusView, error) {
	sess, err := e.storage.GetSession(ctx, id)
	if err != nil {
		return StatusView{}, translateStoreErr(err)
	}
	return newStatusView(sess), nil
}

// ResultsView is the output of Results.
type ResultsView struct {
	SessionID   string             `json:"session_id"`
	Keyword     string             `json:"keyword"`
	Status      types.Status       `json:"status"`
	StepResults types.StageResults `json:"step_results"`
	CompletedAt int64              `json:"completed_at,omitempty"`
}

// Results returns whatever stage results exist, partial for unfinished or
// failed sessions.
func (e *WorkflowEngine) Results(ctx context.Context, id string) (ResultsView, error) {
	sess, err := e.storage.GetSession(ctx, id)
	if err != nil {
		return ResultsView{}, translateStoreErr(err)
	}
	view := ResultsView{
		SessionID:   sess.ID,
		Keyword:     sess.Keyword,
		Status:      sess.Status,
		StepResults: sess.Results,
	}
	if sess.Status == types.StatusCompleted {
		view.CompletedAt = sess.UpdatedAt
	}
	return view, nil
}

// Approve applies a decision to a WAITING_APPROVAL session and resumes it.
func (e *WorkflowEngine) Approve(ctx context.Context, id string, d Decision) (types.Status, error) {
	if d.Stage != "" && !d.Stage.Valid() {
		return "", validationErrorf("unknown stage %q", d.Stage)
	}
	sess, err := e.gate.Decide(ctx, id, d)
	if err != nil {
		return "", err
	}
	e.logger.Info("approval applied", "session_id", id, "next_stage", string(sess.CurrentStage))
	if keys := sess.Results.Keys(); len(keys) > 0 {
		e.publishEvent(ctx, events.TypeStageCompleted, id, map[string]interface{}{
			"stage":    string(keys[len(keys)-1]),
			"progress": sess.Progress,
			"approved": true,
		})
	}
	e.publishEvent(ctx, events.TypeStateChanged, id, map[string]interface{}{
		"status":        string(sess.Status),
		"current_stage": string(sess.CurrentStage),
		"progress":      sess.Progress,
	})
	e.runner.Spawn(id)
	return sess.Status, nil
}

// ApproveHeadings approves the pending proposal, replacing the planning
// headings when headings is non-empty and applying dotted-path
// modifications on top.
func (e *WorkflowEngine) ApproveHeadings(ctx context.Context, id string, headings []types.Heading, modifications map[string]interface{}) (types.Status, error) {
	d := Decision{Modifications: modifications}
	if len(headings) > 0 {
		d.Stage = types.StagePlanning
		d.ApprovedData = map[string]interface{}{"headings": headings}
	}
	return e.Approve(ctx, id, d)
}

// Cancel moves a live session to CANCELLED and asks its runner to stop
// before the next attempt. A capability call already in flight finishes
// and its result is discarded.
func (e *WorkflowEngine) Cancel(ctx context.Context, id string) (types.Status, error) {
	sess, err := e.storage.UpdateSession(ctx, id, func(s *types.Session) error {
		if s.Status.Terminal() {
			return invalidStateErrorf("session %s is already %s", s.ID, s.Status)
		}
		s.Status = types.StatusCancelled
		s.PendingApproval = nil
		return nil
	})
	if err != nil {
		return "", translateStoreErr(err)
	}
	e.runner.Interrupt(id)
	e.logger.Info("session cancelled", "session_id", id, "stage", string(sess.CurrentStage))
	e.publishEvent(ctx, events.TypeStateChanged, id, map[string]interface{}{
		"status":        string(sess.Status),
		"current_stage": string(sess.CurrentStage),
		"progress":      sess.Progress,
	})
	return sess.Status, nil
}

// List returns session summaries, newest first.
func (e *WorkflowEngine) List(ctx context.Context, filter types.SessionFilter) ([]types.SessionSummary, error) {
	if filter.Status != "" {
		if err := types.ValidateStatus(filter.Status); err != nil {
			return nil, validationErrorf("%v", err)
		}
	}
	if filter.Limit < 0 {
		return nil, validationErrorf("limit must not be negative")
	}
	return e.storage.ListSessions(ctx, filter)
}

// Recover spawns runners for sessions left PENDING or RUNNING by a previous
// process and returns how many were resumed.
func (e *WorkflowEngine) Recover(ctx context.Context) (int, error) {
	n := 0
	for _, status := range []types.Status{types.StatusPending, types.StatusRunning} {
		rows, err := e.storage.ListSessions(ctx, types.SessionFilter{Status: status})
		if err != nil {
			return n, fmt.Errorf("list %s sessions: %w", status, err)
		}
		for _, row := range rows {
			if e.runner.Spawn(row.ID) {
				n++
			}
		}
	}
	if n > 0 {
		e.logger.Info("recovered sessions", "count", n)
	}
	return n, nil
}

// SweepStale runs one supervisor pass immediately.
func (e *WorkflowEngine) SweepStale(ctx context.Context) (int, error) {
	return e.supervisor.Sweep(ctx)
}

// Wait blocks until no runner is active.
func (e *WorkflowEngine) Wait() {
	e.runner.Wait()
}

// Stop gracefully stops the workflow engine.
func (e *WorkflowEngine) Stop(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	e.supervisor.Stop()
	err := e.runner.Shutdown(ctx)
	if e.ownBus {
		e.eventBus.Stop()
	}
	return err
}

// Package api maps JSON-RPC methods onto escrow Program operations.
package api

import (
	"context"
	"encoding/json"
	"time"

	apperrors "github.com/vinayprograms/taskescrow/errors"
	"github.com/vinayprograms/taskescrow/escrow"
	"github.com/vinayprograms/taskescrow/logging"
	"github.com/vinayprograms/taskescrow/ratelimit"
	"github.com/vinayprograms/taskescrow/telemetry"
	"github.com/vinayprograms/taskescrow/transport"
)

// Handler implements transport.Handler for the escrow program.
type Handler struct {
	program *escrow.Program
	tracer  *telemetry.Tracer
	log     *logging.Logger
	limiter *ratelimit.Limiter
}

var _ transport.Handler = (*Handler)(nil)

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the request logger.
func WithLogger(l *logging.Logger) Option {
	return func(h *Handler) { h.log = l.WithComponent("api") }
}

// WithTracer sets the tracer used for RPC spans.
func WithTracer(t *telemetry.Tracer) Option {
	return func(h *Handler) { h.tracer = t }
}

// WithRateLimit throttles state-changing requests per caller. Reads are
// never throttled.
func WithRateLimit(l *ratelimit.Limiter) Option {
	return func(h *Handler) { h.limiter = l }
}

// NewHandler creates a Handler serving p.
func NewHandler(p *escrow.Program, opts ...Option) *Handler {
	h := &Handler{
		program: p,
		tracer:  telemetry.GetTracer(),
		log:     logging.Discard(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Handle dispatches one request.
func (h *Handler) Handle(ctx context.Context, method string, params json.RawMessage) (result interface{}, err error) {
	var env envelope
	if len(params) > 0 {
		// Malformed params are reported by the method decoder.
		_ = json.Unmarshal(params, &env)
	}
	if len(env.Trace) > 0 {
		ctx = telemetry.ExtractContext(ctx, env.Trace)
	}

	ctx, span := h.tracer.StartRPCSpan(ctx, method)
	log := h.log.WithTraceID(transport.RequestID(ctx))
	start := time.Now()
	defer func() {
		h.tracer.EndRPCSpan(span, err)
		fields := map[string]interface{}{
			"method":   method,
			"duration": time.Since(start).Round(time.Microsecond).String(),
		}
		if err != nil {
			fields["error"] = transport.ToError(err).Code
		}
		log.Debug("handled", fields)
	}()

	switch method {
	case MethodInitialize:
		return h.initialize(ctx, params)
	case MethodDeposit:
		return h.deposit(ctx, params)
	case MethodCreateTask:
		return h.createTask(ctx, params)
	case MethodClaimTask:
		return h.claimTask(ctx, params)
	case MethodVerifyCheckpoint:
		return h.verifyCheckpoint(ctx, params)
	case MethodCompleteAndRelease:
		return h.completeAndRelease(ctx, params)
	case MethodCancelAndRefund:
		return h.cancelAndRefund(ctx, params)
	case MethodGetConfig:
		return h.program.Config(ctx)
	case MethodGetTask:
		return h.getTask(ctx, params)
	case MethodListTasks:
		return h.listTasks(ctx, params)
	case MethodBalance:
		return h.balance(ctx, params)
	default:
		return nil, transport.NewMethodNotFound(method)
	}
}

func (h *Handler) initialize(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p InitializeParams
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	if p.Caller == nil {
		return nil, missing("caller")
	}
	if err := h.admit(*p.Caller); err != nil {
		return nil, err
	}
	return h.program.Initialize(ctx, *p.Caller, p.FeeBps)
}

func (h *Handler) deposit(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p DepositParams
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	if p.Caller == nil {
		return nil, missing("caller")
	}
	if err := h.admit(*p.Caller); err != nil {
		return nil, err
	}
	if p.Account == nil {
		return nil, missing("account")
	}
	bal, err := h.program.Deposit(ctx, *p.Caller, *p.Account, p.Amount)
	if err != nil {
		return nil, err
	}
	return &BalanceResult{Account: *p.Account, Balance: bal}, nil
}

func (h *Handler) createTask(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p CreateTaskParams
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	if p.Caller == nil {
		return nil, missing("caller")
	}
	if err := h.admit(*p.Caller); err != nil {
		return nil, err
	}
	if p.TaskID == nil {
		return nil, missing("task_id")
	}
	return h.program.CreateTask(ctx, *p.Caller, *p.TaskID, p.CheckpointCount, p.EscrowAmount)
}

func (h *Handler) claimTask(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p TaskParams
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	if p.Caller == nil {
		return nil, missing("caller")
	}
	if err := h.admit(*p.Caller); err != nil {
		return nil, err
	}
	if p.TaskID == nil {
		return nil, missing("task_id")
	}
	return h.program.ClaimTask(ctx, *p.Caller, *p.TaskID)
}

func (h *Handler) verifyCheckpoint(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p VerifyCheckpointParams
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	if p.Caller == nil {
		return nil, missing("caller")
	}
	if err := h.admit(*p.Caller); err != nil {
		return nil, err
	}
	if p.TaskID == nil {
		return nil, missing("task_id")
	}
	if p.Index == nil {
		return nil, missing("checkpoint_index")
	}
	return h.program.VerifyCheckpoint(ctx, *p.Caller, *p.TaskID, *p.Index)
}

func (h *Handler) completeAndRelease(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p CompleteParams
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	if p.Caller == nil {
		return nil, missing("caller")
	}
	if err := h.admit(*p.Caller); err != nil {
		return nil, err
	}
	if p.TaskID == nil {
		return nil, missing("task_id")
	}
	if p.Recipient == nil {
		return nil, missing("recipient")
	}
	var hash escrow.Digest
	switch {
	case p.VerificationHash != nil && p.Evidence != nil:
		return nil, transport.NewInvalidParams("verification_hash and evidence are mutually exclusive")
	case p.VerificationHash != nil:
		hash = *p.VerificationHash
	case p.Evidence != nil:
		hash = escrow.HashEvidence([]byte(*p.Evidence))
	default:
		return nil, missing("verification_hash")
	}
	return h.program.CompleteAndRelease(ctx, *p.Caller, *p.TaskID, *p.Recipient, hash)
}

func (h *Handler) cancelAndRefund(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p CancelParams
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	if p.Caller == nil {
		return nil, missing("caller")
	}
	if err := h.admit(*p.Caller); err != nil {
		return nil, err
	}
	if p.TaskID == nil {
		return nil, missing("task_id")
	}
	if p.Recipient == nil {
		return nil, missing("recipient")
	}
	return h.program.CancelAndRefund(ctx, *p.Caller, *p.TaskID, *p.Recipient)
}

func (h *Handler) getTask(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p GetTaskParams
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	if p.TaskID == nil {
		return nil, missing("task_id")
	}
	return h.program.Task(ctx, *p.TaskID)
}

func (h *Handler) listTasks(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p ListTasksParams
	if len(raw) > 0 {
		if err := decode(raw, &p); err != nil {
			return nil, err
		}
	}
	tasks, err := h.program.Tasks(ctx, p.Statuses...)
	if err != nil {
		return nil, err
	}
	if tasks == nil {
		tasks = []*escrow.Task{}
	}
	return &ListTasksResult{Tasks: tasks}, nil
}

func (h *Handler) balance(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p BalanceParams
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	if p.Account == nil {
		return nil, missing("account")
	}
	bal, err := h.program.Balance(ctx, *p.Account)
	if err != nil {
		return nil, err
	}
	return &BalanceResult{Account: *p.Account, Balance: bal}, nil
}

func (h *Handler) admit(caller escrow.Identity) error {
	if h.limiter.Allow(caller.String()) {
		return nil
	}
	h.log.Warn("rate limited", map[string]interface{}{"caller": caller.Short()})
	return apperrors.New(apperrors.ErrCodeRateLimited, "rate limit exceeded",
		apperrors.WithMetadata("caller", caller.String()))
}

func decode(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return transport.NewInvalidParams("params are required")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return transport.NewInvalidParams("%v", err)
	}
	return nil
}

func missing(field string) error {
	return transport.NewInvalidParams("%s is required", field)
}

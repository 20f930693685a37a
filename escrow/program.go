package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/vinayprograms/taskescrow/bus"
	apperrors "github.com/vinayprograms/taskescrow/errors"
	"github.com/vinayprograms/taskescrow/logging"
	"github.com/vinayprograms/taskescrow/state"
	"github.com/vinayprograms/taskescrow/telemetry"
)

// Defaults for Program options.
const (
	DefaultMaxAttempts   = 8
	DefaultSubjectPrefix = "escrow"
)

// Clock supplies the current time for record timestamps.
type Clock func() time.Time

// Option configures a Program.
type Option func(*Program)

// WithBus publishes lifecycle events to b.
func WithBus(b bus.MessageBus) Option {
	return func(p *Program) { p.bus = b }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(p *Program) { p.log = l.WithComponent("escrow") }
}

// WithTracer sets the tracer used for operation spans.
func WithTracer(t *telemetry.Tracer) Option {
	return func(p *Program) { p.tracer = t }
}

// WithClock overrides the wall clock.
func WithClock(c Clock) Option {
	return func(p *Program) { p.clock = c }
}

// WithMaxAttempts bounds how many times a conflicting commit is re-evaluated.
func WithMaxAttempts(n int) Option {
	return func(p *Program) {
		if n > 0 {
			p.maxAttempts = n
		}
	}
}

// WithSubjectPrefix sets the first subject token of published events.
func WithSubjectPrefix(prefix string) Option {
	return func(p *Program) {
		if prefix != "" {
			p.subjectPrefix = prefix
		}
	}
}

// Program executes escrow operations against a state store. It holds no
// task state of its own and is safe for concurrent use.
type Program struct {
	store         state.StateStore
	bus           bus.MessageBus
	log           *logging.Logger
	tracer        *telemetry.Tracer
	clock         Clock
	maxAttempts   int
	subjectPrefix string
}

// NewProgram creates a Program over store.
func NewProgram(store state.StateStore, opts ...Option) *Program {
	p := &Program{
		store:         store,
		log:           logging.Discard(),
		tracer:        telemetry.GetTracer(),
		clock:         time.Now,
		maxAttempts:   DefaultMaxAttempts,
		subjectPrefix: DefaultSubjectPrefix,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Initialize creates the configuration with caller as authority. It
// succeeds once per store.
func (p *Program) Initialize(ctx context.Context, caller Identity, feeBps uint16) (*Config, error) {
	var cfg Config
	err := p.run(ctx, "initialize", "", caller, func(tx *txn) error {
		found, err := tx.load(ConfigKey, &cfg)
		if err != nil {
			return err
		}
		if found {
			return apperrors.FromCode(apperrors.ErrCodeAlreadyInitialized)
		}
		cfg = Config{Authority: caller, FeeBps: feeBps}
		return tx.put(ConfigKey, &cfg)
	})
	if err != nil {
		return nil, err
	}
	p.log.Info("initialized", map[string]interface{}{
		"authority": caller.String(),
		"fee_bps":   feeBps,
	})
	return &cfg, nil
}

// Deposit credits account with amount. Only the authority may mint funds.
func (p *Program) Deposit(ctx context.Context, caller, account Identity, amount uint64) (uint64, error) {
	var acct Account
	err := p.run(ctx, "deposit", "", caller, func(tx *txn) error {
		if amount == 0 {
			return apperrors.New(apperrors.ErrCodeInvalidInput, "deposit amount must be positive")
		}
		cfg, err := loadConfig(tx)
		if err != nil {
			return err
		}
		if err := RequireAuthority(cfg, caller); err != nil {
			return err
		}
		if acct, err = loadAccount(tx, account); err != nil {
			return err
		}
		if err := acct.Credit(amount); err != nil {
			return err
		}
		return tx.put(AccountKey(account), &acct)
	})
	if err != nil {
		return 0, err
	}
	p.log.Info("deposit", map[string]interface{}{
		"account": account.String(),
		"amount":  amount,
		"balance": acct.Balance,
	})
	return acct.Balance, nil
}

// CreateTask moves amount from the caller's balance into custody and opens
// a task with checkpointCount checkpoints.
func (p *Program) CreateTask(ctx context.Context, caller Identity, taskID string, checkpointCount int, amount uint64) (*Task, error) {
	var task *Task
	err := p.run(ctx, "create_task", taskID, caller, func(tx *txn) error {
		if len(taskID) > MaxTaskIDLen {
			return apperrors.New(apperrors.ErrCodeTaskIDTooLong,
				fmt.Sprintf("task id is %d bytes, limit %d", len(taskID), MaxTaskIDLen))
		}
		if amount == 0 {
			return apperrors.FromCode(apperrors.ErrCodeZeroEscrow, apperrors.WithTaskID(taskID))
		}
		if checkpointCount < 1 || checkpointCount > MaxCheckpoints {
			return apperrors.New(apperrors.ErrCodeCheckpointOutOfBounds,
				fmt.Sprintf("checkpoint count %d outside [1,%d]", checkpointCount, MaxCheckpoints),
				apperrors.WithTaskID(taskID))
		}

		cfg, err := loadConfig(tx)
		if err != nil {
			return err
		}
		var existing Task
		found, err := tx.load(TaskKey(taskID), &existing)
		if err != nil {
			return err
		}
		if found {
			return apperrors.FromCode(apperrors.ErrCodeTaskExists, apperrors.WithTaskID(taskID))
		}
		var tomb Tombstone
		tombstoned, err := tx.load(TombstoneKey(taskID), &tomb)
		if err != nil {
			return err
		}

		agent, err := loadAccount(tx, caller)
		if err != nil {
			return err
		}
		if err := agent.Debit(amount); err != nil {
			return apperrors.Wrap(err, "fund escrow", apperrors.WithTaskID(taskID))
		}
		if cfg.TaskCount, err = checkedIncrement(cfg.TaskCount); err != nil {
			return err
		}

		task = &Task{
			TaskID:          taskID,
			Agent:           caller,
			EscrowAmount:    amount,
			Status:          StatusOpen,
			CheckpointCount: uint8(checkpointCount),
			CreatedAt:       p.clock().Unix(),
		}
		if err := tx.put(TaskKey(taskID), task); err != nil {
			return err
		}
		if err := tx.put(ConfigKey, cfg); err != nil {
			return err
		}
		if tombstoned {
			if err := tx.del(TombstoneKey(taskID)); err != nil {
				return err
			}
		}
		return tx.put(AccountKey(caller), &agent)
	})
	if err != nil {
		return nil, err
	}

	p.log.TaskCreated(taskID, caller.String(), checkpointCount, amount)
	e := newEvent(EventCreated, taskID, caller, task.CreatedAt)
	e.Amount = amount
	p.publish(ctx, e)
	return task, nil
}

// ClaimTask assigns an open task to the caller.
func (p *Program) ClaimTask(ctx context.Context, caller Identity, taskID string) (*Task, error) {
	var task *Task
	err := p.run(ctx, "claim_task", taskID, caller, func(tx *txn) error {
		var err error
		if task, err = loadTask(tx, taskID); err != nil {
			return err
		}
		if task.Status == StatusClaimed {
			return apperrors.FromCode(apperrors.ErrCodeAlreadyClaimed, apperrors.WithTaskID(taskID))
		}
		if task.Status != StatusOpen {
			return invalidStatus(task, StatusOpen)
		}
		if task.Claimed() {
			return apperrors.FromCode(apperrors.ErrCodeAlreadyClaimed, apperrors.WithTaskID(taskID))
		}
		human := caller
		task.Human = &human
		task.Status = StatusClaimed
		return tx.put(TaskKey(taskID), task)
	})
	if err != nil {
		return nil, err
	}

	p.log.TaskClaimed(taskID, caller.String())
	p.publish(ctx, newEvent(EventClaimed, taskID, caller, p.clock().Unix()))
	return task, nil
}

// VerifyCheckpoint records the authority's attestation of checkpoint index.
func (p *Program) VerifyCheckpoint(ctx context.Context, caller Identity, taskID string, index int) (*Task, error) {
	var task *Task
	err := p.run(ctx, "verify_checkpoint", taskID, caller, func(tx *txn) error {
		cfg, err := loadConfig(tx)
		if err != nil {
			return err
		}
		if err := RequireAuthority(cfg, caller); err != nil {
			return err
		}
		if task, err = loadTask(tx, taskID); err != nil {
			return err
		}
		if task.Status != StatusClaimed {
			return invalidStatus(task, StatusClaimed)
		}
		if err := task.markVerified(index); err != nil {
			return err
		}
		return tx.put(TaskKey(taskID), task)
	})
	if err != nil {
		return nil, err
	}

	p.log.CheckpointVerified(taskID, index, int(task.CheckpointsVerified), int(task.CheckpointCount))
	e := newEvent(EventCheckpointVerified, taskID, caller, p.clock().Unix())
	idx := index
	e.CheckpointIndex = &idx
	e.Verified = task.CheckpointsVerified
	p.publish(ctx, e)
	return task, nil
}

// CompleteAndRelease pays the full escrow to recipient, which must be the
// claiming human, once every checkpoint is verified.
func (p *Program) CompleteAndRelease(ctx context.Context, caller Identity, taskID string, recipient Identity, hash Digest) (*Task, error) {
	var (
		task     *Task
		released uint64
	)
	err := p.run(ctx, "complete_and_release", taskID, caller, func(tx *txn) error {
		cfg, err := loadConfig(tx)
		if err != nil {
			return err
		}
		if err := RequireAuthority(cfg, caller); err != nil {
			return err
		}
		if task, err = loadTask(tx, taskID); err != nil {
			return err
		}
		if task.Status != StatusClaimed {
			return invalidStatus(task, StatusClaimed)
		}
		if task.CheckpointsVerified < task.CheckpointCount {
			return apperrors.New(apperrors.ErrCodeIncompleteCheckpoints,
				fmt.Sprintf("%d of %d checkpoints verified", task.CheckpointsVerified, task.CheckpointCount),
				apperrors.WithTaskID(taskID))
		}
		if err := RequireReleaseRecipient(task, recipient); err != nil {
			return err
		}

		human, err := loadAccount(tx, recipient)
		if err != nil {
			return err
		}
		released = task.EscrowAmount
		if err := human.Credit(released); err != nil {
			return err
		}
		task.Status = StatusCompleted
		task.VerificationHash = hash
		task.CompletedAt = p.clock().Unix()
		task.EscrowAmount = 0

		if err := tx.put(TaskKey(taskID), task); err != nil {
			return err
		}
		return tx.put(AccountKey(recipient), &human)
	})
	if err != nil {
		return nil, err
	}

	p.log.TaskCompleted(taskID, recipient.String(), released)
	e := newEvent(EventCompleted, taskID, caller, task.CompletedAt)
	e.Amount = released
	p.publish(ctx, e)
	return task, nil
}

// CancelAndRefund destroys an open or claimed task and refunds its escrow to
// recipient, which must be the task's agent. The authority or the agent may
// cancel.
func (p *Program) CancelAndRefund(ctx context.Context, caller Identity, taskID string, recipient Identity) (*Tombstone, error) {
	var tomb *Tombstone
	err := p.run(ctx, "cancel_and_refund", taskID, caller, func(tx *txn) error {
		cfg, err := loadConfig(tx)
		if err != nil {
			return err
		}
		task, err := loadTask(tx, taskID)
		if err != nil {
			return err
		}
		if err := RequireRefundRecipient(task, recipient); err != nil {
			return err
		}
		if err := RequireCanceller(cfg, task, caller); err != nil {
			return err
		}
		if task.Status != StatusOpen && task.Status != StatusClaimed {
			return invalidStatus(task, StatusOpen, StatusClaimed)
		}

		agent, err := loadAccount(tx, recipient)
		if err != nil {
			return err
		}
		if err := agent.Credit(task.EscrowAmount); err != nil {
			return err
		}
		var prior Tombstone
		if _, err := tx.load(TombstoneKey(taskID), &prior); err != nil {
			return err
		}
		tomb = &Tombstone{
			TaskID:      taskID,
			Agent:       task.Agent,
			CancelledBy: caller,
			Refund:      task.EscrowAmount,
			CancelledAt: p.clock().Unix(),
		}

		if err := tx.del(TaskKey(taskID)); err != nil {
			return err
		}
		if err := tx.put(TombstoneKey(taskID), tomb); err != nil {
			return err
		}
		return tx.put(AccountKey(recipient), &agent)
	})
	if err != nil {
		return nil, err
	}

	p.log.TaskCancelled(taskID, caller.String(), tomb.Refund)
	e := newEvent(EventCancelled, taskID, caller, tomb.CancelledAt)
	e.Amount = tomb.Refund
	p.publish(ctx, e)
	return tomb, nil
}

// Config returns the program configuration.
func (p *Program) Config(ctx context.Context) (*Config, error) {
	return loadConfig(newTxn(ctx, p.store))
}

// Task returns the live record for taskID. Cancelled tasks are not found.
func (p *Program) Task(ctx context.Context, taskID string) (*Task, error) {
	var t Task
	found, err := newTxn(ctx, p.store).load(TaskKey(taskID), &t)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, apperrors.FromCode(apperrors.ErrCodeTaskNotFound, apperrors.WithTaskID(taskID))
	}
	if err := checkRecord(&t, taskID); err != nil {
		return nil, err
	}
	return &t, nil
}

// Tasks lists live tasks, oldest first, optionally restricted to statuses.
func (p *Program) Tasks(ctx context.Context, statuses ...Status) ([]*Task, error) {
	keys, err := p.store.Keys(ctx, TaskKeyPrefix+"*")
	if err != nil {
		return nil, storageError(err, "list tasks")
	}

	tx := newTxn(ctx, p.store)
	tasks := make([]*Task, 0, len(keys))
	for _, key := range keys {
		var t Task
		found, err := tx.load(key, &t)
		if err != nil {
			return nil, err
		}
		if !found {
			continue // cancelled since listing
		}
		if len(statuses) > 0 && !containsStatus(statuses, t.Status) {
			continue
		}
		tasks = append(tasks, &t)
	}
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].CreatedAt != tasks[j].CreatedAt {
			return tasks[i].CreatedAt < tasks[j].CreatedAt
		}
		return tasks[i].TaskID < tasks[j].TaskID
	})
	return tasks, nil
}

// Balance returns the spendable balance of id.
func (p *Program) Balance(ctx context.Context, id Identity) (uint64, error) {
	acct, err := loadAccount(newTxn(ctx, p.store), id)
	return acct.Balance, err
}

// Custody returns the total value held across live tasks.
func (p *Program) Custody(ctx context.Context) (uint64, error) {
	tasks, err := p.Tasks(ctx)
	if err != nil {
		return 0, err
	}
	total := Account{}
	for _, t := range tasks {
		if err := total.Credit(t.EscrowAmount); err != nil {
			return 0, err
		}
	}
	return total.Balance, nil
}

// run executes fn inside the optimistic commit loop with a span around it,
// logging any rejection.
func (p *Program) run(ctx context.Context, op, taskID string, caller Identity, fn func(tx *txn) error) error {
	ctx, span := p.tracer.StartOpSpan(ctx, op)
	attempts, err := p.commit(ctx, op, fn)

	opts := telemetry.OpSpanOptions{TaskID: taskID, Caller: caller.String(), Attempts: attempts}
	if err != nil {
		opts.Code = apperrors.Code(err).String()
		p.log.OperationRejected(op, taskID, opts.Code, err.Error())
	}
	p.tracer.EndOpSpan(span, opts, err)
	return err
}

func (p *Program) commit(ctx context.Context, op string, fn func(tx *txn) error) (int, error) {
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempt - 1, apperrors.Wrap(err, op+" canceled")
		}

		tx := newTxn(ctx, p.store)
		if err := fn(tx); err != nil {
			return attempt, err
		}
		if len(tx.ops) == 0 {
			return attempt, nil
		}

		err := p.store.Commit(ctx, tx.ops...)
		if err == nil {
			return attempt, nil
		}
		var conflict *state.ConflictError
		if errors.As(err, &conflict) {
			p.log.CommitConflict(op, conflict.Key, attempt)
			continue
		}
		return attempt, storageError(err, op+" commit")
	}
	return p.maxAttempts, apperrors.New(apperrors.ErrCodeConflict,
		fmt.Sprintf("%s lost %d consecutive commit races", op, p.maxAttempts))
}

func (p *Program) publish(ctx context.Context, e Event) {
	if p.bus == nil {
		return
	}
	carrier := telemetry.MapCarrier{}
	telemetry.InjectContext(ctx, carrier)
	if len(carrier) > 0 {
		e.Trace = carrier
	}
	data, err := json.Marshal(e)
	if err == nil {
		err = p.bus.PublishMessage(&bus.Message{Subject: e.Subject(p.subjectPrefix), ID: e.ID, Data: data})
	}
	if err != nil {
		p.log.Warn("event_publish_failed", map[string]interface{}{
			"kind":  string(e.Kind),
			"task":  e.TaskID,
			"error": err.Error(),
		})
	}
}

func loadConfig(tx *txn) (*Config, error) {
	var cfg Config
	found, err := tx.load(ConfigKey, &cfg)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, apperrors.FromCode(apperrors.ErrCodeNotInitialized)
	}
	return &cfg, nil
}

// loadTask reads a live task. A cancelled identifier reports
// INVALID_TASK_STATUS rather than TASK_NOT_FOUND.
func loadTask(tx *txn, taskID string) (*Task, error) {
	var t Task
	found, err := tx.load(TaskKey(taskID), &t)
	if err != nil {
		return nil, err
	}
	if !found {
		var tomb Tombstone
		cancelled, err := tx.load(TombstoneKey(taskID), &tomb)
		if err != nil {
			return nil, err
		}
		if cancelled {
			return nil, apperrors.New(apperrors.ErrCodeInvalidTaskStatus, "task is cancelled",
				apperrors.WithTaskID(taskID),
				apperrors.WithMetadata("status", StatusCancelled.String()))
		}
		return nil, apperrors.FromCode(apperrors.ErrCodeTaskNotFound, apperrors.WithTaskID(taskID))
	}
	if err := checkRecord(&t, taskID); err != nil {
		return nil, err
	}
	return &t, nil
}

func checkRecord(t *Task, taskID string) error {
	if t.TaskID != taskID {
		return apperrors.New(apperrors.ErrCodeCorruption,
			fmt.Sprintf("record at %s belongs to %q", TaskKey(taskID), t.TaskID),
			apperrors.WithTaskID(taskID))
	}
	return t.Validate()
}

func loadAccount(tx *txn, id Identity) (Account, error) {
	acct := Account{Owner: id}
	if _, err := tx.load(AccountKey(id), &acct); err != nil {
		return Account{}, err
	}
	acct.Owner = id
	return acct, nil
}

func invalidStatus(t *Task, want ...Status) error {
	names := make([]string, len(want))
	for i, s := range want {
		names[i] = s.String()
	}
	return apperrors.New(apperrors.ErrCodeInvalidTaskStatus,
		fmt.Sprintf("task is %s, want %v", t.Status, names),
		apperrors.WithTaskID(t.TaskID),
		apperrors.WithMetadata("status", t.Status.String()))
}

func containsStatus(list []Status, s Status) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

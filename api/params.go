package api

import (
	"github.com/vinayprograms/taskescrow/escrow"
	"github.com/vinayprograms/taskescrow/telemetry"
)

// Method names served by Handler.
const (
	MethodInitialize         = "escrow.initialize"
	MethodDeposit            = "escrow.deposit"
	MethodCreateTask         = "escrow.createTask"
	MethodClaimTask          = "escrow.claimTask"
	MethodVerifyCheckpoint   = "escrow.verifyCheckpoint"
	MethodCompleteAndRelease = "escrow.completeAndRelease"
	MethodCancelAndRefund    = "escrow.cancelAndRefund"
	MethodGetConfig          = "escrow.getConfig"
	MethodGetTask            = "escrow.getTask"
	MethodListTasks          = "escrow.listTasks"
	MethodBalance            = "escrow.balance"
)

// envelope holds fields common to every request. Trace carries W3C trace
// context from the caller, if any.
type envelope struct {
	Trace telemetry.MapCarrier `json:"trace,omitempty"`
}

// InitializeParams are the params of escrow.initialize.
type InitializeParams struct {
	Caller *escrow.Identity `json:"caller"`
	FeeBps uint16           `json:"fee_bps"`
}

// DepositParams are the params of escrow.deposit.
type DepositParams struct {
	Caller  *escrow.Identity `json:"caller"`
	Account *escrow.Identity `json:"account"`
	Amount  uint64           `json:"amount"`
}

// CreateTaskParams are the params of escrow.createTask.
type CreateTaskParams struct {
	Caller          *escrow.Identity `json:"caller"`
	TaskID          *string          `json:"task_id"`
	CheckpointCount int              `json:"checkpoint_count"`
	EscrowAmount    uint64           `json:"escrow_amount"`
}

// TaskParams identify a task on behalf of a caller (escrow.claimTask).
type TaskParams struct {
	Caller *escrow.Identity `json:"caller"`
	TaskID *string          `json:"task_id"`
}

// VerifyCheckpointParams are the params of escrow.verifyCheckpoint.
type VerifyCheckpointParams struct {
	Caller *escrow.Identity `json:"caller"`
	TaskID *string          `json:"task_id"`
	Index  *int             `json:"checkpoint_index"`
}

// CompleteParams are the params of escrow.completeAndRelease. Either
// VerificationHash or Evidence is given; Evidence is hashed with SHA-256.
type CompleteParams struct {
	Caller           *escrow.Identity `json:"caller"`
	TaskID           *string          `json:"task_id"`
	Recipient        *escrow.Identity `json:"recipient"`
	VerificationHash *escrow.Digest   `json:"verification_hash,omitempty"`
	Evidence         *string          `json:"evidence,omitempty"`
}

// CancelParams are the params of escrow.cancelAndRefund.
type CancelParams struct {
	Caller    *escrow.Identity `json:"caller"`
	TaskID    *string          `json:"task_id"`
	Recipient *escrow.Identity `json:"recipient"`
}

// GetTaskParams are the params of escrow.getTask.
type GetTaskParams struct {
	TaskID *string `json:"task_id"`
}

// ListTasksParams are the params of escrow.listTasks. An empty Statuses
// lists every live task.
type ListTasksParams struct {
	Statuses []escrow.Status `json:"statuses,omitempty"`
}

// BalanceParams are the params of escrow.balance.
type BalanceParams struct {
	Account *escrow.Identity `json:"account"`
}

// BalanceResult is returned by escrow.balance and escrow.deposit.
type BalanceResult struct {
	Account escrow.Identity `json:"account"`
	Balance uint64          `json:"balance"`
}

// ListTasksResult is returned by escrow.listTasks.
type ListTasksResult struct {
	Tasks []*escrow.Task `json:"tasks"`
}

// Package escrow implements checkpointed task escrow.
//
// An agent funds a task by moving value into custody. A human claims the
// task and performs it through up to MaxCheckpoints discrete checkpoints.
// The authority attests each checkpoint, then either releases the custodied
// value to the human or, together with the agent, cancels the task and
// refunds the agent.
//
// # Lifecycle
//
//	        claim            complete (all checkpoints verified)
//	Open ───────────► Claimed ─────────────────────────────────► Completed
//	  │                  │
//	  │ cancel           │ cancel
//	  ▼                  ▼
//	Cancelled (record destroyed, value refunded)
//
// # Atomicity
//
// Every operation reads the records it needs with their revisions, checks
// its authorization and preconditions, and then commits every record change
// (task, config counter, ledger accounts) as one conditional state.Commit.
// A commit that loses a race is re-evaluated against the fresh records, so
// concurrent callers observe each other's effects and fail their
// preconditions deterministically. Value movement is never separate from the
// status change that authorizes it.
//
// # Usage
//
//	store := state.NewMemoryStore()
//	prog := escrow.NewProgram(store)
//
//	if _, err := prog.Initialize(ctx, authority, 0); err != nil {
//	    return err
//	}
//	if _, err := prog.Deposit(ctx, authority, agent, 5000); err != nil {
//	    return err
//	}
//	task, err := prog.CreateTask(ctx, agent, "task-wash-dishes", 3, 1000)
//	_, err = prog.ClaimTask(ctx, human, task.TaskID)
//	_, err = prog.VerifyCheckpoint(ctx, authority, task.TaskID, 0)
package escrow

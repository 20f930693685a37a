package escrow

import (
	"encoding/json"
	"strings"
	"testing"

	apperrors "github.com/vinayprograms/taskescrow/errors"
)

func id(b byte) Identity {
	var out Identity
	for i := range out {
		out[i] = b
	}
	return out
}

func requireCode(t *testing.T, err error, code apperrors.ErrorCode) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s, got nil", code)
	}
	if got := apperrors.Code(err); got != code {
		t.Fatalf("expected %s, got %s (%v)", code, got, err)
	}
}

// =============================================================================
// Identity and Digest
// =============================================================================

func TestIdentity_RoundTrip(t *testing.T) {
	a := id(0xab)
	parsed, err := ParseIdentity(a.String())
	if err != nil {
		t.Fatalf("ParseIdentity() error = %v", err)
	}
	if parsed != a {
		t.Errorf("expected %s, got %s", a, parsed)
	}
	if a.Short() != "abababab" {
		t.Errorf("expected short form abababab, got %s", a.Short())
	}
}

func TestIdentity_ParseErrors(t *testing.T) {
	for _, in := range []string{"", "abc", strings.Repeat("z", 64), strings.Repeat("a", 66)} {
		if _, err := ParseIdentity(in); err == nil {
			t.Errorf("ParseIdentity(%q) should fail", in)
		}
	}
}

func TestIdentity_JSON(t *testing.T) {
	type wrapper struct {
		Who Identity  `json:"who"`
		Opt *Identity `json:"opt,omitempty"`
	}
	zero := Identity{}
	data, err := json.Marshal(wrapper{Who: id(1), Opt: &zero})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var back wrapper
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if back.Who != id(1) {
		t.Errorf("expected %s, got %s", id(1), back.Who)
	}
	// A zero identity is a real identity, distinct from absence.
	if back.Opt == nil || *back.Opt != zero {
		t.Errorf("expected present zero identity, got %v", back.Opt)
	}
}

func TestHashEvidence(t *testing.T) {
	d := HashEvidence([]byte("abc"))
	want := "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	if d.String() != want {
		t.Errorf("expected %s, got %s", want, d)
	}
	if d.IsZero() {
		t.Error("digest should not be zero")
	}
	parsed, err := ParseDigest(want)
	if err != nil || parsed != d {
		t.Errorf("ParseDigest() = %v, %v", parsed, err)
	}
}

// =============================================================================
// CheckpointSet
// =============================================================================

func TestCheckpointSet(t *testing.T) {
	var s CheckpointSet
	if s.Count() != 0 || s.Has(0) {
		t.Fatal("empty set should have no members")
	}
	s = s.With(3).With(0).With(9)
	if s.Count() != 3 {
		t.Errorf("expected count 3, got %d", s.Count())
	}
	for _, i := range []int{0, 3, 9} {
		if !s.Has(i) {
			t.Errorf("expected %d in set", i)
		}
	}
	if s.Has(-1) || s.Has(16) || s.Has(1) {
		t.Error("unexpected member")
	}
	if got := s.Indices(); len(got) != 3 || got[0] != 0 || got[1] != 3 || got[2] != 9 {
		t.Errorf("unexpected indices %v", got)
	}
	if !s.Within(10) || s.Within(9) {
		t.Error("Within should bound by highest index")
	}
	// Adding an existing member is idempotent.
	if s.With(3) != s {
		t.Error("With should be idempotent")
	}
}

// =============================================================================
// Status
// =============================================================================

func TestStatus_Text(t *testing.T) {
	for _, s := range []Status{StatusOpen, StatusClaimed, StatusCompleted, StatusCancelled} {
		text, err := s.MarshalText()
		if err != nil {
			t.Fatalf("MarshalText(%d) error = %v", s, err)
		}
		var back Status
		if err := back.UnmarshalText(text); err != nil || back != s {
			t.Errorf("round trip of %s gave %s, %v", s, back, err)
		}
	}
	if _, err := Status(9).MarshalText(); err == nil {
		t.Error("expected error for unknown status")
	}
	if _, err := ParseStatus("pending"); err == nil {
		t.Error("expected error for unknown name")
	}
}

func TestCanTransition(t *testing.T) {
	all := []Status{StatusOpen, StatusClaimed, StatusCompleted, StatusCancelled}
	allowed := map[[2]Status]bool{
		{StatusOpen, StatusClaimed}:      true,
		{StatusOpen, StatusCancelled}:    true,
		{StatusClaimed, StatusCompleted}: true,
		{StatusClaimed, StatusCancelled}: true,
	}
	for _, from := range all {
		for _, to := range all {
			if got := CanTransition(from, to); got != allowed[[2]Status{from, to}] {
				t.Errorf("CanTransition(%s, %s) = %v", from, to, got)
			}
		}
		if from.IsTerminal() != (from == StatusCompleted || from == StatusCancelled) {
			t.Errorf("IsTerminal(%s) wrong", from)
		}
	}
}

// =============================================================================
// Task
// =============================================================================

func validTask() *Task {
	return &Task{
		TaskID:          "t1",
		Agent:           id(1),
		EscrowAmount:    100,
		Status:          StatusOpen,
		CheckpointCount: 3,
	}
}

func TestTask_MarkVerified(t *testing.T) {
	task := validTask()

	for _, i := range []int{2, 0} {
		if err := task.markVerified(i); err != nil {
			t.Fatalf("markVerified(%d) error = %v", i, err)
		}
	}
	if task.CheckpointsVerified != 2 || task.VerifiedBitmap.Count() != 2 {
		t.Errorf("expected 2 verified, got %d / %016b", task.CheckpointsVerified, task.VerifiedBitmap)
	}
	requireCode(t, task.markVerified(2), apperrors.ErrCodeCheckpointAlreadyVerified)
	requireCode(t, task.markVerified(3), apperrors.ErrCodeCheckpointOutOfBounds)
	requireCode(t, task.markVerified(-1), apperrors.ErrCodeCheckpointOutOfBounds)
	if task.CheckpointsVerified != 2 {
		t.Error("rejected marks must not change the counter")
	}
}

func TestTask_MarkVerifiedCounterWidth(t *testing.T) {
	task := validTask()
	task.CheckpointsVerified = 255
	requireCode(t, task.markVerified(0), apperrors.ErrCodeOverflow)
}

func TestTask_Validate(t *testing.T) {
	h := id(2)
	tests := []struct {
		name   string
		mutate func(*Task)
		ok     bool
	}{
		{"valid open", func(*Task) {}, true},
		{"valid claimed", func(t *Task) { t.Status = StatusClaimed; t.Human = &h }, true},
		{"valid completed", func(t *Task) {
			t.Status = StatusCompleted
			t.Human = &h
			t.EscrowAmount = 0
		}, true},
		{"long id", func(t *Task) { t.TaskID = strings.Repeat("x", 65) }, false},
		{"zero checkpoints", func(t *Task) { t.CheckpointCount = 0 }, false},
		{"eleven checkpoints", func(t *Task) { t.CheckpointCount = 11 }, false},
		{"counter exceeds count", func(t *Task) {
			t.CheckpointCount = 1
			t.CheckpointsVerified = 2
			t.VerifiedBitmap = 3
		}, false},
		{"popcount mismatch", func(t *Task) { t.CheckpointsVerified = 1 }, false},
		{"bit beyond count", func(t *Task) {
			t.VerifiedBitmap = 1 << 5
			t.CheckpointsVerified = 1
		}, false},
		{"open with human", func(t *Task) { t.Human = &h }, false},
		{"claimed without human", func(t *Task) { t.Status = StatusClaimed }, false},
		{"completed holding escrow", func(t *Task) { t.Status = StatusCompleted; t.Human = &h }, false},
		{"open without escrow", func(t *Task) { t.EscrowAmount = 0 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task := validTask()
			tt.mutate(task)
			err := task.Validate()
			if tt.ok && err != nil {
				t.Errorf("expected valid, got %v", err)
			}
			if !tt.ok {
				requireCode(t, err, apperrors.ErrCodeCorruption)
			}
		})
	}
}

func TestTask_Clone(t *testing.T) {
	h := id(2)
	task := validTask()
	task.Human = &h
	c := task.Clone()
	*c.Human = id(3)
	if *task.Human != h {
		t.Error("clone must not share the human pointer")
	}
}

// =============================================================================
// Authorization guard
// =============================================================================

func TestGuard(t *testing.T) {
	authority, agent, human, stranger := id(0xaa), id(1), id(2), id(3)
	cfg := &Config{Authority: authority}
	task := validTask()
	task.Agent = agent
	task.Status = StatusClaimed
	task.Human = &human

	if err := RequireAuthority(cfg, authority); err != nil {
		t.Errorf("authority rejected: %v", err)
	}
	requireCode(t, RequireAuthority(cfg, agent), apperrors.ErrCodeUnauthorizedAuthority)
	requireCode(t, RequireAuthority(nil, authority), apperrors.ErrCodeUnauthorizedAuthority)

	for _, who := range []Identity{authority, agent} {
		if err := RequireCanceller(cfg, task, who); err != nil {
			t.Errorf("canceller %s rejected: %v", who.Short(), err)
		}
	}
	requireCode(t, RequireCanceller(cfg, task, human), apperrors.ErrCodeUnauthorizedAuthority)
	requireCode(t, RequireCanceller(cfg, task, stranger), apperrors.ErrCodeUnauthorizedAuthority)

	if err := RequireRefundRecipient(task, agent); err != nil {
		t.Errorf("agent refund rejected: %v", err)
	}
	requireCode(t, RequireRefundRecipient(task, authority), apperrors.ErrCodeUnauthorizedAgent)

	if err := RequireReleaseRecipient(task, human); err != nil {
		t.Errorf("human release rejected: %v", err)
	}
	requireCode(t, RequireReleaseRecipient(task, agent), apperrors.ErrCodeNotClaimed)

	task.Human = nil
	requireCode(t, RequireReleaseRecipient(task, Identity{}), apperrors.ErrCodeNotClaimed)
}

func TestGuard_ZeroIdentityIsNotAbsence(t *testing.T) {
	zero := Identity{}
	task := validTask()
	task.Status = StatusClaimed
	task.Human = &zero

	if !IsHuman(task, zero) {
		t.Error("a zero-valued claimant is still a claimant")
	}
	task.Human = nil
	if IsHuman(task, zero) {
		t.Error("an unclaimed task has no claimant")
	}
}

// =============================================================================
// Keys and ledger
// =============================================================================

func TestKeys(t *testing.T) {
	k1 := TaskKey("t1")
	if !strings.HasPrefix(k1, TaskKeyPrefix) || len(k1) != len(TaskKeyPrefix)+64 {
		t.Errorf("unexpected task key %s", k1)
	}
	if TaskKey("t1") != k1 || TaskKey("t2") == k1 {
		t.Error("task keys must be deterministic and distinct")
	}
	if got := TaskKey("a.b c*"); strings.ContainsAny(got[len(TaskKeyPrefix):], ". *") {
		t.Errorf("task key leaks identifier bytes: %s", got)
	}
	if TombstoneKey("t1")[len(TombstoneKeyPrefix):] != k1[len(TaskKeyPrefix):] {
		t.Error("tombstone key should share the task hash")
	}
	if AccountKey(id(1)) != AccountKeyPrefix+id(1).String() {
		t.Errorf("unexpected account key %s", AccountKey(id(1)))
	}
}

func TestAccount_CreditDebit(t *testing.T) {
	a := Account{Owner: id(1)}
	if err := a.Credit(100); err != nil || a.Balance != 100 {
		t.Fatalf("Credit() = %v, balance %d", err, a.Balance)
	}
	requireCode(t, a.Debit(101), apperrors.ErrCodeInsufficientFunds)
	if a.Balance != 100 {
		t.Error("failed debit must not change balance")
	}
	if err := a.Debit(100); err != nil || a.Balance != 0 {
		t.Errorf("Debit() = %v, balance %d", err, a.Balance)
	}

	a.Balance = ^uint64(0)
	requireCode(t, a.Credit(1), apperrors.ErrCodeOverflow)
	if a.Balance != ^uint64(0) {
		t.Error("failed credit must not change balance")
	}
}

func TestCheckedIncrement(t *testing.T) {
	if n, err := checkedIncrement(41); err != nil || n != 42 {
		t.Errorf("checkedIncrement(41) = %d, %v", n, err)
	}
	_, err := checkedIncrement(^uint64(0))
	requireCode(t, err, apperrors.ErrCodeOverflow)
}

// =============================================================================
// Events
// =============================================================================

func TestEvent_SubjectAndJSON(t *testing.T) {
	e := newEvent(EventCheckpointVerified, "t1", id(0xaa), 1700000000)
	idx := 0
	e.CheckpointIndex = &idx
	e.Verified = 1

	if e.ID == "" {
		t.Error("expected event id")
	}
	if got := e.Subject("escrow"); got != "escrow.task.checkpoint_verified" {
		t.Errorf("unexpected subject %s", got)
	}

	data, _ := json.Marshal(e)
	back, err := DecodeEvent(data)
	if err != nil {
		t.Fatalf("DecodeEvent() error = %v", err)
	}
	if back.CheckpointIndex == nil || *back.CheckpointIndex != 0 {
		t.Errorf("checkpoint index 0 must survive encoding, got %v", back.CheckpointIndex)
	}
	if back.Actor != id(0xaa) || back.Kind != EventCheckpointVerified {
		t.Errorf("unexpected event %+v", back)
	}
}

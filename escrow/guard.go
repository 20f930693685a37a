package escrow

import (
	apperrors "github.com/vinayprograms/taskescrow/errors"
)

// IsAuthority reports whether id is the configured authority.
func IsAuthority(cfg *Config, id Identity) bool {
	return cfg != nil && cfg.Authority == id
}

// IsAgent reports whether id funded the task.
func IsAgent(t *Task, id Identity) bool {
	return t != nil && t.Agent == id
}

// IsHuman reports whether id claimed the task.
func IsHuman(t *Task, id Identity) bool {
	return t != nil && t.Human != nil && *t.Human == id
}

// RequireAuthority rejects callers other than the authority.
func RequireAuthority(cfg *Config, caller Identity) error {
	if !IsAuthority(cfg, caller) {
		return apperrors.New(apperrors.ErrCodeUnauthorizedAuthority, "caller is not the authority")
	}
	return nil
}

// RequireCanceller admits the authority or the task's agent.
func RequireCanceller(cfg *Config, t *Task, caller Identity) error {
	if IsAuthority(cfg, caller) || IsAgent(t, caller) {
		return nil
	}
	return apperrors.New(apperrors.ErrCodeUnauthorizedAuthority,
		"caller is neither the authority nor the task agent", apperrors.WithTaskID(t.TaskID))
}

// RequireRefundRecipient admits only the task's agent as refund target.
func RequireRefundRecipient(t *Task, recipient Identity) error {
	if !IsAgent(t, recipient) {
		return apperrors.New(apperrors.ErrCodeUnauthorizedAgent,
			"refund recipient is not the task agent", apperrors.WithTaskID(t.TaskID))
	}
	return nil
}

// RequireReleaseRecipient admits only the claiming human as release target.
func RequireReleaseRecipient(t *Task, recipient Identity) error {
	if !IsHuman(t, recipient) {
		return apperrors.New(apperrors.ErrCodeNotClaimed,
			"release recipient is not the claiming human", apperrors.WithTaskID(t.TaskID))
	}
	return nil
}

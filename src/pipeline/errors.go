package pipeline

import (
	"errors"
	"fmt"
)

// Pipeline stages, used to tag errors with where they occurred.
const (
	StageIntake    = "intake"
	StageNormalize = "normalize"
	StageGuard     = "guard"
	StageFusion    = "fusion"
	StageRegime    = "regime"
	StageSizing    = "sizing"
	StageRisk      = "risk"
	StageRouting   = "routing"
	StageLifecycle = "lifecycle"
	StageFeedback  = "feedback"
	StageAudit     = "audit"
)

// StageError wraps an error with the stage it happened in and whether the
// work can be retried. Transient errors count toward the kill switch's
// consecutive-error trigger; dropped work never retries.
type StageError struct {
	Stage     string
	Transient bool
	Err       error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// transient tags an error as retryable.
func transient(stage string, err error) error {
	if err == nil {
		return nil
	}
	return &StageError{Stage: stage, Transient: true, Err: err}
}

// permanent tags an error as terminal for this unit of work.
func permanent(stage string, err error) error {
	if err == nil {
		return nil
	}
	return &StageError{Stage: stage, Transient: false, Err: err}
}

// IsTransient reports whether err (anywhere in its chain) is a transient
// stage error.
func IsTransient(err error) bool {
	var se *StageError
	if errors.As(err, &se) {
		return se.Transient
	}
	return false
}

// StageOf returns the stage tag, or empty for untagged errors.
func StageOf(err error) string {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return ""
}

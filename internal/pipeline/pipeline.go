package pipeline

import (
	"context"
	"errors"
	"fmt"
)

// Observation is the successful result of one stage.
type Observation struct {
	Message     string
	ArtifactRef *string
}

// Stage is one unit of mission work. Execute either returns an
// observation or an error classified with Transient or Fatal.
type Stage interface {
	Name() string
	Kind() string
	Execute(ctx context.Context, mc *Context) (Observation, error)
}

// Context carries per-attempt execution state between stages. Values
// collected by one stage (the incident detail URL, the parsed alert) are
// read by later stages.
type Context struct {
	MissionID string
	Prompt    string
	Attempt   int
	Vars      map[string]string
}

func NewContext(missionID, prompt string, attempt int) *Context {
	return &Context{
		MissionID: missionID,
		Prompt:    prompt,
		Attempt:   attempt,
		Vars:      map[string]string{},
	}
}

// ErrAwaitingApproval halts the pipeline before an action stage that
// needs an operator decision.
var ErrAwaitingApproval = errors.New("remediation requires operator approval")

type fatalError struct {
	err error
}

func (e fatalError) Error() string { return e.err.Error() }
func (e fatalError) Unwrap() error { return e.err }

// Fatal marks an error as non-retryable.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return fatalError{err: err}
}

// Fatalf is Fatal over fmt.Errorf.
func Fatalf(format string, args ...any) error {
	return fatalError{err: fmt.Errorf(format, args...)}
}

// IsFatal reports whether err was marked non-retryable. Unmarked errors
// are retryable.
func IsFatal(err error) bool {
	var fe fatalError
	return errors.As(err, &fe)
}

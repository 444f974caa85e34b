package service

import "fmt"

type Step string

const (
	StepDedupe   Step = "dedupe"
	StepStudent  Step = "resolve_student"
	StepInbound  Step = "persist_inbound"
	StepScrub    Step = "scrub"
	StepCommand  Step = "command"
	StepDelivery Step = "delivery_status"
)

// StepError reports a failure that aborted Process before any reply was sent.
type StepError struct {
	Step Step
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("pipeline step %s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

func stepErr(step Step, err error) error {
	return &StepError{Step: step, Err: err}
}

package models

// Outcome tags how an execution finished.
type Outcome string

const (
	OutcomeSuccess        Outcome = "success"
	OutcomeBuildError     Outcome = "build_error"
	OutcomeRunError       Outcome = "run_error"
	OutcomeTimeout        Outcome = "timeout"
	OutcomeOutputOverflow Outcome = "output_overflow"
	OutcomeInternalError  Outcome = "internal_error"
	// Only produced by transports, the engine never returns it.
	OutcomeInvalidRequest Outcome = "invalid_request"
)

func (o Outcome) Failed() bool {
	return o != OutcomeSuccess
}

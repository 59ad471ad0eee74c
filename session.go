package tdac

import (
	"time"

	"github.com/google/uuid"
)

// SessionStatus tracks where one submission attempt stands.
type SessionStatus string

const (
	StatusPending    SessionStatus = "PENDING"
	StatusTokenReady SessionStatus = "TOKEN_READY"
	StatusInProgress SessionStatus = "IN_PROGRESS"
	StatusSubmitted  SessionStatus = "SUBMITTED"
	StatusConfirmed  SessionStatus = "CONFIRMED"
	StatusFailed     SessionStatus = "FAILED"
)

// Stage identifies where in the pipeline a failure happened.
type Stage string

const (
	StageValidation Stage = "validation"
	StageExtraction Stage = "extraction"
	StageProtocol   Stage = "protocol"
	StageFallback   Stage = "fallback"
)

// StepResult is the per-step outcome kept for diagnostics.
type StepResult struct {
	Step          Step
	HTTPStatus    int
	Duration      time.Duration
	Success       bool
	ServerMessage string
}

// SubmissionSession is the mutable state of exactly one attempt. It is owned
// by the orchestrator; the protocol client mutates only the fields it is
// handed. Sessions are never reused; a retry mints a new one with a new
// submit id.
type SubmissionSession struct {
	SubmitID       string
	ChallengeToken string
	ActionToken    string
	HiddenToken    string
	Status         SessionStatus
	ArrivalCardNo  string
	QRPayload      string
	PDFReference   string
	Steps          []StepResult
}

func newSession() *SubmissionSession {
	return &SubmissionSession{
		SubmitID: uuid.NewString(),
		Status:   StatusPending,
	}
}

func (s *SubmissionSession) recordStep(result StepResult) {
	s.Steps = append(s.Steps, result)
}

// ResultStatus is the outward success/failure flag.
type ResultStatus string

const (
	ResultSuccess ResultStatus = "success"
	ResultFailure ResultStatus = "failure"
)

// SubmissionResult is the single output object handed back to the caller.
type SubmissionResult struct {
	Status        ResultStatus
	ArrivalCardNo string
	QRPayload     string
	PDFReference  string
	FailedStage   Stage
	Err           error
	Duration      time.Duration
}

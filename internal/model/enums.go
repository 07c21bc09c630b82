package model

type Choice string

const (
	ChoiceMatch Choice = "MATCH"
	ChoicePass  Choice = "PASS"
)

func (c Choice) Valid() bool {
	return c == ChoiceMatch || c == ChoicePass
}

type Outcome string

const (
	OutcomeMutual    Outcome = "mutual"
	OutcomeNonMutual Outcome = "non_mutual"
)

type DecisionStatus string

const (
	DecisionPending  DecisionStatus = "pending"
	DecisionResolved DecisionStatus = "resolved"
)

type EndReason string

const (
	EndReasonTimeout    EndReason = "timeout"
	EndReasonEnded      EndReason = "ended"
	EndReasonTokenError EndReason = "token_error"
)

func (r EndReason) Valid() bool {
	switch r {
	case EndReasonTimeout, EndReasonEnded, EndReasonTokenError:
		return true
	}
	return false
}

type JoinStatus string

const (
	JoinStatusQueued        JoinStatus = "queued"
	JoinStatusAlreadyQueued JoinStatus = "already_queued"
)

type LeaveStatus string

const (
	LeaveStatusLeft           LeaveStatus = "left"
	LeaveStatusNotQueued      LeaveStatus = "not_queued"
	LeaveStatusAlreadyMatched LeaveStatus = "already_matched"
)

type SessionState string

const (
	SessionStateCreated  SessionState = "created"
	SessionStateLive     SessionState = "live"
	SessionStateEnded    SessionState = "ended"
	SessionStateResolved SessionState = "resolved"
)

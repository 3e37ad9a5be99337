package sixp

import (
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/tsch-simulator/model"
)

// Role tells which side of a transaction this node is on.
type Role int

const (
	RoleRequester Role = iota
	RoleResponder
)

func (r Role) String() string {
	if r == RoleResponder {
		return "responder"
	}
	return "requester"
}

// State is the position of a transaction in its state machine.
//
// Requesters move IDLE -> REQUEST_SENT -> COMMITTED, or to TIMEOUT. Responders
// move REQUEST_RECEIVED -> RESPONSE_SENT -> COMMITTED.
type State int

const (
	StateIdle State = iota
	StateRequestSent
	StateRequestReceived
	StateResponseSent
	StateCommitted
	StateTimeout
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateRequestSent:
		return "REQUEST_SENT"
	case StateRequestReceived:
		return "REQUEST_RECEIVED"
	case StateResponseSent:
		return "RESPONSE_SENT"
	case StateCommitted:
		return "COMMITTED"
	case StateTimeout:
		return "TIMEOUT"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Outcome is how a transaction ended.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	// OutcomeRejected: the peer answered with an error return code, or the
	// responder declined to answer.
	OutcomeRejected
	OutcomeTimeout
	OutcomeSendFailed
	OutcomeCommitFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRejected:
		return "rejected"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeSendFailed:
		return "send_failed"
	case OutcomeCommitFailed:
		return "commit_failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Transaction is one outstanding negotiation with a peer.
type Transaction struct {
	Peer  model.Addr
	Cmd   Code
	Role  Role
	Seq   uint8
	State State

	// NumCells is the number of cells requested.
	NumCells int
	// Cells is the offered list for requesters and the granted list for
	// responders.
	Cells []model.Cell
	// Relocated holds the cells being vacated by a RELOCATE.
	Relocated []model.Cell
	Started   time.Time

	timer string
	span  trace.Span
}

// Result reports the end of a transaction to OnComplete.
type Result struct {
	Peer    model.Addr
	Cmd     Code
	Role    Role
	Outcome Outcome
	// RC is the return code received (requester) or sent (responder).
	RC Code
	// Cells are the committed cells: added, deleted, or the relocation
	// destinations.
	Cells []model.Cell
	// From holds the relocated cells of a RELOCATE.
	From     []model.Cell
	Duration time.Duration
	Err      error
}

func containsCell(cells []model.Cell, c model.Cell) bool {
	for _, x := range cells {
		if x == c {
			return true
		}
	}
	return false
}

func containsTimeslot(cells []model.Cell, ts uint16) bool {
	for _, x := range cells {
		if x.Timeslot == ts {
			return true
		}
	}
	return false
}

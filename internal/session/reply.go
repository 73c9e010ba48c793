package session

import "fmt"

// Outcome is what a single command inside a transaction did.
type Outcome int

const (
	// OutcomeNoop means the command left the store unchanged.
	OutcomeNoop Outcome = iota
	// OutcomeCreated means a new member or field was written.
	OutcomeCreated
	// OutcomeUpdated means an existing member had its score set.
	OutcomeUpdated
	// OutcomeRemoved means exactly one member or field was deleted.
	OutcomeRemoved
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNoop:
		return "noop"
	case OutcomeCreated:
		return "created"
	case OutcomeUpdated:
		return "updated"
	case OutcomeRemoved:
		return "removed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Reply is the typed result of one command in a transaction.
type Reply struct {
	Command string
	Key     string
	Outcome Outcome
}

func (r Reply) String() string {
	return r.Command + " " + r.Key + "=" + r.Outcome.String()
}

// zaddOutcome interprets a plain ZADD reply (number of new members). Plain
// ZADD reports added members only, so an existing member reads as updated
// even when its score did not change; it never yields OutcomeNoop.
func zaddOutcome(added int64) Outcome {
	if added == 1 {
		return OutcomeCreated
	}
	return OutcomeUpdated
}

// hsetnxOutcome interprets an HSETNX reply.
func hsetnxOutcome(set bool) Outcome {
	if set {
		return OutcomeCreated
	}
	return OutcomeNoop
}

// removeOutcome interprets a single-member ZREM or HDEL reply.
func removeOutcome(removed int64) Outcome {
	if removed == 1 {
		return OutcomeRemoved
	}
	return OutcomeNoop
}

// bindAccepted reports whether a bind reply describes the binding having
// been newly written. The conditional create must be a real creation; the
// recency sets may have been refreshed rather than created.
func bindAccepted(r Reply) bool {
	switch r.Command {
	case "HSETNX":
		return r.Outcome == OutcomeCreated
	case "ZADD":
		return r.Outcome == OutcomeCreated || r.Outcome == OutcomeUpdated
	default:
		return false
	}
}

// allRemoved reports whether every reply removed its element.
func allRemoved(replies []Reply) bool {
	for _, r := range replies {
		if r.Outcome != OutcomeRemoved {
			return false
		}
	}
	return true
}

// Package protocol validates speech-act messages against the conversation's
// reply ledger. Validation is pure: the caller (the conversation manager)
// builds a view under its lock, and the returned verdict describes the
// mutations the append must apply. Nothing here writes state.
package protocol

import (
	"fmt"
	"slices"

	"agentrelay/internal/domain"
)

// replyTable maps each expectation-opening performative to the performatives
// legal in reply to it. Performatives absent from the table never open an
// expectation; a reply_with they carry is ignored.
var replyTable = map[domain.Performative][]domain.Performative{
	domain.PerformativeRequest: {
		domain.PerformativeAgree,
		domain.PerformativeRefuse,
		domain.PerformativeInformDone,
		domain.PerformativeFailure,
		domain.PerformativeNotUnderstood,
	},
	domain.PerformativeQuery: {
		domain.PerformativeInform,
		domain.PerformativeFailure,
		domain.PerformativeNotUnderstood,
	},
	domain.PerformativePropose: {
		domain.PerformativeAcceptProposal,
		domain.PerformativeRejectProposal,
	},
	domain.PerformativeInform: {
		domain.PerformativeInform,
		domain.PerformativeFailure,
		domain.PerformativeNotUnderstood,
	},
	// An accepted proposal completes later through the acceptance's own
	// reply_with.
	domain.PerformativeAcceptProposal: {
		domain.PerformativeInformDone,
		domain.PerformativeFailure,
		domain.PerformativeNotUnderstood,
	},
}

// afterAgree is what may still answer a request's reply_with once the
// provider has agreed. A second AGREE or a late REFUSE is illegal.
var afterAgree = []domain.Performative{
	domain.PerformativeInformDone,
	domain.PerformativeFailure,
	domain.PerformativeNotUnderstood,
}

// Replies returns the performatives legal in reply to p, nil when p never
// opens an expectation.
func Replies(p domain.Performative) []domain.Performative {
	return slices.Clone(replyTable[p])
}

// ConversationView is the read-only snapshot the validator judges against.
// The conversation manager builds it under the conversation lock and the
// maps are shared, not copied; the validator only reads them.
type ConversationView struct {
	ID    string
	State domain.ConversationState

	// Seen holds the ids of messages already appended to the conversation.
	Seen map[string]struct{}

	// Expectations is the reply ledger keyed by reply_with token.
	Expectations map[string]domain.ReplyExpectation
}

// Answer describes how a valid reply settles the expectation named by its
// in_reply_to: terminally, or by narrowing the remaining legal set (AGREE).
type Answer struct {
	ReplyWith string
	Terminal  bool
	Remaining []domain.Performative
}

// Verdict is the validator's judgment on one message: the conversation state
// after appending it plus the ledger updates the append must apply.
type Verdict struct {
	NextState domain.ConversationState
	Closes    bool

	// Answers, when non-nil, updates the ledger entry for the message's
	// in_reply_to.
	Answers *Answer

	// Opens, when non-nil, is the new expectation to record under the
	// message's reply_with.
	Opens *domain.ReplyExpectation
}

// Validate checks msg against the conversation view and computes the verdict.
// Any breach returns ErrProtocolViolation (or ErrConversationClosed /
// ErrDuplicateMessage for those specific breaches) and a zero verdict; the
// caller must not mutate conversation state on error.
func Validate(msg *domain.Message, view ConversationView) (Verdict, error) {
	if view.State.Terminal() {
		return Verdict{}, domain.NewRouteError("Validator.Validate", domain.ErrConversationClosed,
			fmt.Sprintf("conversation %s is %s", view.ID, view.State))
	}
	if _, dup := view.Seen[msg.ID]; dup {
		return Verdict{}, domain.NewRouteError("Validator.Validate", domain.ErrDuplicateMessage, msg.ID)
	}

	verdict := Verdict{NextState: domain.ConversationActive}

	if msg.InReplyTo == "" {
		if !msg.Performative.Initiator() {
			return Verdict{}, violation(fmt.Sprintf("%s cannot open an exchange", msg.Performative))
		}
	} else {
		exp, ok := view.Expectations[msg.InReplyTo]
		if !ok {
			return Verdict{}, violation(fmt.Sprintf("in_reply_to %q does not reference an open reply_with", msg.InReplyTo))
		}
		if exp.Answered {
			return Verdict{}, violation(fmt.Sprintf("reply_with %q already terminally answered", msg.InReplyTo))
		}
		if !exp.Allows(msg.Performative) {
			return Verdict{}, violation(fmt.Sprintf("%s is not a legal reply to %s", msg.Performative, exp.Origin))
		}

		if msg.Performative == domain.PerformativeAgree {
			verdict.Answers = &Answer{ReplyWith: msg.InReplyTo, Remaining: slices.Clone(afterAgree)}
		} else {
			verdict.Answers = &Answer{ReplyWith: msg.InReplyTo, Terminal: true}
		}
		if msg.Performative.Closing() {
			verdict.Closes = true
			verdict.NextState = domain.ConversationCompleted
		}
	}

	if msg.ReplyWith != "" {
		if _, taken := view.Expectations[msg.ReplyWith]; taken {
			return Verdict{}, violation(fmt.Sprintf("reply_with %q already in use", msg.ReplyWith))
		}
		if expected, opens := replyTable[msg.Performative]; opens && !verdict.Closes {
			verdict.Opens = &domain.ReplyExpectation{
				Origin:   msg.Performative,
				Expected: slices.Clone(expected),
			}
		}
	}

	return verdict, nil
}

func violation(detail string) error {
	return domain.NewRouteError("Validator.Validate", domain.ErrProtocolViolation, detail)
}

package services

import "peercall/internal/core/domain"

type admission int

const (
	admitOffer admission = iota
	ignoreDuplicate
	ignoreCollisionWon
	yieldCollision
	supersedeStale
	rejectBusy
)

func (a admission) String() string {
	switch a {
	case admitOffer:
		return "admit"
	case ignoreDuplicate:
		return "duplicate"
	case ignoreCollisionWon:
		return "collision_won"
	case yieldCollision:
		return "collision_lost"
	case supersedeStale:
		return "redial"
	case rejectBusy:
		return "busy"
	default:
		return "unknown"
	}
}

type sessionSnapshot struct {
	callID domain.CallID
	state  domain.CallState
}

// decideAdmission chooses what to do with an offer for a pair that may
// already have a live session. When both sides are calling each other the
// offer from the lexicographically smaller participant id wins on both ends.
// The remote holds at most one session per pair, so a fresh call id from it
// while we ring, connect or talk means it already hung up and redialed; the
// stale session gives way. A session still acquiring media (Idle) has not
// offered yet and counts as busy.
func decideAdmission(local domain.ParticipantID, existing *sessionSnapshot, offer *domain.SignalingMessage) admission {
	if existing == nil || existing.state == domain.StateEnded {
		return admitOffer
	}
	if existing.callID == offer.CallID {
		return ignoreDuplicate
	}
	if existing.state == domain.StateCalling {
		if offer.From < local {
			return yieldCollision
		}
		return ignoreCollisionWon
	}
	switch existing.state {
	case domain.StateReceiving, domain.StateConnecting, domain.StateActive:
		return supersedeStale
	}
	return rejectBusy
}

package ports

import (
	"time"

	"peercall/internal/core/domain"
)

type CallMetrics interface {
	CallStarted(direction domain.Direction)
	CallEnded(reason domain.EndReason, duration time.Duration)
	CallActive(timeToActive time.Duration)
	SessionsActive(delta int)
	CandidateQueued()
	CandidateApplied(err error)
	SignalSendFailed(kind domain.MessageKind)
}

// NopCallMetrics discards everything.
type NopCallMetrics struct{}

func (NopCallMetrics) CallStarted(domain.Direction)              {}
func (NopCallMetrics) CallEnded(domain.EndReason, time.Duration) {}
func (NopCallMetrics) CallActive(time.Duration)                  {}
func (NopCallMetrics) SessionsActive(int)                        {}
func (NopCallMetrics) CandidateQueued()                          {}
func (NopCallMetrics) CandidateApplied(error)                    {}
func (NopCallMetrics) SignalSendFailed(domain.MessageKind)       {}

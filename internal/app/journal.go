package app

import (
	"github.com/chimelab/chime/internal/call"
	"github.com/chimelab/chime/internal/history"
)

// journalAdapter narrows the history recorder to what the call core
// needs, translating between the two packages' vocabularies.
type journalAdapter struct {
	rec *history.Recorder
}

func (j journalAdapter) CallInitiated(callID, callerID, recipientID string, kind call.MediaKind) {
	ct := history.CallTypeAudio
	if kind == call.MediaVideo {
		ct = history.CallTypeVideo
	}
	j.rec.CallInitiated(callID, callerID, recipientID, ct)
}

func (j journalAdapter) CallConnected(callID string) {
	j.rec.CallConnected(callID)
}

func (j journalAdapter) CallEnded(callID string) {
	j.rec.CallFinished(callID, history.StatusEnded)
}

func (j journalAdapter) CallFailed(callID string) {
	j.rec.CallFinished(callID, history.StatusFailed)
}

func (j journalAdapter) CallMissed(callID, callerID string) {
	j.rec.CallMissed(callID, callerID)
}

func (j journalAdapter) IncomingRing(callID, calleeID string) string {
	return j.rec.IncomingRing(callID, calleeID)
}

func (j journalAdapter) RingAnswered(notificationID string) {
	j.rec.RingAnswered(notificationID)
}

package eventbus

import "time"

// Pipeline event types.
const (
	BatchCreated           = "batch.created"
	BatchAccumulated       = "batch.accumulated"
	BatchSuppressed        = "batch.suppressed"
	BatchFailed            = "batch.failed"
	PresenceClearedBacklog = "presence.cleared_backlog"
	NotifySent             = "notify.sent"
	NotifyFailed           = "notify.failed"
	BatchEvicted           = "batch.evicted"
	SweepDone              = "sweep.done"
)

// BatchInfo is the payload of batch.* and notify.* events.
type BatchInfo struct {
	BatchID        string `json:"batch_id,omitempty"`
	RecipientID    string `json:"recipient_id"`
	SenderID       string `json:"sender_id"`
	ConversationID string `json:"conversation_id"`
	MessageCount   int    `json:"message_count,omitempty"`
	Err            string `json:"err,omitempty"`
}

// BacklogInfo is the payload of presence.cleared_backlog.
type BacklogInfo struct {
	UserID         string `json:"user_id"`
	ConversationID string `json:"conversation_id"`
	Deleted        int64  `json:"deleted"`
}

// SweepInfo is the payload of sweep.done.
type SweepInfo struct {
	Selected  int           `json:"selected"`
	Delivered int           `json:"delivered"`
	Failed    int           `json:"failed"`
	Evicted   int           `json:"evicted"`
	Took      time.Duration `json:"took"`
}

// FailureRatio returns failed/selected, or 0 for an empty sweep.
func (s SweepInfo) FailureRatio() float64 {
	if s.Selected == 0 {
		return 0
	}
	return float64(s.Failed) / float64(s.Selected)
}

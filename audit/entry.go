package audit

// Outcomes recorded for an inbound request.
const (
	OutcomeExecuted = "executed"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
)

// Entry is one line in the hash-chained JSONL audit log. Fields are plain
// strings so json.Marshal field order, and with it the line hash, is stable.
type Entry struct {
	ID        string `json:"id"`
	Timestamp string `json:"ts"`
	ChannelID string `json:"channel_id"`
	Peer      string `json:"peer"`
	Callable  string `json:"callable"`
	Outcome   string `json:"outcome"`
	ErrorKind string `json:"error_kind,omitempty"`
	Error     string `json:"error,omitempty"`
	PrevHash  string `json:"prev_hash"`
}

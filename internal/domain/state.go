package domain

import "time"

// ConnectionState is one trading heartbeat. Connected defaults to false when
// the server omits it.
type ConnectionState struct {
	Connected bool      `json:"connected"`
	Time      Timestamp `json:"time"`

	// ReceivedAt is stamped locally on arrival and drives recency checks.
	ReceivedAt time.Time `json:"-"`
	Synthetic  bool      `json:"synthetic,omitempty"`
}

// AccountStats is the flattened account summary (daily_* and total_* keys).
type AccountStats map[string]any

// Clone returns a shallow copy.
func (s AccountStats) Clone() AccountStats {
	if s == nil {
		return nil
	}
	out := make(AccountStats, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// LogEntry is an account activity log line.
type LogEntry struct {
	ID      string    `json:"id"`
	Account AccountID `json:"account"`
	Level   string    `json:"level"`
	Text    string    `json:"text"`
	Time    Timestamp `json:"time"`
}

// Message is a server-to-user message. Recipient filtering happens downstream.
type Message struct {
	ID      string    `json:"id"`
	To      AccountID `json:"to"`
	From    string    `json:"from"`
	Subject string    `json:"subject"`
	Body    string    `json:"body"`
	Time    Timestamp `json:"time"`
}

// IsFor reports whether the message is addressed to account or broadcast.
func (m Message) IsFor(account AccountID) bool {
	return m.To == "" || m.To == account
}

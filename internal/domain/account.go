package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// AccountID identifies a (sub-)account. The server sends it either as a
// number or as a string, so both forms decode to the same value.
type AccountID string

func (a *AccountID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*a = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*a = AccountID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("invalid account id %s: %w", b, err)
	}
	*a = AccountID(n.String())
	return nil
}

func (a AccountID) String() string { return string(a) }

// Timestamp is a point in time in Unix milliseconds. It decodes from a
// number, a numeric string or an RFC 3339 string.
type Timestamp int64

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(bytes.TrimSpace(b)), `"`)
	if s == "" || s == "null" {
		*t = 0
		return nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		*t = Timestamp(n)
		return nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		*t = Timestamp(int64(f))
		return nil
	}
	tm, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	*t = Timestamp(tm.UnixMilli())
	return nil
}

// TimestampOf converts a wall-clock time.
func TimestampOf(tm time.Time) Timestamp {
	return Timestamp(tm.UnixMilli())
}

func (t Timestamp) Time() time.Time { return time.UnixMilli(int64(t)) }

func (t Timestamp) IsZero() bool { return t == 0 }

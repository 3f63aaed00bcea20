package v1

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrMalformed is returned for input that is not a JSON object with a string "type",
// or whose required fields have the wrong shape.
var ErrMalformed = errors.New("malformed message")

// UnknownTypeError reports a well-formed message with an unrecognized type.
type UnknownTypeError struct {
	Type string
}

func (e UnknownTypeError) Error() string {
	return fmt.Sprintf("unknown message type: %q", e.Type)
}

// IsUnknownType reports whether err is an UnknownTypeError.
func IsUnknownType(err error) bool {
	var ue UnknownTypeError
	return errors.As(err, &ue)
}

type header struct {
	Type string `json:"type"`
}

// ParseClientMessage validates raw bytes at the boundary and returns a typed variant.
func ParseClientMessage(data []byte) (ClientMessage, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' {
		return nil, fmt.Errorf("%w: expected JSON object", ErrMalformed)
	}

	var h header
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	typ := strings.TrimSpace(h.Type)
	if typ == "" {
		return nil, fmt.Errorf("%w: missing field: type", ErrMalformed)
	}

	switch typ {
	case TypeHeartbeat:
		return parseHeartbeat(data)

	case TypeSubscribe:
		var m Subscribe
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("%w: subscribe: %v", ErrMalformed, err)
		}
		m.SubscribeToUsers = cleanIDs(m.SubscribeToUsers)
		return m, nil

	case TypeUnsubscribe:
		var m Unsubscribe
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("%w: unsubscribe: %v", ErrMalformed, err)
		}
		m.UnsubscribeFromUsers = cleanIDs(m.UnsubscribeFromUsers)
		return m, nil

	case TypePing:
		return Ping{}, nil

	default:
		return nil, UnknownTypeError{Type: typ}
	}
}

// heartbeatWire keeps every optional field raw so that a bad value only
// loses that field instead of the whole heartbeat.
type heartbeatWire struct {
	SessionID    json.RawMessage `json:"sessionId"`
	IsActive     json.RawMessage `json:"isActive"`
	PageHidden   json.RawMessage `json:"pageHidden"`
	PageVisible  json.RawMessage `json:"pageVisible"`
	PageUnload   json.RawMessage `json:"pageUnload"`
	LastActivity json.RawMessage `json:"lastActivity"`
	Metadata     json.RawMessage `json:"metadata"`
}

func parseHeartbeat(data []byte) (Heartbeat, error) {
	var w heartbeatWire
	if err := json.Unmarshal(data, &w); err != nil {
		return Heartbeat{}, fmt.Errorf("%w: heartbeat: %v", ErrMalformed, err)
	}

	hb := Heartbeat{
		SessionID:    rawString(w.SessionID),
		PageHidden:   rawBool(w.PageHidden, false),
		PageVisible:  rawBool(w.PageVisible, false),
		PageUnload:   rawBool(w.PageUnload, false),
		LastActivity: rawTime(w.LastActivity),
		Metadata:     rawMetadata(w.Metadata),
	}
	if len(w.IsActive) > 0 && !isNull(w.IsActive) {
		var b bool
		if err := json.Unmarshal(w.IsActive, &b); err == nil {
			hb.IsActive = &b
		}
	}
	return hb, nil
}

// DecodeHeartbeat parses a bare heartbeat object (no "type" required), as posted
// to the HTTP heartbeat endpoint.
func DecodeHeartbeat(data []byte) (Heartbeat, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return Heartbeat{}, nil
	}
	if data[0] != '{' {
		return Heartbeat{}, fmt.Errorf("%w: expected JSON object", ErrMalformed)
	}
	return parseHeartbeat(data)
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func rawString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return strings.TrimSpace(s)
}

func rawBool(raw json.RawMessage, def bool) bool {
	if len(raw) == 0 {
		return def
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err != nil {
		return def
	}
	return b
}

// rawTime accepts epoch milliseconds (number or numeric string) or an RFC 3339 string.
func rawTime(raw json.RawMessage) time.Time {
	if len(raw) == 0 || isNull(raw) {
		return time.Time{}
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		if ms, err := n.Int64(); err == nil {
			return FromEpochMillis(ms)
		}
		if f, err := n.Float64(); err == nil {
			return FromEpochMillis(int64(f))
		}
		return time.Time{}
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return time.Time{}
	}
	s = strings.TrimSpace(s)
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return FromEpochMillis(ms)
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC()
	}
	return time.Time{}
}

func rawMetadata(raw json.RawMessage) map[string]string {
	if len(raw) == 0 || isNull(raw) {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil || len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		if v == nil {
			continue
		}
		switch tv := v.(type) {
		case string:
			out[k] = tv
		default:
			b, err := json.Marshal(tv)
			if err != nil {
				continue
			}
			out[k] = string(b)
		}
	}
	return out
}

func cleanIDs(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, id := range in {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

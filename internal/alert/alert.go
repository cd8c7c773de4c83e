// Package alert defines the Alert record and its wire codec.
//
// The codec favors a hand-rolled-but-simple style over a schema
// library: Encode builds the wire string directly with a fixed key
// order, escaping only what is needed to keep the result valid JSON
// (`"`, `\`, and control characters), while Decode uses the standard
// library JSON decoder against a pointer-field struct so every required
// key must actually be present, not merely zero-valued.
package alert

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Alert is an immutable record produced by origination or decoded from
// the wire.
type Alert struct {
	// ID is a canonical lowercase hyphenated hex UUID.
	ID string
	// Text is the short human-readable alert message.
	Text string
	// Timestamp is milliseconds since the Unix epoch.
	Timestamp int64
	// TTL is the remaining hop budget. A non-forwarded alert has TTL >= 1.
	TTL int
}

// DecodeError reports why a payload could not be decoded into an Alert.
// It is always returned, never panicked: malformed payloads are the
// relay engine's normal operating environment, not an exceptional one.
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string { return "alert: decode: " + e.Reason }

// Encode renders a into the wire form:
//
//	{"id":"<uuid>","text":"<escaped>","timestamp":<int>,"ttl":<int>}
//
// field order is fixed. escapeJSONString keeps the result valid JSON by
// escaping `"`, `\`, and control characters in id/text.
func Encode(a Alert) []byte {
	var b strings.Builder
	b.Grow(len(a.Text) + len(a.ID) + 48)
	b.WriteString(`{"id":"`)
	b.WriteString(escapeJSONString(a.ID))
	b.WriteString(`","text":"`)
	b.WriteString(escapeJSONString(a.Text))
	b.WriteString(`","timestamp":`)
	b.WriteString(strconv.FormatInt(a.Timestamp, 10))
	b.WriteString(`,"ttl":`)
	b.WriteString(strconv.Itoa(a.TTL))
	b.WriteString(`}`)
	return []byte(b.String())
}

// escapeJSONString escapes s so it can be embedded between a pair of
// `"` in the wire form: `\` and `"` are backslash-escaped, `\n`/`\r`/`\t`
// use their short escapes, and any other control character (< 0x20) is
// escaped as \u00XX. Without this, a literal backslash or control byte
// in Text would produce a payload encoding/json's decoder rejects.
func escapeJSONString(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			if r < 0x20 {
				fmt.Fprintf(&b, `\u%04x`, r)
			} else {
				b.WriteRune(r)
			}
		}
	}
	return b.String()
}

// wireAlert mirrors Alert for decoding. Fields are pointers so a field
// that is present-but-zero (e.g. "ttl":0) can be told apart from a field
// that is absent entirely — the latter is a DecodeError, the former
// isn't.
type wireAlert struct {
	ID        *string `json:"id"`
	Text      *string `json:"text"`
	Timestamp *int64  `json:"timestamp"`
	TTL       *int    `json:"ttl"`
}

// Decode parses the wire form produced by Encode (or any compatible
// encoder, including one that emits keys in a different order or
// additional whitespace — field order is not semantically significant
// for decoders per the wire format contract). Decode accepts any valid
// JSON string escape in id/text, not just the subset Encode produces.
func Decode(data []byte) (Alert, error) {
	var w wireAlert
	if err := json.Unmarshal(data, &w); err != nil {
		return Alert{}, &DecodeError{Reason: err.Error()}
	}
	switch {
	case w.ID == nil || *w.ID == "":
		return Alert{}, &DecodeError{Reason: "missing id"}
	case w.Text == nil:
		return Alert{}, &DecodeError{Reason: "missing text"}
	case w.Timestamp == nil:
		return Alert{}, &DecodeError{Reason: "missing timestamp"}
	case w.TTL == nil:
		return Alert{}, &DecodeError{Reason: "missing ttl"}
	}
	return Alert{ID: *w.ID, Text: *w.Text, Timestamp: *w.Timestamp, TTL: *w.TTL}, nil
}

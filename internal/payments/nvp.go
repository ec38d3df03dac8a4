package payments

import (
	"html"
	"net/url"
	"regexp"
	"strings"
)

// Message is an ordered set of NVP name/value pairs. The zero value is ready to use.
type Message struct {
	keys   []string
	values map[string]string
}

// NewMessage builds a message from alternating key, value arguments.
func NewMessage(pairs ...string) Message {
	var m Message
	for i := 0; i+1 < len(pairs); i += 2 {
		m.Set(pairs[i], pairs[i+1])
	}
	return m
}

// Set stores value under key. Existing keys keep their position.
func (m *Message) Set(key, value string) {
	if m.values == nil {
		m.values = make(map[string]string)
	}
	if _, ok := m.values[key]; !ok {
		m.keys = append(m.keys, key)
	}
	m.values[key] = value
}

// SetDefault stores value only when key is not present yet.
func (m *Message) SetDefault(key, value string) {
	if m.Has(key) {
		return
	}
	m.Set(key, value)
}

// Get returns the value for key or an empty string.
func (m Message) Get(key string) string {
	return m.values[key]
}

// Lookup returns the value for key and whether it was present.
func (m Message) Lookup(key string) (string, bool) {
	v, ok := m.values[key]
	return v, ok
}

// Has reports whether key is present, even with an empty value.
func (m Message) Has(key string) bool {
	_, ok := m.values[key]
	return ok
}

// Keys returns the keys in insertion order.
func (m Message) Keys() []string {
	out := make([]string, len(m.keys))
	copy(out, m.keys)
	return out
}

// Len returns the number of pairs.
func (m Message) Len() int {
	return len(m.keys)
}

// Clone returns an independent copy.
func (m Message) Clone() Message {
	var out Message
	for _, k := range m.keys {
		out.Set(k, m.values[k])
	}
	return out
}

// Values returns the pairs as a plain map.
func (m Message) Values() map[string]string {
	out := make(map[string]string, len(m.keys))
	for _, k := range m.keys {
		out[k] = m.values[k]
	}
	return out
}

// Equal reports whether both messages hold the same pairs in the same order.
func (m Message) Equal(other Message) bool {
	if len(m.keys) != len(other.keys) {
		return false
	}
	for i, k := range m.keys {
		if other.keys[i] != k || other.values[k] != m.values[k] {
			return false
		}
	}
	return true
}

// Ack returns the ACK field of a response.
func (m Message) Ack() string {
	return m.Get("ACK")
}

// Failed reports whether the response was rejected by PayPal.
func (m Message) Failed() bool {
	switch strings.TrimSpace(m.Ack()) {
	case "Failure", "FailureWithWarning":
		return true
	default:
		return false
	}
}

// ErrorCode returns the first error code of a rejected response.
func (m Message) ErrorCode() string {
	return m.Get("L_ERRORCODE0")
}

// LongMessage returns the first long error message of a rejected response.
func (m Message) LongMessage() string {
	return m.Get("L_LONGMESSAGE0")
}

// ShortMessage returns the first short error message of a rejected response.
func (m Message) ShortMessage() string {
	return m.Get("L_SHORTMESSAGE0")
}

// CorrelationID returns PayPal's request correlation id.
func (m Message) CorrelationID() string {
	return m.Get("CORRELATIONID")
}

// Encode renders the message as an application/x-www-form-urlencoded body in insertion order.
func Encode(m Message) string {
	var b strings.Builder
	for i, k := range m.keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(k))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(m.values[k]))
	}
	return b.String()
}

// only entities closed by a semicolon are decoded; "&notify_version" must stay a separator.
var entityPattern = regexp.MustCompile(`&(?:#[0-9]+|#[xX][0-9a-fA-F]+|[A-Za-z][A-Za-z0-9]*);`)

// DecodeEntities resolves HTML entities in a PayPal reply body.
func DecodeEntities(raw string) string {
	if !strings.Contains(raw, "&") {
		return raw
	}
	return entityPattern.ReplaceAllStringFunc(raw, html.UnescapeString)
}

// Decode parses a PayPal reply or IPN body. Malformed pairs are skipped, so a broken body yields
// a partial or empty message rather than an error. Repeated keys keep the last value.
func Decode(raw string) Message {
	var m Message
	body := DecodeEntities(strings.TrimSpace(raw))
	if body == "" {
		return m
	}
	for _, pair := range strings.Split(body, "&") {
		if pair == "" {
			continue
		}
		key, value, _ := strings.Cut(pair, "=")
		k, err := url.QueryUnescape(key)
		if err != nil || k == "" {
			continue
		}
		v, err := url.QueryUnescape(value)
		if err != nil {
			continue
		}
		m.Set(k, v)
	}
	return m
}

var redactedKeys = map[string]struct{}{
	"USER":      {},
	"PWD":       {},
	"SIGNATURE": {},
}

// RedactedFields returns the message as log fields with credentials removed.
func RedactedFields(m Message) map[string]any {
	out := make(map[string]any, len(m.keys))
	for _, k := range m.keys {
		if _, ok := redactedKeys[k]; ok {
			continue
		}
		out[k] = m.values[k]
	}
	return out
}

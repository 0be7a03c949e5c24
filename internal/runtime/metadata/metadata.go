package metadata

import (
	"maps"
	"strconv"
	"time"
)

// Reserved keys carried on transport messages.
const (
	// KeyCorrelationID pairs a response with its request.
	KeyCorrelationID = "correlation_id"
	// KeyReplyTo names the topic the response is published to. Absent on
	// one-way calls.
	KeyReplyTo = "fit_reply_to"
	// KeyCallerID is the worker id of the caller.
	KeyCallerID = "fit_caller_id"
	// KeyTarget is the worker id the request was routed to.
	KeyTarget = "fit_target"
	// KeySentAt records when the request was published, in Unix milliseconds.
	KeySentAt = "fit_sent_at"
)

// Metadata represents the headers carried alongside a frame.
type Metadata map[string]string

func (m Metadata) cloneWithExtra(extra int) Metadata {
	cloned := make(Metadata, len(m)+extra)
	maps.Copy(cloned, m)
	return cloned
}

// Clone returns a shallow copy of the metadata map.
func (m Metadata) Clone() Metadata {
	return m.cloneWithExtra(0)
}

// With returns a cloned metadata map containing the provided key/value pair.
func (m Metadata) With(key, value string) Metadata {
	cloned := m.cloneWithExtra(1)
	cloned[key] = value
	return cloned
}

// WithAll returns a cloned metadata map containing the supplied entries.
func (m Metadata) WithAll(entries Metadata) Metadata {
	cloned := m.cloneWithExtra(len(entries))
	maps.Copy(cloned, entries)
	return cloned
}

// CorrelationID returns the correlation id, or "" when absent.
func (m Metadata) CorrelationID() string { return m[KeyCorrelationID] }

// CallerID returns the worker id of the caller, or "" when absent.
func (m Metadata) CallerID() string { return m[KeyCallerID] }

// ReplyTo returns the reply topic and whether the sender waits for one.
func (m Metadata) ReplyTo() (string, bool) {
	topic := m[KeyReplyTo]
	return topic, topic != ""
}

// SentAt parses KeySentAt. The zero time is returned when it is missing or
// malformed.
func (m Metadata) SentAt() time.Time {
	ms, err := strconv.ParseInt(m[KeySentAt], 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// New constructs a Metadata map from alternating key/value pairs. A trailing
// key without value is ignored.
func New(pairs ...string) Metadata {
	md := make(Metadata, len(pairs)/2)
	for i := 0; i < len(pairs)-1; i += 2 {
		md[pairs[i]] = pairs[i+1]
	}
	return md
}

// Request builds the headers of a request frame.
func Request(correlationID, callerID, target, replyTo string, sentAt time.Time) Metadata {
	md := New(
		KeyCorrelationID, correlationID,
		KeyCallerID, callerID,
		KeyTarget, target,
		KeySentAt, strconv.FormatInt(sentAt.UnixMilli(), 10),
	)
	if replyTo != "" {
		md[KeyReplyTo] = replyTo
	}
	return md
}

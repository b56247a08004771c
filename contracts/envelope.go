package contracts

// Header keys carried on every envelope.
const (
	HeaderContentType     = "content_type"
	HeaderMessageType     = "message_type"
	HeaderMessageAssembly = "message_assembly"
	HeaderCorrelationID   = "correlation_id"
	HeaderMessageID       = "message_id"
	HeaderReplyTo         = "reply_to"
	HeaderTraceParent     = "traceparent"
	HeaderTraceID         = "trace_id"
	HeaderSpanID          = "span_id"
)

// Dead-letter headers added when a delivery exceeds its redelivery bound.
const (
	HeaderDeathReason   = "x-death-reason"
	HeaderOriginalQueue = "x-original-queue"
	HeaderAttempts      = "x-attempts"
	// HeaderDeliveryCount is set by the broker on quorum queues.
	HeaderDeliveryCount = "x-delivery-count"
)

// Content types.
const (
	ContentTypeText    = "text"
	ContentTypeBinary  = "application/octet-stream"
	ContentTypeMsgPack = "application/x-msgpack"
)

// Envelope is the unit exchanged with the broker.
type Envelope struct {
	Body    []byte
	Headers map[string]string
}

// NewEnvelope creates an envelope with an empty header map.
func NewEnvelope(body []byte) *Envelope {
	return &Envelope{
		Body:    body,
		Headers: make(map[string]string),
	}
}

// Header returns the value of key, or "" when absent.
func (e *Envelope) Header(key string) string {
	if e == nil || e.Headers == nil {
		return ""
	}
	return e.Headers[key]
}

// SetHeader sets key unless value is empty.
func (e *Envelope) SetHeader(key, value string) {
	if value == "" {
		return
	}
	if e.Headers == nil {
		e.Headers = make(map[string]string)
	}
	e.Headers[key] = value
}

// ContentType returns the content_type header.
func (e *Envelope) ContentType() string { return e.Header(HeaderContentType) }

// MessageType returns the message_type header.
func (e *Envelope) MessageType() string { return e.Header(HeaderMessageType) }

// MessageID returns the message_id header.
func (e *Envelope) MessageID() string { return e.Header(HeaderMessageID) }

// CorrelationID returns the correlation_id header.
func (e *Envelope) CorrelationID() string { return e.Header(HeaderCorrelationID) }

// ReplyTo returns the reply_to header.
func (e *Envelope) ReplyTo() string { return e.Header(HeaderReplyTo) }

// IsTyped reports whether the body is a MessagePack-encoded object with a known type name.
func (e *Envelope) IsTyped() bool {
	return e.ContentType() == ContentTypeMsgPack && e.MessageType() != ""
}

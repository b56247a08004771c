package messaging

import (
	"fmt"
	"reflect"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/courier/contracts"
)

// toPublishing copies the envelope into AMQP headers and mirrors the
// well-known ones into basic properties.
func toPublishing(env *contracts.Envelope, appID string) amqp.Publishing {
	headers := make(amqp.Table, len(env.Headers))
	for k, v := range env.Headers {
		headers[k] = v
	}

	return amqp.Publishing{
		Headers:       headers,
		ContentType:   env.ContentType(),
		CorrelationId: env.CorrelationID(),
		MessageId:     env.MessageID(),
		ReplyTo:       env.ReplyTo(),
		Type:          env.MessageType(),
		DeliveryMode:  amqp.Persistent,
		Timestamp:     time.Now().UTC(),
		AppId:         appID,
		Body:          env.Body,
	}
}

// envelopeFromDelivery rebuilds the envelope of d. Headers win over basic
// properties when both are present.
func envelopeFromDelivery(d amqp.Delivery) *contracts.Envelope {
	env := contracts.NewEnvelope(d.Body)
	for k, v := range d.Headers {
		switch val := v.(type) {
		case nil:
		case string:
			env.SetHeader(k, val)
		case []byte:
			env.SetHeader(k, string(val))
		default:
			env.SetHeader(k, fmt.Sprint(val))
		}
	}

	setDefault(env, contracts.HeaderContentType, d.ContentType)
	setDefault(env, contracts.HeaderMessageType, d.Type)
	setDefault(env, contracts.HeaderMessageID, d.MessageId)
	setDefault(env, contracts.HeaderCorrelationID, d.CorrelationId)
	setDefault(env, contracts.HeaderReplyTo, d.ReplyTo)
	return env
}

func setDefault(env *contracts.Envelope, key, value string) {
	if env.Header(key) == "" {
		env.SetHeader(key, value)
	}
}

// deliveryCount reads the broker's x-delivery-count header, 0 when absent.
func deliveryCount(d amqp.Delivery) int {
	switch v := d.Headers[contracts.HeaderDeliveryCount].(type) {
	case int64:
		return int(v)
	case int32:
		return int(v)
	case int:
		return v
	case int16:
		return int(v)
	case uint32:
		return int(v)
	case string:
		n, _ := strconv.Atoi(v)
		return n
	}
	return 0
}

// packagePath returns the Go package path of v's type, sent as message_assembly.
func packagePath(v any) string {
	t := reflect.TypeOf(v)
	for t != nil && t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t == nil {
		return ""
	}
	return t.PkgPath()
}

// isNil reports whether a handler response means "no response".
func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Interface, reflect.Func, reflect.Chan:
		return rv.IsNil()
	}
	return false
}

package rabbitmq

import (
	"fmt"
	"strconv"

	"github.com/glimte/mbus-go/contracts"
	"github.com/glimte/mbus-go/serialization"
	amqp "github.com/rabbitmq/amqp091-go"
)

// toPublishing encodes msg as an envelope body and mirrors its identity in
// AMQP properties
func toPublishing(codec serialization.Codec, msg *contracts.Message) (amqp.Publishing, error) {
	body, err := serialization.EncodeEnvelope(codec, msg)
	if err != nil {
		return amqp.Publishing{}, err
	}

	headers := amqp.Table{
		contracts.HeaderRetryCount: int32(msg.RetryCount),
	}
	for k, v := range msg.Headers {
		headers[k] = v
	}

	return amqp.Publishing{
		Headers:       headers,
		ContentType:   codec.ContentType(),
		DeliveryMode:  amqp.Persistent,
		MessageId:     msg.ID,
		CorrelationId: msg.CorrelationID,
		Type:          msg.Type,
		Timestamp:     msg.Timestamp,
		Body:          body,
	}, nil
}

// fromDelivery decodes an envelope; the x-retry-count header wins over the
// envelope when a broker-side path changed it
func fromDelivery(codec serialization.Codec, d amqp.Delivery) (*contracts.Message, error) {
	msg, err := serialization.DecodeEnvelope(codec, d.Body)
	if err != nil {
		return nil, err
	}
	if v, ok := d.Headers[contracts.HeaderRetryCount]; ok {
		if n, ok := retryCount(v); ok {
			msg.RetryCount = n
		}
	}
	return msg, nil
}

func retryCount(v any) (int, bool) {
	switch n := v.(type) {
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case int:
		return n, true
	case string:
		i, err := strconv.Atoi(n)
		return i, err == nil
	default:
		return 0, false
	}
}

func expiration(ms int64) string {
	return fmt.Sprintf("%d", ms)
}

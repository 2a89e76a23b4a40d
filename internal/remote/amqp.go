package remote

import (
	"encoding/json"
	"fmt"

	"dishpatch/internal/bridge"
	"dishpatch/pkg/logger"
	"dishpatch/pkg/models"
	"dishpatch/pkg/rabbitmq"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPChannels implements the realtime channel collaborator over the
// order_events topic exchange. Each open channel gets its own exclusive
// auto-delete queue bound to the scope's routing keys, so repeated
// subscribe/unsubscribe cycles leave nothing behind on the broker.
type AMQPChannels struct {
	conn *amqp.Connection
	log  *logger.Logger
}

func NewAMQPChannels(rmq *rabbitmq.RabbitMQ, log *logger.Logger) *AMQPChannels {
	return &AMQPChannels{conn: rmq.Conn, log: log}
}

func (c *AMQPChannels) OpenChannel(scopeID string, onMessage func(models.OrderEvent), onError func(error)) (bridge.ChannelHandle, error) {
	channel, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open AMQP channel: %w", err)
	}

	queue, err := channel.QueueDeclare(
		"",    // name: broker-generated
		false, // durable
		true,  // delete when unused
		true,  // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		channel.Close()
		return nil, fmt.Errorf("failed to declare scope queue: %w", err)
	}

	// An order scope sees its own events; a user scope additionally sees
	// cross-order notifications addressed to the user.
	bindings := []string{
		fmt.Sprintf("order.%s.#", scopeID),
		fmt.Sprintf("user.%s.#", scopeID),
	}
	for _, key := range bindings {
		if err := channel.QueueBind(queue.Name, key, rabbitmq.OrderEventsExchange, false, nil); err != nil {
			channel.Close()
			return nil, fmt.Errorf("failed to bind scope queue: %w", err)
		}
	}

	deliveries, err := channel.Consume(
		queue.Name, // queue
		"",         // consumer
		false,      // auto-ack
		true,       // exclusive
		false,      // no-local
		false,      // no-wait
		nil,        // args
	)
	if err != nil {
		channel.Close()
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}

	closeCh := channel.NotifyClose(make(chan *amqp.Error, 1))
	handle := &amqpHandle{channel: channel}

	go func() {
		for {
			select {
			case msg, ok := <-deliveries:
				if !ok {
					return
				}
				var event models.OrderEvent
				if err := json.Unmarshal(msg.Body, &event); err != nil {
					c.log.Error("", "event_parsing_failed", "Failed to parse pushed event", err)
					msg.Nack(false, false) // don't requeue
					continue
				}
				onMessage(event)
				msg.Ack(false)
			case amqpErr, ok := <-closeCh:
				if ok && amqpErr != nil && onError != nil {
					onError(amqpErr)
				}
				return
			}
		}
	}()

	c.log.Debug("", "channel_opened", "Opened realtime channel for scope "+scopeID)
	return handle, nil
}

type amqpHandle struct {
	channel *amqp.Channel
}

func (h *amqpHandle) Close() error {
	return h.channel.Close()
}

// EventPublisher pushes order events onto the topic exchange so every
// subscribed client observes the change.
type EventPublisher struct {
	rmq *rabbitmq.RabbitMQ
	log *logger.Logger
}

func NewEventPublisher(rmq *rabbitmq.RabbitMQ, log *logger.Logger) *EventPublisher {
	return &EventPublisher{rmq: rmq, log: log}
}

// Publish routes the event as <scope_kind>.<scope_id>.<event_type>, where
// scopeKind is "order" or "user".
func (p *EventPublisher) Publish(scopeKind string, event models.OrderEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	routingKey := fmt.Sprintf("%s.%s.%s", scopeKind, event.ScopeID, event.Type)
	if err := p.rmq.PublishMessage(rabbitmq.OrderEventsExchange, routingKey, body); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	p.log.Debug("", "event_published",
		fmt.Sprintf("Published %s event for scope %s", event.Type, event.ScopeID))
	return nil
}

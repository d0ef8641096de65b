// Package pubsubbus implements the bus over Google Cloud Pub/Sub. Messages are
// published with the location name as ordering key so the speed layer sees each
// location's samples in poll order.
package pubsubbus

import (
	"context"

	"cloud.google.com/go/pubsub"
	"github.com/pkg/errors"

	"github.com/urbanpulse/pipeline/go/bus"
	"github.com/urbanpulse/pipeline/go/metrics"
	"github.com/urbanpulse/pipeline/go/plog"
)

const (
	// batchSize is the batch size of messages to receive per Go routine.
	batchSize = 5
)

// Publisher implements bus.Publisher on a Pub/Sub topic.
type Publisher struct {
	topic     *pubsub.Topic
	published *metrics.Counter
	failed    *metrics.Counter
}

// NewPublisher returns a Publisher on the named topic, creating the topic if
// it does not exist. Message ordering is enabled; the ordering key is the
// location name passed to Publish.
func NewPublisher(ctx context.Context, project, topicName string) (*Publisher, error) {
	client, err := pubsub.NewClient(ctx, project)
	if err != nil {
		return nil, errors.Wrapf(err, "creating Pub/Sub client for project %s", project)
	}
	topic, err := ensureTopic(ctx, client, topicName)
	if err != nil {
		return nil, err
	}
	topic.EnableMessageOrdering = true
	return &Publisher{
		topic:     topic,
		published: metrics.GetCounter("pipeline_bus_published", nil),
		failed:    metrics.GetCounter("pipeline_bus_publish_failed", nil),
	}, nil
}

// Publish implements bus.Publisher.
func (p *Publisher) Publish(ctx context.Context, key string, payload []byte) error {
	if len(payload) > bus.MaxPayloadBytes {
		return bus.ErrPayloadTooLarge
	}
	res := p.topic.Publish(ctx, &pubsub.Message{
		Data:        payload,
		OrderingKey: key,
	})
	if _, err := res.Get(ctx); err != nil {
		// A failed publish pauses the ordering key until we resume it.
		p.topic.ResumePublish(key)
		p.failed.Inc(1)
		return errors.Wrapf(err, "publishing to topic %s", p.topic.ID())
	}
	p.published.Inc(1)
	return nil
}

// Stop flushes any pending messages and releases the publisher's resources.
// Call during shutdown, after the poller has stopped.
func (p *Publisher) Stop() {
	p.topic.Stop()
}

// Consumer implements bus.Consumer on a Pub/Sub subscription.
type Consumer struct {
	sub   *pubsub.Subscription
	acked *metrics.Counter
	nacks *metrics.Counter
}

// NewConsumer returns a Consumer on the named subscription of the topic,
// creating both if they do not exist. numGoRoutines bounds concurrent handler
// invocations.
func NewConsumer(ctx context.Context, project, topicName, subName string, numGoRoutines int) (*Consumer, error) {
	client, err := pubsub.NewClient(ctx, project)
	if err != nil {
		return nil, errors.Wrapf(err, "creating Pub/Sub client for project %s", project)
	}
	topic, err := ensureTopic(ctx, client, topicName)
	if err != nil {
		return nil, err
	}

	sub := client.Subscription(subName)
	ok, err := sub.Exists(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "checking existence of subscription %q", subName)
	}
	if !ok {
		sub, err = client.CreateSubscription(ctx, subName, pubsub.SubscriptionConfig{
			Topic:                 topic,
			EnableMessageOrdering: true,
		})
		if err != nil {
			return nil, errors.Wrapf(err, "creating subscription %q", subName)
		}
	}
	// How many Go routines should be processing messages.
	sub.ReceiveSettings.MaxOutstandingMessages = numGoRoutines * batchSize
	sub.ReceiveSettings.NumGoroutines = numGoRoutines

	return &Consumer{
		sub:   sub,
		acked: metrics.GetCounter("pipeline_bus_acked", nil),
		nacks: metrics.GetCounter("pipeline_bus_nacked", nil),
	}, nil
}

// Receive implements bus.Consumer. A handler error nacks the message so
// Pub/Sub redelivers it.
func (c *Consumer) Receive(ctx context.Context, handler bus.Handler) error {
	err := c.sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		if err := handler(ctx, msg.Data); err != nil {
			plog.Errorf("Failed to process message %s: %s", msg.ID, err)
			msg.Nack()
			c.nacks.Inc(1)
			return
		}
		msg.Ack()
		c.acked.Inc(1)
	})
	if err != nil {
		return errors.Wrapf(err, "receiving from subscription %s", c.sub.ID())
	}
	return nil
}

func ensureTopic(ctx context.Context, client *pubsub.Client, topicName string) (*pubsub.Topic, error) {
	topic := client.Topic(topicName)
	exists, err := topic.Exists(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "checking existence of topic %q", topic.ID())
	}
	if !exists {
		if _, err := client.CreateTopic(ctx, topic.ID()); err != nil {
			return nil, errors.Wrapf(err, "creating topic %q", topic.ID())
		}
	}
	return topic, nil
}

var _ bus.Publisher = (*Publisher)(nil)
var _ bus.Consumer = (*Consumer)(nil)

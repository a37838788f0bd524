// Package pubsub republishes room events to a watermill publisher so other
// in-process consumers (or an AMQP broker, when configured) can observe the
// session without subscribing to the room directly.
package pubsub

import (
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	amqp "github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
)

// PublisherConfig selects the backing transport.
type PublisherConfig struct {
	// AMQPURL switches the sink from the in-process gochannel to a broker.
	AMQPURL string
	// Exchange names the AMQP exchange; ignored for gochannel.
	Exchange string
}

// NewPublisher builds the event publisher: gochannel by default, AMQP when a
// broker URL is configured.
func NewPublisher(cfg PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	if cfg.AMQPURL == "" {
		return gochannel.NewGoChannel(gochannel.Config{}, logger), nil
	}
	amqpCfg := amqp.NewDurablePubSubConfig(cfg.AMQPURL, nil)
	if cfg.Exchange != "" {
		amqpCfg.Exchange.GenerateName = func(string) string { return cfg.Exchange }
	}
	pub, err := amqp.NewPublisher(amqpCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("pubsub: amqp publisher: %w", err)
	}
	return pub, nil
}

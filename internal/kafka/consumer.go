package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/stv-board/internal/config"
	"github.com/stv-board/internal/domain"
)

// SightingHandler applies a detection sighting to the board
type SightingHandler interface {
	AddCheater(ctx context.Context, in domain.CheaterInput) (*domain.Cheater, error)
}

// Sighting is the message format on the detections topic. Producers key
// messages by steam id so repeat sightings of one player stay in order.
type Sighting = domain.CheaterInput

// Consumer consumes detection sightings from Kafka
type Consumer struct {
	config        *config.KafkaConfig
	handler       SightingHandler
	logger        *slog.Logger
	consumerGroup sarama.ConsumerGroup
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	ready         chan struct{}
	readyOnce     sync.Once
}

// NewConsumer creates a new Kafka consumer
func NewConsumer(cfg *config.KafkaConfig, handler SightingHandler, logger *slog.Logger) (*Consumer, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Version = sarama.V3_0_0_0
	saramaConfig.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategySticky()}
	saramaConfig.Consumer.Offsets.Initial = sarama.OffsetNewest
	saramaConfig.Consumer.Return.Errors = true

	consumerGroup, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("creating consumer group: %w", err)
	}

	return newConsumer(cfg, handler, logger, consumerGroup), nil
}

func newConsumer(cfg *config.KafkaConfig, handler SightingHandler, logger *slog.Logger, group sarama.ConsumerGroup) *Consumer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		config:        cfg,
		handler:       handler,
		logger:        logger,
		consumerGroup: group,
		ctx:           ctx,
		cancel:        cancel,
		ready:         make(chan struct{}),
	}
}

func (c *Consumer) readyTimeout() time.Duration {
	if c.config.ReadyTimeout > 0 {
		return c.config.ReadyTimeout
	}
	return 15 * time.Second
}

func (c *Consumer) retryBackoff() time.Duration {
	if c.config.RetryBackoff > 0 {
		return c.config.RetryBackoff
	}
	return 2 * time.Second
}

// markReady closes the ready channel the first time a session is set up.
func (c *Consumer) markReady() {
	c.readyOnce.Do(func() {
		close(c.ready)
		c.logger.Info("Kafka consumer ready")
	})
}

// Ready is closed once the consumer has joined its group.
func (c *Consumer) Ready() <-chan struct{} {
	return c.ready
}

// Start begins consuming messages from Kafka. It waits up to the ready timeout
// for the first group session; if none is set up by then it returns anyway
// and the consumer keeps retrying in the background.
func (c *Consumer) Start() error {
	c.logger.Info("starting Kafka consumer",
		"brokers", c.config.Brokers,
		"topic", c.config.Topic,
		"group_id", c.config.GroupID,
	)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			handler := &consumerGroupHandler{consumer: c}

			if err := c.consumerGroup.Consume(c.ctx, []string{c.config.Topic}, handler); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return
				}
				c.logger.Error("error from consumer", "error", err)
			}

			// Check if context was cancelled
			if c.ctx.Err() != nil {
				return
			}

			timer := time.NewTimer(c.retryBackoff())
			select {
			case <-c.ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
	}()

	// Handle errors in separate goroutine
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-c.ctx.Done():
				return
			case err, ok := <-c.consumerGroup.Errors():
				if !ok {
					return
				}
				c.logger.Error("consumer group error", "error", err)
			}
		}
	}()

	timer := time.NewTimer(c.readyTimeout())
	defer timer.Stop()
	select {
	case <-c.ready:
	case <-timer.C:
		c.logger.Warn("Kafka consumer not ready yet, retrying in background",
			"timeout", c.readyTimeout(),
		)
	case <-c.ctx.Done():
		return c.ctx.Err()
	}

	return nil
}

// Stop gracefully stops the consumer
func (c *Consumer) Stop() error {
	c.logger.Info("stopping Kafka consumer")
	c.cancel()
	c.wg.Wait()
	return c.consumerGroup.Close()
}

// process applies one message. Malformed or invalid sightings are logged and
// skipped; only store failures are returned.
func (c *Consumer) process(ctx context.Context, message *sarama.ConsumerMessage) error {
	var sighting Sighting
	if err := json.Unmarshal(message.Value, &sighting); err != nil {
		c.logger.Warn("failed to unmarshal sighting",
			"error", err,
			"offset", message.Offset,
			"partition", message.Partition,
		)
		return nil
	}

	timeout := c.config.ProcessTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cheater, err := c.handler.AddCheater(ctx, sighting)
	switch {
	case err == nil:
		c.logger.Debug("applied sighting",
			"cheater_id", cheater.ID,
			"steam_id", cheater.SteamID,
			"detection_count", cheater.DetectionCount,
		)
		return nil
	case domain.Classify(err) == domain.KindServer:
		return err
	default:
		c.logger.Warn("invalid sighting",
			"error", err,
			"offset", message.Offset,
			"partition", message.Partition,
		)
		return nil
	}
}

// consumerGroupHandler implements sarama.ConsumerGroupHandler
type consumerGroupHandler struct {
	consumer *Consumer
}

// Setup is called at the beginning of a new session
func (h *consumerGroupHandler) Setup(sarama.ConsumerGroupSession) error {
	h.consumer.markReady()
	return nil
}

// Cleanup is called at the end of a session
func (h *consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim applies the messages of one partition in order. A message whose
// store write failed is not marked, so it is redelivered after a rebalance.
func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case <-session.Context().Done():
			return nil

		case message, ok := <-claim.Messages():
			if !ok {
				return nil
			}

			if err := h.consumer.process(session.Context(), message); err != nil {
				h.consumer.logger.Error("failed to apply sighting",
					"error", err,
					"offset", message.Offset,
					"partition", message.Partition,
				)
				return err
			}
			session.MarkMessage(message, "")
		}
	}
}

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

	"github.com/pong-tournament/internal/config"
	"github.com/pong-tournament/internal/domain"
	"github.com/pong-tournament/internal/service"
)

// ResultHandler records match results
type ResultHandler interface {
	CompleteMatch(ctx context.Context, report service.MatchReport) (*service.MatchOutcome, error)
}

// errMalformed marks messages that can never be processed
var errMalformed = errors.New("malformed match result")

// Consumer consumes match results published by game servers
type Consumer struct {
	config        *config.KafkaConfig
	handler       ResultHandler
	logger        *slog.Logger
	consumerGroup sarama.ConsumerGroup
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
}

// NewConsumer creates a new Kafka consumer
func NewConsumer(cfg *config.KafkaConfig, handler ResultHandler, logger *slog.Logger) (*Consumer, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Version = sarama.V3_0_0_0
	saramaConfig.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	saramaConfig.Consumer.Offsets.Initial = sarama.OffsetOldest
	saramaConfig.Consumer.Return.Errors = true

	consumerGroup, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("creating consumer group: %w", err)
	}

	return newConsumer(cfg, handler, consumerGroup, logger), nil
}

func newConsumer(cfg *config.KafkaConfig, handler ResultHandler, group sarama.ConsumerGroup, logger *slog.Logger) *Consumer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		config:        cfg,
		handler:       handler,
		logger:        logger,
		consumerGroup: group,
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Start begins consuming messages from Kafka
func (c *Consumer) Start() error {
	c.logger.Info("starting kafka consumer",
		"brokers", c.config.Brokers,
		"topic", c.config.Topic,
		"group_id", c.config.GroupID,
	)

	// each session gets its own ready channel, owned by the consume loop
	ready := make(chan bool)
	c.wg.Add(1)
	go func(ready chan bool) {
		defer c.wg.Done()
		for {
			handler := &consumerGroupHandler{
				consumer: c,
				ready:    ready,
			}

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

			ready = make(chan bool)
		}
	}(ready)

	// Wait until consumer is ready
	select {
	case <-ready:
		c.logger.Info("kafka consumer ready")
	case <-c.ctx.Done():
		return c.ctx.Err()
	}

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

	return nil
}

// Stop gracefully stops the consumer
func (c *Consumer) Stop() error {
	c.logger.Info("stopping kafka consumer")
	c.cancel()
	c.wg.Wait()
	return c.consumerGroup.Close()
}

// DecodeResult parses a message value into a match report. Results come
// from trusted game servers, so the report carries no reporter.
func DecodeResult(value []byte) (service.MatchReport, error) {
	var result domain.MatchResult
	if err := json.Unmarshal(value, &result); err != nil {
		return service.MatchReport{}, fmt.Errorf("%w: %v", errMalformed, err)
	}
	if result.MatchID <= 0 || result.WinnerID <= 0 {
		return service.MatchReport{}, fmt.Errorf("%w: match_id and winner_id are required", errMalformed)
	}

	report := service.MatchReport{
		MatchID:      result.MatchID,
		WinnerID:     result.WinnerID,
		Player1Score: result.Player1Score,
		Player2Score: result.Player2Score,
	}
	if result.GameID != "" || len(result.Metadata) > 0 {
		data, err := json.Marshal(struct {
			GameID   string         `json:"game_id,omitempty"`
			Metadata map[string]any `json:"metadata,omitempty"`
		}{result.GameID, result.Metadata})
		if err != nil {
			return service.MatchReport{}, fmt.Errorf("%w: %v", errMalformed, err)
		}
		report.MatchData = data
	}
	return report, nil
}

// process records one message. Store failures are retried; anything the
// service rejects is final and the message is skipped.
func (c *Consumer) process(ctx context.Context, value []byte) error {
	report, err := DecodeResult(value)
	if err != nil {
		return err
	}

	attempts := c.config.RetryAttempts + 1
	for attempt := 1; ; attempt++ {
		outcome, err := c.handler.CompleteMatch(ctx, report)
		if err == nil {
			c.logger.Info("match result recorded",
				"match_id", report.MatchID,
				"winner_id", report.WinnerID,
				"tournament_completed", outcome.Completed,
			)
			return nil
		}
		if domain.KindOf(err) != domain.KindInternal || attempt >= attempts {
			return err
		}

		c.logger.Warn("retrying match result", "match_id", report.MatchID, "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.config.RetryDelay):
		}
	}
}

// consumerGroupHandler implements sarama.ConsumerGroupHandler
type consumerGroupHandler struct {
	consumer *Consumer
	ready    chan bool
}

// Setup is called at the beginning of a new session
func (h *consumerGroupHandler) Setup(sarama.ConsumerGroupSession) error {
	close(h.ready)
	return nil
}

// Cleanup is called at the end of a session
func (h *consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim processes results one at a time, in partition order
func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	logger := h.consumer.logger
	for {
		select {
		case <-session.Context().Done():
			return nil

		case message, ok := <-claim.Messages():
			if !ok {
				return nil
			}

			err := h.consumer.process(session.Context(), message.Value)
			switch {
			case err == nil:
			case errors.Is(err, errMalformed):
				logger.Warn("skipping malformed match result",
					"error", err,
					"offset", message.Offset,
					"partition", message.Partition,
				)
			case errors.Is(err, context.Canceled):
				// leave the offset unmarked so the next owner replays it
				return nil
			default:
				logger.Error("match result rejected",
					"error", err,
					"offset", message.Offset,
					"partition", message.Partition,
				)
			}
			session.MarkMessage(message, "")
		}
	}
}

package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// MaxPriority is the AMQP priority ceiling declared on every work queue.
const MaxPriority = 10

// attemptHeader carries the delivery attempt count across the retry cycle.
const attemptHeader = "x-attempt"

// Config holds RabbitMQ connection and topology configuration
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	VHost    string

	ExchangeName    string
	ExchangeDurable bool

	// Categories are the logical queues to declare; each gets a work,
	// retry and parked queue.
	Categories []string

	RetryAttempts int
	RetryInterval time.Duration
	Heartbeat     time.Duration

	// Delivery retry/backoff: base * 2^attempt, bounded by MaxAttempts.
	MaxAttempts int
	BackoffBase time.Duration

	// Retention bounds for broker storage growth.
	CompletedTTL time.Duration
	FailedTTL    time.Duration
	MaxParked    int
}

// Client represents a RabbitMQ client owning the docjobs topology: per
// category a priority work queue, a retry queue whose expired messages
// dead-letter back into the work queue, and a parked queue for exhausted
// deliveries.
type Client struct {
	config      *Config
	conn        *amqp.Connection
	channel     *amqp.Channel
	logger      *slog.Logger
	closeChan   chan *amqp.Error
	isConnected bool

	mu         sync.Mutex
	tombstones map[string]time.Time
}

// NewClient creates a new RabbitMQ client and declares the topology
func NewClient(config *Config, logger *slog.Logger) (*Client, error) {
	client := &Client{
		config:     config,
		logger:     logger,
		tombstones: make(map[string]time.Time),
	}

	if err := client.connect(); err != nil {
		return nil, fmt.Errorf("failed to create RabbitMQ client: %w", err)
	}

	return client, nil
}

// connect establishes connection to RabbitMQ with retry logic
func (c *Client) connect() error {
	var err error

	dsn := fmt.Sprintf("amqp://%s:%s@%s:%d%s",
		c.config.User,
		c.config.Password,
		c.config.Host,
		c.config.Port,
		c.config.VHost,
	)

	amqpConfig := amqp.Config{
		Heartbeat: c.config.Heartbeat,
		Locale:    "en_US",
	}

	attempts := c.config.RetryAttempts
	if attempts <= 0 {
		attempts = 1
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		c.logger.Info("Connecting to RabbitMQ",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", attempts),
		)

		c.conn, err = amqp.DialConfig(dsn, amqpConfig)
		if err == nil {
			break
		}

		c.logger.Error("Failed to connect to RabbitMQ",
			slog.Any("error", err),
			slog.Int("attempt", attempt),
		)

		if attempt < attempts {
			time.Sleep(c.config.RetryInterval)
		}
	}

	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", attempts, err)
	}

	c.channel, err = c.conn.Channel()
	if err != nil {
		c.conn.Close()
		return fmt.Errorf("failed to create channel: %w", err)
	}

	if err := c.setupTopology(); err != nil {
		c.channel.Close()
		c.conn.Close()
		return fmt.Errorf("failed to setup topology: %w", err)
	}

	c.closeChan = make(chan *amqp.Error)
	c.channel.NotifyClose(c.closeChan)
	c.isConnected = true

	c.logger.Info("RabbitMQ client initialized",
		slog.String("exchange", c.config.ExchangeName),
		slog.Int("categories", len(c.config.Categories)),
	)

	return nil
}

// WorkQueue returns the work queue name for a category.
func WorkQueue(category string) string {
	return "docjobs." + category
}

// RetryQueue returns the retry queue name for a category.
func RetryQueue(category string) string {
	return "docjobs." + category + ".retry"
}

// ParkedQueue returns the parked queue name for a category.
func ParkedQueue(category string) string {
	return "docjobs." + category + ".parked"
}

// setupTopology declares the exchange and the three queues per category.
func (c *Client) setupTopology() error {
	err := c.channel.ExchangeDeclare(
		c.config.ExchangeName,
		"direct",
		c.config.ExchangeDurable,
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	for _, cat := range c.config.Categories {
		if err := c.declareCategory(cat); err != nil {
			return fmt.Errorf("failed to declare category %q: %w", cat, err)
		}
	}

	return nil
}

// workQueueArgs declares a priority queue whose rejected deliveries
// dead-letter into parked. The work queue carries no message TTL on
// purpose: an undelivered QUEUED message expiring out of it would strand
// its ledger row with nothing left to deliver.
func workQueueArgs(c *Config, category string) amqp.Table {
	return amqp.Table{
		"x-max-priority":            int32(MaxPriority),
		"x-dead-letter-exchange":    c.ExchangeName,
		"x-dead-letter-routing-key": ParkedQueue(category),
	}
}

// retryQueueArgs declares the backoff holding queue. Expired messages
// dead-letter back into the work queue; the per-message expiration set on
// publish implements the backoff delay, and CompletedTTL is a queue-level
// ceiling over it. Per-message expiration is only observed at the queue
// head, so a long-backoff message can briefly hold back shorter ones
// behind it; with the exponential schedule that wait is bounded by the
// final backoff step.
func retryQueueArgs(c *Config, category string) amqp.Table {
	args := amqp.Table{
		"x-dead-letter-exchange":    c.ExchangeName,
		"x-dead-letter-routing-key": WorkQueue(category),
	}
	if c.CompletedTTL > 0 {
		args["x-message-ttl"] = c.CompletedTTL.Milliseconds()
	}
	return args
}

// parkedQueueArgs bounds broker storage growth for exhausted and malformed
// deliveries.
func parkedQueueArgs(c *Config) amqp.Table {
	args := amqp.Table{}
	if c.FailedTTL > 0 {
		args["x-message-ttl"] = c.FailedTTL.Milliseconds()
	}
	if c.MaxParked > 0 {
		args["x-max-length"] = int32(c.MaxParked)
	}
	return args
}

func (c *Client) declareCategory(category string) error {
	for _, q := range []struct {
		name string
		args amqp.Table
	}{
		{WorkQueue(category), workQueueArgs(c.config, category)},
		{RetryQueue(category), retryQueueArgs(c.config, category)},
		{ParkedQueue(category), parkedQueueArgs(c.config)},
	} {
		if _, err := c.channel.QueueDeclare(q.name, true, false, false, false, q.args); err != nil {
			return fmt.Errorf("failed to declare queue %s: %w", q.name, err)
		}
		if err := c.channel.QueueBind(q.name, q.name, c.config.ExchangeName, false, nil); err != nil {
			return fmt.Errorf("failed to bind queue %s: %w", q.name, err)
		}
	}

	return nil
}

// PublishJob publishes a job message to a category's work queue. Priority
// is the raw AMQP priority (higher = sooner, capped at MaxPriority).
func (c *Client) PublishJob(ctx context.Context, category string, body []byte, priority uint8) error {
	if !c.isConnected {
		return fmt.Errorf("not connected to RabbitMQ")
	}

	if priority > MaxPriority {
		priority = MaxPriority
	}

	err := c.channel.PublishWithContext(
		ctx,
		c.config.ExchangeName,
		WorkQueue(category),
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Priority:     priority,
			Timestamp:    time.Now(),
			Headers:      amqp.Table{attemptHeader: int32(0)},
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}

	c.logger.Debug("Message published",
		slog.String("queue", WorkQueue(category)),
		slog.Int("priority", int(priority)),
	)

	return nil
}

// PublishRetry re-publishes a delivery into a category's retry queue with
// an exponential-backoff expiration. The message re-enters the work queue
// when the expiration lapses.
func (c *Client) PublishRetry(ctx context.Context, category string, body []byte, attempt int) error {
	if !c.isConnected {
		return fmt.Errorf("not connected to RabbitMQ")
	}

	delay := backoffDelay(c.config.BackoffBase, attempt)

	err := c.channel.PublishWithContext(
		ctx,
		c.config.ExchangeName,
		RetryQueue(category),
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			Expiration:   strconv.FormatInt(delay.Milliseconds(), 10),
			Headers:      amqp.Table{attemptHeader: int32(attempt + 1)},
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish retry message: %w", err)
	}

	c.logger.Info("Delivery scheduled for retry",
		slog.String("queue", RetryQueue(category)),
		slog.Int("attempt", attempt+1),
		slog.Duration("delay", delay),
	)

	return nil
}

// backoffDelay is the retry-queue residence time for a given attempt:
// base * 2^attempt, with a one second floor on the base.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if attempt < 0 {
		attempt = 0
	}
	return base * time.Duration(uint(1)<<uint(attempt))
}

// Attempt extracts the delivery attempt count from a delivery's headers.
func Attempt(d *amqp.Delivery) int {
	if d.Headers == nil {
		return 0
	}
	switch v := d.Headers[attemptHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

// MaxAttempts returns the configured delivery retry bound.
func (c *Client) MaxAttempts() int {
	if c.config.MaxAttempts <= 0 {
		return 3
	}
	return c.config.MaxAttempts
}

// Remove tombstones a job id so any in-flight message for it is dropped on
// delivery. AMQP cannot delete an individual message from a queue, so this
// is best-effort and advisory; the ledger claim gate is what makes stray
// deliveries harmless.
func (c *Client) Remove(jobID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := time.Now().Add(-c.tombstoneTTL())
	for id, at := range c.tombstones {
		if at.Before(cutoff) {
			delete(c.tombstones, id)
		}
	}
	c.tombstones[jobID] = time.Now()
}

// Removed reports whether a job id has been tombstoned.
func (c *Client) Removed(jobID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.tombstones[jobID]
	return ok
}

func (c *Client) tombstoneTTL() time.Duration {
	if c.config.FailedTTL > 0 {
		return c.config.FailedTTL
	}
	return time.Hour
}

// Qos bounds the number of unacknowledged deliveries per consumer.
func (c *Client) Qos(prefetch int) error {
	if c.channel == nil {
		return fmt.Errorf("rabbitmq channel is nil")
	}
	if err := c.channel.Qos(prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}
	return nil
}

// Consume starts consuming messages from a category's work queue
func (c *Client) Consume(category, consumerTag string) (<-chan amqp.Delivery, error) {
	if !c.isConnected {
		return nil, fmt.Errorf("not connected to RabbitMQ")
	}

	messages, err := c.channel.Consume(
		WorkQueue(category),
		consumerTag,
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to consume messages: %w", err)
	}

	c.logger.Info("Started consuming messages",
		slog.String("queue", WorkQueue(category)),
		slog.String("consumer_tag", consumerTag),
	)

	return messages, nil
}

// GetChannel returns the channel for ack/nack operations
func (c *Client) GetChannel() *amqp.Channel {
	return c.channel
}

// IsConnected returns the connection status
func (c *Client) IsConnected() bool {
	return c.isConnected && c.conn != nil && !c.conn.IsClosed()
}

// Close closes the RabbitMQ connection
func (c *Client) Close() error {
	c.logger.Info("Closing RabbitMQ connection")

	c.isConnected = false

	if c.channel != nil {
		if err := c.channel.Close(); err != nil {
			c.logger.Error("Failed to close RabbitMQ channel",
				slog.Any("error", err),
			)
		}
	}

	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Error("Failed to close RabbitMQ connection",
				slog.Any("error", err),
			)
			return err
		}
	}

	return nil
}

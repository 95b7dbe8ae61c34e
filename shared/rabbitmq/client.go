package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrBackpressure is the root of every publish rejection that means
// "try again later" rather than "this message is wrong".
var ErrBackpressure = errors.New("rabbitmq backpressure")

var (
	ErrNotConnected   = fmt.Errorf("%w: not connected", ErrBackpressure)
	ErrFlowControlled = fmt.Errorf("%w: publishing paused by broker", ErrBackpressure)
	ErrPublishNacked  = fmt.Errorf("%w: publish nacked by broker", ErrBackpressure)
	ErrConfirmTimeout = fmt.Errorf("%w: publish confirm timed out", ErrBackpressure)
)

// Config holds RabbitMQ connection configuration
type Config struct {
	Host               string
	Port               int
	User               string
	Password           string
	VHost              string
	ExchangeName       string
	ExchangeType       string
	QueueName          string
	RoutingKey         string
	DeadLetterExchange string
	DeadLetterQueue    string
	RetryAttempts      int
	RetryInterval      time.Duration
	Heartbeat          time.Duration
	ConnectionTimeout  time.Duration
	ConfirmTimeout     time.Duration
}

// Client is a supervised connection plus a single confirm-mode channel.
// Any unexpected connection or channel closure is surfaced on Done; the
// client never reconnects on its own, because a process holding a dead
// channel would silently drop publishes and deliveries.
type Client struct {
	config *Config
	conn   *amqp.Connection
	ch     *amqp.Channel
	logger *slog.Logger

	connected atomic.Bool
	blocked   atomic.Bool
	paused    atomic.Bool
	closing   atomic.Bool

	failOnce sync.Once
	done     chan struct{}
	errMu    sync.Mutex
	err      error
}

// NewClient dials RabbitMQ with bounded retries, declares the topology and
// enables publisher confirms.
func NewClient(ctx context.Context, config *Config, logger *slog.Logger) (*Client, error) {
	c := newClient(config, logger)

	if err := c.connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to create RabbitMQ client: %w", err)
	}

	return c, nil
}

func newClient(config *Config, logger *slog.Logger) *Client {
	return &Client{
		config: config,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// dsn builds the AMQP URI, escaping credentials.
func (c *Client) dsn() string {
	u := url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(c.config.User, c.config.Password),
		Host:   c.config.Host + ":" + strconv.Itoa(c.config.Port),
		Path:   "/",
	}
	// an empty path segment selects the default "/" vhost
	if vhost := strings.TrimPrefix(c.config.VHost, "/"); vhost != "" {
		u.Path = "/" + vhost
	}
	return u.String()
}

// connect establishes connection to RabbitMQ with retry logic
func (c *Client) connect(ctx context.Context) error {
	attempts := c.config.RetryAttempts
	if attempts <= 0 {
		attempts = 1
	}

	amqpConfig := amqp.Config{
		Heartbeat: c.config.Heartbeat,
		Locale:    "en_US",
	}
	if c.config.ConnectionTimeout > 0 {
		amqpConfig.Dial = amqp.DefaultDial(c.config.ConnectionTimeout)
	}

	var (
		conn *amqp.Connection
		err  error
	)
	for attempt := 1; attempt <= attempts; attempt++ {
		c.logger.Info("Connecting to RabbitMQ",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", attempts),
		)

		conn, err = amqp.DialConfig(c.dsn(), amqpConfig)
		if err == nil {
			break
		}

		c.logger.Error("Failed to connect to RabbitMQ",
			slog.Any("error", err),
			slog.Int("attempt", attempt),
		)

		if attempt < attempts {
			select {
			case <-ctx.Done():
				return fmt.Errorf("connect canceled after %d attempts: %w", attempt, ctx.Err())
			case <-time.After(c.config.RetryInterval):
			}
		}
	}

	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", attempts, err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to create channel: %w", err)
	}

	c.conn = conn
	c.ch = ch

	if err := c.setup(); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("failed to setup exchange and queue: %w", err)
	}

	if err := ch.Confirm(false); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("failed to enable publisher confirms: %w", err)
	}

	go c.supervise(
		conn.NotifyClose(make(chan *amqp.Error, 1)),
		ch.NotifyClose(make(chan *amqp.Error, 1)),
		conn.NotifyBlocked(make(chan amqp.Blocking, 1)),
		ch.NotifyFlow(make(chan bool, 1)),
	)
	c.connected.Store(true)

	c.logger.Info("RabbitMQ client initialized",
		slog.String("exchange", c.config.ExchangeName),
		slog.String("queue", c.config.QueueName),
		slog.String("dead_letter_queue", c.config.DeadLetterQueue),
	)

	return nil
}

// setup declares the dead-letter topology, the durable work queue and its
// binding. Declarations are idempotent as long as every process uses the
// same configuration.
func (c *Client) setup() error {
	var queueArgs amqp.Table

	if c.config.DeadLetterExchange != "" {
		if err := c.ch.ExchangeDeclare(
			c.config.DeadLetterExchange, // name
			amqp.ExchangeFanout,         // type
			true,                        // durable
			false,                       // auto-deleted
			false,                       // internal
			false,                       // no-wait
			nil,                         // arguments
		); err != nil {
			return fmt.Errorf("failed to declare dead-letter exchange: %w", err)
		}

		if _, err := c.ch.QueueDeclare(
			c.config.DeadLetterQueue, // name
			true,                     // durable
			false,                    // auto-delete
			false,                    // exclusive
			false,                    // no-wait
			nil,                      // arguments
		); err != nil {
			return fmt.Errorf("failed to declare dead-letter queue: %w", err)
		}

		if err := c.ch.QueueBind(c.config.DeadLetterQueue, "", c.config.DeadLetterExchange, false, nil); err != nil {
			return fmt.Errorf("failed to bind dead-letter queue: %w", err)
		}

		queueArgs = amqp.Table{"x-dead-letter-exchange": c.config.DeadLetterExchange}
	}

	if err := c.ch.ExchangeDeclare(
		c.config.ExchangeName, // name
		c.config.ExchangeType, // type
		true,                  // durable
		false,                 // auto-deleted
		false,                 // internal
		false,                 // no-wait
		nil,                   // arguments
	); err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	if _, err := c.ch.QueueDeclare(
		c.config.QueueName, // name
		true,               // durable
		false,              // auto-delete
		false,              // exclusive
		false,              // no-wait
		queueArgs,          // arguments
	); err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	if err := c.ch.QueueBind(
		c.config.QueueName,    // queue name
		c.config.RoutingKey,   // routing key
		c.config.ExchangeName, // exchange
		false,                 // no-wait
		nil,                   // arguments
	); err != nil {
		return fmt.Errorf("failed to bind queue: %w", err)
	}

	return nil
}

// supervise watches broker notifications until both close channels fire.
func (c *Client) supervise(connClose, chanClose <-chan *amqp.Error, blocked <-chan amqp.Blocking, flow <-chan bool) {
	for connClose != nil || chanClose != nil {
		select {
		case amqpErr, ok := <-connClose:
			if !ok {
				connClose = nil
				c.lost(nil, "connection")
				continue
			}
			c.lost(amqpErr, "connection")

		case amqpErr, ok := <-chanClose:
			if !ok {
				chanClose = nil
				c.lost(nil, "channel")
				continue
			}
			c.lost(amqpErr, "channel")

		case b, ok := <-blocked:
			if !ok {
				blocked = nil
				continue
			}
			c.blocked.Store(b.Active)
			c.logger.Warn("RabbitMQ connection blocked state changed",
				slog.Bool("blocked", b.Active),
				slog.String("reason", b.Reason),
			)

		case active, ok := <-flow:
			if !ok {
				flow = nil
				continue
			}
			c.paused.Store(!active)
			c.logger.Warn("RabbitMQ channel flow changed",
				slog.Bool("active", active),
			)
		}
	}
}

// lost records an unexpected closure. Closures caused by Close are ignored.
func (c *Client) lost(amqpErr *amqp.Error, what string) {
	c.connected.Store(false)
	if c.closing.Load() {
		return
	}

	err := fmt.Errorf("rabbitmq %s closed unexpectedly", what)
	if amqpErr != nil {
		err = fmt.Errorf("rabbitmq %s closed unexpectedly: %w", what, amqpErr)
	}
	c.fail(err)
}

func (c *Client) fail(err error) {
	c.failOnce.Do(func() {
		c.errMu.Lock()
		c.err = err
		c.errMu.Unlock()

		c.logger.Error("RabbitMQ client unhealthy",
			slog.Any("error", err),
		)
		close(c.done)
	})
}

// Done is closed when the connection or channel is lost unexpectedly.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the failure that closed Done, or nil.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// publishable reports why a publish cannot be attempted right now.
func (c *Client) publishable() error {
	if !c.connected.Load() || c.closing.Load() {
		return ErrNotConnected
	}
	if c.blocked.Load() || c.paused.Load() {
		return ErrFlowControlled
	}
	return nil
}

// Publish sends a persistent message and waits for the broker confirm.
// Every rejection wraps ErrBackpressure.
func (c *Client) Publish(ctx context.Context, body []byte, contentType string) error {
	if err := c.publishable(); err != nil {
		return err
	}

	confirmCtx := ctx
	if c.config.ConfirmTimeout > 0 {
		var cancel context.CancelFunc
		confirmCtx, cancel = context.WithTimeout(ctx, c.config.ConfirmTimeout)
		defer cancel()
	}

	dc, err := c.ch.PublishWithDeferredConfirmWithContext(
		confirmCtx,
		c.config.ExchangeName, // exchange
		c.config.RoutingKey,   // routing key
		false,                 // mandatory
		false,                 // immediate
		amqp.Publishing{
			ContentType:  contentType,
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
		},
	)
	if err != nil {
		c.logger.Error("Failed to publish message to RabbitMQ",
			slog.Any("error", err),
		)
		if errors.Is(err, amqp.ErrClosed) {
			return fmt.Errorf("%w: %v", ErrNotConnected, err)
		}
		return fmt.Errorf("%w: %v", ErrBackpressure, err)
	}

	acked, err := dc.WaitContext(confirmCtx)
	if err != nil {
		c.logger.Warn("Publish confirm not received",
			slog.Any("error", err),
			slog.Uint64("delivery_tag", dc.DeliveryTag),
		)
		return fmt.Errorf("%w: %v", ErrConfirmTimeout, err)
	}
	if !acked {
		return ErrPublishNacked
	}

	c.logger.Debug("Message published to RabbitMQ",
		slog.Int("body_size", len(body)),
		slog.String("content_type", contentType),
	)

	return nil
}

// Consume sets the prefetch bound and starts a manual-ack consumer.
func (c *Client) Consume(consumerTag string, prefetch int) (<-chan amqp.Delivery, error) {
	if !c.connected.Load() {
		return nil, ErrNotConnected
	}

	// prefetch_size 0: no byte limit; global false: per consumer
	if err := c.ch.Qos(prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	messages, err := c.ch.Consume(
		c.config.QueueName, // queue
		consumerTag,        // consumer tag
		false,              // auto-ack
		false,              // exclusive
		false,              // no-local
		false,              // no-wait
		nil,                // args
	)
	if err != nil {
		return nil, fmt.Errorf("failed to consume messages: %w", err)
	}

	c.logger.Info("Started consuming messages from RabbitMQ",
		slog.String("queue", c.config.QueueName),
		slog.String("consumer_tag", consumerTag),
		slog.Int("prefetch", prefetch),
	)

	return messages, nil
}

// Cancel stops deliveries to consumerTag. Unacked deliveries stay valid
// and can still be acked or nacked until the channel closes.
func (c *Client) Cancel(consumerTag string) error {
	if c.ch == nil {
		return ErrNotConnected
	}
	if err := c.ch.Cancel(consumerTag, false); err != nil {
		return fmt.Errorf("failed to cancel consumer: %w", err)
	}
	return nil
}

// Close closes the RabbitMQ connection without reporting a failure.
func (c *Client) Close() error {
	c.logger.Info("Closing RabbitMQ connection")

	c.closing.Store(true)
	c.connected.Store(false)

	if c.ch != nil {
		if err := c.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			c.logger.Error("Failed to close RabbitMQ channel",
				slog.Any("error", err),
			)
		}
	}

	if c.conn != nil {
		if err := c.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			c.logger.Error("Failed to close RabbitMQ connection",
				slog.Any("error", err),
			)
			return err
		}
	}

	c.logger.Info("RabbitMQ connection closed successfully")
	return nil
}

// IsConnected returns the connection status
func (c *Client) IsConnected() bool {
	return c.connected.Load() && c.conn != nil && !c.conn.IsClosed()
}

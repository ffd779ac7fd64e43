package delivery

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/streadway/amqp"
	"go.uber.org/zap"

	"github.com/zoff-tech/go-reminder-outbox/pkg/config"
)

type pooledChannel struct {
	channel     *amqp.Channel
	connection  *amqp.Connection
	notifyClose chan *amqp.Error
	confirms    chan amqp.Confirmation
}

func (p *pooledChannel) closed() bool {
	select {
	case <-p.notifyClose:
		return true
	default:
		return false
	}
}

func (p *pooledChannel) discard() {
	_ = p.channel.Close()
}

func newConnection(settings config.SenderSettings, logger *zap.Logger) (*amqp.Connection, error) {
	conn, err := amqp.Dial(settings.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	notifyClose := make(chan *amqp.Error)
	conn.NotifyClose(notifyClose)
	go func() {
		for err := range notifyClose {
			logger.Warn("rabbitmq connection closed", zap.Error(err))
		}
	}()

	return conn, nil
}

func newPooledChannel(conn *amqp.Connection) (*pooledChannel, error) {
	channel, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	if err := channel.Confirm(false); err != nil {
		_ = channel.Close()
		return nil, fmt.Errorf("enable publisher confirms: %w", err)
	}
	return &pooledChannel{
		channel:     channel,
		connection:  conn,
		notifyClose: channel.NotifyClose(make(chan *amqp.Error, 1)),
		confirms:    channel.NotifyPublish(make(chan amqp.Confirmation, 1)),
	}, nil
}

// connectAndInitialize dials a fresh connection, declares the exchange and swaps in a
// new channel pool.
func (r *rabbitMqSender) connectAndInitialize() error {
	connection, err := newConnection(r.settings, r.logger)
	if err != nil {
		return err
	}

	channel, err := connection.Channel()
	if err != nil {
		_ = connection.Close()
		return err
	}
	err = channel.ExchangeDeclare(
		r.settings.Exchange, // name
		"topic",             // type
		true,                // durable
		false,               // auto-deleted
		false,               // internal
		false,               // no-wait
		nil,                 // arguments
	)
	_ = channel.Close()
	if err != nil {
		_ = connection.Close()
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	pool := make(chan *pooledChannel, r.settings.PoolSize)
	for i := 0; i < r.settings.PoolSize; i++ {
		pc, err := newPooledChannel(connection)
		if err != nil {
			drainPool(pool)
			_ = connection.Close()
			return err
		}
		pool <- pc
	}

	r.mu.Lock()
	old, oldPool := r.connection, r.channelPool
	r.connection = connection
	r.channelPool = pool
	r.mu.Unlock()

	drainPool(oldPool)
	if old != nil && !old.IsClosed() {
		_ = old.Close()
	}

	r.logger.Info("rabbitmq connection, exchange and channel pool initialized",
		zap.String("exchange", r.settings.Exchange),
		zap.Int("pool_size", r.settings.PoolSize))
	return nil
}

func (r *rabbitMqSender) recoverConnection() {
	for {
		select {
		case <-r.reconnectTicker.C:
			r.mu.Lock()
			conn := r.connection
			r.mu.Unlock()
			if conn != nil && !conn.IsClosed() {
				continue
			}
			r.reconnect()
		case <-r.stopReconnect:
			r.logger.Info("stopping rabbitmq connection recovery")
			return
		}
	}
}

func (r *rabbitMqSender) reconnect() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-r.stopReconnect:
			cancel()
		case <-ctx.Done():
		}
	}()

	r.logger.Info("attempting to reconnect to rabbitmq")
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, r.connectAndInitialize()
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(time.Minute),
		backoff.WithNotify(func(err error, next time.Duration) {
			r.logger.Warn("rabbitmq reconnect failed", zap.Error(err), zap.Duration("next", next))
		}),
	)
	if err != nil {
		r.logger.Error("giving up rabbitmq reconnect until next check", zap.Error(err))
		return
	}
	r.logger.Info("reconnected to rabbitmq")
}

func (r *rabbitMqSender) getChannel() (*pooledChannel, error) {
	r.mu.Lock()
	pool, conn := r.channelPool, r.connection
	r.mu.Unlock()
	if conn == nil || conn.IsClosed() {
		return nil, amqp.ErrClosed
	}

	for {
		select {
		case pooledChan := <-pool:
			if pooledChan.closed() {
				r.logger.Debug("discarding closed channel")
				continue
			}
			return pooledChan, nil
		default:
			r.logger.Debug("channel pool empty, opening channel")
			return newPooledChannel(conn)
		}
	}
}

func (r *rabbitMqSender) releaseChannel(pooledChan *pooledChannel) {
	if pooledChan.closed() {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if pooledChan.connection != r.connection {
		pooledChan.discard()
		return
	}
	select {
	case r.channelPool <- pooledChan:
	default:
		// pool is full
		pooledChan.discard()
	}
}

func drainPool(pool chan *pooledChannel) {
	for {
		select {
		case pc := <-pool:
			pc.discard()
		default:
			return
		}
	}
}

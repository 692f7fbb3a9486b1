package broker

import (
	"errors"
	"fmt"

	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

var errBrokerClosed = errors.New("rabbitmq broker closed")

type pooledChannel struct {
	channel     *amqp.Channel
	notifyClose chan *amqp.Error
}

func newPooledChannel(conn *amqp.Connection) (*pooledChannel, error) {
	channel, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	return &pooledChannel{
		channel:     channel,
		notifyClose: channel.NotifyClose(make(chan *amqp.Error, 1)),
	}, nil
}

func (r *rabbitMqBroker) newConnection() (*amqp.Connection, error) {
	conn, err := amqp.Dial(r.settings.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	// Set up a channel to handle connection close notifications
	notifyClose := conn.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		for err := range notifyClose {
			r.logger.Warn("RabbitMQ connection closed", zap.Error(err))
		}
	}()
	return conn, nil
}

func (r *rabbitMqBroker) connectAndInitialize() error {
	connection, err := r.newConnection()
	if err != nil {
		return err
	}

	// Declare the exchange once per connection
	setup, err := connection.Channel()
	if err != nil {
		connection.Close()
		return err
	}
	err = setup.ExchangeDeclare(
		r.settings.Exchange, // name
		"topic",             // type
		true,                // durable
		false,               // auto-deleted
		false,               // internal
		false,               // no-wait
		nil,                 // arguments
	)
	setup.Close()
	if err != nil {
		connection.Close()
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	pool := make(chan *pooledChannel, r.settings.PoolSize)
	for i := 0; i < r.settings.PoolSize; i++ {
		pooled, err := newPooledChannel(connection)
		if err != nil {
			connection.Close()
			return err
		}
		pool <- pooled
	}

	r.mu.Lock()
	old, oldConn := r.channelPool, r.connection
	r.connection, r.channelPool = connection, pool
	r.mu.Unlock()

	if old != nil {
		r.drainPool(old)
	}
	if oldConn != nil && !oldConn.IsClosed() {
		oldConn.Close()
	}

	r.logger.Info("RabbitMQ connection, exchange, and channel pool initialized",
		zap.String("exchange", r.settings.Exchange),
		zap.Int("pool_size", r.settings.PoolSize),
	)
	return nil
}

// drainPool closes every idle channel left in pool without closing pool itself,
// since publishers may still hand channels back to it.
func (r *rabbitMqBroker) drainPool(pool chan *pooledChannel) {
	for {
		select {
		case pooled := <-pool:
			pooled.channel.Close()
		default:
			return
		}
	}
}

func (r *rabbitMqBroker) recoverConnection() {
	for {
		select {
		case <-r.reconnectTicker.C:
			r.mu.RLock()
			down := r.connection == nil || r.connection.IsClosed()
			r.mu.RUnlock()
			if !down {
				continue
			}
			r.logger.Info("Attempting to reconnect to RabbitMQ")
			if err := r.connectAndInitialize(); err != nil {
				r.logger.Warn("Failed to reconnect to RabbitMQ", zap.Error(err))
			} else {
				r.logger.Info("Reconnected to RabbitMQ successfully")
			}
		case <-r.stopReconnect:
			r.logger.Debug("Stopping RabbitMQ connection recovery")
			return
		}
	}
}

func (r *rabbitMqBroker) getChannel() (*pooledChannel, error) {
	r.mu.RLock()
	pool, conn, closed := r.channelPool, r.connection, r.closed
	r.mu.RUnlock()
	if closed {
		return nil, errBrokerClosed
	}

	for {
		select {
		case pooledChan := <-pool:
			select {
			case err := <-pooledChan.notifyClose:
				// Channel is closed, discard it
				r.logger.Debug("Discarding closed channel", zap.Error(err))
				continue
			default:
				return pooledChan, nil
			}
		default:
			// Create a new channel if none are available
			return newPooledChannel(conn)
		}
	}
}

func (r *rabbitMqBroker) releaseChannel(pooledChan *pooledChannel) {
	select {
	case err := <-pooledChan.notifyClose:
		// Channel is closed, discard it
		r.logger.Debug("Discarding closed channel", zap.Error(err))
		return
	default:
	}

	r.mu.RLock()
	pool, closed := r.channelPool, r.closed
	r.mu.RUnlock()
	if closed {
		pooledChan.channel.Close()
		return
	}

	select {
	case pool <- pooledChan:
	default:
		// Pool is full, close the channel
		pooledChan.channel.Close()
	}
}

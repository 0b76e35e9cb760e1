package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// AMQPConfig configures the RabbitMQ publisher.
type AMQPConfig struct {
	URL      string
	Exchange string
	// RoutingPrefix is prepended to the event type to form the routing key.
	RoutingPrefix string
	// Queue, when set, is declared and bound to every event of the exchange.
	Queue     string
	QueueSize int
	Workers   int
}

type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPPublisher queues events and publishes them to a topic exchange from a
// small worker pool. A full queue drops the event.
type AMQPPublisher struct {
	cfg  AMQPConfig
	log  logrus.FieldLogger
	conn *amqp.Connection

	chMu sync.Mutex
	ch   amqpChannel

	queue     chan Event
	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	counters
}

// NewAMQPPublisher dials the broker and declares the exchange.
func NewAMQPPublisher(cfg AMQPConfig, logger logrus.FieldLogger) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	if err := declare(ch, cfg); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	p := newAMQPPublisher(cfg, ch, logger)
	p.conn = conn
	logger.WithFields(logrus.Fields{
		"exchange": cfg.Exchange,
		"queue":    cfg.Queue,
	}).Info("RabbitMQ publisher initialized")
	return p, nil
}

func declare(ch *amqp.Channel, cfg AMQPConfig) error {
	err := ch.ExchangeDeclare(
		cfg.Exchange, // name
		"topic",      // type
		true,         // durable
		false,        // auto-deleted
		false,        // internal
		false,        // no-wait
		nil,          // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}
	if cfg.Queue == "" {
		return nil
	}
	if _, err := ch.QueueDeclare(cfg.Queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}
	if err := ch.QueueBind(cfg.Queue, cfg.RoutingPrefix+"#", cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue: %w", err)
	}
	return nil
}

func newAMQPPublisher(cfg AMQPConfig, ch amqpChannel, logger logrus.FieldLogger) *AMQPPublisher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	p := &AMQPPublisher{
		cfg:    cfg,
		log:    logger.WithField("component", "amqp-events"),
		ch:     ch,
		queue:  make(chan Event, cfg.QueueSize),
		stopCh: make(chan struct{}),
	}
	for i := 0; i < cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// Publish enqueues e without blocking.
func (p *AMQPPublisher) Publish(ctx context.Context, e Event) error {
	select {
	case <-p.stopCh:
		return errors.New("publisher closed")
	default:
	}
	select {
	case p.queue <- e:
		return nil
	default:
		p.dropped.Add(1)
		return fmt.Errorf("event queue full, dropped %s", e.Type)
	}
}

func (p *AMQPPublisher) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			// drain what is already queued
			for {
				select {
				case e := <-p.queue:
					p.send(e)
				default:
					return
				}
			}
		case e := <-p.queue:
			p.send(e)
		}
	}
}

func (p *AMQPPublisher) send(e Event) {
	body, err := json.Marshal(e)
	if err != nil {
		p.errors.Add(1)
		p.log.WithError(err).Error("failed to marshal event")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	p.chMu.Lock()
	err = p.ch.PublishWithContext(ctx,
		p.cfg.Exchange,             // exchange
		p.cfg.RoutingPrefix+e.Type, // routing key
		false,                      // mandatory
		false,                      // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    e.Timestamp,
		},
	)
	p.chMu.Unlock()

	if err != nil {
		p.errors.Add(1)
		p.log.WithError(err).WithField("type", e.Type).Warn("failed to publish event")
		return
	}
	p.published.Add(1)
}

// Stats returns publisher counters.
func (p *AMQPPublisher) Stats() Stats { return p.snapshot() }

// Close flushes queued events and closes the connection.
func (p *AMQPPublisher) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.stopCh)
		p.wg.Wait()
		err = p.ch.Close()
		if p.conn != nil {
			if cerr := p.conn.Close(); err == nil {
				err = cerr
			}
		}
	})
	return err
}

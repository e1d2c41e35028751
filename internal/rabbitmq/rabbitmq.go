package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cutekitek/rankode-exec/internal/consumer"
	"github.com/cutekitek/rankode-exec/internal/repository/dto"
	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	reconnectDelay = 15 * time.Second
	requeueDelay   = time.Second
	consumerTag    = "rankode-exec"
)

type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

type RabbitMqHandlerConfig struct {
	Login         string
	Password      string
	Host          string
	Port          int
	RequestQueue  string
	ResponseQueue string
	WorkersCount  int
}

// RabbitMQHandler consumes execution requests and publishes results to the ReplyTo queue
// of each request, or to the response queue when ReplyTo is empty.
type RabbitMQHandler struct {
	cfg     RabbitMqHandlerConfig
	handler *consumer.Handler
	ctx     context.Context

	mu           sync.Mutex
	conn         *amqp.Connection
	consumerChan *amqp.Channel
	producerChan publisher

	wg     sync.WaitGroup
	closed atomic.Bool
}

func NewRabbitMQHandler(cfg RabbitMqHandlerConfig, handler *consumer.Handler) *RabbitMQHandler {
	if cfg.WorkersCount <= 0 {
		cfg.WorkersCount = 1
	}
	return &RabbitMQHandler{cfg: cfg, handler: handler}
}

// Start connects and starts consuming. After a broker drop it keeps reconnecting
// until Close is called.
func (r *RabbitMQHandler) Start(ctx context.Context) error {
	// accepted messages are always answered, even during shutdown
	r.ctx = context.WithoutCancel(ctx)
	return r.start()
}

func (r *RabbitMQHandler) start() error {
	if err := r.connect(); err != nil {
		return errors.Wrap(err, "failed to connect to rabbitmq")
	}
	if err := r.startProducer(); err != nil {
		return errors.Wrap(err, "failed to start producer")
	}
	if err := r.startConsumer(); err != nil {
		return errors.Wrap(err, "failed to start consumer")
	}
	slog.Info("rabbitmq consumer started", "queue", r.cfg.RequestQueue, "workers", r.cfg.WorkersCount)
	return nil
}

func (r *RabbitMQHandler) startConsumer() error {
	channel, err := r.conn.Channel()
	if err != nil {
		return err
	}
	if err := channel.Qos(r.cfg.WorkersCount, 0, false); err != nil {
		return err
	}
	queue, err := channel.QueueDeclare(r.cfg.RequestQueue, true, false, false, false, nil)
	if err != nil {
		return err
	}
	deliveries, err := channel.Consume(queue.Name, consumerTag, false, false, false, false, nil)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.consumerChan = channel
	r.mu.Unlock()

	for i := 0; i < r.cfg.WorkersCount; i++ {
		r.wg.Add(1)
		go r.worker(deliveries)
	}
	return nil
}

func (r *RabbitMQHandler) startProducer() error {
	channel, err := r.conn.Channel()
	if err != nil {
		return err
	}
	if _, err := channel.QueueDeclare(r.cfg.ResponseQueue, true, false, false, false, nil); err != nil {
		return err
	}
	r.mu.Lock()
	r.producerChan = channel
	r.mu.Unlock()
	return nil
}

func (r *RabbitMQHandler) connect() error {
	url := fmt.Sprintf("amqp://%s:%s@%s:%d", r.cfg.Login, r.cfg.Password, r.cfg.Host, r.cfg.Port)
	conn, err := amqp.Dial(url)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.conn = conn
	r.mu.Unlock()

	errChan := conn.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		amqpErr := <-errChan
		if r.closed.Load() {
			return
		}
		slog.Warn("rabbitmq connection lost", "error", amqpErr)
		for {
			time.Sleep(reconnectDelay)
			if r.closed.Load() {
				return
			}
			err := r.start()
			if err == nil {
				return
			}
			slog.Error("failed to reconnect to rabbitmq", "error", err)
		}
	}()
	return nil
}

// worker exits when the delivery channel closes with its connection.
func (r *RabbitMQHandler) worker(deliveries <-chan amqp.Delivery) {
	defer r.wg.Done()
	for d := range deliveries {
		r.process(d)
	}
}

func (r *RabbitMQHandler) process(d amqp.Delivery) {
	resp, err := r.handler.Handle(r.ctx, d.Body)
	if err != nil {
		slog.Debug("requeueing message", "error", err)
		time.Sleep(requeueDelay)
		if err := d.Nack(false, true); err != nil {
			slog.Error("failed to nack message", "error", err)
		}
		return
	}

	queue := d.ReplyTo
	if queue == "" {
		queue = r.cfg.ResponseQueue
	}
	if err := r.send(queue, d.CorrelationId, resp); err != nil {
		slog.Error("failed to send response to queue", "id", resp.Id, "error", err)
		d.Nack(false, true)
		return
	}
	if err := d.Ack(false); err != nil {
		slog.Error("failed to ack message", "id", resp.Id, "error", err)
	}
}

func (r *RabbitMQHandler) send(queue, correlationId string, data *dto.ExecResponseMessage) error {
	if r.closed.Load() {
		return errors.New("handler is closed")
	}
	body, err := json.Marshal(data)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.producerChan.PublishWithContext(r.ctx, "", queue, false, false, amqp.Publishing{
		ContentType:   "application/json",
		CorrelationId: correlationId,
		Body:          body,
	})
}

// Close stops consuming, waits until in-flight messages are answered and disconnects.
func (r *RabbitMQHandler) Close() error {
	r.mu.Lock()
	conn, consumerChan := r.conn, r.consumerChan
	r.mu.Unlock()

	if consumerChan != nil {
		if err := consumerChan.Cancel(consumerTag, false); err != nil {
			slog.Warn("failed to cancel consumer", "error", err)
		}
	}
	r.wg.Wait()
	r.closed.Store(true)
	if conn == nil {
		return nil
	}
	return conn.Close()
}

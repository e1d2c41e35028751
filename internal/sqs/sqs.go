package sqs

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/cutekitek/rankode-exec/internal/consumer"
	"github.com/cutekitek/rankode-exec/internal/repository/dto"
	"github.com/pkg/errors"
)

const (
	waitTimeSeconds = 20
	receiveBackoff  = time.Second
)

type Client interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

type Config struct {
	RequestQueueURL  string
	ResponseQueueURL string
	Region           string
	WorkersCount     int
}

// Consumer long-polls the request queue. A request is deleted only after its response
// was sent, so a crash leads to redelivery rather than a lost request.
type Consumer struct {
	cfg     Config
	client  Client
	handler *consumer.Handler
	wg      sync.WaitGroup
}

func NewClient(ctx context.Context, region string) (*sqs.Client, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, errors.Wrap(err, "failed to load aws config")
	}
	return sqs.NewFromConfig(cfg), nil
}

func NewConsumer(cfg Config, client Client, handler *consumer.Handler) *Consumer {
	if cfg.WorkersCount <= 0 {
		cfg.WorkersCount = 1
	}
	return &Consumer{cfg: cfg, client: client, handler: handler}
}

// Start runs the pollers until ctx is cancelled.
func (c *Consumer) Start(ctx context.Context) {
	for i := 0; i < c.cfg.WorkersCount; i++ {
		c.wg.Add(1)
		go c.poll(ctx)
	}
	slog.Info("sqs consumer started", "queue", c.cfg.RequestQueueURL, "workers", c.cfg.WorkersCount)
}

// Wait blocks until all pollers have stopped.
func (c *Consumer) Wait() {
	c.wg.Wait()
}

func (c *Consumer) poll(ctx context.Context) {
	defer c.wg.Done()
	for ctx.Err() == nil {
		out, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(c.cfg.RequestQueueURL),
			MaxNumberOfMessages: 1,
			WaitTimeSeconds:     waitTimeSeconds,
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("failed to receive messages", "error", err)
			time.Sleep(receiveBackoff)
			continue
		}
		for _, m := range out.Messages {
			c.process(context.WithoutCancel(ctx), m)
		}
	}
}

func (c *Consumer) process(ctx context.Context, m types.Message) {
	resp, err := c.handler.Handle(ctx, []byte(aws.ToString(m.Body)))
	if err != nil {
		// make the message visible again shortly instead of waiting for the visibility timeout
		_, err := c.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
			QueueUrl:          aws.String(c.cfg.RequestQueueURL),
			ReceiptHandle:     m.ReceiptHandle,
			VisibilityTimeout: 1,
		})
		if err != nil {
			slog.Warn("failed to release message", "error", err)
		}
		return
	}
	if err := c.send(ctx, resp); err != nil {
		slog.Error("failed to send response", "id", resp.Id, "error", err)
		return
	}
	_, err = c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.cfg.RequestQueueURL),
		ReceiptHandle: m.ReceiptHandle,
	})
	if err != nil {
		slog.Error("failed to delete message", "id", resp.Id, "error", err)
	}
}

func (c *Consumer) send(ctx context.Context, resp *dto.ExecResponseMessage) error {
	body, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	_, err = c.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(c.cfg.ResponseQueueURL),
		MessageBody: aws.String(string(body)),
	})
	return err
}

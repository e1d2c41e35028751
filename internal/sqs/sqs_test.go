package sqs

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/cutekitek/rankode-exec/internal/consumer"
	"github.com/cutekitek/rankode-exec/internal/pool"
	"github.com/cutekitek/rankode-exec/internal/repository/dto"
	"github.com/cutekitek/rankode-exec/internal/repository/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	err error
}

func (f *fakeRunner) Run(_ context.Context, req *dto.RunRequest) (*dto.RunResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &dto.RunResult{Kind: models.OutcomeSuccess, Output: req.Stdin}, nil
}

type fakeClient struct {
	mu       sync.Mutex
	inbox    []types.Message
	sent     []string
	deleted  []string
	released []string
}

func (f *fakeClient) ReceiveMessage(ctx context.Context, _ *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.mu.Lock()
	if len(f.inbox) > 0 {
		m := f.inbox[0]
		f.inbox = f.inbox[1:]
		f.mu.Unlock()
		return &sqs.ReceiveMessageOutput{Messages: []types.Message{m}}, nil
	}
	f.mu.Unlock()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(10 * time.Millisecond):
		return &sqs.ReceiveMessageOutput{}, nil
	}
}

func (f *fakeClient) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, aws.ToString(in.MessageBody))
	return &sqs.SendMessageOutput{}, nil
}

func (f *fakeClient) DeleteMessage(_ context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, aws.ToString(in.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func (f *fakeClient) ChangeMessageVisibility(_ context.Context, in *sqs.ChangeMessageVisibilityInput, _ ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, aws.ToString(in.ReceiptHandle))
	return &sqs.ChangeMessageVisibilityOutput{}, nil
}

func message(handle, body string) types.Message {
	return types.Message{ReceiptHandle: aws.String(handle), Body: aws.String(body)}
}

func TestConsumerAnswersAndDeletes(t *testing.T) {
	client := &fakeClient{inbox: []types.Message{
		message("h1", `{"id":"1","language":"python","code":"x","input":"one"}`),
		message("h2", `{"id":"2","language":"ruby","code":"x","input":""}`),
	}}
	c := NewConsumer(Config{RequestQueueURL: "req", ResponseQueueURL: "resp"}, client, consumer.NewHandler(&fakeRunner{}, nil))

	ctx, cancel := context.WithCancel(context.Background())
	c.Start(ctx)
	require.Eventually(t, func() bool {
		client.mu.Lock()
		defer client.mu.Unlock()
		return len(client.deleted) == 2
	}, 5*time.Second, 5*time.Millisecond)
	cancel()
	c.Wait()

	assert.Equal(t, []string{"h1", "h2"}, client.deleted)
	require.Len(t, client.sent, 2)
	assert.JSONEq(t, `{"id":"1","output":"one","kind":"success"}`, client.sent[0])
	assert.JSONEq(t, `{"id":"2","error":"Unsupported language","kind":"invalid_request"}`, client.sent[1])
}

func TestConsumerReleasesWhenQueueFull(t *testing.T) {
	client := &fakeClient{}
	c := NewConsumer(Config{RequestQueueURL: "req", ResponseQueueURL: "resp"}, client, consumer.NewHandler(&fakeRunner{err: pool.ErrQueueFull}, nil))

	c.process(context.Background(), message("h1", `{"id":"1","language":"c","code":"x","input":""}`))
	assert.Empty(t, client.sent)
	assert.Empty(t, client.deleted)
	assert.Equal(t, []string{"h1"}, client.released)
}

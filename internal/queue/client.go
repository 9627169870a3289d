package queue

import (
	"context"
	"time"

	"github.com/hibiken/asynq"
)

type Client struct {
	client      *asynq.Client
	queue       string
	taskTimeout time.Duration
}

// NewClient enqueues onto queueName. Tasks get workerTimeout plus a minute of
// slack so asynq never cancels a conversion before the supervisor does.
func NewClient(redisOpt asynq.RedisClientOpt, queueName string, workerTimeout time.Duration) *Client {
	return &Client{
		client:      asynq.NewClient(redisOpt),
		queue:       queueName,
		taskTimeout: workerTimeout + time.Minute,
	}
}

func (c *Client) EnqueueConvertPDF(ctx context.Context, payload ConvertPDFPayload) (*asynq.TaskInfo, error) {
	task, err := NewConvertPDFTask(payload)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(ctx, task, c.options()...)
}

func (c *Client) options() []asynq.Option {
	return []asynq.Option{
		asynq.Queue(c.queue),
		asynq.MaxRetry(0),
		asynq.Timeout(c.taskTimeout),
	}
}

func (c *Client) Close() error {
	return c.client.Close()
}

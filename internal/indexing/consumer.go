package indexing

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
)

// Consumer wraps an asynq.Server with three priority queues, exponential
// retry backoff, and an error handler that logs through the shared logger
// instead of a package global.
type Consumer struct {
	server *asynq.Server
	mux    *asynq.ServeMux
	log    zerolog.Logger
}

// ConsumerConfig configures a Consumer.
type ConsumerConfig struct {
	RedisURL    string
	Concurrency int
	MaxRetries  int
}

// NewConsumer builds a Consumer and registers pipeline's handler for
// TaskTypeIndexVideo.
func NewConsumer(cfg ConsumerConfig, pipeline *Pipeline, log zerolog.Logger) (*Consumer, error) {
	opt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, err
	}

	server := asynq.NewServer(opt, asynq.Config{
		Concurrency: cfg.Concurrency,
		Queues: map[string]int{
			"motionmatch:critical": 6,
			"motionmatch:default":  3,
			"motionmatch:low":      1,
		},
		RetryDelayFunc: func(n int, err error, t *asynq.Task) time.Duration {
			return time.Duration(1<<uint(n)) * time.Minute
		},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			log.Error().Err(err).Str("task_type", task.Type()).Msg("index task failed")
		}),
	})

	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskTypeIndexVideo, func(ctx context.Context, t *asynq.Task) error {
		err := pipeline.ProcessTask(ctx, t)
		if err == nil || cfg.MaxRetries <= 0 {
			return err
		}
		if retried, ok := asynq.GetRetryCount(ctx); ok && retried >= cfg.MaxRetries {
			return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
		}
		return err
	})

	return &Consumer{server: server, mux: mux, log: log}, nil
}

// Start runs the asynq server until Stop is called or the process receives
// a shutdown signal. Blocks the calling goroutine.
func (c *Consumer) Start() error {
	return c.server.Run(c.mux)
}

// Stop gracefully shuts the consumer down, letting in-flight tasks finish.
func (c *Consumer) Stop() {
	c.server.Shutdown()
}

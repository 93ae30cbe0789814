package scheduler

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"payment-service/config"
	"payment-service/internal/pkg/log"

	"github.com/goccy/go-json"
	"github.com/hibiken/asynq"
	"github.com/hibiken/asynqmon"
	"go.uber.org/zap"
)

const (
	TypeNotifyOutcome   = "payment:notify_outcome"
	TypeCaptureOrder    = "payment:capture_order"
	TypeRefundOnArrival = "payment:refund_on_arrival"
)

const defaultMaxRetry = 10

type Scheduler struct {
	Log log.Logger
}

func redisOpt(cfg *config.RedisConfig) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	}
}

func (s *Scheduler) StartMonitoring(cfg *config.RedisConfig, schedulerCfg *config.SchedulerConfig) {
	ctx := context.Background()
	h := asynqmon.New(asynqmon.Options{
		RootPath:     "/monitoring",
		RedisConnOpt: redisOpt(cfg),
	})

	mux := http.NewServeMux()
	mux.Handle(h.RootPath()+"/", h)

	err := http.ListenAndServe(":"+schedulerCfg.MonitoringPort, mux)
	s.Log.Error(ctx, "error start monitoring scheduler", zap.Error(err))
}

func (s *Scheduler) InitClient(cfg *config.RedisConfig) *Client {
	return &Client{client: asynq.NewClient(redisOpt(cfg)), log: s.Log}
}

func (s *Scheduler) StartHandler(cfg *config.RedisConfig, schedulerCfg *config.SchedulerConfig, taskTypes []string, handlerFunc []func(ctx context.Context, t *asynq.Task) error) {
	ctx := context.Background()
	srv := asynq.NewServer(
		redisOpt(cfg),
		asynq.Config{
			Concurrency: schedulerCfg.Concurrency,
			Queues: map[string]int{
				"default": 10,
			},
		},
	)
	mux := asynq.NewServeMux()

	for i, taskType := range taskTypes {
		mux = s.registerHandlers(mux, taskType, handlerFunc[i])
	}

	if err := srv.Run(mux); err != nil {
		s.Log.Error(ctx, "error start handler scheduler", zap.Error(err))
	}
}

func (s *Scheduler) registerHandlers(mux *asynq.ServeMux, typeTask string, handlerFunc func(ctx context.Context, t *asynq.Task) error) *asynq.ServeMux {
	mux.HandleFunc(typeTask, handlerFunc)
	return mux
}

// Client enqueues JSON tasks. A task with a unique id is enqueued at most
// once while it is pending or retained.
type Client struct {
	client *asynq.Client
	log    log.Logger
}

func (c *Client) Enqueue(ctx context.Context, taskType string, payload interface{}, uniqueID string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", taskType, err)
	}

	opts := []asynq.Option{asynq.MaxRetry(defaultMaxRetry)}
	if uniqueID != "" {
		opts = append(opts, asynq.TaskID(uniqueID))
	}

	info, err := c.client.EnqueueContext(ctx, asynq.NewTask(taskType, body), opts...)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		c.log.Info(ctx, "task already enqueued", zap.String("type", taskType), zap.String("task_id", uniqueID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", taskType, err)
	}

	c.log.Info(ctx, "task enqueued", zap.String("type", taskType), zap.String("task_id", info.ID), zap.String("queue", info.Queue))
	return nil
}

func (c *Client) Close() error {
	return c.client.Close()
}

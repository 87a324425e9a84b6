// Package notify publishes job state changes to interested listeners.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/psantana5/media-overseer/pkg/models"
	"github.com/psantana5/media-overseer/pkg/retry"
)

// DefaultChannel is the Redis channel used when none is configured
const DefaultChannel = "overseer:jobs"

// Notification is one job state change
type Notification struct {
	JobID  string            `json:"job_id"`
	State  models.JobState   `json:"state"`
	Status *models.JobStatus `json:"status,omitempty"`
	Error  string            `json:"error,omitempty"`
	Time   time.Time         `json:"time"`
}

// Notifier delivers notifications
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
	Close() error
}

// Nop discards notifications
type Nop struct{}

func (Nop) Notify(context.Context, Notification) error { return nil }
func (Nop) Close() error                               { return nil }

// Publisher is the part of a Redis client used for publishing
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Close() error
}

// RedisNotifier publishes notifications as JSON on a Redis channel
type RedisNotifier struct {
	client  Publisher
	channel string
	retry   retry.Config
}

// Config for the Redis notifier
type Config struct {
	Addr     string
	Password string
	DB       int
	Channel  string
}

// NewRedisNotifier connects to Redis
func NewRedisNotifier(cfg Config) *RedisNotifier {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewRedisNotifierWithClient(client, cfg.Channel)
}

// NewRedisNotifierWithClient wraps an existing client
func NewRedisNotifierWithClient(client Publisher, channel string) *RedisNotifier {
	if channel == "" {
		channel = DefaultChannel
	}
	cfg := retry.DefaultConfig()
	cfg.MaxRetries = 2
	cfg.InitialBackoff = 200 * time.Millisecond
	return &RedisNotifier{client: client, channel: channel, retry: cfg}
}

// Channel returns the channel notifications are published on
func (r *RedisNotifier) Channel() string {
	return r.channel
}

// Notify publishes n, retrying transient failures
func (r *RedisNotifier) Notify(ctx context.Context, n Notification) error {
	if n.Time.IsZero() {
		n.Time = time.Now().UTC()
	}
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}
	return retry.Do(ctx, r.retry, func(ctx context.Context) error {
		err := r.client.Publish(ctx, r.channel, payload).Err()
		if err != nil && !retry.IsRetryable(err) {
			return retry.Permanent(err)
		}
		return err
	})
}

// Close closes the Redis client
func (r *RedisNotifier) Close() error {
	return r.client.Close()
}

// FromJob builds a notification from a job record
func FromJob(job *models.Job) Notification {
	n := Notification{JobID: job.ID, State: job.State, Error: job.Error}
	if job.Status != nil {
		st := job.Status.Clone()
		n.Status = &st
	}
	return n
}

package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"carshare-box/internal/logger"
	"carshare-box/internal/types"

	"github.com/redis/go-redis/v9"
)

const (
	// StatusHash holds the published box status; StatusChannel carries
	// the name of the field that changed.
	StatusHash    = "carshare-box"
	StatusChannel = "carshare-box"

	// CommandList receives local lock/unlock requests via LPUSH.
	CommandList = "carshare:command"

	FaultSet    = "carshare-box:fault"
	FaultStream = "events:faults"
)

type Callbacks struct {
	LockCallback func(types.LockTarget) error // "lock", "unlock"
}

type RedisClient struct {
	client    *redis.Client
	callbacks Callbacks
	logger    *logger.Logger
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func NewRedisClient(addr string, l *logger.Logger, callbacks Callbacks) *RedisClient {
	ctx, cancel := context.WithCancel(context.Background())
	return &RedisClient{
		client: redis.NewClient(&redis.Options{
			Addr: addr,
			DB:   0,
		}),
		callbacks: callbacks,
		logger:    l,
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (r *RedisClient) SetCallbacks(callbacks Callbacks) {
	r.callbacks = callbacks
}

func (r *RedisClient) Connect() error {
	r.logger.Infof("Attempting to connect to Redis at %s", r.client.Options().Addr)

	if err := r.client.Ping(r.ctx).Err(); err != nil {
		r.logger.Infof("Redis connection failed: %v", err)
		return fmt.Errorf("Redis connection failed: %w", err)
	}
	r.logger.Infof("Successfully connected to Redis")
	return nil
}

// StartListening starts the command list listener
func (r *RedisClient) StartListening() error {
	r.logger.Infof("Starting Redis listeners")
	r.wg.Add(1)
	go r.listCommandListener(CommandList, r.handleLockCommand)
	return nil
}

func (r *RedisClient) listCommandListener(key string, handler func(string) error) {
	defer r.wg.Done()
	r.logger.Infof("Starting list command listener for %s", key)

	for {
		select {
		case <-r.ctx.Done():
			r.logger.Infof("Context cancelled, exiting %s listener", key)
			return
		default:
		}

		// Short BRPOP timeout so cancellation is noticed
		result, err := r.client.BRPop(r.ctx, 5*time.Second, key).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			if errors.Is(err, context.Canceled) {
				r.logger.Infof("Context cancelled, exiting %s listener", key)
				return
			}
			r.logger.Infof("Error reading from %s list: %v", key, err)
			select {
			case <-r.ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		if len(result) >= 2 { // BRPOP returns [key, value]
			value := result[1]
			r.logger.Debugf("Received command from %s: %s", key, value)
			if err := handler(value); err != nil {
				r.logger.Warnf("Error handling %s command: %v", key, err)
			}
		}
	}
}

func (r *RedisClient) handleLockCommand(value string) error {
	if r.callbacks.LockCallback == nil {
		return nil
	}
	target, ok := types.ParseLockTarget(value)
	if !ok {
		r.logger.Infof("Invalid lock command value: %s", value)
		return fmt.Errorf("invalid lock command: %s", value)
	}
	return r.callbacks.LockCallback(target)
}

// SendCommand pushes a command onto a Redis list
func (r *RedisClient) SendCommand(list, command string) error {
	err := r.client.LPush(r.ctx, list, command).Err()
	if err != nil {
		r.logger.Infof("Failed to send command '%s' to '%s': %v", command, list, err)
		return err
	}
	r.logger.Infof("Sent command '%s' to '%s'", command, list)
	return nil
}

// publishHashSet atomically updates a hash field and publishes a notification
func (r *RedisClient) publishHashSet(hash, field string, value interface{}, channel, payload string) error {
	pipe := r.client.Pipeline()
	pipe.HSet(r.ctx, hash, field, value)
	pipe.Publish(r.ctx, channel, payload)
	_, err := pipe.Exec(r.ctx)
	return err
}

// PublishStatus sets one field of the box status hash.
func (r *RedisClient) PublishStatus(field, value string) error {
	if err := r.publishHashSet(StatusHash, field, value, StatusChannel, field); err != nil {
		r.logger.Warnf("Failed to publish %s=%s: %v", field, value, err)
		return err
	}
	r.logger.Debugf("Published %s=%s", field, value)
	return nil
}

// PublishActivity records the derived activity with a timestamp.
func (r *RedisClient) PublishActivity(activity types.Activity) error {
	pipe := r.client.Pipeline()
	pipe.HSet(r.ctx, StatusHash, "activity", string(activity))
	pipe.HSet(r.ctx, StatusHash, "activity:timestamp", time.Now().Format(time.RFC3339))
	pipe.Publish(r.ctx, StatusChannel, "activity")
	_, err := pipe.Exec(r.ctx)
	if err != nil {
		r.logger.Warnf("Failed to publish activity: %v", err)
	}
	return err
}

// ReportFaultPresent marks a box fault active and appends it to the
// fault event stream.
func (r *RedisClient) ReportFaultPresent(code int, description string) error {
	r.logger.Infof("Reporting fault present: code=%d, description=%s", code, description)

	pipe := r.client.Pipeline()
	pipe.SAdd(r.ctx, FaultSet, code)
	pipe.XAdd(r.ctx, &redis.XAddArgs{
		Stream: FaultStream,
		MaxLen: 1000,
		Values: map[string]interface{}{
			"group":       "carshare-box",
			"code":        code,
			"description": description,
			"ts":          time.Now().UnixMilli(),
		},
	})
	pipe.Publish(r.ctx, StatusChannel, "fault")

	if _, err := pipe.Exec(r.ctx); err != nil {
		r.logger.Infof("Failed to report fault present: %v", err)
		return err
	}
	return nil
}

// ReportFaultAbsent clears a box fault. A negative code in the stream
// marks the clear.
func (r *RedisClient) ReportFaultAbsent(code int) error {
	pipe := r.client.Pipeline()
	removed := pipe.SRem(r.ctx, FaultSet, code)
	if _, err := pipe.Exec(r.ctx); err != nil {
		r.logger.Infof("Failed to clear fault %d: %v", code, err)
		return err
	}
	if removed.Val() == 0 {
		return nil
	}

	r.logger.Infof("Reporting fault absent: code=%d", code)
	pipe = r.client.Pipeline()
	pipe.XAdd(r.ctx, &redis.XAddArgs{
		Stream: FaultStream,
		MaxLen: 1000,
		Values: map[string]interface{}{
			"group": "carshare-box",
			"code":  -code,
		},
	})
	pipe.Publish(r.ctx, StatusChannel, "fault")
	_, err := pipe.Exec(r.ctx)
	return err
}

// Client exposes the underlying connection for stores that share it.
func (r *RedisClient) Client() *redis.Client {
	return r.client
}

func (r *RedisClient) Close() error {
	r.logger.Infof("Closing Redis client")
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(6 * time.Second):
		r.logger.Warnf("Timed out waiting for Redis listeners")
	}
	return r.client.Close()
}

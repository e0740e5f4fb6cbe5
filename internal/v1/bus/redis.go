// Package bus fans realtime events out to the other server instances over
// Redis Pub/Sub. A single instance runs fine without it.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/woorichat/woorichat/internal/v1/metrics"
)

// channel is the shared event channel. Every instance subscribes once and
// filters by room membership locally.
const channel = "woorichat:events"

// Envelope is the wire container for cross-instance events.
type Envelope struct {
	RoomID   int64           `json:"room_id,omitempty"`
	UserID   int64           `json:"user_id,omitempty"` // direct target, 0 = room broadcast
	Event    string          `json:"event"`
	Payload  json.RawMessage `json:"payload"`
	Instance string          `json:"instance"` // origin instance, used to prevent echo
}

// Service handles all interaction with the Redis cluster.
type Service struct {
	client     *redis.Client
	cb         *gobreaker.CircuitBreaker
	instanceID string
}

// InstanceID identifies this process on the bus.
func (s *Service) InstanceID() string {
	if s == nil {
		return ""
	}
	return s.instanceID
}

// Client returns the underlying Redis client.
func (s *Service) Client() *redis.Client {
	if s == nil {
		return nil
	}
	return s.client
}

// NewService creates a robust Redis connection with automatic retries.
func NewService(addr, password string) (*Service, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	st := gobreaker.Settings{
		Name:        "redis",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("redis").Set(stateVal)
		},
	}

	slog.Info("Connected to Redis Pub/Sub", "addr", addr)
	return &Service{
		client:     rdb,
		cb:         gobreaker.NewCircuitBreaker(st),
		instanceID: uuid.New().String(),
	}, nil
}

// Publish broadcasts a room event to all other instances. When the breaker is
// open the event is dropped rather than blocking the caller; local delivery
// already happened.
func (s *Service) Publish(ctx context.Context, roomID int64, event string, payload any) error {
	return s.publish(ctx, roomID, 0, event, payload)
}

// PublishDirect targets a single user's connections on other instances.
func (s *Service) PublishDirect(ctx context.Context, userID int64, event string, payload any) error {
	return s.publish(ctx, 0, userID, event, payload)
}

func (s *Service) publish(ctx context.Context, roomID, userID int64, event string, payload any) error {
	if s == nil || s.client == nil {
		return nil // Single-instance mode, no Redis available
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		innerBytes, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal inner payload: %w", err)
		}

		data, err := json.Marshal(Envelope{
			RoomID:   roomID,
			UserID:   userID,
			Event:    event,
			Payload:  innerBytes,
			Instance: s.instanceID,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to marshal bus envelope: %w", err)
		}

		return nil, s.client.Publish(ctx, channel, data).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			slog.Warn("Redis Circuit Breaker Open: dropping publish", "event", event)
			return nil
		}
		slog.Error("Redis Publish Failed", "event", event, "error", err)
		return err
	}
	return nil
}

// Subscribe starts a background goroutine that delivers events originating on
// OTHER instances to handler. Events published by this instance are skipped.
func (s *Service) Subscribe(ctx context.Context, wg *sync.WaitGroup, handler func(Envelope)) {
	if s == nil || s.client == nil {
		return // Single-instance mode, no Redis available
	}

	pubsub := s.client.Subscribe(ctx, channel)

	if wg != nil {
		wg.Add(1)
	}
	go func() {
		defer pubsub.Close()
		if wg != nil {
			defer wg.Done()
		}

		slog.Info("Subscribed to Redis channel", "channel", channel)
		ch := pubsub.Channel()

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					slog.Warn("Redis subscription channel closed", "channel", channel)
					return
				}

				var env Envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					slog.Error("Failed to unmarshal Redis message", "error", err, "raw", msg.Payload)
					continue
				}
				if env.Instance == s.instanceID {
					continue // our own event echoing back
				}
				handler(env)
			}
		}
	}()
}

// Ping checks Redis connectivity using the PING command.
// Used by health checks to verify Redis is reachable.
func (s *Service) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return nil
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.Ping(ctx).Err()
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
		}
		return err
	}
	return nil
}

// Close gracefully shuts down the Redis connection.
func (s *Service) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

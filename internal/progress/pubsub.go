package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	channelPrefix  = "video:progress:"
	publishTimeout = 5 * time.Second
)

// Event is a single progress update for a video's processing pipeline.
type Event struct {
	VideoID  string  `json:"video_id"`
	Stage    string  `json:"stage"`
	Fraction float64 `json:"fraction"`
	At       int64   `json:"at"`
}

// RedisPubSub fans progress events out over Redis so any instance holding the
// viewer's WebSocket can deliver them, regardless of which worker trims.
type RedisPubSub struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisPubSub creates a Redis pub/sub bridge for progress events.
func NewRedisPubSub(client *redis.Client, logger *zap.Logger) *RedisPubSub {
	return &RedisPubSub{client: client, logger: logger}
}

// Publish sends a progress update on the video's channel.
func (r *RedisPubSub) Publish(ctx context.Context, videoID, stage string, fraction float64) error {
	body, err := json.Marshal(Event{
		VideoID:  videoID,
		Stage:    stage,
		Fraction: fraction,
		At:       time.Now().Unix(),
	})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	return r.client.Publish(ctx, channelPrefix+videoID, body).Err()
}

// Subscribe listens on a video's channel and calls handler for each event.
// Returns a cancel function to stop the subscription.
func (r *RedisPubSub) Subscribe(videoID string, handler func(ev Event)) (cancel func(), err error) {
	ctx, cancelCtx := context.WithCancel(context.Background())
	pubsub := r.client.Subscribe(ctx, channelPrefix+videoID)
	if _, err = pubsub.Receive(ctx); err != nil {
		cancelCtx()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	ch := pubsub.Channel()
	go func() {
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					r.logger.Warn("bad progress payload", zap.Error(err))
					continue
				}
				handler(ev)
			}
		}
	}()
	return func() { cancelCtx() }, nil
}

// Package receipts carries out-of-band write receipts published by the
// backend once a write is durably applied.
package receipts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultChannel is the pub/sub channel receipts are published on.
const DefaultChannel = "sigclient:receipts"

type Receipt struct {
	LogicalSequence uint64 `json:"logical_sequence"`
	DeviceID        string `json:"device_id"`
}

type Handler func(r Receipt)

func Decode(data []byte) (Receipt, error) {
	r := Receipt{}
	if err := json.Unmarshal(data, &r); err != nil {
		return r, err
	}
	if r.LogicalSequence == 0 {
		return r, errors.New("receipt without logical sequence")
	}
	if r.DeviceID == "" {
		return r, errors.New("receipt without device id")
	}
	return r, nil
}

// RedisSource delivers receipts from a Redis pub/sub channel.
type RedisSource struct {
	client  redis.UniversalClient
	channel string
	log     *zap.Logger
}

func NewRedisSource(client redis.UniversalClient, channel string, log *zap.Logger) *RedisSource {
	if channel == "" {
		channel = DefaultChannel
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisSource{client: client, channel: channel, log: log}
}

// Run subscribes and calls h for every valid receipt until ctx is done.
func (s *RedisSource) Run(ctx context.Context, h Handler) error {
	sub := s.client.Subscribe(ctx, s.channel)
	defer sub.Close()

	// Wait for the subscription to be confirmed so no receipt published
	// after Run starts consuming is missed.
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", s.channel, err)
	}
	s.log.Info("receiving receipts", zap.String("channel", s.channel))
	return s.consume(ctx, sub.Channel(), h)
}

func (s *RedisSource) consume(ctx context.Context, msgs <-chan *redis.Message, h Handler) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-msgs:
			if !ok {
				return fmt.Errorf("subscription to %s closed", s.channel)
			}
			s.handle(m, h)
		}
	}
}

func (s *RedisSource) handle(m *redis.Message, h Handler) bool {
	r, err := Decode([]byte(m.Payload))
	if err != nil {
		s.log.Warn("dropping malformed receipt", zap.String("channel", m.Channel), zap.Error(err))
		return false
	}
	h(r)
	return true
}

func Publish(ctx context.Context, client redis.UniversalClient, channel string, r Receipt) error {
	if channel == "" {
		channel = DefaultChannel
	}
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return client.Publish(ctx, channel, data).Err()
}

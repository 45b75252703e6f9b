package redisx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// SeatsPubSub fans seat changes out to every instance.
type SeatsPubSub struct {
	rdb     *redis.Client
	channel string
}

func NewSeatsPubSub(rdb *redis.Client) *SeatsPubSub {
	return &SeatsPubSub{
		rdb:     rdb,
		channel: ChannelSeatsChanged(),
	}
}

type SeatsChanged struct {
	Type    string `json:"type"`
	EventID int64  `json:"event_id"`
	TsUnix  int64  `json:"ts_unix"`
}

func (p *SeatsPubSub) Publish(ctx context.Context, eventID int64) error {
	b, err := json.Marshal(SeatsChanged{
		Type:    "seats_changed",
		EventID: eventID,
		TsUnix:  time.Now().Unix(),
	})
	if err != nil {
		return err
	}

	return p.rdb.Publish(ctx, p.channel, b).Err()
}

// Subscribe calls handler for every change until ctx is done. It fails
// right away when the subscription cannot be confirmed. Malformed messages
// are dropped.
func (p *SeatsPubSub) Subscribe(ctx context.Context, handler func(ctx context.Context, msg SeatsChanged)) error {
	sub := p.rdb.Subscribe(ctx, p.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("redis.SeatsPubSub.Subscribe: %w", err)
	}

	ch := sub.Channel(redis.WithChannelSize(256))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-ch:
			if !ok {
				return errors.New("redis.SeatsPubSub.Subscribe: subscription closed")
			}
			var msg SeatsChanged
			if err := json.Unmarshal([]byte(m.Payload), &msg); err == nil && msg.EventID != 0 {
				handler(ctx, msg)
			}
		}
	}
}

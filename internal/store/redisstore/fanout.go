package redisstore

import (
	"context"
	"fmt"
)

// Fanout relays broadcast frames between chatd instances over one Redis
// pub/sub channel.
type Fanout struct {
	s       *Store
	channel string
}

func (s *Store) Fanout(channel string) *Fanout {
	if channel == "" {
		channel = "chat:broadcast"
	}
	return &Fanout{s: s, channel: channel}
}

func (f *Fanout) Publish(ctx context.Context, b []byte) error {
	return f.s.rdb.Publish(ctx, f.channel, b).Err()
}

// Subscribe delivers every payload published on the channel, including this
// instance's own, until ctx is done.
func (f *Fanout) Subscribe(ctx context.Context) (<-chan []byte, error) {
	ps := f.s.rdb.Subscribe(ctx, f.channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", f.channel, err)
	}

	out := make(chan []byte, 64)
	go func() {
		defer close(out)
		defer ps.Close()
		ch := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- []byte(m.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

package server

import (
	"context"
	"encoding/json"
	"time"

	"github.com/bytedance/sonic"
)

// bridgeMessage is the envelope published on the redis channel. Origin lets
// an instance skip the echoes of its own publishes.
type bridgeMessage struct {
	Origin string          `json:"origin"`
	Event  string          `json:"event"`
	Data   json.RawMessage `json:"data"`
}

func (s *Server) publishBridge(f frame) {
	msg, err := sonic.Marshal(bridgeMessage{Origin: s.id, Event: f.Event, Data: f.Data})
	if err != nil {
		s.logger.WithError(err).Error("failed to encode bridge message")
		return
	}
	if err := s.rc.Publish(context.Background(), s.channel, msg).Err(); err != nil {
		s.logger.WithError(err).Warn("failed to publish to bridge channel")
	}
}

// runBridge relays events published by peer instances into the local hub.
func (s *Server) runBridge(ctx context.Context) {
	for {
		sub := s.rc.Subscribe(ctx, s.channel)
		ch := sub.Channel()
	recv:
		for {
			select {
			case <-ctx.Done():
				sub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break recv
				}
				var bm bridgeMessage
				if err := sonic.Unmarshal([]byte(msg.Payload), &bm); err != nil {
					s.logger.WithError(err).Error("unable to parse bridge message")
					continue
				}
				if bm.Origin == s.id {
					continue
				}
				select {
				case s.hub.broadcast <- frame{Event: bm.Event, Data: bm.Data}:
				case <-ctx.Done():
					sub.Close()
					return
				}
			}
		}
		sub.Close()
		if ctx.Err() != nil {
			return
		}
		s.logger.Error("bridge channel closed, resubscribing")
		time.Sleep(time.Second)
	}
}

package gateway

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// FanoutChannels lists every logical pub/sub channel an instance must
// subscribe to.
var FanoutChannels = []string{
	ChannelMessageNew,
	ChannelMessageStatus,
	ChannelTyping,
	ChannelUserStatus,
}

// RunFanout consumes the shared pub/sub subscription until ctx is
// cancelled or the subscription closes. Blocking; run it in its own
// goroutine.
func (g *Gateway) RunFanout(ctx context.Context, sub *redis.PubSub) {
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			g.HandleFanout([]byte(msg.Payload))
		}
	}
}

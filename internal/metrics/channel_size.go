package metrics

import (
	"context"
	"time"

	"rugfeed/internal/channel"
	"rugfeed/logger"
)

// StartChannelSizeMetrics emits the raw frame backlog every interval until
// ctx is cancelled. A non-positive interval means one second.
func StartChannelSizeMetrics(ctx context.Context, channels *channel.Channels, interval time.Duration) {
	if channels == nil {
		return
	}
	if interval <= 0 {
		interval = time.Second
	}

	log := logger.GetLogger()
	ticker := time.NewTicker(interval)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stats := channels.GetStats()
				EmitMetric(log, "channel_buffers", "raw_buffer_length", channels.Backlog(), "gauge", logger.Fields{
					"buffer":         "raw_frames",
					"capacity":       cap(channels.Raw),
					"dropped":        stats.RawDropped,
					"critical_waits": stats.CriticalWaits,
				})
			}
		}
	}()
}

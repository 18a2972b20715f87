package channel

import (
	"context"
	"regexp"
	"sync"
	"time"

	"rugfeed/logger"
	"rugfeed/models"
)

const (
	rawStream = "raw_frames"

	// DefaultCriticalWait bounds how long a rug frame waits for buffer room.
	DefaultCriticalWait = 2 * time.Second
)

// rugFrame matches a rugged round state without decoding the frame.
var rugFrame = regexp.MustCompile(`"rugged"\s*:\s*true`)

type ChannelStats struct {
	RawSent       int64
	RawDropped    int64
	CriticalWaits int64
}

// Channels is the bounded hand-off between the socket reader and the
// pipeline worker. A full buffer drops the frame instead of stalling the
// socket read, except for rug frames, which wait up to CriticalWait.
type Channels struct {
	Raw          chan models.RawFrame
	CriticalWait time.Duration

	stats      ChannelStats
	statsMutex sync.RWMutex
	closeOnce  sync.Once
	log        *logger.Log
}

func NewChannels(rawBufferSize int) *Channels {
	log := logger.GetLogger()
	c := &Channels{
		Raw:          make(chan models.RawFrame, rawBufferSize),
		CriticalWait: DefaultCriticalWait,
		log:          log,
	}

	log.WithComponent("frame_channels").WithFields(logger.Fields{
		"raw_buffer_size": rawBufferSize,
	}).Info("frame channels initialized")

	return c
}

// Close closes Raw. Only the reader side may call it, once it has stopped
// sending.
func (c *Channels) Close() {
	c.closeOnce.Do(func() {
		close(c.Raw)
		c.log.WithComponent("frame_channels").Info("frame channels closed")
	})
}

func (c *Channels) SendRaw(ctx context.Context, frame models.RawFrame) bool {
	select {
	case c.Raw <- frame:
		c.sent(frame)
		return true
	case <-ctx.Done():
		return false
	default:
	}

	if c.CriticalWait > 0 && rugFrame.MatchString(frame.Text) {
		c.statsMutex.Lock()
		c.stats.CriticalWaits++
		c.statsMutex.Unlock()

		timer := time.NewTimer(c.CriticalWait)
		defer timer.Stop()
		select {
		case c.Raw <- frame:
			c.sent(frame)
			return true
		case <-ctx.Done():
			return false
		case <-timer.C:
		}
	}

	c.statsMutex.Lock()
	c.stats.RawDropped++
	dropped := c.stats.RawDropped
	c.statsMutex.Unlock()
	if dropped == 1 || dropped%1000 == 0 {
		c.log.WithComponent("frame_channels").WithFields(logger.Fields{
			"dropped_total": dropped,
			"buffer":        cap(c.Raw),
		}).Warn("raw frame buffer full; dropping frames")
	}
	return false
}

func (c *Channels) sent(frame models.RawFrame) {
	c.statsMutex.Lock()
	c.stats.RawSent++
	c.statsMutex.Unlock()
	logger.RecordChannelMessage(rawStream, len(frame.Text))
}

func (c *Channels) GetStats() ChannelStats {
	c.statsMutex.RLock()
	defer c.statsMutex.RUnlock()
	return c.stats
}

// Backlog is the number of frames waiting for the worker.
func (c *Channels) Backlog() int {
	return len(c.Raw)
}

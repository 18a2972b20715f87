package logger

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

type channelStat struct {
	messages int64
	bytes    int64
}

type componentStat struct {
	warns  int64
	errors int64
}

var (
	components sync.Map // map[string]*componentStat
	channels   sync.Map // map[string]*channelStat
)

func componentCounters(component string) *componentStat {
	v, _ := components.LoadOrStore(component, &componentStat{})
	return v.(*componentStat)
}

func recordWarn(component string) {
	atomic.AddInt64(&componentCounters(component).warns, 1)
}

func recordError(component string) {
	atomic.AddInt64(&componentCounters(component).errors, 1)
}

// RecordChannelMessage accounts one message of the given size against a named stream.
func RecordChannelMessage(name string, size int) {
	v, _ := channels.LoadOrStore(name, &channelStat{})
	cs := v.(*channelStat)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

// ComponentCounts returns the warn and error totals logged under a component.
func ComponentCounts(component string) (warns, errors int64) {
	v, ok := components.Load(component)
	if !ok {
		return 0, 0
	}
	cs := v.(*componentStat)
	return atomic.LoadInt64(&cs.warns), atomic.LoadInt64(&cs.errors)
}

// StartReport begins periodic logging of system, disk and stream statistics.
// diskPath is the directory whose filesystem usage is reported (the event
// store root in practice).
func StartReport(ctx context.Context, log *Log, interval time.Duration, diskPath string) {
	if diskPath == "" {
		diskPath = "/"
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logReport(log, diskPath)
			}
		}
	}()
}

func logReport(log *Log, diskPath string) {
	cpuPct := 0.0
	if cpuPercent, err := cpu.Percent(0, false); err == nil && len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}

	fields := Fields{
		"goroutines":  runtime.NumGoroutine(),
		"cpu_percent": cpuPct,
	}
	if memStats, err := mem.VirtualMemory(); err == nil {
		fields["memory_mb"] = int64(memStats.Used) / 1024 / 1024
	}
	if diskStats, err := disk.Usage(diskPath); err == nil {
		fields["disk_used_mb"] = int64(diskStats.Used) / 1024 / 1024
		fields["disk_free_mb"] = int64(diskStats.Free) / 1024 / 1024
	}

	channelData := map[string]map[string]int64{}
	channels.Range(func(k, v any) bool {
		cs := v.(*channelStat)
		channelData[k.(string)] = map[string]int64{
			"messages": atomic.LoadInt64(&cs.messages),
			"bytes":    atomic.LoadInt64(&cs.bytes),
		}
		return true
	})
	fields["channels"] = channelData

	componentData := map[string]map[string]int64{}
	components.Range(func(k, v any) bool {
		cs := v.(*componentStat)
		componentData[k.(string)] = map[string]int64{
			"warns":  atomic.LoadInt64(&cs.warns),
			"errors": atomic.LoadInt64(&cs.errors),
		}
		return true
	})
	fields["components"] = componentData

	log.WithComponent("report").WithFields(fields).Info("runtime report")
}

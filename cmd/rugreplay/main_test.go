package main

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"rugfeed/config"
	"rugfeed/internal/store"
	"rugfeed/models"
)

func TestParseLine(t *testing.T) {
	f, ok := parseLine("2026-03-01T12:00:00.5Z\t42[\"x\",{}]", "src")
	if !ok || f.Text != `42["x",{}]` || !f.ReceivedAt.Equal(time.Date(2026, 3, 1, 12, 0, 0, 5e8, time.UTC)) {
		t.Fatalf("unexpected frame %+v", f)
	}
	if f, ok := parseLine("2", "src"); !ok || f.Text != "2" || f.Source != "src" {
		t.Fatalf("unexpected bare frame %+v", f)
	}
	if _, ok := parseLine("\r", "src"); ok {
		t.Fatal("blank line should be skipped")
	}
}

func TestReplayRebuildsStore(t *testing.T) {
	cfg := config.Default()
	cfg.Store.Dir = t.TempDir()
	cfg.Store.MinFreeBytes = 0
	cfg.RateLimit.Capacity = 40

	capture := strings.Join([]string{
		"2026-03-01T12:00:00Z\t40",
		`2026-03-01T12:00:00.25Z	42["gameStateUpdate",{"gameId":"G1","active":true,"tickCount":0,"price":1}]`,
		`2026-03-01T12:00:00.5Z	42["gameStateUpdate",{"gameId":"G1","active":true,"tickCount":1,"price":1.05}]`,
		"",
	}, "\n")

	n, err := replay(cfg, "replayed", strings.NewReader(capture))
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("frames = %d", n)
	}

	st, err := store.Open(store.Config{Dir: cfg.Store.Dir, MaxBufferSize: 10, FlushInterval: time.Second}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	if st.LastSequence("replayed") != 2 {
		t.Fatalf("resumed sequence = %d", st.LastSequence("replayed"))
	}
	envs, err := st.QueryBy(models.DocGameTick, store.Filter{SessionID: "replayed"})
	if err != nil || len(envs) != 2 {
		t.Fatalf("envs = %d, err = %v", len(envs), err)
	}
}

func TestReplayBeyondLimiterCapacity(t *testing.T) {
	cfg := config.Default()
	cfg.Store.Dir = t.TempDir()
	cfg.Store.MinFreeBytes = 0
	cfg.RateLimit.Capacity = 40

	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var b strings.Builder
	for i := 0; i < 200; i++ {
		at := start.Add(time.Duration(i) * 250 * time.Millisecond)
		fmt.Fprintf(&b, "%s\t42[\"gameStateUpdate\",{\"gameId\":\"G1\",\"active\":true,\"tickCount\":%d,\"price\":1}]\n",
			at.Format(time.RFC3339Nano), i)
	}

	n, err := replay(cfg, "paced", strings.NewReader(b.String()))
	if err != nil || n != 200 {
		t.Fatalf("replayed %d frames, err = %v", n, err)
	}

	st, err := store.Open(store.Config{Dir: cfg.Store.Dir}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	envs, err := st.QueryBy(models.DocGameTick, store.Filter{SessionID: "paced"})
	if err != nil {
		t.Fatal(err)
	}
	if len(envs) != 200 {
		t.Fatalf("stored %d of 200 ticks captured at the live pace", len(envs))
	}
}

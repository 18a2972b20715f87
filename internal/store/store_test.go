package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"rugfeed/models"
)

var day = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func openTestStore(t *testing.T, dir string) *Store {
	t.Helper()
	s, err := Open(Config{Dir: dir, MaxBufferSize: 1000, FlushInterval: time.Hour, MaxFlushFailures: 3}, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return s
}

func envelope(docType models.DocType, session, gameID string, i int) models.Envelope {
	return models.Envelope{
		DocType:    docType,
		SessionID:  session,
		Timestamp:  day.Add(time.Duration(i) * time.Second),
		Source:     "test",
		GameID:     gameID,
		RawPayload: json.RawMessage(fmt.Sprintf(`{"i":%d}`, i)),
	}
}

func storeN(t *testing.T, s *Store, docType models.DocType, session string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if _, err := s.Store(envelope(docType, session, "G1", i)); err != nil {
			t.Fatalf("store %d: %v", i, err)
		}
	}
}

func countFiles(t *testing.T, dir, suffix string) int {
	t.Helper()
	n := 0
	filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() && strings.HasSuffix(path, suffix) {
			n++
		}
		return nil
	})
	return n
}

func TestSequencesAssignedPerSession(t *testing.T) {
	s := openTestStore(t, t.TempDir())
	for i, session := range []string{"a", "a", "b", "a", "b"} {
		seq, err := s.Store(envelope(models.DocGameTick, session, "", i))
		if err != nil {
			t.Fatal(err)
		}
		want := map[int]int64{0: 1, 1: 2, 2: 1, 3: 3, 4: 2}[i]
		if seq != want {
			t.Fatalf("envelope %d (%s): sequence %d, want %d", i, session, seq, want)
		}
	}
}

func TestOutOfOrderRejected(t *testing.T) {
	s := openTestStore(t, t.TempDir())
	storeN(t, s, models.DocGameTick, "a", 2)

	for _, seq := range []int64{2, 4, 1} {
		env := envelope(models.DocGameTick, "a", "", 9)
		env.Sequence = seq
		if _, err := s.Store(env); !errors.Is(err, ErrOutOfOrder) {
			t.Fatalf("sequence %d: err = %v, want ErrOutOfOrder", seq, err)
		}
	}

	env := envelope(models.DocGameTick, "a", "", 9)
	env.Sequence = 3
	if _, err := s.Store(env); err != nil {
		t.Fatalf("next sequence rejected: %v", err)
	}
	if got := s.Stats().OutOfOrder; got != 3 {
		t.Fatalf("out of order count = %d", got)
	}
}

func TestFlushPartitionsAndQuery(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir)

	var mu sync.Mutex
	var committed []Batch
	s.OnCommit(func(b Batch) {
		mu.Lock()
		committed = append(committed, b)
		mu.Unlock()
	})

	s.Store(envelope(models.DocGameTick, "S1", "G1", 0))
	s.Store(envelope(models.DocPlayerAction, "S1", "G1", 1))
	s.Store(envelope(models.DocGameTick, "S1", "G2", 2))
	if err := s.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	if len(committed) != 2 {
		t.Fatalf("expected 2 batches, got %d", len(committed))
	}
	want := "doc_type=game_tick/session=S1/date=2024-03-01/part-00000000000000000001-00000000000000000003.parquet"
	if committed[0].RelPath != want {
		t.Fatalf("batch path %s, want %s", committed[0].RelPath, want)
	}

	ticks, err := s.QueryBy(models.DocGameTick, Filter{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(ticks) != 2 || ticks[0].Sequence != 1 || ticks[1].Sequence != 3 {
		t.Fatalf("unexpected ticks %+v", ticks)
	}
	if string(ticks[1].RawPayload) != `{"i":2}` || ticks[1].GameID != "G2" || !ticks[1].Timestamp.Equal(day.Add(2*time.Second)) {
		t.Fatalf("round trip mismatch %+v", ticks[1])
	}

	byGame, _ := s.QueryBy(models.DocGameTick, Filter{GameID: "G1"})
	if len(byGame) != 1 {
		t.Fatalf("game filter returned %d", len(byGame))
	}
	bySeq, _ := s.QueryBy(models.DocGameTick, Filter{MinSeq: 2})
	if len(bySeq) != 1 || bySeq[0].Sequence != 3 {
		t.Fatalf("min seq filter returned %+v", bySeq)
	}
	byTime, _ := s.QueryBy(models.DocGameTick, Filter{From: day.Add(time.Second), To: day.Add(time.Hour)})
	if len(byTime) != 1 {
		t.Fatalf("time filter returned %d", len(byTime))
	}
	other, _ := s.QueryBy(models.DocGameTick, Filter{SessionID: "other"})
	if len(other) != 0 {
		t.Fatal("session filter leaked records")
	}
}

func TestCrashBeforeRenameLeavesNoPartialBatch(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir)
	storeN(t, s, models.DocGameTick, "S1", 5)
	if err := s.Flush(); err != nil {
		t.Fatal(err)
	}

	// The next batch dies after writing its temp file.
	s.writeFile = func(path string, data []byte) error {
		os.MkdirAll(filepath.Dir(path), 0o755)
		os.WriteFile(path+tmpSuffix, data[:len(data)/2], 0o644)
		return errors.New("killed")
	}
	for i := 5; i < 8; i++ {
		s.Store(envelope(models.DocGameTick, "S1", "G1", i))
	}
	if err := s.Flush(); err == nil {
		t.Fatal("expected flush failure")
	}
	if countFiles(t, dir, tmpSuffix) != 1 {
		t.Fatal("expected the interrupted temp file on disk")
	}

	restarted := openTestStore(t, dir)
	if countFiles(t, dir, tmpSuffix) != 0 {
		t.Fatal("orphan temp file survived restart")
	}
	if restarted.Stats().OrphansRemoved != 1 {
		t.Fatalf("orphans removed = %d", restarted.Stats().OrphansRemoved)
	}
	got, err := restarted.QueryBy(models.DocGameTick, Filter{SessionID: "S1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 5 {
		t.Fatalf("expected 5 committed envelopes, got %d", len(got))
	}
	for i, env := range got {
		if env.Sequence != int64(i+1) {
			t.Fatalf("envelope %d has sequence %d", i, env.Sequence)
		}
	}

	seq, err := restarted.Store(envelope(models.DocGameTick, "S1", "G1", 9))
	if err != nil || seq != 6 {
		t.Fatalf("resumed sequence = %d, %v; want 6", seq, err)
	}
}

func TestFailedFlushRetriesThenSucceeds(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir)

	fail := true
	s.writeFile = func(path string, data []byte) error {
		if fail {
			return errors.New("transient")
		}
		return writeAtomic(path, data)
	}

	storeN(t, s, models.DocGameTick, "S1", 3)
	if err := s.Flush(); err == nil {
		t.Fatal("expected failure")
	}
	if s.Stats().Buffered != 3 {
		t.Fatalf("records not kept for retry: %d buffered", s.Stats().Buffered)
	}
	s.Store(envelope(models.DocGameTick, "S1", "G1", 3))

	fail = false
	if err := s.Flush(); err != nil {
		t.Fatalf("retry: %v", err)
	}
	got, _ := s.QueryBy(models.DocGameTick, Filter{})
	if len(got) != 4 || got[3].Sequence != 4 {
		t.Fatalf("unexpected committed records %+v", got)
	}
	if s.Stats().ConsecutiveFails != 0 {
		t.Fatal("success should reset the failure streak")
	}
}

func TestRepeatedFailuresAreFatal(t *testing.T) {
	s := openTestStore(t, t.TempDir())
	s.writeFile = func(string, []byte) error { return errors.New("disk gone") }

	var fatal error
	s.OnFatal(func(err error) { fatal = err })

	storeN(t, s, models.DocGameTick, "S1", 1)
	for i := 0; i < 3; i++ {
		s.Flush()
	}
	if !errors.Is(fatal, ErrStorageExhausted) || !errors.Is(s.Err(), ErrStorageExhausted) {
		t.Fatalf("expected storage exhausted, got %v / %v", fatal, s.Err())
	}
	if _, err := s.Store(envelope(models.DocGameTick, "S1", "G1", 1)); !errors.Is(err, ErrStorageExhausted) {
		t.Fatalf("store after fatal: %v", err)
	}
}

func TestNoSpaceIsImmediatelyFatal(t *testing.T) {
	s := openTestStore(t, t.TempDir())
	s.writeFile = func(string, []byte) error {
		return fmt.Errorf("write temp file: %w", syscall.ENOSPC)
	}
	storeN(t, s, models.DocGameTick, "S1", 1)
	if err := s.Flush(); !errors.Is(err, ErrStorageExhausted) {
		t.Fatalf("expected fatal on ENOSPC, got %v", err)
	}
}

func TestLowDiskIsFatal(t *testing.T) {
	s, err := Open(Config{Dir: t.TempDir(), MinFreeBytes: 1 << 30}, nil)
	if err != nil {
		t.Fatal(err)
	}
	s.freeBytes = func(string) (uint64, error) { return 1 << 20, nil }
	storeN(t, s, models.DocGameTick, "S1", 2)
	if err := s.Flush(); !errors.Is(err, ErrStorageExhausted) {
		t.Fatalf("expected low disk fatal, got %v", err)
	}
	if s.Stats().Buffered != 2 {
		t.Fatal("records should stay buffered after a disk guard trip")
	}
}

func TestSizeTriggeredFlushAndClose(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(Config{Dir: dir, MaxBufferSize: 3, FlushInterval: time.Hour}, nil)
	if err != nil {
		t.Fatal(err)
	}
	committed := make(chan Batch, 4)
	s.OnCommit(func(b Batch) { committed <- b })
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	storeN(t, s, models.DocServerState, "S1", 3)
	select {
	case b := <-committed:
		if b.Records != 3 {
			t.Fatalf("size flush committed %d records", b.Records)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("buffer threshold did not trigger a flush")
	}

	storeN(t, s, models.DocServerState, "S1", 1)
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := s.Store(envelope(models.DocServerState, "S1", "", 0)); !errors.Is(err, ErrClosed) {
		t.Fatalf("store after close: %v", err)
	}
	got, _ := s.QueryBy(models.DocServerState, Filter{})
	if len(got) != 4 {
		t.Fatalf("close should flush the remainder, got %d records", len(got))
	}
}

func TestParseBatchFileName(t *testing.T) {
	first, last, ok := parseBatchFileName(batchFileName(7, 42))
	if !ok || first != 7 || last != 42 {
		t.Fatalf("round trip failed: %d %d %v", first, last, ok)
	}
	for _, bad := range []string{"part-1.parquet", "x-1-2.parquet", "part-5-2.parquet", "part-1-2.parquet.tmp"} {
		if _, _, ok := parseBatchFileName(bad); ok {
			t.Errorf("%s should not parse", bad)
		}
	}
}

func storeInterleaved(t *testing.T, s *Store, session string) {
	t.Helper()
	for i, docType := range []models.DocType{models.DocPlayerAction, models.DocGameTick, models.DocPlayerAction} {
		if _, err := s.Store(envelope(docType, session, "G1", i)); err != nil {
			t.Fatalf("store %d: %v", i, err)
		}
	}
}

func sequencesOf(envs []models.Envelope) []int64 {
	out := make([]int64, 0, len(envs))
	for _, env := range envs {
		out = append(out, env.Sequence)
	}
	return out
}

func TestInterleavedDocTypesCommitTogether(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir)
	storeInterleaved(t, s, "S1")
	if err := s.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if n := countFiles(t, filepath.Join(dir, manifestDir), ".json"); n != 1 {
		t.Fatalf("expected one manifest, got %d", n)
	}

	restarted := openTestStore(t, dir)
	if got := restarted.LastSequence("S1"); got != 3 {
		t.Fatalf("resumed sequence = %d, want 3", got)
	}
	actions, _ := restarted.QueryBy(models.DocPlayerAction, Filter{SessionID: "S1"})
	ticks, _ := restarted.QueryBy(models.DocGameTick, Filter{SessionID: "S1"})
	if fmt.Sprint(sequencesOf(actions)) != "[1 3]" || fmt.Sprint(sequencesOf(ticks)) != "[2]" {
		t.Fatalf("actions %v ticks %v", sequencesOf(actions), sequencesOf(ticks))
	}
}

func TestPartialSessionFlushCommitsNothing(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir)
	s.writeFile = func(path string, data []byte) error {
		if strings.Contains(filepath.ToSlash(path), "doc_type=game_tick/") {
			return errors.New("game tick partition unavailable")
		}
		return writeAtomic(path, data)
	}

	var commits int
	s.OnCommit(func(Batch) { commits++ })
	storeInterleaved(t, s, "S1")
	if err := s.Flush(); err == nil {
		t.Fatal("expected flush failure")
	}
	if commits != 0 {
		t.Fatalf("%d batches reported committed", commits)
	}
	if n := countFiles(t, dir, ".parquet"); n != 0 {
		t.Fatalf("player action batch left on disk: %d files", n)
	}
	if s.Stats().Buffered != 3 {
		t.Fatalf("records not kept for retry: %d buffered", s.Stats().Buffered)
	}

	restarted := openTestStore(t, dir)
	if got := restarted.LastSequence("S1"); got != 0 {
		t.Fatalf("resumed past uncommitted records: %d", got)
	}
	actions, _ := restarted.QueryBy(models.DocPlayerAction, Filter{})
	if len(actions) != 0 {
		t.Fatalf("uncommitted actions visible: %v", sequencesOf(actions))
	}

	storeInterleaved(t, restarted, "S1")
	if err := restarted.Flush(); err != nil {
		t.Fatalf("flush after restart: %v", err)
	}
	actions, _ = restarted.QueryBy(models.DocPlayerAction, Filter{})
	ticks, _ := restarted.QueryBy(models.DocGameTick, Filter{})
	if fmt.Sprint(sequencesOf(actions)) != "[1 3]" || fmt.Sprint(sequencesOf(ticks)) != "[2]" {
		t.Fatalf("actions %v ticks %v", sequencesOf(actions), sequencesOf(ticks))
	}
}

func TestUncommittedBatchRemovedOnOpen(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir)
	storeN(t, s, models.DocGameTick, "S1", 2)
	if err := s.Flush(); err != nil {
		t.Fatal(err)
	}

	// A crash between the batch renames and the manifest write.
	envs := []models.Envelope{envelope(models.DocPlayerAction, "S1", "G1", 5)}
	envs[0].Sequence = 3
	data, err := encodeBatch(envs)
	if err != nil {
		t.Fatal(err)
	}
	stray := filepath.Join(partitionOf(envs[0]).dir(dir), batchFileName(3, 3))
	if err := writeAtomic(stray, data); err != nil {
		t.Fatal(err)
	}

	restarted := openTestStore(t, dir)
	if _, err := os.Stat(stray); !os.IsNotExist(err) {
		t.Fatalf("uncommitted batch survived restart: %v", err)
	}
	if restarted.Stats().OrphansRemoved != 1 {
		t.Fatalf("orphans removed = %d", restarted.Stats().OrphansRemoved)
	}
	if got := restarted.LastSequence("S1"); got != 2 {
		t.Fatalf("resumed sequence = %d, want 2", got)
	}
}

func TestQueryLeavesTempFilesAlone(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir)
	storeN(t, s, models.DocGameTick, "S1", 2)
	if err := s.Flush(); err != nil {
		t.Fatal(err)
	}

	inflight := filepath.Join(partitionOf(envelope(models.DocGameTick, "S1", "G1", 0)).dir(dir), batchFileName(3, 4)+tmpSuffix)
	if err := os.WriteFile(inflight, []byte("partial"), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := s.QueryBy(models.DocGameTick, Filter{})
	if err != nil || len(got) != 2 {
		t.Fatalf("query returned %d records, %v", len(got), err)
	}
	if _, err := os.Stat(inflight); err != nil {
		t.Fatalf("query removed an in-flight temp file: %v", err)
	}

	openTestStore(t, dir)
	if _, err := os.Stat(inflight); !os.IsNotExist(err) {
		t.Fatal("open should clear temp files")
	}
}

func TestSessionIDMustBeOnePathSegment(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir)
	for _, id := range []string{"../escape", "a/b", `a\b`, ".."} {
		if _, err := s.Store(envelope(models.DocGameTick, id, "", 0)); err == nil {
			t.Errorf("session %q accepted", id)
		}
	}
	if s.Stats().Buffered != 0 {
		t.Fatal("rejected envelopes were buffered")
	}
}

// Package store is the durable append-only envelope log. Envelopes are
// buffered in memory and flushed as snappy parquet batches, one file per
// doc_type/session/date partition. A flush commits each session's batches
// together by writing a manifest that lists them.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"rugfeed/logger"
	"rugfeed/models"
)

var (
	ErrOutOfOrder       = errors.New("sequence out of order")
	ErrClosed           = errors.New("event store is closed")
	ErrStorageExhausted = errors.New("storage exhausted")
)

// Config tunes buffering and failure policy.
type Config struct {
	Dir              string
	MaxBufferSize    int
	FlushInterval    time.Duration
	MaxFlushFailures int
	MinFreeBytes     uint64
}

// Batch describes one committed file.
type Batch struct {
	DocType   models.DocType `json:"doc_type"`
	SessionID string         `json:"session_id"`
	Date      string         `json:"date"`
	Path      string         `json:"path"`
	RelPath   string         `json:"rel_path"`
	First     int64          `json:"first_sequence"`
	Last      int64          `json:"last_sequence"`
	Records   int            `json:"records"`
	Bytes     int64          `json:"bytes"`
}

type Stats struct {
	Buffered         int
	Committed        uint64
	Batches          uint64
	OutOfOrder       uint64
	FlushFailures    uint64
	OrphansRemoved   int
	ConsecutiveFails int
}

// Store buffers envelopes and commits them in batches. Its buffer lock is
// independent of any caller lock; a slow disk only delays the flush
// goroutine.
type Store struct {
	cfg Config
	log *logger.Log

	mu         sync.Mutex
	buffer     []models.Envelope
	sequences  map[string]int64
	closed     bool
	fatal      error
	outOfOrder uint64

	flushMu          sync.Mutex
	committed        uint64
	batches          uint64
	flushFailures    uint64
	consecutiveFails int
	orphans          int

	onCommit func(Batch)
	onFatal  func(error)

	flushSignal chan struct{}
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	running     bool

	// replaced in tests
	writeFile func(path string, data []byte) error
	freeBytes func(path string) (uint64, error)
}

// Open prepares dir, removes temporary and uncommitted batch files left by
// a crash and resumes each session's sequence from the manifests.
func Open(cfg Config, log *logger.Log) (*Store, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("store dir is required")
	}
	if cfg.MaxBufferSize <= 0 {
		cfg.MaxBufferSize = 500
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.MaxFlushFailures <= 0 {
		cfg.MaxFlushFailures = 5
	}
	if log == nil {
		log = logger.GetLogger()
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	manifests, batches, orphans, err := recoverDir(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("recover store dir: %w", err)
	}

	s := &Store{
		cfg:         cfg,
		log:         log,
		sequences:   make(map[string]int64),
		orphans:     orphans,
		flushSignal: make(chan struct{}, 1),
		writeFile:   writeAtomic,
		freeBytes:   diskFree,
	}
	for _, m := range manifests {
		if m.Last > s.sequences[m.SessionID] {
			s.sequences[m.SessionID] = m.Last
		}
	}

	log.WithComponent("event_store").WithFields(logger.Fields{
		"dir":             cfg.Dir,
		"batches":         len(batches),
		"sessions":        len(s.sequences),
		"orphans_removed": orphans,
	}).Info("event store opened")
	return s, nil
}

func diskFree(path string) (uint64, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}

// OnCommit registers a callback for every committed batch. It runs on the
// flush goroutine.
func (s *Store) OnCommit(fn func(Batch)) {
	s.mu.Lock()
	s.onCommit = fn
	s.mu.Unlock()
}

// OnFatal registers a callback invoked once when storage becomes unusable.
func (s *Store) OnFatal(fn func(error)) {
	s.mu.Lock()
	s.onFatal = fn
	s.mu.Unlock()
}

// LastSequence is the highest sequence accepted for sessionID.
func (s *Store) LastSequence(sessionID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sequences[sessionID]
}

// Store appends env to the buffer and returns its sequence. A zero
// Sequence is assigned as last+1; any other value must equal last+1 or the
// envelope is rejected with ErrOutOfOrder.
func (s *Store) Store(env models.Envelope) (int64, error) {
	if !env.DocType.Valid() {
		return 0, fmt.Errorf("invalid doc type %q", env.DocType)
	}
	if env.SessionID == "" {
		return 0, fmt.Errorf("session id is required")
	}
	if strings.ContainsAny(env.SessionID, `/\`) || strings.HasPrefix(env.SessionID, ".") {
		return 0, fmt.Errorf("session id %q is not a valid partition name", env.SessionID)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, ErrClosed
	}
	if s.fatal != nil {
		err := s.fatal
		s.mu.Unlock()
		return 0, err
	}

	next := s.sequences[env.SessionID] + 1
	if env.Sequence == 0 {
		env.Sequence = next
	} else if env.Sequence != next {
		s.outOfOrder++
		s.mu.Unlock()
		return 0, fmt.Errorf("%w: session %s got %d, expected %d", ErrOutOfOrder, env.SessionID, env.Sequence, next)
	}
	s.sequences[env.SessionID] = env.Sequence
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now().UTC()
	}
	s.buffer = append(s.buffer, env)
	full := len(s.buffer) >= s.cfg.MaxBufferSize
	s.mu.Unlock()

	if full {
		select {
		case s.flushSignal <- struct{}{}:
		default:
		}
	}
	return env.Sequence, nil
}

// Start launches the flush goroutine.
func (s *Store) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("event store already running")
	}
	if s.closed {
		return ErrClosed
	}
	s.running = true
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go s.flushWorker()

	s.log.WithComponent("event_store").WithFields(logger.Fields{
		"flush_interval": s.cfg.FlushInterval.String(),
		"max_buffer":     s.cfg.MaxBufferSize,
	}).Info("starting event store")
	return nil
}

func (s *Store) flushWorker() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.flush("timer")
		case <-s.flushSignal:
			s.flush("buffer_full")
		}
	}
}

// Flush commits everything buffered now.
func (s *Store) Flush() error {
	return s.flush("manual")
}

// Close stops the flush goroutine, performs a final flush and rejects
// further writes. The returned error reports records that could not be
// committed.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	cancel := s.cancel
	s.running = false
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()

	err := s.flush("close")

	s.mu.Lock()
	s.closed = true
	left := len(s.buffer)
	s.mu.Unlock()

	entry := s.log.WithComponent("event_store").WithFields(logger.Fields{
		"committed": s.committedCount(),
		"unflushed": left,
	})
	if err != nil {
		entry.WithError(err).Error("event store closed with unflushed records")
		return err
	}
	entry.Info("event store closed")
	return nil
}

// Err reports the fatal storage error, if any.
func (s *Store) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fatal
}

func (s *Store) committedCount() uint64 {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()
	return s.committed
}

func (s *Store) Stats() Stats {
	s.mu.Lock()
	st := Stats{Buffered: len(s.buffer), OutOfOrder: s.outOfOrder}
	s.mu.Unlock()

	s.flushMu.Lock()
	st.Committed = s.committed
	st.Batches = s.batches
	st.FlushFailures = s.flushFailures
	st.ConsecutiveFails = s.consecutiveFails
	st.OrphansRemoved = s.orphans
	s.flushMu.Unlock()
	return st
}

func (s *Store) flush(reason string) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.Lock()
	if s.fatal != nil {
		err := s.fatal
		s.mu.Unlock()
		return err
	}
	pending := s.buffer
	s.buffer = nil
	onCommit := s.onCommit
	s.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	if s.cfg.MinFreeBytes > 0 {
		if free, err := s.freeBytes(s.cfg.Dir); err == nil && free < s.cfg.MinFreeBytes {
			s.requeue(pending)
			return s.fail(fmt.Errorf("%w: %d bytes free, need %d", ErrStorageExhausted, free, s.cfg.MinFreeBytes))
		}
	}

	sessions := make(map[string][]models.Envelope)
	var order []string
	for _, env := range pending {
		if _, ok := sessions[env.SessionID]; !ok {
			order = append(order, env.SessionID)
		}
		sessions[env.SessionID] = append(sessions[env.SessionID], env)
	}

	var failed []models.Envelope
	var firstErr error
	partitions := 0
	for _, id := range order {
		envs := sessions[id]
		batches, err := s.commitSession(id, envs)
		if err != nil {
			failed = append(failed, envs...)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		partitions += len(batches)
		for _, batch := range batches {
			s.committed += uint64(batch.Records)
			s.batches++
			if onCommit != nil {
				onCommit(batch)
			}
		}
	}

	if firstErr == nil {
		s.consecutiveFails = 0
		s.log.WithComponent("event_store").WithFields(logger.Fields{
			"records":    len(pending),
			"partitions": partitions,
			"sessions":   len(order),
			"reason":     reason,
		}).Debug("event store flushed")
		return nil
	}

	sort.Slice(failed, func(i, j int) bool {
		if failed[i].SessionID != failed[j].SessionID {
			return failed[i].SessionID < failed[j].SessionID
		}
		return failed[i].Sequence < failed[j].Sequence
	})
	s.requeue(failed)
	s.flushFailures++
	s.consecutiveFails++

	s.log.WithComponent("event_store").WithError(firstErr).WithFields(logger.Fields{
		"failed_records":       len(failed),
		"consecutive_failures": s.consecutiveFails,
		"reason":               reason,
	}).Warn("event store flush failed; records kept for retry")

	if errors.Is(firstErr, syscall.ENOSPC) {
		return s.fail(fmt.Errorf("%w: %v", ErrStorageExhausted, firstErr))
	}
	if s.consecutiveFails >= s.cfg.MaxFlushFailures {
		return s.fail(fmt.Errorf("%w: %d consecutive flush failures: %v", ErrStorageExhausted, s.consecutiveFails, firstErr))
	}
	return firstErr
}

// requeue puts records back in front of anything buffered since the flush
// started, keeping sequence order.
func (s *Store) requeue(envs []models.Envelope) {
	s.mu.Lock()
	s.buffer = append(append([]models.Envelope(nil), envs...), s.buffer...)
	s.mu.Unlock()
}

func (s *Store) fail(err error) error {
	s.mu.Lock()
	if s.fatal != nil {
		s.mu.Unlock()
		return s.fatal
	}
	s.fatal = err
	onFatal := s.onFatal
	s.mu.Unlock()

	s.log.WithComponent("event_store").WithError(err).Error("event store fatal; refusing further writes")
	if onFatal != nil {
		onFatal(err)
	}
	return err
}

// commitSession writes one batch per partition of a session's envelopes
// and then the manifest listing them. Nothing is visible until the manifest
// is in place; on error every file written by this call is removed.
func (s *Store) commitSession(sessionID string, envs []models.Envelope) ([]Batch, error) {
	groups := make(map[partition][]models.Envelope)
	var order []partition
	for _, env := range envs {
		p := partitionOf(env)
		if _, ok := groups[p]; !ok {
			order = append(order, p)
		}
		groups[p] = append(groups[p], env)
	}

	var written []Batch
	undo := func() {
		for _, b := range written {
			os.Remove(b.Path)
		}
	}
	for _, p := range order {
		batch, err := s.writeBatch(p, groups[p])
		if err != nil {
			undo()
			return nil, err
		}
		written = append(written, batch)
	}

	m := manifest{
		SessionID:   sessionID,
		First:       envs[0].Sequence,
		Last:        envs[len(envs)-1].Sequence,
		CommittedAt: time.Now().UTC(),
	}
	for _, b := range written {
		m.Files = append(m.Files, b.RelPath)
	}
	data, err := json.Marshal(m)
	if err != nil {
		undo()
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	if err := s.writeFile(manifestPath(s.cfg.Dir, sessionID, m.First, m.Last), data); err != nil {
		undo()
		return nil, fmt.Errorf("write manifest: %w", err)
	}
	return written, nil
}

func (s *Store) writeBatch(p partition, envs []models.Envelope) (Batch, error) {
	data, err := encodeBatch(envs)
	if err != nil {
		return Batch{}, fmt.Errorf("encode batch: %w", err)
	}

	first, last := envs[0].Sequence, envs[len(envs)-1].Sequence
	dir := p.dir(s.cfg.Dir)
	path := filepath.Join(dir, batchFileName(first, last))
	if err := s.writeFile(path, data); err != nil {
		return Batch{}, err
	}

	rel, _ := filepath.Rel(s.cfg.Dir, path)
	logger.LogDataFlowEntry(s.log.WithComponent("event_store"), "buffer", "parquet_batch", len(envs), string(p.docType))
	return Batch{
		DocType:   p.docType,
		SessionID: p.sessionID,
		Date:      p.date,
		Path:      path,
		RelPath:   filepath.ToSlash(rel),
		First:     first,
		Last:      last,
		Records:   len(envs),
		Bytes:     int64(len(data)),
	}, nil
}

func encodeBatch(envs []models.Envelope) ([]byte, error) {
	mf := newEnvelopeMemFile()
	pw, err := writer.NewParquetWriter(mf, new(envelopeRecord), 1)
	if err != nil {
		return nil, err
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, env := range envs {
		if err := pw.Write(toRecord(env)); err != nil {
			return nil, err
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, err
	}
	return mf.Bytes(), nil
}

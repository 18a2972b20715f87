package store

import (
	"fmt"
	"sort"
	"time"

	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/reader"

	"rugfeed/models"
)

// Filter narrows QueryBy. Zero fields match everything.
type Filter struct {
	SessionID string
	GameID    string
	From      time.Time // inclusive
	To        time.Time // exclusive
	MinSeq    int64
}

func (f Filter) matches(env models.Envelope) bool {
	if f.SessionID != "" && env.SessionID != f.SessionID {
		return false
	}
	if f.GameID != "" && env.GameID != f.GameID {
		return false
	}
	if !f.From.IsZero() && env.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !env.Timestamp.Before(f.To) {
		return false
	}
	return env.Sequence >= f.MinSeq
}

// skips reports whether a whole batch file can be ignored from its name.
func (f Filter) skips(b committedBatch) bool {
	if f.SessionID != "" && b.sessionID != f.SessionID {
		return true
	}
	if f.MinSeq > 0 && b.last < f.MinSeq {
		return true
	}
	day := b.date
	if !f.From.IsZero() && !day.Add(24*time.Hour).After(f.From.UTC()) {
		return true
	}
	if !f.To.IsZero() && !day.Before(f.To.UTC()) {
		return true
	}
	return false
}

// QueryBy reads committed envelopes of docType matching f, ordered by
// session then sequence. Only batches listed by a manifest are read, so
// buffered envelopes and an in-flight flush stay invisible.
func (s *Store) QueryBy(docType models.DocType, f Filter) ([]models.Envelope, error) {
	if !docType.Valid() {
		return nil, fmt.Errorf("invalid doc type %q", docType)
	}

	manifests, err := readManifests(s.cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("read manifests: %w", err)
	}
	batches := committedBatches(s.cfg.Dir, manifests)

	var out []models.Envelope
	for _, b := range batches {
		if b.docType != docType || f.skips(b) {
			continue
		}
		envs, err := readBatch(b.path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", b.path, err)
		}
		for _, env := range envs {
			if f.matches(env) {
				out = append(out, env)
			}
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].SessionID != out[j].SessionID {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].Sequence < out[j].Sequence
	})
	return out, nil
}

func readBatch(path string) ([]models.Envelope, error) {
	fr, err := local.NewLocalFileReader(path)
	if err != nil {
		return nil, err
	}
	defer fr.Close()

	pr, err := reader.NewParquetReader(fr, new(envelopeRecord), 1)
	if err != nil {
		return nil, err
	}
	defer pr.ReadStop()

	n := int(pr.GetNumRows())
	recs := make([]envelopeRecord, n)
	if err := pr.Read(&recs); err != nil {
		return nil, err
	}

	out := make([]models.Envelope, 0, n)
	for _, rec := range recs {
		out = append(out, fromRecord(rec))
	}
	return out, nil
}

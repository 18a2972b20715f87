package store

import (
	"bytes"
	"encoding/json"
	"io"
	"time"

	"github.com/xitongsys/parquet-go/source"

	"rugfeed/models"
)

// envelopeMemFile collects the parquet writer output in memory so the batch
// can be written to disk in one call.
type envelopeMemFile struct {
	buffer *bytes.Buffer
}

func newEnvelopeMemFile() *envelopeMemFile {
	return &envelopeMemFile{buffer: &bytes.Buffer{}}
}

func (m *envelopeMemFile) Create(string) (source.ParquetFile, error) { return m, nil }
func (m *envelopeMemFile) Open(string) (source.ParquetFile, error)   { return m, nil }
func (m *envelopeMemFile) Seek(int64, int) (int64, error)            { return int64(m.buffer.Len()), nil }
func (m *envelopeMemFile) Read([]byte) (int, error)                  { return 0, io.EOF }
func (m *envelopeMemFile) Write(b []byte) (int, error)               { return m.buffer.Write(b) }
func (m *envelopeMemFile) Close() error                              { return nil }
func (m *envelopeMemFile) Bytes() []byte                             { return m.buffer.Bytes() }

// envelopeRecord is the on-disk schema of one envelope.
type envelopeRecord struct {
	DocType    string  `parquet:"name=doc_type, type=BYTE_ARRAY, convertedtype=UTF8"`
	SessionID  string  `parquet:"name=session_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Sequence   int64   `parquet:"name=sequence, type=INT64"`
	Timestamp  int64   `parquet:"name=timestamp, type=INT64, convertedtype=TIMESTAMP_MICROS"`
	Source     string  `parquet:"name=source, type=BYTE_ARRAY, convertedtype=UTF8"`
	GameID     *string `parquet:"name=game_id, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL"`
	RawPayload string  `parquet:"name=raw_payload, type=BYTE_ARRAY, convertedtype=UTF8"`
}

func toRecord(env models.Envelope) envelopeRecord {
	rec := envelopeRecord{
		DocType:    string(env.DocType),
		SessionID:  env.SessionID,
		Sequence:   env.Sequence,
		Timestamp:  env.Timestamp.UTC().UnixMicro(),
		Source:     env.Source,
		RawPayload: string(env.RawPayload),
	}
	if env.GameID != "" {
		id := env.GameID
		rec.GameID = &id
	}
	return rec
}

func fromRecord(rec envelopeRecord) models.Envelope {
	env := models.Envelope{
		DocType:    models.DocType(rec.DocType),
		SessionID:  rec.SessionID,
		Sequence:   rec.Sequence,
		Timestamp:  time.UnixMicro(rec.Timestamp).UTC(),
		Source:     rec.Source,
		RawPayload: json.RawMessage(rec.RawPayload),
	}
	if rec.GameID != nil {
		env.GameID = *rec.GameID
	}
	return env
}

package store

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"rugfeed/models"
)

const (
	tmpSuffix   = ".tmp"
	dateLayout  = "2006-01-02"
	manifestDir = "_manifests"
)

type partition struct {
	docType   models.DocType
	sessionID string
	date      string
}

func partitionOf(env models.Envelope) partition {
	return partition{
		docType:   env.DocType,
		sessionID: env.SessionID,
		date:      env.Timestamp.UTC().Format(dateLayout),
	}
}

func (p partition) dir(root string) string {
	return filepath.Join(root,
		"doc_type="+string(p.docType),
		"session="+p.sessionID,
		"date="+p.date,
	)
}

// batchFileName zero-pads the sequence range so names sort by sequence.
func batchFileName(first, last int64) string {
	return fmt.Sprintf("part-%020d-%020d.parquet", first, last)
}

func parseBatchFileName(name string) (first, last int64, ok bool) {
	if !strings.HasPrefix(name, "part-") || !strings.HasSuffix(name, ".parquet") {
		return 0, 0, false
	}
	core := strings.TrimSuffix(strings.TrimPrefix(name, "part-"), ".parquet")
	if _, err := fmt.Sscanf(core, "%d-%d", &first, &last); err != nil {
		return 0, 0, false
	}
	if first <= 0 || last < first {
		return 0, 0, false
	}
	return first, last, true
}

// committedBatch is a batch file listed by a manifest.
type committedBatch struct {
	path      string
	docType   models.DocType
	sessionID string
	date      time.Time
	first     int64
	last      int64
}

// manifest is the commit record of one flush of one session. A batch file
// is committed only once a manifest lists it.
type manifest struct {
	SessionID   string    `json:"session_id"`
	First       int64     `json:"first_sequence"`
	Last        int64     `json:"last_sequence"`
	Files       []string  `json:"files"`
	CommittedAt time.Time `json:"committed_at"`
}

func manifestPath(root, sessionID string, first, last int64) string {
	return filepath.Join(root, manifestDir, "session="+sessionID,
		fmt.Sprintf("commit-%020d-%020d.json", first, last))
}

// readManifests loads every manifest under root. Temporary manifests are
// ignored.
func readManifests(root string) ([]manifest, error) {
	var out []manifest
	base := filepath.Join(root, manifestDir)
	err := filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == base {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".json") {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		var m manifest
		if err := json.Unmarshal(data, &m); err != nil {
			return fmt.Errorf("decode manifest %s: %w", path, err)
		}
		out = append(out, m)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// committedBatches resolves the batch files listed by manifests.
func committedBatches(root string, manifests []manifest) []committedBatch {
	var out []committedBatch
	for _, m := range manifests {
		for _, rel := range m.Files {
			path := filepath.Join(root, filepath.FromSlash(rel))
			first, last, ok := parseBatchFileName(filepath.Base(path))
			if !ok {
				continue
			}
			b := committedBatch{path: path, first: first, last: last}
			if parsePartitionDirs(root, filepath.Dir(path), &b) {
				out = append(out, b)
			}
		}
	}
	return out
}

// listFiles walks root without modifying it and returns the batch files and
// temporary files it finds.
func listFiles(root string) (batches, temps []string, err error) {
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == root {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()
		if strings.HasSuffix(name, tmpSuffix) {
			temps = append(temps, path)
			return nil
		}
		if _, _, ok := parseBatchFileName(name); ok {
			batches = append(batches, path)
		}
		return nil
	})
	return batches, temps, err
}

// recoverDir removes temporary files and batch files no manifest covers,
// both left behind by an interrupted flush, and returns the committed state.
func recoverDir(root string) ([]manifest, []committedBatch, int, error) {
	manifests, err := readManifests(root)
	if err != nil {
		return nil, nil, 0, err
	}
	committed := committedBatches(root, manifests)
	covered := make(map[string]bool, len(committed))
	for _, b := range committed {
		covered[b.path] = true
	}

	files, temps, err := listFiles(root)
	if err != nil {
		return nil, nil, 0, err
	}
	removed := 0
	for _, path := range temps {
		if err := os.Remove(path); err != nil {
			return nil, nil, removed, fmt.Errorf("remove orphan %s: %w", path, err)
		}
		removed++
	}
	for _, path := range files {
		if covered[path] {
			continue
		}
		if err := os.Remove(path); err != nil {
			return nil, nil, removed, fmt.Errorf("remove uncommitted batch %s: %w", path, err)
		}
		removed++
	}
	return manifests, committed, removed, nil
}

func parsePartitionDirs(root, dir string, b *committedBatch) bool {
	rel, err := filepath.Rel(root, dir)
	if err != nil {
		return false
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) != 3 {
		return false
	}
	docType, ok1 := strings.CutPrefix(parts[0], "doc_type=")
	session, ok2 := strings.CutPrefix(parts[1], "session=")
	date, ok3 := strings.CutPrefix(parts[2], "date=")
	if !ok1 || !ok2 || !ok3 {
		return false
	}
	day, err := time.Parse(dateLayout, date)
	if err != nil {
		return false
	}
	b.docType = models.DocType(docType)
	b.sessionID = session
	b.date = day
	return true
}

// writeAtomic writes data to path+".tmp", fsyncs it, renames it into place
// and fsyncs the directory so the rename itself is durable.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create partition dir: %w", err)
	}

	tmp := path + tmpSuffix
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp file: %w", err)
	}

	if d, err := os.Open(dir); err == nil {
		d.Sync()
		d.Close()
	}
	return nil
}

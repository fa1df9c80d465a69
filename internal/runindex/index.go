// Package runindex is the cross-run semantic index: every completed
// run appends one summary line, and Search ranks past runs against a
// query either by embedding cosine similarity (when an embedder is
// configured) or by a keyword substring fallback. It is grounded on
// the teacher's sqlitevec backend's brute-force cosine scan, minus the
// vec0 extension dependency that backend never actually loads either.
package runindex

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ausmarton/agentforge/pkg/runtypes"
)

const indexFileName = "run_index.jsonl"

// Embedder turns free text into a vector for semantic search. A nil
// Embedder falls back to keyword substring matching.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Index is the cross-run index for one workspace root. All reads and
// writes serialize through a single mutex: the index is small and
// updated once per run, so simplicity wins over fine-grained locking.
type Index struct {
	mu       sync.Mutex
	path     string
	embedder Embedder
	entries  []runtypes.RunIndexEntry
	db       *sql.DB
}

// Open loads (or creates) the JSONL index at <root>/run_index.jsonl
// and, if sqlitePath is non-empty, rebuilds a SQLite mirror from it for
// faster repeated lookups across process restarts.
func Open(root string, embedder Embedder, sqlitePath string) (*Index, error) {
	path := filepath.Join(root, indexFileName)
	entries, err := readEntries(path)
	if err != nil {
		return nil, err
	}

	idx := &Index{path: path, embedder: embedder, entries: entries}
	if sqlitePath != "" {
		if err := idx.openSQLiteMirror(sqlitePath); err != nil {
			return nil, err
		}
	}
	return idx, nil
}

func readEntries(path string) ([]runtypes.RunIndexEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open run index: %w", err)
	}
	defer f.Close()

	var entries []runtypes.RunIndexEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var entry runtypes.RunIndexEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan run index: %w", err)
	}
	return entries, nil
}

// openSQLiteMirror creates the mirror table and reloads it from the
// in-memory entries already parsed from the JSONL file. The JSONL file
// is the source of truth; the SQLite file is a disposable index that
// is always rebuilt, never diffed.
func (idx *Index) openSQLiteMirror(sqlitePath string) error {
	if err := os.MkdirAll(filepath.Dir(sqlitePath), 0o755); err != nil {
		return fmt.Errorf("create sqlite mirror dir: %w", err)
	}
	db, err := sql.Open("sqlite", sqlitePath)
	if err != nil {
		return fmt.Errorf("open sqlite mirror: %w", err)
	}
	if _, err := db.Exec(`
		DROP TABLE IF EXISTS run_index;
		CREATE TABLE run_index (
			run_id TEXT PRIMARY KEY,
			specialist_ids TEXT,
			prompt_prefix TEXT,
			finish_summary TEXT,
			workspace_path TEXT,
			ts INTEGER,
			embedding BLOB
		);
	`); err != nil {
		db.Close()
		return fmt.Errorf("create sqlite mirror schema: %w", err)
	}

	stmt, err := db.Prepare(`INSERT INTO run_index VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		db.Close()
		return fmt.Errorf("prepare sqlite mirror insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range idx.entries {
		ids, _ := json.Marshal(e.SpecialistIDs)
		if _, err := stmt.Exec(e.RunID, string(ids), e.PromptPrefix, e.FinishSummary, e.WorkspacePath, e.Timestamp.Unix(), encodeEmbedding(e.Embedding)); err != nil {
			db.Close()
			return fmt.Errorf("populate sqlite mirror: %w", err)
		}
	}

	idx.db = db
	return nil
}

// Close releases the SQLite mirror, if one is open.
func (idx *Index) Close() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.db == nil {
		return nil
	}
	return idx.db.Close()
}

// Append records one completed run. If an embedder is configured, it
// embeds FinishSummary (falling back to PromptPrefix) so Search can
// rank semantically instead of by substring.
func (idx *Index) Append(ctx context.Context, entry runtypes.RunIndexEntry) error {
	if idx.embedder != nil && len(entry.Embedding) == 0 {
		text := entry.FinishSummary
		if text == "" {
			text = entry.PromptPrefix
		}
		if text != "" {
			vec, err := idx.embedder.Embed(ctx, text)
			if err == nil {
				entry.Embedding = vec
			}
		}
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal run index entry: %w", err)
	}
	f, err := os.OpenFile(idx.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open run index for append: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append run index entry: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync run index: %w", err)
	}

	idx.entries = append(idx.entries, entry)
	if idx.db != nil {
		ids, _ := json.Marshal(entry.SpecialistIDs)
		_, _ = idx.db.Exec(`INSERT OR REPLACE INTO run_index VALUES (?, ?, ?, ?, ?, ?, ?)`,
			entry.RunID, string(ids), entry.PromptPrefix, entry.FinishSummary, entry.WorkspacePath, entry.Timestamp.Unix(), encodeEmbedding(entry.Embedding))
	}
	return nil
}

// scored pairs an entry with its rank for one Search call.
type scored struct {
	entry runtypes.RunIndexEntry
	score float32
}

// Search ranks past runs against query, returning at most topK. When
// an embedder is configured and the query embeds successfully, ranking
// is cosine similarity over embeddings (entries with no embedding are
// scored by keyword match count instead); otherwise it ranks by how
// many times the query substring occurs across the summary and prompt
// prefix. Entries scoring 0 or less are left out of the result. Candidates are read from the SQLite mirror when one is open
// (a real SELECT, not the in-memory slice) so the mirror is the thing
// actually being searched, falling back to the in-memory entries when
// no sqlitePath was configured at Open.
func (idx *Index) Search(ctx context.Context, query string, topK int) ([]runtypes.RunIndexEntry, error) {
	if topK <= 0 {
		topK = 5
	}

	entries, err := idx.loadEntries(ctx)
	if err != nil {
		return nil, err
	}

	var queryVec []float32
	if idx.embedder != nil {
		vec, err := idx.embedder.Embed(ctx, query)
		if err == nil {
			queryVec = vec
		}
	}

	ranked := make([]scored, 0, len(entries))
	for _, e := range entries {
		var score float32
		if len(queryVec) > 0 && len(e.Embedding) > 0 {
			score = cosineSimilarity(queryVec, e.Embedding)
		} else if count := keywordMatchCount(query, e); count > 0 {
			score = float32(count)
		}
		ranked = append(ranked, scored{entry: e, score: score})
	}

	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	out := make([]runtypes.RunIndexEntry, 0, topK)
	for _, r := range ranked {
		if r.score <= 0 {
			continue
		}
		out = append(out, r.entry)
		if len(out) >= topK {
			break
		}
	}
	return out, nil
}

// loadEntries returns the candidate set Search ranks over: a SELECT
// against the SQLite mirror when one is open, otherwise a snapshot of
// the in-memory slice populated straight from the JSONL file.
func (idx *Index) loadEntries(ctx context.Context) ([]runtypes.RunIndexEntry, error) {
	idx.mu.Lock()
	db := idx.db
	idx.mu.Unlock()

	if db == nil {
		idx.mu.Lock()
		entries := make([]runtypes.RunIndexEntry, len(idx.entries))
		copy(entries, idx.entries)
		idx.mu.Unlock()
		return entries, nil
	}

	rows, err := db.QueryContext(ctx, `SELECT run_id, specialist_ids, prompt_prefix, finish_summary, workspace_path, ts, embedding FROM run_index`)
	if err != nil {
		return nil, fmt.Errorf("query run index mirror: %w", err)
	}
	defer rows.Close()

	var entries []runtypes.RunIndexEntry
	for rows.Next() {
		var runID, idsJSON, promptPrefix, finishSummary, workspacePath string
		var ts int64
		var embBytes []byte
		if err := rows.Scan(&runID, &idsJSON, &promptPrefix, &finishSummary, &workspacePath, &ts, &embBytes); err != nil {
			return nil, fmt.Errorf("scan run index mirror row: %w", err)
		}
		var ids []string
		_ = json.Unmarshal([]byte(idsJSON), &ids)
		entries = append(entries, runtypes.RunIndexEntry{
			RunID:         runID,
			SpecialistIDs: ids,
			PromptPrefix:  promptPrefix,
			FinishSummary: finishSummary,
			WorkspacePath: workspacePath,
			Timestamp:     time.Unix(ts, 0),
			Embedding:     decodeEmbedding(embBytes),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate run index mirror: %w", err)
	}
	return entries, nil
}

// keywordMatchCount counts non-overlapping occurrences of query inside
// the entry's summary and prompt prefix, so a run mentioning the term
// three times outranks one mentioning it once.
func keywordMatchCount(query string, e runtypes.RunIndexEntry) int {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return 0
	}
	haystack := strings.ToLower(e.FinishSummary + " " + e.PromptPrefix)
	return strings.Count(haystack, q)
}

func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}

// decodeEmbedding reverses encodeEmbedding; a nil/short blob (no
// embedding stored for that row) decodes to nil.
func decodeEmbedding(data []byte) []float32 {
	if len(data) == 0 || len(data)%4 != 0 {
		return nil
	}
	out := make([]float32, len(data)/4)
	for i := range out {
		bits := uint32(data[i*4]) | uint32(data[i*4+1])<<8 | uint32(data[i*4+2])<<16 | uint32(data[i*4+3])<<24
		out[i] = math.Float32frombits(bits)
	}
	return out
}

func encodeEmbedding(embedding []float32) []byte {
	if len(embedding) == 0 {
		return nil
	}
	data := make([]byte, len(embedding)*4)
	for i, f := range embedding {
		bits := math.Float32bits(f)
		data[i*4] = byte(bits)
		data[i*4+1] = byte(bits >> 8)
		data[i*4+2] = byte(bits >> 16)
		data[i*4+3] = byte(bits >> 24)
	}
	return data
}

package retrieval

import (
	"container/heap"
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/kalambet/pharmarag/internal/storage"
)

// Compile-time check that SQLiteStore implements VectorStore.
var _ VectorStore = (*SQLiteStore)(nil)

// SQLiteStore provides vector storage and brute-force cosine similarity search
// backed by the vectors table. It is the default VectorStore.
//
// Inserts and deletes go through db. Search, Count, Collections and Latest go
// through read, so per-collection queries run in parallel and do not wait on
// an open write.
type SQLiteStore struct {
	db   *sql.DB
	read *sql.DB
}

// NewSQLiteStore uses the write and read handles of st for vector operations.
// The vectors table must already exist (created via storage migrations).
func NewSQLiteStore(st *storage.Store) *SQLiteStore {
	return &SQLiteStore{db: st.DB(), read: st.ReadDB()}
}

// Insert adds records to the given collection in a single transaction.
func (s *SQLiteStore) Insert(ctx context.Context, collection string, records []Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning insert transaction: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO vectors (id, collection, text, embedding, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("preparing insert statement: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		meta, err := encodeMetadata(r.Metadata)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("encoding metadata for %s: %w", r.ID, err)
		}
		createdAt := r.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now()
		}
		if _, err := stmt.ExecContext(ctx, r.ID, collection, r.Text, encodeFloat32s(r.Embedding), meta, storage.FormatTime(createdAt)); err != nil {
			tx.Rollback()
			return fmt.Errorf("inserting record %s: %w", r.ID, err)
		}
	}

	return tx.Commit()
}

// candidate holds only what the scan phase of Search needs.
// Full record details are fetched only for top-K winners.
type candidate struct {
	ID        string
	Score     float32
	CreatedAt string
}

// Search performs a brute-force cosine scan over one collection.
func (s *SQLiteStore) Search(ctx context.Context, collection string, vector []float32, topK int) ([]ScoredRecord, error) {
	if topK <= 0 {
		return nil, nil
	}
	queryNorm := norm(vector)
	if queryNorm == 0 {
		return nil, nil
	}

	// Phase 1: scan id + embedding to find top-K candidates.
	rows, err := s.read.QueryContext(ctx, `SELECT id, embedding, created_at FROM vectors WHERE collection = ?`, collection)
	if err != nil {
		return nil, fmt.Errorf("querying vectors: %w", err)
	}

	h := &candidateHeap{}
	heap.Init(h)

	// Reusable buffer for decoding embeddings to avoid per-row allocations.
	var buf []float32
	for rows.Next() {
		var c candidate
		var blob []byte
		if err := rows.Scan(&c.ID, &blob, &c.CreatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		buf, err = decodeFloat32sInto(buf, blob)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("decoding embedding for %s: %w", c.ID, err)
		}
		c.Score = dotProduct(vector, buf, queryNorm)

		if h.Len() < topK {
			heap.Push(h, c)
		} else if candidateLess((*h)[0], c) {
			(*h)[0] = c
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterating rows: %w", err)
	}
	rows.Close()

	if h.Len() == 0 {
		return nil, nil
	}

	// Phase 2: fetch full records only for the top-K IDs.
	ids := make([]any, 0, h.Len())
	scores := make(map[string]float32, h.Len())
	for _, c := range *h {
		ids = append(ids, c.ID)
		scores[c.ID] = c.Score
	}

	fullRows, err := s.read.QueryContext(ctx, `SELECT id, collection, text, embedding, metadata, created_at
		FROM vectors WHERE id IN (?`+strings.Repeat(",?", len(ids)-1)+`)`, ids...)
	if err != nil {
		return nil, fmt.Errorf("fetching top-K records: %w", err)
	}
	defer fullRows.Close()

	var results []ScoredRecord
	for fullRows.Next() {
		r, err := scanRecord(fullRows)
		if err != nil {
			return nil, err
		}
		results = append(results, ScoredRecord{Record: r, Score: scores[r.ID]})
	}
	if err := fullRows.Err(); err != nil {
		return nil, fmt.Errorf("iterating full records: %w", err)
	}

	// The IN query doesn't preserve order.
	sort.SliceStable(results, func(i, j int) bool { return better(results[i], results[j]) })
	return results, nil
}

// DeleteOlderThan removes records of collection created before cutoff.
func (s *SQLiteStore) DeleteOlderThan(ctx context.Context, collection string, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM vectors WHERE collection = ? AND created_at < ?`,
		collection, storage.FormatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("deleting from %s: %w", collection, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// Count returns the number of records in collection.
func (s *SQLiteStore) Count(ctx context.Context, collection string) (int, error) {
	var count int
	err := s.read.QueryRowContext(ctx, `SELECT COUNT(*) FROM vectors WHERE collection = ?`, collection).Scan(&count)
	return count, err
}

// Collections lists distinct collection names in lexical order.
func (s *SQLiteStore) Collections(ctx context.Context) ([]string, error) {
	rows, err := s.read.QueryContext(ctx, `SELECT DISTINCT collection FROM vectors ORDER BY collection`)
	if err != nil {
		return nil, fmt.Errorf("listing collections: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

// Latest returns the newest record of collection, or nil when it is empty.
func (s *SQLiteStore) Latest(ctx context.Context, collection string) (*Record, error) {
	rows, err := s.read.QueryContext(ctx, `SELECT id, collection, text, embedding, metadata, created_at
		FROM vectors WHERE collection = ? ORDER BY created_at DESC LIMIT 1`, collection)
	if err != nil {
		return nil, fmt.Errorf("querying latest %s: %w", collection, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	r, err := scanRecord(rows)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func scanRecord(rows *sql.Rows) (Record, error) {
	var r Record
	var blob []byte
	var meta, createdAt string
	if err := rows.Scan(&r.ID, &r.Collection, &r.Text, &blob, &meta, &createdAt); err != nil {
		return Record{}, fmt.Errorf("scanning record: %w", err)
	}
	embedding, err := decodeFloat32s(blob)
	if err != nil {
		return Record{}, fmt.Errorf("decoding embedding for %s: %w", r.ID, err)
	}
	r.Embedding = embedding
	if err := json.Unmarshal([]byte(meta), &r.Metadata); err != nil {
		return Record{}, fmt.Errorf("decoding metadata for %s: %w", r.ID, err)
	}
	t, err := storage.ParseTime(createdAt)
	if err != nil {
		return Record{}, fmt.Errorf("parsing created_at for %s: %w", r.ID, err)
	}
	r.CreatedAt = t
	return r, nil
}

func encodeMetadata(m Metadata) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// encodeFloat32s serializes a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32s deserializes little-endian bytes into a new float32 slice.
// A length that is not a multiple of 4 indicates corruption.
func decodeFloat32s(b []byte) ([]float32, error) {
	return decodeFloat32sInto(nil, b)
}

// decodeFloat32sInto decodes little-endian bytes into buf, growing it when needed.
func decodeFloat32sInto(buf []float32, b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	if cap(buf) < n {
		buf = make([]float32, n)
	} else {
		buf = buf[:n]
	}
	for i := range buf {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return buf, nil
}

// norm returns the L2 norm of a vector.
func norm(v []float32) float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return float32(math.Sqrt(sum))
}

// dotProduct computes cosine similarity as dot(a,b) / (aNorm * bNorm).
// aNorm is the precomputed L2 norm of vector a.
func dotProduct(a, b []float32, aNorm float32) float32 {
	if len(a) != len(b) || aNorm == 0 {
		return 0
	}
	var dot, bNormSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bNormSq += float64(b[i]) * float64(b[i])
	}
	bNorm := math.Sqrt(bNormSq)
	if bNorm == 0 {
		return 0
	}
	return float32(dot / (float64(aNorm) * bNorm))
}

// candidateLess orders candidates worst first: lower score, then older.
func candidateLess(a, b candidate) bool {
	if a.Score != b.Score {
		return a.Score < b.Score
	}
	return a.CreatedAt < b.CreatedAt
}

// candidateHeap is a min-heap keeping the current worst candidate on top.
type candidateHeap []candidate

func (h candidateHeap) Len() int           { return len(h) }
func (h candidateHeap) Less(i, j int) bool { return candidateLess(h[i], h[j]) }
func (h candidateHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *candidateHeap) Push(x any)        { *h = append(*h, x.(candidate)) }
func (h *candidateHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

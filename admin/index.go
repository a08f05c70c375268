// Package admin maintains a global index of rotated segments in DuckDB,
// queryable with plain SQL for capacity and retention analysis. The index
// is advisory: stream reads never consult it, and a failed insert only
// loses a monitoring row.
package admin

import (
	"database/sql"
	"fmt"

	_ "github.com/marcboeker/go-duckdb"
	"go.uber.org/zap"

	"github.com/tidewater-io/tidewater/stream"
)

const schema = `
CREATE TABLE IF NOT EXISTS segments_admin (
	stream_key    VARCHAR NOT NULL,
	read_seq      BIGINT  NOT NULL,
	start_pos     BIGINT  NOT NULL,
	end_pos       BIGINT  NOT NULL,
	blob_key      VARCHAR NOT NULL,
	content_type  VARCHAR,
	size_bytes    BIGINT  NOT NULL,
	message_count BIGINT  NOT NULL,
	created_at    BIGINT  NOT NULL,
	expires_at    BIGINT
)`

// Index is the segments_admin table. Implements stream.AdminIndex.
type Index struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open opens (or creates) the admin database. An empty path opens an
// in-memory database, useful in dev mode and tests.
func Open(path string, logger *zap.Logger) (*Index, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open admin database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create segments_admin table: %w", err)
	}
	return &Index{db: db, logger: logger}, nil
}

// SegmentRotated records a freshly rotated segment.
func (i *Index) SegmentRotated(streamKey string, seg stream.SegmentRecord) error {
	_, err := i.db.Exec(
		`INSERT INTO segments_admin
		 (stream_key, read_seq, start_pos, end_pos, blob_key, content_type,
		  size_bytes, message_count, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		streamKey, int64(seg.ReadSeq), int64(seg.Start), int64(seg.End),
		seg.BlobKey, seg.ContentType, int64(seg.SizeBytes),
		int64(seg.MessageCount), seg.CreatedAt, seg.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to insert segment row: %w", err)
	}
	return nil
}

// StreamDeleted removes every row for a deleted stream. Runs
// synchronously on the delete path so the index never references
// blobs that are gone.
func (i *Index) StreamDeleted(streamKey string) error {
	_, err := i.db.Exec(`DELETE FROM segments_admin WHERE stream_key = ?`, streamKey)
	if err != nil {
		return fmt.Errorf("failed to delete segment rows: %w", err)
	}
	return nil
}

// SegmentCount returns the number of indexed segments for a stream.
func (i *Index) SegmentCount(streamKey string) (int64, error) {
	var n int64
	err := i.db.QueryRow(
		`SELECT COUNT(*) FROM segments_admin WHERE stream_key = ?`, streamKey).Scan(&n)
	return n, err
}

// TotalBytes returns the total stored segment bytes across all streams.
func (i *Index) TotalBytes() (int64, error) {
	var n sql.NullInt64
	err := i.db.QueryRow(`SELECT SUM(size_bytes) FROM segments_admin`).Scan(&n)
	if err != nil {
		return 0, err
	}
	return n.Int64, nil
}

// Close closes the admin database.
func (i *Index) Close() error {
	return i.db.Close()
}

// Package persistence implements the classification cache on a local SQLite
// database. Writes update the store and the in-memory index within the same
// operation so the two never diverge; any I/O error propagates to the caller.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"mailworker/core/domain"
	"mailworker/core/port/out"
	"mailworker/pkg/apperr"
)

type migration struct {
	version int
	sql     string
}

var migrations = []migration{
	{
		version: 1,
		sql: `
			CREATE TABLE IF NOT EXISTS schema_version (
				version INTEGER PRIMARY KEY,
				applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
			);

			CREATE TABLE IF NOT EXISTS emails (
				message_id TEXT PRIMARY KEY,
				thread_id TEXT,
				subject TEXT,
				sender TEXT,
				receiver TEXT,
				date_received TIMESTAMP,
				snippet TEXT,
				content_hash TEXT,
				processed_at TIMESTAMP,
				classification_method TEXT,
				classified_category TEXT,
				classification_confidence REAL,
				label_applied BOOLEAN DEFAULT FALSE,
				label_applied_at TIMESTAMP,
				raw_data TEXT
			);

			CREATE INDEX IF NOT EXISTS idx_emails_message_id ON emails(message_id);
			CREATE INDEX IF NOT EXISTS idx_emails_category ON emails(classified_category);
			CREATE INDEX IF NOT EXISTS idx_emails_label_applied ON emails(label_applied);
			CREATE INDEX IF NOT EXISTS idx_emails_processed_at ON emails(processed_at);

			INSERT INTO schema_version (version) VALUES (1);
		`,
	},
}

// emailRow mirrors the emails table.
type emailRow struct {
	MessageID      string          `db:"message_id"`
	ThreadID       sql.NullString  `db:"thread_id"`
	Subject        sql.NullString  `db:"subject"`
	Sender         sql.NullString  `db:"sender"`
	Receiver       sql.NullString  `db:"receiver"`
	DateReceived   sql.NullTime    `db:"date_received"`
	Snippet        sql.NullString  `db:"snippet"`
	ContentHash    sql.NullString  `db:"content_hash"`
	ProcessedAt    sql.NullTime    `db:"processed_at"`
	Method         sql.NullString  `db:"classification_method"`
	Category       sql.NullString  `db:"classified_category"`
	Confidence     sql.NullFloat64 `db:"classification_confidence"`
	LabelApplied   bool            `db:"label_applied"`
	LabelAppliedAt sql.NullTime    `db:"label_applied_at"`
	RawData        sql.NullString  `db:"raw_data"`
}

func (r *emailRow) toRecord() *domain.CacheRecord {
	rec := &domain.CacheRecord{
		MessageID:    r.MessageID,
		ThreadID:     r.ThreadID.String,
		Subject:      r.Subject.String,
		Sender:       r.Sender.String,
		Receiver:     r.Receiver.String,
		Snippet:      r.Snippet.String,
		ContentHash:  r.ContentHash.String,
		Method:       domain.ClassificationMethod(r.Method.String),
		Category:     r.Category.String,
		Confidence:   r.Confidence.Float64,
		LabelApplied: r.LabelApplied,
		RawData:      r.RawData.String,
	}
	if r.DateReceived.Valid {
		rec.DateReceived = r.DateReceived.Time
	}
	if r.ProcessedAt.Valid {
		rec.ProcessedAt = r.ProcessedAt.Time
	}
	if r.LabelAppliedAt.Valid {
		rec.LabelAppliedAt = r.LabelAppliedAt.Time
	}
	return rec
}

// SQLiteCache is the durable classification cache. The in-memory processed
// and labeled sets are rebuilt from the table at open and mutated only after
// the corresponding write succeeds.
type SQLiteCache struct {
	db *sqlx.DB

	mu        sync.RWMutex
	processed map[string]struct{}
	labeled   map[string]struct{}
}

var _ out.ClassificationCache = (*SQLiteCache)(nil)

// NewSQLiteCache opens (or creates) the cache database, enables WAL mode,
// applies pending migrations and loads the in-memory index.
func NewSQLiteCache(dbPath string) (*SQLiteCache, error) {
	// The pragmas below must hold on every pooled connection, not just the
	// one that happens to run the Exec, so they are also set in the DSN.
	db, err := sqlx.Open("sqlite", "file:"+dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, apperr.StorageError("open cache db", err)
	}

	// Single writer; readers tolerate brief lock contention.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, apperr.StorageError("enable WAL mode", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, apperr.StorageError("set busy timeout", err)
	}

	c := &SQLiteCache{
		db:        db,
		processed: make(map[string]struct{}),
		labeled:   make(map[string]struct{}),
	}
	if err := c.runMigrations(); err != nil {
		db.Close()
		return nil, err
	}
	if err := c.loadIndex(); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

func (c *SQLiteCache) runMigrations() error {
	currentVersion := 0

	var tableCount int
	err := c.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return apperr.StorageError("check schema_version table", err)
	}
	if tableCount > 0 {
		if err := c.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version"); err != nil {
			return apperr.StorageError("read schema version", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := c.db.Exec(m.sql); err != nil {
			return apperr.StorageError(fmt.Sprintf("apply migration v%d", m.version), err)
		}
	}
	return nil
}

// loadIndex rebuilds the processed and labeled sets from the table.
func (c *SQLiteCache) loadIndex() error {
	rows, err := c.db.Queryx("SELECT message_id, label_applied FROM emails")
	if err != nil {
		return apperr.StorageError("load cache index", err)
	}
	defer rows.Close()

	processed := make(map[string]struct{})
	labeled := make(map[string]struct{})
	for rows.Next() {
		var id string
		var applied bool
		if err := rows.Scan(&id, &applied); err != nil {
			return apperr.StorageError("scan cache index row", err)
		}
		processed[id] = struct{}{}
		if applied {
			labeled[id] = struct{}{}
		}
	}
	if err := rows.Err(); err != nil {
		return apperr.StorageError("iterate cache index", err)
	}

	c.mu.Lock()
	c.processed = processed
	c.labeled = labeled
	c.mu.Unlock()
	return nil
}

// Close closes the underlying database connection.
func (c *SQLiteCache) Close() error {
	return c.db.Close()
}

// IsProcessed reports whether the message has a cache record.
func (c *SQLiteCache) IsProcessed(messageID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.processed[messageID]
	return ok
}

// IsLabeled reports whether the label has been applied.
func (c *SQLiteCache) IsLabeled(messageID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.labeled[messageID]
	return ok
}

// FilterUnprocessed returns the ids with no cache record, preserving input
// order.
func (c *SQLiteCache) FilterUnprocessed(messageIDs []string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]string, 0, len(messageIDs))
	for _, id := range messageIDs {
		if _, ok := c.processed[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}

// CachedClassification returns the stored result, or nil when the message
// was never classified to a category.
func (c *SQLiteCache) CachedClassification(ctx context.Context, messageID string) (*domain.ClassificationResult, error) {
	var row emailRow
	err := c.db.GetContext(ctx, &row, `
		SELECT message_id, classified_category, classification_confidence, classification_method,
		       label_applied
		FROM emails
		WHERE message_id = ? AND classified_category IS NOT NULL
	`, messageID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.StorageError("get cached classification", err)
	}

	return &domain.ClassificationResult{
		Category:   row.Category.String,
		Confidence: row.Confidence.Float64,
		Method:     domain.ClassificationMethod(row.Method.String),
	}, nil
}

// Store upserts one record. Classification fields are overwritten;
// label_applied and label_applied_at are deliberately absent from the
// conflict update so a labeled record can never regress to unlabeled.
func (c *SQLiteCache) Store(ctx context.Context, email *domain.Email, result *domain.ClassificationResult) error {
	var category sql.NullString
	var confidence sql.NullFloat64
	method := domain.MethodNone
	if result != nil {
		method = result.Method
		if result.Classified() {
			category = sql.NullString{String: result.Category, Valid: true}
			confidence = sql.NullFloat64{Float64: result.Confidence, Valid: true}
		}
	}

	rawData, err := json.Marshal(email)
	if err != nil {
		return apperr.StorageError("serialize email", err)
	}

	now := time.Now().UTC()
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO emails (
			message_id, thread_id, subject, sender, receiver, date_received,
			snippet, content_hash, processed_at,
			classification_method, classified_category, classification_confidence,
			raw_data
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(message_id) DO UPDATE SET
			thread_id = excluded.thread_id,
			subject = excluded.subject,
			sender = excluded.sender,
			receiver = excluded.receiver,
			date_received = excluded.date_received,
			snippet = excluded.snippet,
			content_hash = excluded.content_hash,
			processed_at = excluded.processed_at,
			classification_method = excluded.classification_method,
			classified_category = excluded.classified_category,
			classification_confidence = excluded.classification_confidence,
			raw_data = excluded.raw_data
	`,
		email.MessageID, email.ThreadID, email.Subject, email.Sender, email.Receiver,
		email.ReceivedAt, email.Snippet, email.ContentHash(), now,
		string(method), category, confidence, string(rawData),
	)
	if err != nil {
		return apperr.StorageError("store classification", err)
	}

	c.mu.Lock()
	c.processed[email.MessageID] = struct{}{}
	c.mu.Unlock()
	return nil
}

// MarkLabeled flips label_applied to true for one message. Only called
// after the remote label call succeeded.
func (c *SQLiteCache) MarkLabeled(ctx context.Context, messageID string) error {
	res, err := c.db.ExecContext(ctx, `
		UPDATE emails SET label_applied = TRUE, label_applied_at = ?
		WHERE message_id = ?
	`, time.Now().UTC(), messageID)
	if err != nil {
		return apperr.StorageError("mark labeled", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return apperr.StorageError("mark labeled rows affected", err)
	}
	if affected == 0 {
		return apperr.NotFound(fmt.Sprintf("cache record %s", messageID))
	}

	c.mu.Lock()
	c.labeled[messageID] = struct{}{}
	c.mu.Unlock()
	return nil
}

// BatchMarkLabeled marks a whole batch in one transaction. The index is
// updated only after commit, so a failed transaction leaves both the table
// and the index untouched.
func (c *SQLiteCache) BatchMarkLabeled(ctx context.Context, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}

	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return apperr.StorageError("begin batch mark labeled", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, `
		UPDATE emails SET label_applied = TRUE, label_applied_at = ?
		WHERE message_id = ?
	`)
	if err != nil {
		return apperr.StorageError("prepare batch mark labeled", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, id := range messageIDs {
		if _, err := stmt.ExecContext(ctx, now, id); err != nil {
			return apperr.StorageError(fmt.Sprintf("mark labeled %s", id), err)
		}
	}
	if err := tx.Commit(); err != nil {
		return apperr.StorageError("commit batch mark labeled", err)
	}

	c.mu.Lock()
	for _, id := range messageIDs {
		c.labeled[id] = struct{}{}
	}
	c.mu.Unlock()
	return nil
}

// UnlabeledClassified returns records with a category but no label applied,
// oldest first. limit <= 0 means all.
func (c *SQLiteCache) UnlabeledClassified(ctx context.Context, limit int) ([]*domain.CacheRecord, error) {
	query := `
		SELECT * FROM emails
		WHERE classified_category IS NOT NULL AND label_applied = FALSE
		ORDER BY processed_at ASC
	`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	var rows []emailRow
	if err := c.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, apperr.StorageError("list unlabeled classified", err)
	}

	records := make([]*domain.CacheRecord, 0, len(rows))
	for i := range rows {
		records = append(records, rows[i].toRecord())
	}
	return records, nil
}

// Stats aggregates cache contents.
func (c *SQLiteCache) Stats(ctx context.Context) (*domain.CacheStats, error) {
	stats := &domain.CacheStats{
		ByCategory: make(map[string]int),
		ByMethod:   make(map[string]int),
	}

	err := c.db.GetContext(ctx, &stats.TotalProcessed, "SELECT COUNT(*) FROM emails")
	if err != nil {
		return nil, apperr.StorageError("count processed", err)
	}
	err = c.db.GetContext(ctx, &stats.Classified,
		"SELECT COUNT(*) FROM emails WHERE classified_category IS NOT NULL")
	if err != nil {
		return nil, apperr.StorageError("count classified", err)
	}
	err = c.db.GetContext(ctx, &stats.Labeled,
		"SELECT COUNT(*) FROM emails WHERE label_applied = TRUE")
	if err != nil {
		return nil, apperr.StorageError("count labeled", err)
	}
	stats.PendingLabels = stats.Classified - stats.Labeled

	rows, err := c.db.QueryxContext(ctx, `
		SELECT classified_category, COUNT(*) FROM emails
		WHERE classified_category IS NOT NULL
		GROUP BY classified_category
	`)
	if err != nil {
		return nil, apperr.StorageError("category distribution", err)
	}
	defer rows.Close()
	for rows.Next() {
		var category string
		var count int
		if err := rows.Scan(&category, &count); err != nil {
			return nil, apperr.StorageError("scan category distribution", err)
		}
		stats.ByCategory[category] = count
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.StorageError("iterate category distribution", err)
	}

	mrows, err := c.db.QueryxContext(ctx, `
		SELECT classification_method, COUNT(*) FROM emails
		WHERE classification_method IS NOT NULL
		GROUP BY classification_method
	`)
	if err != nil {
		return nil, apperr.StorageError("method distribution", err)
	}
	defer mrows.Close()
	for mrows.Next() {
		var method string
		var count int
		if err := mrows.Scan(&method, &count); err != nil {
			return nil, apperr.StorageError("scan method distribution", err)
		}
		stats.ByMethod[method] = count
	}
	if err := mrows.Err(); err != nil {
		return nil, apperr.StorageError("iterate method distribution", err)
	}

	return stats, nil
}

// exportRecord is the JSON shape written by Export.
type exportRecord struct {
	MessageID    string    `json:"message_id"`
	Subject      string    `json:"subject,omitempty"`
	Sender       string    `json:"sender,omitempty"`
	Category     string    `json:"category"`
	Confidence   float64   `json:"confidence"`
	Method       string    `json:"method"`
	ProcessedAt  time.Time `json:"processed_at"`
	LabelApplied bool      `json:"label_applied"`
}

// Export writes all classified records to path as JSON and returns the
// record count.
func (c *SQLiteCache) Export(ctx context.Context, path string) (int, error) {
	var rows []emailRow
	err := c.db.SelectContext(ctx, &rows, `
		SELECT * FROM emails
		WHERE classified_category IS NOT NULL
		ORDER BY processed_at ASC
	`)
	if err != nil {
		return 0, apperr.StorageError("export query", err)
	}

	records := make([]exportRecord, 0, len(rows))
	for i := range rows {
		r := rows[i].toRecord()
		records = append(records, exportRecord{
			MessageID:    r.MessageID,
			Subject:      r.Subject,
			Sender:       r.Sender,
			Category:     r.Category,
			Confidence:   r.Confidence,
			Method:       string(r.Method),
			ProcessedAt:  r.ProcessedAt,
			LabelApplied: r.LabelApplied,
		})
	}

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return 0, apperr.StorageError("marshal export", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return 0, apperr.StorageError("write export file", err)
	}
	return len(records), nil
}

// CleanupOlderThan deletes labeled records older than age. Unlabeled
// records are kept so in-flight work is never lost. The index is reloaded
// after deletion.
func (c *SQLiteCache) CleanupOlderThan(ctx context.Context, age time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-age)
	res, err := c.db.ExecContext(ctx, `
		DELETE FROM emails
		WHERE label_applied = TRUE AND processed_at < ?
	`, cutoff)
	if err != nil {
		return 0, apperr.StorageError("cleanup old entries", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, apperr.StorageError("cleanup rows affected", err)
	}

	if err := c.loadIndex(); err != nil {
		return int(deleted), err
	}
	return int(deleted), nil
}

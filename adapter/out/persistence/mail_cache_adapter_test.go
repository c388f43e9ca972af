package persistence

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"mailworker/core/domain"
	"mailworker/pkg/apperr"
)

func newTestCache(t *testing.T) (*SQLiteCache, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cache.db")
	c, err := NewSQLiteCache(path)
	if err != nil {
		t.Fatalf("NewSQLiteCache() error = %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c, path
}

func testEmail(id string) *domain.Email {
	return &domain.Email{
		MessageID:  id,
		ThreadID:   "t-" + id,
		Sender:     "alerts@hdfcbank.com",
		Receiver:   "me@example.com",
		Subject:    "Statement ready",
		Snippet:    "Your monthly statement",
		ReceivedAt: time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC),
	}
}

func classifiedResult(category string) *domain.ClassificationResult {
	return &domain.ClassificationResult{
		Category:   category,
		Confidence: 3.2,
		Method:     domain.MethodHybridRule,
	}
}

func TestStoreAndLookup(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	if c.IsProcessed("m1") {
		t.Error("IsProcessed() = true before store")
	}

	if err := c.Store(ctx, testEmail("m1"), classifiedResult("Finance & Bills")); err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	if !c.IsProcessed("m1") {
		t.Error("IsProcessed() = false after store")
	}
	if c.IsLabeled("m1") {
		t.Error("IsLabeled() = true for never-labeled message")
	}

	got, err := c.CachedClassification(ctx, "m1")
	if err != nil {
		t.Fatalf("CachedClassification() error = %v", err)
	}
	if got == nil {
		t.Fatal("CachedClassification() = nil for classified message")
	}
	if got.Category != "Finance & Bills" || got.Confidence != 3.2 || got.Method != domain.MethodHybridRule {
		t.Errorf("CachedClassification() = %+v", got)
	}
}

func TestCachedClassificationNilCases(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	// Unknown message.
	got, err := c.CachedClassification(ctx, "missing")
	if err != nil || got != nil {
		t.Errorf("CachedClassification(missing) = (%v, %v), want (nil, nil)", got, err)
	}

	// Processed but unclassified.
	if err := c.Store(ctx, testEmail("m1"), &domain.ClassificationResult{Method: domain.MethodNone}); err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	got, err = c.CachedClassification(ctx, "m1")
	if err != nil || got != nil {
		t.Errorf("CachedClassification(unclassified) = (%v, %v), want (nil, nil)", got, err)
	}
	if !c.IsProcessed("m1") {
		t.Error("unclassified store must still mark the message processed")
	}
}

func TestLabelStateNeverRegresses(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	if err := c.Store(ctx, testEmail("m1"), classifiedResult("Finance & Bills")); err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	if err := c.MarkLabeled(ctx, "m1"); err != nil {
		t.Fatalf("MarkLabeled() error = %v", err)
	}
	if !c.IsLabeled("m1") {
		t.Fatal("IsLabeled() = false after MarkLabeled")
	}

	// Re-storing the same message must not reset the label state.
	if err := c.Store(ctx, testEmail("m1"), classifiedResult("Shopping & Orders")); err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	pending, err := c.UnlabeledClassified(ctx, 0)
	if err != nil {
		t.Fatalf("UnlabeledClassified() error = %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("UnlabeledClassified() = %d records, want 0 after re-store", len(pending))
	}

	got, err := c.CachedClassification(ctx, "m1")
	if err != nil {
		t.Fatalf("CachedClassification() error = %v", err)
	}
	if got.Category != "Shopping & Orders" {
		t.Errorf("re-store must update the classification, got %q", got.Category)
	}
}

func TestMarkLabeledUnknownMessage(t *testing.T) {
	c, _ := newTestCache(t)

	err := c.MarkLabeled(context.Background(), "missing")
	if err == nil {
		t.Fatal("MarkLabeled(missing) expected error")
	}
	if !apperr.HasCode(err, apperr.CodeNotFound) {
		t.Errorf("error = %v, want NOT_FOUND", err)
	}
}

func TestBatchMarkLabeled(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	ids := []string{"m1", "m2", "m3"}
	for _, id := range ids {
		if err := c.Store(ctx, testEmail(id), classifiedResult("Finance & Bills")); err != nil {
			t.Fatalf("Store(%s) error = %v", id, err)
		}
	}

	if err := c.BatchMarkLabeled(ctx, ids); err != nil {
		t.Fatalf("BatchMarkLabeled() error = %v", err)
	}
	for _, id := range ids {
		if !c.IsLabeled(id) {
			t.Errorf("IsLabeled(%s) = false after batch", id)
		}
	}

	if err := c.BatchMarkLabeled(ctx, nil); err != nil {
		t.Errorf("BatchMarkLabeled(nil) error = %v", err)
	}
}

func TestFilterUnprocessed(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	if err := c.Store(ctx, testEmail("m2"), nil); err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	got := c.FilterUnprocessed([]string{"m1", "m2", "m3"})
	if len(got) != 2 || got[0] != "m1" || got[1] != "m3" {
		t.Errorf("FilterUnprocessed() = %v, want [m1 m3]", got)
	}
}

func TestStoreKeepsSerializedEmail(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	email := testEmail("m1")
	email.BodyText = "Your statement for August is attached"
	if err := c.Store(ctx, email, classifiedResult("Finance & Bills")); err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	records, err := c.UnlabeledClassified(ctx, 0)
	if err != nil {
		t.Fatalf("UnlabeledClassified() error = %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("len(records) = %d, want 1", len(records))
	}

	var stored domain.Email
	if err := json.Unmarshal([]byte(records[0].RawData), &stored); err != nil {
		t.Fatalf("raw_data did not unmarshal: %v", err)
	}
	if stored.MessageID != "m1" {
		t.Errorf("MessageID = %q, want m1", stored.MessageID)
	}
	if stored.BodyText != email.BodyText {
		t.Errorf("BodyText = %q, want %q", stored.BodyText, email.BodyText)
	}
}

func TestUnlabeledClassifiedOrderAndLimit(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	// Stored in sequence, so processed_at is non-decreasing.
	for _, id := range []string{"m1", "m2", "m3"} {
		if err := c.Store(ctx, testEmail(id), classifiedResult("Finance & Bills")); err != nil {
			t.Fatalf("Store(%s) error = %v", id, err)
		}
		time.Sleep(2 * time.Millisecond)
	}
	if err := c.MarkLabeled(ctx, "m2"); err != nil {
		t.Fatalf("MarkLabeled() error = %v", err)
	}

	pending, err := c.UnlabeledClassified(ctx, 0)
	if err != nil {
		t.Fatalf("UnlabeledClassified() error = %v", err)
	}
	if len(pending) != 2 || pending[0].MessageID != "m1" || pending[1].MessageID != "m3" {
		ids := make([]string, len(pending))
		for i, r := range pending {
			ids[i] = r.MessageID
		}
		t.Errorf("UnlabeledClassified() ids = %v, want [m1 m3]", ids)
	}

	limited, err := c.UnlabeledClassified(ctx, 1)
	if err != nil {
		t.Fatalf("UnlabeledClassified(1) error = %v", err)
	}
	if len(limited) != 1 || limited[0].MessageID != "m1" {
		t.Errorf("UnlabeledClassified(1) = %v, want just m1", limited)
	}
}

func TestIndexSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	ctx := context.Background()

	c, err := NewSQLiteCache(path)
	if err != nil {
		t.Fatalf("NewSQLiteCache() error = %v", err)
	}
	if err := c.Store(ctx, testEmail("m1"), classifiedResult("Finance & Bills")); err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	if err := c.MarkLabeled(ctx, "m1"); err != nil {
		t.Fatalf("MarkLabeled() error = %v", err)
	}
	if err := c.Store(ctx, testEmail("m2"), nil); err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	reopened, err := NewSQLiteCache(path)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer reopened.Close()

	if !reopened.IsProcessed("m1") || !reopened.IsProcessed("m2") {
		t.Error("processed index not rebuilt on reopen")
	}
	if !reopened.IsLabeled("m1") {
		t.Error("labeled index not rebuilt on reopen")
	}
	if reopened.IsLabeled("m2") {
		t.Error("m2 wrongly labeled after reopen")
	}
}

func TestStats(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	if err := c.Store(ctx, testEmail("m1"), classifiedResult("Finance & Bills")); err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	if err := c.Store(ctx, testEmail("m2"), classifiedResult("Finance & Bills")); err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	if err := c.Store(ctx, testEmail("m3"), &domain.ClassificationResult{Method: domain.MethodNone}); err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	if err := c.MarkLabeled(ctx, "m1"); err != nil {
		t.Fatalf("MarkLabeled() error = %v", err)
	}

	stats, err := c.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.TotalProcessed != 3 {
		t.Errorf("TotalProcessed = %d, want 3", stats.TotalProcessed)
	}
	if stats.Classified != 2 {
		t.Errorf("Classified = %d, want 2", stats.Classified)
	}
	if stats.Labeled != 1 {
		t.Errorf("Labeled = %d, want 1", stats.Labeled)
	}
	if stats.PendingLabels != 1 {
		t.Errorf("PendingLabels = %d, want 1", stats.PendingLabels)
	}
	if stats.ByCategory["Finance & Bills"] != 2 {
		t.Errorf("ByCategory = %v", stats.ByCategory)
	}
	if stats.ByMethod[string(domain.MethodHybridRule)] != 2 {
		t.Errorf("ByMethod = %v", stats.ByMethod)
	}
}

func TestExport(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	if err := c.Store(ctx, testEmail("m1"), classifiedResult("Finance & Bills")); err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	if err := c.Store(ctx, testEmail("m2"), nil); err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	path := filepath.Join(t.TempDir(), "export.json")
	n, err := c.Export(ctx, path)
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if n != 1 {
		t.Errorf("Export() = %d records, want 1 (unclassified excluded)", n)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("export file missing: %v", err)
	}
}

func TestCleanupOlderThan(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	for _, id := range []string{"old-labeled", "old-unlabeled"} {
		if err := c.Store(ctx, testEmail(id), classifiedResult("Finance & Bills")); err != nil {
			t.Fatalf("Store(%s) error = %v", id, err)
		}
	}
	if err := c.MarkLabeled(ctx, "old-labeled"); err != nil {
		t.Fatalf("MarkLabeled() error = %v", err)
	}
	// Age the records past the cutoff.
	past := time.Now().UTC().Add(-48 * time.Hour)
	if _, err := c.db.Exec("UPDATE emails SET processed_at = ?", past); err != nil {
		t.Fatalf("age records: %v", err)
	}

	deleted, err := c.CleanupOlderThan(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("CleanupOlderThan() error = %v", err)
	}
	if deleted != 1 {
		t.Errorf("CleanupOlderThan() = %d, want 1 (unlabeled records kept)", deleted)
	}
	if c.IsProcessed("old-labeled") {
		t.Error("deleted record still in index")
	}
	if !c.IsProcessed("old-unlabeled") {
		t.Error("unlabeled record must survive cleanup")
	}
}

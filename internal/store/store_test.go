package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

// openTestStore opens an in-memory SQLiteStore for use in tests.
func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open in-memory store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testDoc(id string) Document {
	return Document{
		ID:         id,
		Filename:   id + ".pdf",
		Title:      "Title " + id,
		DocType:    "article",
		SourceType: "pdf",
		Status:     StatusPending,
	}
}

func Test_Store_PutAndGet(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Put(ctx, testDoc("d1")); err != nil {
		t.Fatalf("put: %v", err)
	}

	doc, err := s.Get(ctx, "d1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if doc.Filename != "d1.pdf" || doc.Title != "Title d1" {
		t.Errorf("document fields: got %+v", doc)
	}
	if doc.Status != StatusPending {
		t.Errorf("status: want pending, got %s", doc.Status)
	}
	if doc.CreatedAt.IsZero() {
		t.Errorf("created_at must be stamped")
	}
}

func Test_Store_GetMissing(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	_, err := s.Get(context.Background(), "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("want ErrNotFound, got %v", err)
	}
}

func Test_Store_PutReplaces(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	doc := testDoc("d1")
	if err := s.Put(ctx, doc); err != nil {
		t.Fatalf("put: %v", err)
	}
	doc.Title = "renamed"
	if err := s.Put(ctx, doc); err != nil {
		t.Fatalf("put replace: %v", err)
	}

	got, err := s.Get(ctx, "d1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Title != "renamed" {
		t.Errorf("title: want renamed, got %q", got.Title)
	}
}

func Test_Store_ListNewestFirst(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i, id := range []string{"d1", "d2", "d3"} {
		doc := testDoc(id)
		doc.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		if err := s.Put(ctx, doc); err != nil {
			t.Fatalf("put %s: %v", id, err)
		}
	}

	docs, err := s.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(docs) != 3 {
		t.Fatalf("want 3 documents, got %d", len(docs))
	}
	for i, want := range []string{"d3", "d2", "d1"} {
		if docs[i].ID != want {
			t.Errorf("docs[%d]: want %s, got %s", i, want, docs[i].ID)
		}
	}
}

func Test_Store_SetStatus(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Put(ctx, testDoc("d1")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.SetStatus(ctx, "d1", StatusCompleted, 12); err != nil {
		t.Fatalf("set status: %v", err)
	}

	doc, err := s.Get(ctx, "d1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if doc.Status != StatusCompleted || doc.ChunkCount != 12 {
		t.Errorf("want completed/12, got %s/%d", doc.Status, doc.ChunkCount)
	}
}

func Test_Store_SetStatusMissing(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	err := s.SetStatus(context.Background(), "nope", StatusFailed, 0)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("want ErrNotFound, got %v", err)
	}
}

func Test_Store_Delete(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Put(ctx, testDoc("d1")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Delete(ctx, "d1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Get(ctx, "d1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("want ErrNotFound after delete, got %v", err)
	}

	// Deleting again is a no-op.
	if err := s.Delete(ctx, "d1"); err != nil {
		t.Errorf("delete absent: %v", err)
	}
}

func Test_Store_EmptyListReturnsNil(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	docs, err := s.List(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(docs) != 0 {
		t.Errorf("want 0 documents, got %d", len(docs))
	}
}

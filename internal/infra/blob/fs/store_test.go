package fs

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"rostercore/internal/blob/core"
)

func newTempStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestPutGetHeadListDelete(t *testing.T) {
	ctx := context.Background()
	s := newTempStore(t)
	info, err := s.Put(ctx, "runs/run-1/report.json", bytes.NewReader([]byte("hello")), core.PutOptions{ContentType: "application/json", Metadata: map[string]string{"k": "v"}})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if info.Key != "runs/run-1/report.json" || info.Size != 5 {
		t.Fatalf("unexpected info %+v", info)
	}
	// duplicate without Overwrite fails
	if _, err := s.Put(ctx, "runs/run-1/report.json", bytes.NewReader([]byte("x")), core.PutOptions{}); err == nil {
		t.Fatalf("expected duplicate failure")
	}
	h, err := s.Head(ctx, "runs/run-1/report.json")
	if err != nil {
		t.Fatalf("head: %v", err)
	}
	if h.ETag == "" || h.ContentType != "application/json" {
		t.Fatalf("unexpected head %+v", h)
	}
	g, rc, err := s.Get(ctx, "runs/run-1/report.json")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	b, _ := io.ReadAll(rc)
	if err := rc.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if string(b) != "hello" || g.ETag != h.ETag {
		t.Fatalf("unexpected get payload %q etag %q", b, g.ETag)
	}
	list, err := s.List(ctx, "runs/run-1/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].Key != "runs/run-1/report.json" {
		t.Fatalf("unexpected list %+v", list)
	}
	url, err := s.PresignURL(ctx, "runs/run-1/report.json", core.SignedURLOptions{})
	if err != nil || url == "" {
		t.Fatalf("presign: %v %s", err, url)
	}
	ok, err := s.Delete(ctx, "runs/run-1/report.json")
	if err != nil || !ok {
		t.Fatalf("delete: %v %v", ok, err)
	}
	ok, err = s.Delete(ctx, "runs/run-1/report.json")
	if err != nil || ok {
		t.Fatalf("second delete should report missing")
	}
}

func TestOverwriteReplacesPayload(t *testing.T) {
	ctx := context.Background()
	s := newTempStore(t)
	first, err := s.Put(ctx, "runs/run-1/checkpoint.json", bytes.NewReader([]byte("batch-0")), core.PutOptions{Overwrite: true})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	second, err := s.Put(ctx, "runs/run-1/checkpoint.json", bytes.NewReader([]byte("batch-1!")), core.PutOptions{Overwrite: true})
	if err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	if second.ETag == first.ETag || second.Size != 8 {
		t.Fatalf("overwrite did not replace payload: %+v", second)
	}
	_, rc, err := s.Get(ctx, "runs/run-1/checkpoint.json")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	b, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(b) != "batch-1!" {
		t.Fatalf("stale payload %q", b)
	}
}

func TestMissingKeyIsErrNotFound(t *testing.T) {
	ctx := context.Background()
	s := newTempStore(t)
	if _, _, err := s.Get(ctx, "nope"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("get: want ErrNotFound, got %v", err)
	}
	if _, err := s.Head(ctx, "nope"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("head: want ErrNotFound, got %v", err)
	}
}

func TestKeySanitization(t *testing.T) {
	ctx := context.Background()
	s := newTempStore(t)
	for _, key := range []string{"", "   ", "../escape", "/abs/path", "a/../../b"} {
		if _, err := s.Put(ctx, key, bytes.NewReader([]byte("x")), core.PutOptions{}); err == nil {
			t.Fatalf("expected rejection for key %q", key)
		}
	}
}

func TestPresignRejectsNonGet(t *testing.T) {
	ctx := context.Background()
	s := newTempStore(t)
	if _, err := s.PresignURL(ctx, "k", core.SignedURLOptions{Method: "PUT"}); !errors.Is(err, core.ErrUnsupported) {
		t.Fatalf("want ErrUnsupported, got %v", err)
	}
}

package publisher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bobarin/renderd/internal/pkg/apperr"
	"github.com/bobarin/renderd/internal/pkg/retry"
	"github.com/bobarin/renderd/internal/storage"
)

type fakeBlob struct {
	mu    sync.Mutex
	errs  []error
	calls []storage.PutInput
}

func (f *fakeBlob) Provider() string { return "fake" }

func (f *fakeBlob) Put(ctx context.Context, in storage.PutInput) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, in)
	if len(f.errs) == 0 {
		return nil
	}
	err := f.errs[0]
	f.errs = f.errs[1:]
	return err
}

func (f *fakeBlob) PublicURL(bucket, key string) string {
	return "https://cdn.test/" + bucket + "/" + key
}

func output(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "render.mp4")
	if err := os.WriteFile(p, []byte("0123456789"), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func fastOptions() Options {
	return Options{Bucket: "renders", MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func TestPublish(t *testing.T) {
	blob := &fakeBlob{}
	p := New(blob, fastOptions(), nil)
	src := output(t)

	res, err := p.Publish(context.Background(), src, "", "shorts/demo.mp4")
	if err != nil {
		t.Fatalf("Publish() error: %v", err)
	}
	if res.URL != "https://cdn.test/renders/shorts/demo.mp4" || res.Bytes != 10 || res.Attempts != 1 {
		t.Errorf("unexpected result: %+v", res)
	}
	if len(blob.calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(blob.calls))
	}
	in := blob.calls[0]
	if in.Bucket != "renders" || in.ContentType != "video/mp4" || in.LocalPath != src {
		t.Errorf("unexpected put input: %+v", in)
	}
	if _, err := os.Stat(src); err != nil {
		t.Error("local output must stay in place")
	}
}

func TestPublishRetriesTransient(t *testing.T) {
	blob := &fakeBlob{errs: []error{
		&retry.StatusError{StatusCode: 503},
		errors.New("read: connection reset by peer"),
	}}
	p := New(blob, fastOptions(), nil)

	res, err := p.Publish(context.Background(), output(t), "b", "k.mp4")
	if err != nil {
		t.Fatalf("Publish() error: %v", err)
	}
	if res.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", res.Attempts)
	}
}

func TestPublishPermanentFailure(t *testing.T) {
	blob := &fakeBlob{errs: []error{retry.Permanent(&retry.StatusError{StatusCode: 403})}}
	p := New(blob, fastOptions(), nil)

	_, err := p.Publish(context.Background(), output(t), "b", "k.mp4")
	if !apperr.IsCode(err, apperr.CodePublish) {
		t.Fatalf("expected PUBLISH_ERROR, got %v", err)
	}
	if len(blob.calls) != 1 {
		t.Errorf("permanent failure must not be retried, got %d calls", len(blob.calls))
	}
	var ae *apperr.Error
	errors.As(err, &ae)
	if ae.HTTPStatus() != 502 || ae.Fields["key"] != "k.mp4" {
		t.Errorf("unexpected error details: status=%d fields=%v", ae.HTTPStatus(), ae.Fields)
	}
}

func TestPublishExhaustsRetries(t *testing.T) {
	se := &retry.StatusError{StatusCode: 500}
	blob := &fakeBlob{errs: []error{se, se, se, se, se}}
	p := New(blob, fastOptions(), nil)

	_, err := p.Publish(context.Background(), output(t), "b", "k.mp4")
	if !apperr.IsCode(err, apperr.CodePublish) {
		t.Fatalf("expected PUBLISH_ERROR, got %v", err)
	}
	if len(blob.calls) != 4 {
		t.Errorf("expected 4 attempts, got %d", len(blob.calls))
	}
}

func TestPublishMissingOutput(t *testing.T) {
	p := New(&fakeBlob{}, fastOptions(), nil)
	_, err := p.Publish(context.Background(), filepath.Join(t.TempDir(), "missing.mp4"), "b", "k.mp4")
	if !apperr.IsCode(err, apperr.CodePublish) {
		t.Errorf("expected PUBLISH_ERROR, got %v", err)
	}
}

func TestPublishCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := New(&fakeBlob{errs: []error{&retry.StatusError{StatusCode: 503}}}, fastOptions(), nil)

	_, err := p.Publish(ctx, output(t), "b", "k.mp4")
	if !apperr.IsCode(err, apperr.CodeCanceled) {
		t.Errorf("expected CANCELED, got %v", err)
	}
}

func TestObjectKey(t *testing.T) {
	tests := []struct {
		dir, name, id, want string
	}{
		{"shorts/2024", "episode-1", "abc", "shorts/2024/episode-1.mp4"},
		{"", "", "abc", "abc.mp4"},
		{"/a//b/", "clip.mp4", "abc", "a/b/clip.mp4"},
		{"../x", "../../etc", "abc", "x/.._.._etc.mp4"},
		{"shorts", "a/b", "abc", "shorts/a_b.mp4"},
		{"shorts", "  ", "abc", "shorts/abc.mp4"},
	}
	for _, tt := range tests {
		if got := ObjectKey(tt.dir, tt.name, tt.id); got != tt.want {
			t.Errorf("ObjectKey(%q, %q, %q) = %q, want %q", tt.dir, tt.name, tt.id, got, tt.want)
		}
	}
}

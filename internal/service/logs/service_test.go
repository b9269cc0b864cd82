package logs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/Siuumanth/CodeBay/internal/domain"
)

type fakeLogRepo struct {
	entries []domain.BuildLog
	err     error
}

func (f *fakeLogRepo) AppendLog(ctx context.Context, entry domain.BuildLog) error {
	if f.err != nil {
		return f.err
	}
	f.entries = append(f.entries, entry)
	return nil
}

func (f *fakeLogRepo) ListLogsBySlug(ctx context.Context, slug string, limit, offset int) ([]domain.BuildLog, error) {
	out := make([]domain.BuildLog, 0)
	for _, e := range f.entries {
		if e.Slug == slug {
			out = append(out, e)
		}
	}
	return out, nil
}

type fakePublisher struct {
	published map[string][]string
	err       error
}

func (f *fakePublisher) Publish(ctx context.Context, slug string, payload []byte) error {
	if f.err != nil {
		return f.err
	}
	if f.published == nil {
		f.published = make(map[string][]string)
	}
	f.published[slug] = append(f.published[slug], string(payload))
	return nil
}

func newTestService() (*Service, *fakeLogRepo, *fakePublisher) {
	repo := &fakeLogRepo{}
	pub := &fakePublisher{}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(repo, pub, log), repo, pub
}

func TestIngestPublishesEnvelope(t *testing.T) {
	svc, _, pub := newTestService()

	if err := svc.Ingest(context.Background(), "demo-app", "Installing..."); err != nil {
		t.Fatalf("Ingest returned error: %v", err)
	}
	got := pub.published["demo-app"]
	if len(got) != 1 || got[0] != `{"log":"Installing..."}` {
		t.Fatalf("unexpected published payloads %v", got)
	}
}

func TestIngestValidation(t *testing.T) {
	svc, _, pub := newTestService()
	ctx := context.Background()

	if err := svc.Ingest(ctx, "Bad Slug", "x"); !errors.Is(err, ErrInvalidSlug) {
		t.Fatalf("expected ErrInvalidSlug, got %v", err)
	}
	if err := svc.Ingest(ctx, "demo-app", "   "); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("expected ErrEmptyMessage, got %v", err)
	}
	if len(pub.published) != 0 {
		t.Fatal("invalid ingest must not publish")
	}
}

func TestRecordAndList(t *testing.T) {
	svc, repo, _ := newTestService()
	ctx := context.Background()

	svc.Record(ctx, "demo-app", "builder", "Installing...")
	svc.Record(ctx, "demo-app", "builder", "Done...")
	svc.Record(ctx, "other-app", "builder", "noise")

	entries, err := svc.List(ctx, "demo-app", 100, 0)
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	if len(entries) != 2 || entries[0].Message != "Installing..." || entries[1].Message != "Done..." {
		t.Fatalf("unexpected entries %+v", entries)
	}
	if len(repo.entries) != 3 {
		t.Fatalf("expected 3 persisted lines, got %d", len(repo.entries))
	}
}

func TestRecordSwallowsRepositoryErrors(t *testing.T) {
	svc, repo, _ := newTestService()
	repo.err = errors.New("db down")

	// Must not panic or propagate; the relay keeps flowing.
	svc.Record(context.Background(), "demo-app", "builder", "line")
}

func TestLine(t *testing.T) {
	cases := []struct {
		payload string
		want    string
	}{
		{`{"log":"Building..."}`, "Building..."},
		{`{"log":""}`, `{"log":""}`},
		{"plain text line", "plain text line"},
		{`{"other":"field"}`, `{"other":"field"}`},
	}
	for _, tc := range cases {
		if got := Line([]byte(tc.payload)); got != tc.want {
			t.Fatalf("Line(%q) = %q, want %q", tc.payload, got, tc.want)
		}
	}
}

package session

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/example/cutout/internal/blob"
	"github.com/example/cutout/internal/intake"
	"github.com/example/cutout/internal/segmentation"
	"github.com/example/cutout/internal/workflow"
)

func newTestManager(t *testing.T, idle time.Duration) (*Manager, *blob.Memory) {
	t.Helper()
	return newTestManagerWith(t, idle, blob.NewMemory(1<<20, 0), segmentation.NewKeyer())
}

func newTestManagerWith(t *testing.T, idle time.Duration, store *blob.Memory, seg segmentation.Service) (*Manager, *blob.Memory) {
	t.Helper()
	reader := intake.NewReader(store, 1<<20, 0, zap.NewNop())
	factory := func(id string) *workflow.Controller {
		return workflow.New(workflow.Config{
			SessionID: id,
			Store:     store,
			Intake:    reader,
			Segmenter: seg,
			Logger:    zap.NewNop(),
		})
	}
	m := NewManager(factory, idle, zap.NewNop())
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return m, store
}

func tinyPNG(t *testing.T) []byte {
	t.Helper()
	buf := &bytes.Buffer{}
	if err := png.Encode(buf, image.NewRGBA(image.Rect(0, 0, 2, 2))); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return buf.Bytes()
}

func TestGetReturnsSameController(t *testing.T) {
	m, _ := newTestManager(t, time.Minute)

	a := m.Get("a")
	if a != m.Get("a") {
		t.Fatal("expected the same controller for the same id")
	}
	if a == m.Get("b") {
		t.Fatal("expected distinct controllers per id")
	}
	if _, ok := m.Lookup("c"); ok {
		t.Fatal("lookup must not create sessions")
	}
	if m.Len() != 2 {
		t.Fatalf("expected 2 sessions, got %d", m.Len())
	}
}

func TestSweepClosesIdleSessions(t *testing.T) {
	m, store := newTestManager(t, time.Minute)
	c := m.Get("a")
	if _, err := c.Load(context.Background(), bytes.NewReader(tinyPNG(t)), "a.png"); err != nil {
		t.Fatalf("load: %v", err)
	}

	if n := m.Sweep(context.Background(), time.Now()); n != 0 {
		t.Fatalf("fresh session swept: %d", n)
	}
	if n := m.Sweep(context.Background(), time.Now().Add(2*time.Minute)); n != 1 {
		t.Fatalf("expected 1 swept session, got %d", n)
	}
	if store.Size() != 0 {
		t.Fatalf("expected blobs released, %d bytes left", store.Size())
	}
	if _, ok := m.Lookup("a"); ok {
		t.Fatal("expected session removed")
	}
	if m.Get("a") == c {
		t.Fatal("expected a fresh controller after expiry")
	}
}

func TestSweepDisabledWithoutTimeout(t *testing.T) {
	m, _ := newTestManager(t, 0)
	m.Get("a")
	if n := m.Sweep(context.Background(), time.Now().Add(24*time.Hour)); n != 0 {
		t.Fatalf("expected no sweep, got %d", n)
	}
}

func TestStartRejectsBadSchedule(t *testing.T) {
	m, _ := newTestManager(t, time.Minute)
	if err := m.Start("every now and then"); err == nil {
		t.Fatal("expected schedule parse error")
	}
	if err := m.Start(""); err != nil {
		t.Fatalf("default schedule: %v", err)
	}
	if err := m.Start(""); err == nil {
		t.Fatal("expected error on second start")
	}
}

func TestGetMarksSessionActive(t *testing.T) {
	m, _ := newTestManager(t, time.Minute)
	c := m.Get("a")
	before := c.LastActive()

	time.Sleep(5 * time.Millisecond)
	if m.Get("a") != c {
		t.Fatal("expected the same controller")
	}
	if !c.LastActive().After(before) {
		t.Fatal("expected Get to refresh the activity time")
	}
}

func TestSweepKeepsBusySessions(t *testing.T) {
	out := tinyPNG(t)
	started := make(chan struct{})
	release := make(chan struct{})
	seg := segmentation.Func(func(ctx context.Context, data []byte, opts segmentation.Options) ([]byte, error) {
		close(started)
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return out, nil
	})
	m, _ := newTestManagerWith(t, time.Minute, blob.NewMemory(1<<20, 0), seg)

	c := m.Get("a")
	if _, err := c.Load(context.Background(), bytes.NewReader(tinyPNG(t)), "a.png"); err != nil {
		t.Fatalf("load: %v", err)
	}
	run, err := c.Process()
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	<-started

	if n := m.Sweep(context.Background(), time.Now().Add(time.Hour)); n != 0 {
		t.Fatalf("busy session swept: %d", n)
	}
	close(release)
	if err := run.Wait(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if run.Stale() {
		t.Fatal("expected the run to commit, not be cancelled by the sweep")
	}
}

func TestFullStoreDoesNotEvictOtherSessions(t *testing.T) {
	img := tinyPNG(t)
	ctx := context.Background()

	// room for exactly two uploads
	scratch := blob.NewMemory(1<<20, 0)
	if _, err := scratch.Put(ctx, img, "image/png"); err != nil {
		t.Fatalf("put: %v", err)
	}
	m, store := newTestManagerWith(t, time.Minute, blob.NewMemory(2*scratch.Size(), 0), segmentation.NewKeyer())

	a := m.Get("a")
	snap, err := a.Load(ctx, bytes.NewReader(img), "a.png")
	if err != nil {
		t.Fatalf("load a: %v", err)
	}
	if _, err := m.Get("b").Load(ctx, bytes.NewReader(img), "b.png"); err != nil {
		t.Fatalf("load b: %v", err)
	}

	_, err = m.Get("c").Load(ctx, bytes.NewReader(img), "c.png")
	var readErr *intake.ReadError
	if !errors.As(err, &readErr) || !errors.Is(err, blob.ErrFull) {
		t.Fatalf("expected a full store read error, got %v", err)
	}
	if _, _, err := store.Get(ctx, snap.Source.Ref); err != nil {
		t.Fatalf("expected session a's source to survive, got %v", err)
	}
}

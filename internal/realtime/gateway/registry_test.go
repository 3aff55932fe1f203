package gateway

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeLoader struct {
	calls atomic.Int32
	text  string
	delay time.Duration
}

func (f *fakeLoader) Content(ctx context.Context, noteID string) (string, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return f.text, nil
}

type erroringLoader struct{}

func (erroringLoader) Content(ctx context.Context, noteID string) (string, error) {
	return "", errors.New("boom")
}

type fakeTransport struct{}

func (fakeTransport) WriteMessage(int, []byte) error       { return nil }
func (fakeTransport) ReadMessage() (int, []byte, error)    { return 0, nil, errors.New("unused") }
func (fakeTransport) Close() error                         { return nil }

func TestGetOrCreateConstructsOnlyOnceUnderConcurrency(t *testing.T) {
	loader := &fakeLoader{text: "hello", delay: 10 * time.Millisecond}
	registry := New(loader, nil, 8, nil)

	const concurrency = 50
	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func() {
			defer wg.Done()
			if _, err := registry.GetOrCreate(context.Background(), "note-1"); err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if calls := loader.calls.Load(); calls != 1 {
		t.Fatalf("expected loader called exactly once, got %d", calls)
	}
	if registry.Stats().OpenSessions != 1 {
		t.Fatalf("expected exactly 1 open session, got %d", registry.Stats().OpenSessions)
	}
}

func TestGetOrCreateIsolatesDifferentNotes(t *testing.T) {
	loader := &fakeLoader{text: "hello"}
	registry := New(loader, nil, 8, nil)

	if _, err := registry.GetOrCreate(context.Background(), "note-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := registry.GetOrCreate(context.Background(), "note-2"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	stats := registry.Stats()
	if stats.OpenSessions != 2 {
		t.Fatalf("expected 2 open sessions, got %d", stats.OpenSessions)
	}
}

func TestGetOrCreatePropagatesLoaderError(t *testing.T) {
	registry := New(erroringLoader{}, nil, 8, nil)
	if _, err := registry.GetOrCreate(context.Background(), "note-1"); err == nil {
		t.Fatal("expected error from failing loader")
	}
	if registry.Stats().OpenSessions != 0 {
		t.Fatal("expected no session retained after a failed construction")
	}
}

func TestConnectThenDetachRetiresSessionAndAllowsRecreate(t *testing.T) {
	loader := &fakeLoader{text: "hello"}
	registry := New(loader, nil, 8, nil)

	conn, noteSession, err := registry.Connect(context.Background(), "note-1", fakeTransport{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if registry.Stats().OpenSessions != 1 {
		t.Fatalf("expected 1 open session after connect, got %d", registry.Stats().OpenSessions)
	}

	noteSession.Detach(conn)

	deadline := time.Now().Add(time.Second)
	for registry.Stats().OpenSessions != 0 {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for session to retire")
		}
		time.Sleep(time.Millisecond)
	}

	if _, _, err := registry.Connect(context.Background(), "note-1", fakeTransport{}); err != nil {
		t.Fatalf("unexpected error reconnecting after retirement: %v", err)
	}
	if calls := loader.calls.Load(); calls != 2 {
		t.Fatalf("expected loader called again on recreate, got %d calls", calls)
	}
}

func TestFiftyConcurrentConnectsThenOneContentFetchSeesConvergedState(t *testing.T) {
	loader := &fakeLoader{text: "hello"}
	registry := New(loader, nil, 8, nil)

	const concurrency = 50
	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func() {
			defer wg.Done()
			if _, _, err := registry.Connect(context.Background(), "note-1", fakeTransport{}); err != nil {
				t.Errorf("unexpected connect error: %v", err)
			}
		}()
	}
	wg.Wait()

	noteSession, err := registry.GetOrCreate(context.Background(), "note-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if noteSession.ConnectionCount() != concurrency {
		t.Fatalf("expected %d attached connections, got %d", concurrency, noteSession.ConnectionCount())
	}
}

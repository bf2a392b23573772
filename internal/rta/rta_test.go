package rta

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/vovakirdan/xblsync/internal/multiplayer"
)

type recordingHandler struct {
	mu      sync.Mutex
	taps    []multiplayer.SessionChangeEvent
	resyncs int
	signal  chan struct{}
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{signal: make(chan struct{}, 16)}
}

func (h *recordingHandler) OnSessionChanged(evt multiplayer.SessionChangeEvent) {
	h.mu.Lock()
	h.taps = append(h.taps, evt)
	h.mu.Unlock()
	h.signal <- struct{}{}
}

func (h *recordingHandler) OnResyncMessageReceived() {
	h.mu.Lock()
	h.resyncs++
	h.mu.Unlock()
	h.signal <- struct{}{}
}

func (h *recordingHandler) wait(t *testing.T) {
	t.Helper()
	select {
	case <-h.signal:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a frame")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func startHub(t *testing.T) (*Hub, string) {
	t.Helper()
	quiet := log.New(io.Discard)
	hub := NewHub(WithHubLogger(quiet))
	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)
	t.Cleanup(hub.DisconnectAll)
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func startSubscriber(t *testing.T, url string, h TapHandler) *Subscriber {
	t.Helper()
	sub := NewSubscriber(url,
		WithSubscriberLogger(log.New(io.Discard)),
		WithBackoff(10*time.Millisecond, 50*time.Millisecond))
	sub.AddHandler(h)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = sub.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return sub
}

func TestParseFrame(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"tap", `{"type":"tap","reference":{"scid":"s","templateName":"t","name":"n"},"changeNumber":4}`, false},
		{"resync", `{"type":"resync"}`, false},
		{"tap without reference", `{"type":"tap","changeNumber":4}`, true},
		{"unknown type", `{"type":"presence"}`, true},
		{"not json", `tap`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := ParseFrame([]byte(tt.input))
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseFrame() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.name == "tap" && (f.Event().ChangeNumber != 4 || f.Event().Reference.SessionName != "n") {
				t.Errorf("Event() = %+v", f.Event())
			}
		})
	}
}

func TestHubDeliversTapsAndResyncs(t *testing.T) {
	hub, url := startHub(t)
	h := newRecordingHandler()
	startSubscriber(t, url, h)
	waitFor(t, func() bool { return hub.Stats().Clients == 1 })

	ref := multiplayer.SessionReference{ServiceConfigID: "scid", TemplateName: "lobby", SessionName: "room"}
	hub.PublishTap(multiplayer.SessionChangeEvent{Reference: ref, ChangeNumber: 7})
	h.wait(t)
	hub.PublishResync()
	h.wait(t)

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.taps) != 1 || h.taps[0].Reference != ref || h.taps[0].ChangeNumber != 7 {
		t.Errorf("taps = %+v", h.taps)
	}
	if h.resyncs != 1 {
		t.Errorf("resyncs = %d, want 1", h.resyncs)
	}
}

func TestSubscriberResyncsAfterReconnect(t *testing.T) {
	hub, url := startHub(t)
	h := newRecordingHandler()
	sub := startSubscriber(t, url, h)
	waitFor(t, func() bool { return hub.Stats().Clients == 1 })

	hub.DisconnectAll()
	h.wait(t)

	waitFor(t, func() bool { return sub.Connections() == 2 })
	h.mu.Lock()
	resyncs := h.resyncs
	h.mu.Unlock()
	if resyncs != 1 {
		t.Errorf("Expected one resync after reconnecting, got %d", resyncs)
	}
}

func TestSubscriberRetriesFailedDials(t *testing.T) {
	hub := NewHub(WithHubLogger(log.New(io.Discard)))
	var mu sync.Mutex
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n <= 2 {
			http.Error(w, "starting", http.StatusServiceUnavailable)
			return
		}
		hub.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(hub.DisconnectAll)

	h := newRecordingHandler()
	sub := startSubscriber(t, "ws"+strings.TrimPrefix(srv.URL, "http"), h)
	waitFor(t, func() bool { return sub.Connections() == 1 })

	mu.Lock()
	got := attempts
	mu.Unlock()
	if got != 3 {
		t.Errorf("Expected 3 dial attempts, got %d", got)
	}
	select {
	case <-h.signal:
		t.Error("first connection should not dispatch a resync")
	case <-time.After(20 * time.Millisecond):
	}
}

// A writer fed by the subscriber refetches when another client changes the session.
func TestWriterFollowsHubTaps(t *testing.T) {
	hub, url := startHub(t)

	ref := multiplayer.SessionReference{ServiceConfigID: "scid", TemplateName: "lobby", SessionName: "room"}
	svc := &staticService{doc: &multiplayer.SessionDocument{Reference: ref, ChangeNumber: 3}}
	users := multiplayer.NewLocalUserManager()
	_ = users.Add(&multiplayer.LocalUser{Xuid: "x1", Service: svc})
	w := multiplayer.NewSessionWriter(users, multiplayer.WithLogger(log.New(io.Discard)))
	t.Cleanup(w.Close)
	w.UpdateSession(&multiplayer.SessionDocument{Reference: ref, ChangeNumber: 2})

	h := newRecordingHandler()
	sub := startSubscriber(t, url, w)
	sub.AddHandler(h)
	waitFor(t, func() bool { return hub.Stats().Clients == 1 })

	hub.PublishTap(multiplayer.SessionChangeEvent{Reference: ref, ChangeNumber: 3})
	h.wait(t)
	w.Wait()

	if got := w.Session().ChangeNumber; got != 3 {
		t.Errorf("cached change number = %d, want 3", got)
	}
}

type staticService struct {
	doc *multiplayer.SessionDocument
}

func (s *staticService) WriteSession(_ context.Context, doc *multiplayer.SessionDocument, _ multiplayer.WriteMode) (*multiplayer.SessionDocument, error) {
	return doc, nil
}

func (s *staticService) WriteSessionByHandle(_ context.Context, doc *multiplayer.SessionDocument, _ multiplayer.WriteMode, _ string) (*multiplayer.SessionDocument, error) {
	return doc, nil
}

func (s *staticService) GetCurrentSession(context.Context, multiplayer.SessionReference) (*multiplayer.SessionDocument, error) {
	return s.doc.Clone(), nil
}

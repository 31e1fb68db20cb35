package usecase

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

type memoryBindings struct {
	mu   sync.Mutex
	data map[string]string
	errs bool
}

func (m *memoryBindings) Get(ctx context.Context, token string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.errs {
		return "", context.DeadlineExceeded
	}
	if v, ok := m.data[token]; ok {
		return v, nil
	}
	return "", nil
}

func (m *memoryBindings) Set(ctx context.Context, token, coverURL string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.errs {
		return context.DeadlineExceeded
	}
	if m.data == nil {
		m.data = make(map[string]string)
	}
	m.data[token] = coverURL
	return nil
}

type allowFunc func(rawURL string) (bool, string)

func (f allowFunc) IsAllowed(rawURL string) (bool, string) { return f(rawURL) }

func allowEverything(string) (bool, string) { return true, "" }

const fallbackCover = "https://p1.music.126.net/default.jpg"

func TestBackgroundForToken_BindsRedirectTarget(t *testing.T) {
	var hits int
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		http.Redirect(w, r, "/images/bg42.jpg", http.StatusFound)
	}))
	defer api.Close()

	bindings := &memoryBindings{}
	svc := NewCoverService(bindings, allowFunc(allowEverything), api.URL, time.Second, fallbackCover, discardLogger())

	got := svc.BackgroundForToken(context.Background(), "tok", time.Minute)
	want := api.URL + "/images/bg42.jpg"
	if got != want {
		t.Errorf("cover = %q, want %q", got, want)
	}

	// Second call must reuse the binding, not hit the API again.
	if again := svc.BackgroundForToken(context.Background(), "tok", time.Minute); again != want {
		t.Errorf("rebound cover = %q, want %q", again, want)
	}
	if hits != 1 {
		t.Errorf("API hits = %d, want 1", hits)
	}

	if other := svc.BackgroundForToken(context.Background(), "tok2", time.Minute); other != want {
		t.Errorf("second token cover = %q", other)
	}
	if hits != 2 {
		t.Errorf("API hits = %d after second token, want 2", hits)
	}
}

func TestBackgroundForToken_DisallowedHostFallsBack(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "https://evil.example.com/bg.jpg", http.StatusFound)
	}))
	defer api.Close()

	bindings := &memoryBindings{}
	svc := NewCoverService(bindings, allowFunc(func(string) (bool, string) { return false, "host not allowed" }), api.URL, time.Second, fallbackCover, discardLogger())

	if got := svc.BackgroundForToken(context.Background(), "tok", time.Minute); got != fallbackCover {
		t.Errorf("cover = %q, want fallback", got)
	}
	// The fallback still gets bound so the session stays consistent.
	if bindings.data["tok"] != fallbackCover {
		t.Errorf("binding = %q, want fallback", bindings.data["tok"])
	}
}

func TestBackgroundForToken_APIDownFallsBack(t *testing.T) {
	svc := NewCoverService(&memoryBindings{}, allowFunc(allowEverything), "http://127.0.0.1:1/bg", 100*time.Millisecond, fallbackCover, discardLogger())
	if got := svc.BackgroundForToken(context.Background(), "tok", time.Minute); got != fallbackCover {
		t.Errorf("cover = %q, want fallback", got)
	}
}

func TestBackgroundForToken_NonRedirectAnswerFallsBack(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer api.Close()

	svc := NewCoverService(&memoryBindings{}, allowFunc(allowEverything), api.URL, time.Second, fallbackCover, discardLogger())
	if got := svc.BackgroundForToken(context.Background(), "tok", time.Minute); got != fallbackCover {
		t.Errorf("cover = %q, want fallback", got)
	}
}

func TestBackgroundForToken_BindingStoreDownStillAnswers(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/bg.jpg", http.StatusFound)
	}))
	defer api.Close()

	svc := NewCoverService(&memoryBindings{errs: true}, allowFunc(allowEverything), api.URL, time.Second, fallbackCover, discardLogger())
	if got := svc.BackgroundForToken(context.Background(), "tok", time.Minute); got != api.URL+"/bg.jpg" {
		t.Errorf("cover = %q", got)
	}
}

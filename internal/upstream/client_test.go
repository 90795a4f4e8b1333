package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexmetrics/go-sync-backend/internal/config"
	"github.com/lexmetrics/go-sync-backend/internal/domain"
)

type fakeSource struct {
	mu      sync.Mutex
	creds   domain.Credentials
	updates int
}

func (f *fakeSource) Credentials(ctx context.Context) (*domain.Credentials, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.creds
	return &c, nil
}

func (f *fakeSource) UpdateTokens(ctx context.Context, access, refresh string, expiresAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creds.AccessToken = access
	f.creds.RefreshToken = refresh
	f.creds.ExpiresAt = expiresAt
	f.updates++
	return nil
}

func (f *fakeSource) updateCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.updates
}

// authServer answers the refresh endpoint with a fixed new token pair
// and counts how many refreshes it granted.
func authServer(t *testing.T, refreshes *int) *httptest.Server {
	t.Helper()
	var mu sync.Mutex
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/tokens" {
			http.NotFound(w, r)
			return
		}
		mu.Lock()
		*refreshes++
		mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "new-token",
			"refresh_token": "new-refresh",
			"expires_in":    3600,
		})
	}))
}

func newTestClient(t *testing.T, apiURL, authURL string, src *fakeSource) *Client {
	t.Helper()
	cfg := config.UpstreamConfig{
		BaseURL:            apiURL,
		AuthURL:            authURL,
		ClientID:           "cid",
		ClientSecret:       "secret",
		RateLimitPerSecond: 1000,
		RetryCount:         3,
		MaxThrottleRetries: 10,
		RefreshMargin:      5 * time.Minute,
		PageTokenParam:     "page_token",
		PerPage:            100,
		MaxPages:           1000,
	}
	c := New(cfg, src, zerolog.Nop())
	c.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return c
}

func freshSource() *fakeSource {
	return &fakeSource{creds: domain.Credentials{
		AccessToken:  "old-token",
		RefreshToken: "old-refresh",
		ExpiresAt:    time.Now().UTC().Add(time.Hour),
	}}
}

func TestSingle401RefreshesOnceAndRetries(t *testing.T) {
	refreshes := 0
	auth := authServer(t, &refreshes)
	defer auth.Close()

	requests := 0
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		if r.Header.Get("Authorization") != "Bearer new-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, `{"data":[{"id":1}]}`)
	}))
	defer api.Close()

	src := freshSource()
	c := newTestClient(t, api.URL, auth.URL, src)

	body, _, err := c.Get(context.Background(), "/cases", nil)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(body) != `{"data":[{"id":1}]}` {
		t.Fatalf("body = %s", body)
	}
	if refreshes != 1 {
		t.Fatalf("refreshes = %d, want 1", refreshes)
	}
	if requests != 2 {
		t.Fatalf("api requests = %d, want 2", requests)
	}
	if src.updateCount() != 1 {
		t.Fatalf("token persists = %d, want 1", src.updateCount())
	}
}

func TestDouble401IsFatal(t *testing.T) {
	refreshes := 0
	auth := authServer(t, &refreshes)
	defer auth.Close()

	requests := 0
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer api.Close()

	c := newTestClient(t, api.URL, auth.URL, freshSource())

	_, _, err := c.Get(context.Background(), "/cases", nil)
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("err = %v, want AuthError", err)
	}
	if requests != 2 {
		t.Fatalf("api requests = %d, want exactly 2", requests)
	}
	if refreshes != 1 {
		t.Fatalf("refreshes = %d, want 1", refreshes)
	}
}

func TestProactiveRefreshBeforeExpiry(t *testing.T) {
	refreshes := 0
	auth := authServer(t, &refreshes)
	defer auth.Close()

	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer new-token" {
			t.Errorf("request sent with stale token: %q", r.Header.Get("Authorization"))
		}
		fmt.Fprint(w, `{"data":[]}`)
	}))
	defer api.Close()

	src := freshSource()
	src.creds.ExpiresAt = time.Now().UTC().Add(2 * time.Minute) // inside the 5m margin
	c := newTestClient(t, api.URL, auth.URL, src)

	if _, _, err := c.Get(context.Background(), "/cases", nil); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if refreshes != 1 {
		t.Fatalf("refreshes = %d, want 1", refreshes)
	}
}

func Test429BackoffHonorsRetryAfter(t *testing.T) {
	auth := authServer(t, new(int))
	defer auth.Close()

	hits := 0
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		if hits == 1 {
			w.Header().Set("Retry-After", "5")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, `{"data":[]}`)
	}))
	defer api.Close()

	c := newTestClient(t, api.URL, auth.URL, freshSource())
	var slept []time.Duration
	c.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	if _, _, err := c.Get(context.Background(), "/cases", nil); err != nil {
		t.Fatalf("Get: %v", err)
	}
	// Retry-After=5 beats 2^1=2 on the first throttle.
	if len(slept) != 1 || slept[0] != 5*time.Second {
		t.Fatalf("slept = %v, want [5s]", slept)
	}
}

func Test429BackoffGrowsWithoutRetryAfter(t *testing.T) {
	auth := authServer(t, new(int))
	defer auth.Close()

	hits := 0
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		if hits <= 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, `{"data":[]}`)
	}))
	defer api.Close()

	c := newTestClient(t, api.URL, auth.URL, freshSource())
	var slept []time.Duration
	c.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	if _, _, err := c.Get(context.Background(), "/cases", nil); err != nil {
		t.Fatalf("Get: %v", err)
	}
	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}
	if len(slept) != len(want) {
		t.Fatalf("slept = %v, want %v", slept, want)
	}
	for i := range want {
		if slept[i] != want[i] {
			t.Fatalf("slept[%d] = %v, want %v", i, slept[i], want[i])
		}
	}
}

func Test429ExhaustsSeparateBudget(t *testing.T) {
	auth := authServer(t, new(int))
	defer auth.Close()

	hits := 0
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer api.Close()

	c := newTestClient(t, api.URL, auth.URL, freshSource())

	_, _, err := c.Get(context.Background(), "/cases", nil)
	var rle *RateLimitError
	if !errors.As(err, &rle) {
		t.Fatalf("err = %v, want RateLimitError", err)
	}
	// max_throttle_retries=10 means 11 attempts before giving up, far
	// more than the transient budget of 3.
	if hits != 11 {
		t.Fatalf("hits = %d, want 11", hits)
	}
}

func Test5xxRetriesThenFails(t *testing.T) {
	auth := authServer(t, new(int))
	defer auth.Close()

	hits := 0
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer api.Close()

	c := newTestClient(t, api.URL, auth.URL, freshSource())
	var slept []time.Duration
	c.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	_, _, err := c.Get(context.Background(), "/cases", nil)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want APIError", err)
	}
	if !apiErr.Transient || apiErr.StatusCode != http.StatusBadGateway {
		t.Fatalf("apiErr = %+v", apiErr)
	}
	if hits != 3 {
		t.Fatalf("hits = %d, want 3", hits)
	}
	want := []time.Duration{time.Second, 2 * time.Second}
	if len(slept) != 2 || slept[0] != want[0] || slept[1] != want[1] {
		t.Fatalf("slept = %v, want %v", slept, want)
	}
}

func Test5xxRecoversMidBudget(t *testing.T) {
	auth := authServer(t, new(int))
	defer auth.Close()

	hits := 0
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		if hits == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, `{"data":[{"id":9}]}`)
	}))
	defer api.Close()

	c := newTestClient(t, api.URL, auth.URL, freshSource())

	body, _, err := c.Get(context.Background(), "/cases", nil)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(body) == "" || hits != 2 {
		t.Fatalf("hits = %d body = %s", hits, body)
	}
}

func Test4xxIsPermanent(t *testing.T) {
	auth := authServer(t, new(int))
	defer auth.Close()

	hits := 0
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		http.Error(w, `{"error":"nope"}`, http.StatusUnprocessableEntity)
	}))
	defer api.Close()

	c := newTestClient(t, api.URL, auth.URL, freshSource())

	_, _, err := c.Get(context.Background(), "/cases", nil)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want APIError", err)
	}
	if apiErr.Transient {
		t.Fatalf("4xx marked transient")
	}
	if hits != 1 {
		t.Fatalf("hits = %d, want 1 (no retries)", hits)
	}
}

func TestLimiterBoundsRequestRate(t *testing.T) {
	auth := authServer(t, new(int))
	defer auth.Close()

	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":[]}`)
	}))
	defer api.Close()

	src := freshSource()
	cfg := config.UpstreamConfig{
		BaseURL:            api.URL,
		AuthURL:            auth.URL,
		RateLimitPerSecond: 25,
		RetryCount:         3,
		MaxThrottleRetries: 10,
		RefreshMargin:      5 * time.Minute,
		PageTokenParam:     "page_token",
		PerPage:            100,
		MaxPages:           1000,
	}
	c := New(cfg, src, zerolog.Nop())
	c.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	ctx := context.Background()
	// Drain the initial burst of 25 tokens.
	for i := 0; i < 25; i++ {
		if err := c.limiter.Wait(ctx); err != nil {
			t.Fatalf("Wait: %v", err)
		}
	}
	start := time.Now()
	if _, _, err := c.Get(ctx, "/cases", nil); err != nil {
		t.Fatalf("Get: %v", err)
	}
	// The 26th acquisition must wait roughly one refill interval (40ms).
	if elapsed := time.Since(start); elapsed < 25*time.Millisecond {
		t.Fatalf("26th request served in %v, expected a refill wait", elapsed)
	}
}

func TestGetAllPagesWalksLinkHeader(t *testing.T) {
	auth := authServer(t, new(int))
	defer auth.Close()

	var apiURL string
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.URL.Query().Get("page_token")
		switch token {
		case "":
			w.Header().Set("Link", fmt.Sprintf(`<%s/cases?page_token=p2>; rel="next"`, apiURL))
			fmt.Fprint(w, `{"data":[{"id":1},{"id":2}]}`)
		case "p2":
			w.Header().Set("Link", fmt.Sprintf(`<%s/cases?page_token=p3>; rel="next", <%s/cases>; rel="first"`, apiURL, apiURL))
			fmt.Fprint(w, `{"data":[{"id":3}]}`)
		case "p3":
			fmt.Fprint(w, `{"data":[{"id":4}]}`)
		default:
			t.Errorf("unexpected page token %q", token)
		}
	}))
	defer api.Close()
	apiURL = api.URL

	c := newTestClient(t, api.URL, auth.URL, freshSource())

	items, err := c.GetAllPages(context.Background(), "/cases", nil)
	if err != nil {
		t.Fatalf("GetAllPages: %v", err)
	}
	if len(items) != 4 {
		t.Fatalf("items = %d, want 4", len(items))
	}
}

func TestGetAllPagesStopsAtMaxPages(t *testing.T) {
	auth := authServer(t, new(int))
	defer auth.Close()

	var apiURL string
	pages := 0
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pages++
		w.Header().Set("Link", fmt.Sprintf(`<%s/cases?page_token=p%d>; rel="next"`, apiURL, pages))
		fmt.Fprintf(w, `{"data":[{"id":%d}]}`, pages)
	}))
	defer api.Close()
	apiURL = api.URL

	c := newTestClient(t, api.URL, auth.URL, freshSource())
	c.maxPages = 7

	items, err := c.GetAllPages(context.Background(), "/cases", nil)
	if err != nil {
		t.Fatalf("GetAllPages: %v", err)
	}
	if pages != 7 || len(items) != 7 {
		t.Fatalf("pages = %d items = %d, want 7/7", pages, len(items))
	}
}

func TestGetAllPagesStopsOnConsecutiveEmptyPages(t *testing.T) {
	auth := authServer(t, new(int))
	defer auth.Close()

	var apiURL string
	pages := 0
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pages++
		// Every page is empty but still advertises a next link.
		w.Header().Set("Link", fmt.Sprintf(`<%s/cases?page_token=p%d>; rel="next"`, apiURL, pages))
		fmt.Fprint(w, `{"data":[]}`)
	}))
	defer api.Close()
	apiURL = api.URL

	c := newTestClient(t, api.URL, auth.URL, freshSource())

	items, err := c.GetAllPages(context.Background(), "/cases", nil)
	if err != nil {
		t.Fatalf("GetAllPages: %v", err)
	}
	if pages != 3 {
		t.Fatalf("pages = %d, want 3 (empty-page guard)", pages)
	}
	if len(items) != 0 {
		t.Fatalf("items = %d, want 0", len(items))
	}
}

func TestGetAllPagesBadNextLink(t *testing.T) {
	auth := authServer(t, new(int))
	defer auth.Close()

	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Next link without the cursor parameter.
		w.Header().Set("Link", `<https://api.example.com/cases?page=2>; rel="next"`)
		fmt.Fprint(w, `{"data":[{"id":1}]}`)
	}))
	defer api.Close()

	c := newTestClient(t, api.URL, auth.URL, freshSource())

	items, err := c.GetAllPages(context.Background(), "/cases", nil)
	if !errors.Is(err, ErrBadNextLink) {
		t.Fatalf("err = %v, want ErrBadNextLink", err)
	}
	if len(items) != 1 {
		t.Fatalf("partial items = %d, want 1", len(items))
	}
}

func TestParseLinkHeader(t *testing.T) {
	links := parseLinkHeader(`<https://x/a?page_token=t1>; rel="next", <https://x/a>; rel="first"`)
	if links["next"] != "https://x/a?page_token=t1" {
		t.Fatalf("next = %q", links["next"])
	}
	if links["first"] != "https://x/a" {
		t.Fatalf("first = %q", links["first"])
	}
	if len(parseLinkHeader("")) != 0 {
		t.Fatalf("empty header parsed to non-empty map")
	}
}

func TestDecodeItemsShapes(t *testing.T) {
	cases := []struct {
		body string
		want int
	}{
		{`{"data":[{"id":1},{"id":2}]}`, 2},
		{`{"items":[{"id":1}]}`, 1},
		{`[{"id":1},{"id":2},{"id":3}]`, 3},
		{`{"id":7,"name":"solo"}`, 1},
		{``, 0},
	}
	for _, tc := range cases {
		items, err := decodeItems([]byte(tc.body))
		if err != nil {
			t.Fatalf("decodeItems(%q): %v", tc.body, err)
		}
		if len(items) != tc.want {
			t.Fatalf("decodeItems(%q) = %d items, want %d", tc.body, len(items), tc.want)
		}
	}
}

func TestFetchEntitiesFlatCollection(t *testing.T) {
	auth := authServer(t, new(int))
	defer auth.Close()

	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/staff" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if r.URL.Query().Get("per_page") != "" {
			t.Errorf("flat endpoint called with pagination params")
		}
		fmt.Fprint(w, `[{"id":1,"name":"A"},{"id":2,"name":"B"}]`)
	}))
	defer api.Close()

	c := newTestClient(t, api.URL, auth.URL, freshSource())

	items, err := c.FetchEntities(context.Background(), domain.EntityStaff)
	if err != nil {
		t.Fatalf("FetchEntities: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("items = %d, want 2", len(items))
	}
}

func TestExtractPageToken(t *testing.T) {
	tok, err := extractPageToken("https://x/cases?per_page=100&page_token=abc", "page_token")
	if err != nil || tok != "abc" {
		t.Fatalf("token = %q err = %v", tok, err)
	}
	tok, err = extractPageToken("https://x/cases?page=2", "page_token")
	if err != nil || tok != "" {
		t.Fatalf("token = %q err = %v, want empty", tok, err)
	}
}

func TestQueryParamsPreserved(t *testing.T) {
	auth := authServer(t, new(int))
	defer auth.Close()

	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("per_page"); got != "100" {
			t.Errorf("per_page = %q", got)
		}
		if got := r.URL.Query().Get("status"); got != "open" {
			t.Errorf("status = %q", got)
		}
		fmt.Fprint(w, `{"data":[]}`)
	}))
	defer api.Close()

	c := newTestClient(t, api.URL, auth.URL, freshSource())

	q := url.Values{"status": {"open"}}
	if _, err := c.GetAllPages(context.Background(), "/cases", q); err != nil {
		t.Fatalf("GetAllPages: %v", err)
	}
}

package breaklocksdk

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestCountdown(t *testing.T) {
	now := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	cases := []struct {
		in   time.Duration
		want string
	}{
		{0, "0:00"},
		{-time.Second, "0:00"},
		{time.Millisecond, "0:01"},
		{59 * time.Second, "0:59"},
		{90*time.Second + 500*time.Millisecond, "1:31"},
		{30 * time.Minute, "30:00"},
	}
	for _, tc := range cases {
		if got := FormatCountdown(tc.in); got != tc.want {
			t.Fatalf("FormatCountdown(%v) = %q, want %q", tc.in, got, tc.want)
		}
	}
	b := Break{EndsAt: now.Add(5 * time.Minute)}
	if got := Remaining(b, now); got != 5*time.Minute {
		t.Fatalf("remaining %v", got)
	}
	if got := Remaining(b, now.Add(time.Hour)); got != 0 {
		t.Fatalf("overdue break must show 0, got %v", got)
	}
	ended := now
	b.EndedAt = &ended
	if got := Remaining(b, now); got != 0 {
		t.Fatalf("ended break must show 0, got %v", got)
	}
	next := now.Add(2 * time.Minute)
	if got := NextFreeIn(Status{Locked: true, NextFreeAt: &next}, now); got != 2*time.Minute {
		t.Fatalf("next free %v", got)
	}
	if got := NextFreeIn(Status{Locked: false, NextFreeAt: &next}, now); got != 0 {
		t.Fatalf("unlocked pool has no wait, got %v", got)
	}
}

func TestClientRequestsAndErrors(t *testing.T) {
	var gotAuth, gotPath string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.Method + " " + r.URL.Path
		gotBody = nil
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/breaks":
			fmt.Fprint(w, `{"break":{"id":"b1","subject":"alice"},"already_active":true}`)
		case "/v1/breaks/end":
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"error":{"code":"not_active","message":"no active break"}}`)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	c := New(srv.URL+"/", "tok")
	res, err := c.Start(context.Background(), 15*time.Minute)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if !res.AlreadyActive || res.Break.ID != "b1" {
		t.Fatalf("unexpected result %+v", res)
	}
	if gotAuth != "Bearer tok" || gotPath != "POST /v1/breaks" || gotBody["duration_minutes"] != float64(15) {
		t.Fatalf("unexpected request %q %q %v", gotAuth, gotPath, gotBody)
	}

	_, err = c.End(context.Background())
	if !IsCode(err, "not_active") {
		t.Fatalf("expected not_active, got %v", err)
	}
}

func TestWatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: ping\ndata: {\"at\":\"2024-01-01T10:00:00Z\"}\n\n")
		fmt.Fprint(w, "event: change\ndata: {\"tenant_id\":\"acme\",\"type\":\"break.started\",\"break_id\":\"b1\"}\n\n")
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ch, err := New(srv.URL, "tok").Watch(ctx)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	var got []Change
	for c := range ch {
		got = append(got, c)
	}
	if len(got) != 1 || got[0].Type != "break.started" || got[0].BreakID != "b1" {
		t.Fatalf("expected only the change event, got %+v", got)
	}
}

package waveline

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestClientDefaults(t *testing.T) {
	c := NewClient("tok")
	if c.BaseURL() != DefaultBaseURL {
		t.Errorf("BaseURL = %q, want %q", c.BaseURL(), DefaultBaseURL)
	}

	c = NewClient("tok", WithBaseURL("https://staging.waveline.im/"))
	if c.BaseURL() != "https://staging.waveline.im" {
		t.Errorf("BaseURL = %q, want trailing slash stripped", c.BaseURL())
	}
}

func TestClientMe(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/me" {
			t.Errorf("path = %s, want /api/v1/me", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization = %q, want bearer token", got)
		}
		okJSON(w, Identity{ID: "u1", Username: "alice"})
	}))
	defer server.Close()

	client := NewClient("tok", WithBaseURL(server.URL))
	me, err := client.Me(context.Background())
	if err != nil {
		t.Fatalf("Me: %v", err)
	}
	if me.ID != "u1" || me.Username != "alice" {
		t.Errorf("me = %+v", me)
	}
}

func TestClientMeError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		errJSON(w, "unauthorized", "token expired")
	}))
	defer server.Close()

	client := NewClient("tok", WithBaseURL(server.URL))
	_, err := client.Me(context.Background())
	if err == nil {
		t.Fatal("want error for non-OK envelope")
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != "unauthorized" {
		t.Errorf("err = %v, want *APIError{Code: unauthorized}", err)
	}
}

func TestClientHistoryQuery(t *testing.T) {
	at := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("limit") != "25" {
			t.Errorf("limit = %q, want 25", q.Get("limit"))
		}
		if q.Get("beforeId") != "m7" {
			t.Errorf("beforeId = %q, want m7", q.Get("beforeId"))
		}
		if q.Get("before") != at.Format(time.RFC3339Nano) {
			t.Errorf("before = %q, want %s", q.Get("before"), at.Format(time.RFC3339Nano))
		}
		okJSON(w, []*Message{confirmedAt("m6", "u1", "older", at.Add(-time.Minute))})
	}))
	defer server.Close()

	client := NewClient("tok", WithBaseURL(server.URL))
	msgs, err := client.History(context.Background(), "conv-1", &Cursor{At: at, ID: "m7"}, 25)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != "m6" {
		t.Errorf("msgs = %+v, want [m6]", msgs)
	}
}

func TestClientPostMessage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "POST" || r.URL.Path != "/api/v1/conversations/conv-1/messages" {
			t.Errorf("%s %s, want POST .../conv-1/messages", r.Method, r.URL.Path)
		}
		var payload SendPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		if payload.Body != "yo" || payload.Kind != KindText {
			t.Errorf("payload = %+v, want body yo with text kind defaulted", payload)
		}
		okJSON(w, SendReceipt{ID: "srv-1", CreatedAt: time.Now()})
	}))
	defer server.Close()

	client := NewClient("tok", WithBaseURL(server.URL))
	receipt, err := client.PostMessage(context.Background(), "conv-1", SendPayload{Body: "yo"})
	if err != nil {
		t.Fatalf("PostMessage: %v", err)
	}
	if receipt.ID != "srv-1" {
		t.Errorf("receipt = %+v", receipt)
	}
}

func TestClientReactions(t *testing.T) {
	var gotMethod, gotPath string
	var gotBody map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath = r.Method, r.URL.Path
		gotBody = nil
		json.NewDecoder(r.Body).Decode(&gotBody)
		okJSON(w, map[string]bool{})
	}))
	defer server.Close()

	client := NewClient("tok", WithBaseURL(server.URL))

	if err := client.AddReaction(context.Background(), "conv-1", "m1", "🔥"); err != nil {
		t.Fatalf("AddReaction: %v", err)
	}
	if gotMethod != "PUT" || gotPath != "/api/v1/conversations/conv-1/messages/m1/reactions" {
		t.Errorf("AddReaction hit %s %s", gotMethod, gotPath)
	}
	if gotBody["emoji"] != "🔥" {
		t.Errorf("AddReaction body = %v", gotBody)
	}

	if err := client.RemoveReaction(context.Background(), "conv-1", "m1"); err != nil {
		t.Fatalf("RemoveReaction: %v", err)
	}
	if gotMethod != "DELETE" {
		t.Errorf("RemoveReaction method = %s, want DELETE", gotMethod)
	}
}

func TestClientWritePresence(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "PATCH" || r.URL.Path != "/api/v1/conversations/conv-1/presence" {
			t.Errorf("%s %s, want PATCH .../presence", r.Method, r.URL.Path)
		}
		var body map[string]bool
		json.NewDecoder(r.Body).Decode(&body)
		if !body["typing"] {
			t.Errorf("body = %v, want typing true", body)
		}
		okJSON(w, map[string]bool{})
	}))
	defer server.Close()

	client := NewClient("tok", WithBaseURL(server.URL))
	if err := client.WritePresence(context.Background(), "conv-1", true); err != nil {
		t.Fatalf("WritePresence: %v", err)
	}
}

func TestClientListThreads(t *testing.T) {
	last := time.Now().Add(-time.Hour)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		okJSON(w, []*Thread{
			{ID: "conv-1", Title: "design", LastBody: "wip", LastAt: &last, UnreadCount: 2},
			{ID: "conv-2", Title: "random"},
		})
	}))
	defer server.Close()

	client := NewClient("tok", WithBaseURL(server.URL))
	threads, err := client.ListThreads(context.Background())
	if err != nil {
		t.Fatalf("ListThreads: %v", err)
	}
	if len(threads) != 2 || threads[0].UnreadCount != 2 {
		t.Errorf("threads = %+v", threads)
	}
}

func TestClientTransportError(t *testing.T) {
	client := NewClient("tok", WithBaseURL("http://127.0.0.1:1"), WithTimeout(200*time.Millisecond))
	_, err := client.Me(context.Background())
	if err == nil {
		t.Fatal("want transport error for unreachable host")
	}
	var te *TransportError
	if !errors.As(err, &te) {
		t.Errorf("err = %v, want *TransportError", err)
	}
}

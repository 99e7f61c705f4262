package fetch

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MikeSquared-Agency/archivist/internal/archerr"
)

func TestFetchHTML_Success(t *testing.T) {
	var gotCookie, gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCookie = r.Header.Get("Cookie")
		gotUA = r.Header.Get("User-Agent")
		w.Write([]byte("<html><body>ok</body></html>"))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "session=abc", "archivist/1.0", time.Second, slog.Default())
	html, err := c.FetchHTML(context.Background(), srv.URL+"/c/x")
	if err != nil {
		t.Fatalf("FetchHTML: %v", err)
	}
	if html != "<html><body>ok</body></html>" {
		t.Errorf("body = %q", html)
	}
	if gotCookie != "session=abc" {
		t.Errorf("cookie header = %q", gotCookie)
	}
	if gotUA != "archivist/1.0" {
		t.Errorf("user-agent = %q", gotUA)
	}
}

func TestFetchHTML_NonSuccessStatus(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		wantAuth bool
	}{
		{"not found", http.StatusNotFound, false},
		{"server error", http.StatusInternalServerError, false},
		{"unauthorized", http.StatusUnauthorized, true},
		{"forbidden", http.StatusForbidden, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			c := NewClient(srv.URL, "", "", time.Second, slog.Default())
			_, err := c.FetchHTML(context.Background(), srv.URL+"/c/x")
			if err == nil {
				t.Fatal("expected error")
			}
			var ferr *archerr.FetchError
			if !errors.As(err, &ferr) {
				t.Fatalf("expected FetchError, got %T", err)
			}
			if ferr.StatusCode != tt.status {
				t.Errorf("status = %d", ferr.StatusCode)
			}
			if ferr.AuthFailure != tt.wantAuth {
				t.Errorf("authFailure = %v, want %v", ferr.AuthFailure, tt.wantAuth)
			}
		})
	}
}

func TestFetchHTML_LoginRedirect(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/c/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/login", http.StatusFound)
	})
	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>please sign in</html>"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewClient(srv.URL, "", "", time.Second, slog.Default())
	_, err := c.FetchHTML(context.Background(), srv.URL+"/c/x")
	if err == nil {
		t.Fatal("expected auth failure")
	}
	var ferr *archerr.FetchError
	if !errors.As(err, &ferr) || !ferr.AuthFailure {
		t.Errorf("expected AuthFailure FetchError, got %v", err)
	}
}

func TestFetchHTML_LoginFormBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// 200 with a sign-in form instead of the conversation.
		w.Write([]byte(`<html><form id="login-form"><input name="password"></form></html>`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", "", time.Second, slog.Default())
	_, err := c.FetchHTML(context.Background(), srv.URL+"/c/x")
	var ferr *archerr.FetchError
	if !errors.As(err, &ferr) || !ferr.AuthFailure {
		t.Errorf("expected AuthFailure FetchError, got %v", err)
	}
}

func TestFetchHTML_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", "", 20*time.Millisecond, slog.Default())
	_, err := c.FetchHTML(context.Background(), srv.URL+"/c/x")
	if err == nil {
		t.Fatal("expected timeout error")
	}
	var ferr *archerr.FetchError
	if !errors.As(err, &ferr) {
		t.Errorf("expected FetchError, got %T", err)
	}
}

func TestConversationURL(t *testing.T) {
	c := NewClient("https://host/", "", "", time.Second, slog.Default())
	if got := c.ConversationURL("abc-123"); got != "https://host/c/abc-123" {
		t.Errorf("ConversationURL = %q", got)
	}
}

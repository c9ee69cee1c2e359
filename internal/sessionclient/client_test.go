package sessionclient

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"whatsgonow/pkg/uploadsession"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/sessions/live", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"session_id":"live","user_id":"u1","target":"order-7",
			"expires_at":"2999-01-01T00:00:00Z","uploaded_files":null,"completed":false}`)
	})
	mux.HandleFunc("/sessions/stale", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"session_id":"stale","expires_at":"2020-01-01T00:00:00Z","uploaded_files":[]}`)
	})
	mux.HandleFunc("/sessions/broken", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = io.WriteString(w, `{"error":"upstream unavailable"}`)
	})
	mux.HandleFunc("/sessions/live/files", func(w http.ResponseWriter, r *http.Request) {
		file, header, err := r.FormFile("file")
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		defer file.Close()
		data, _ := io.ReadAll(file)
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]string{"key": "live/" + header.Filename + ":" + string(data)})
	})
	mux.HandleFunc("/sessions", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = io.WriteString(w, `{"error":"unauthorized"}`)
			return
		}
		var req map[string]string
		_ = json.NewDecoder(r.Body).Decode(&req)
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"session_id":"new","target":"`+req["target"]+`","expires_at":"2999-01-01T00:00:00Z","uploaded_files":[]}`)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"error":"session not found"}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestFetchSessionByID(t *testing.T) {
	c := NewClient(newTestServer(t).URL + "/")
	ctx := context.Background()

	row, found, err := c.FetchSessionByID(ctx, "live")
	if err != nil || !found {
		t.Fatalf("live = %v, %v", found, err)
	}
	if row.UserID != "u1" || row.UploadedFiles == nil || row.ExpiresAt.Year() != 2999 {
		t.Fatalf("row = %+v", row)
	}

	if _, found, err := c.FetchSessionByID(ctx, "gone"); err != nil || found {
		t.Fatalf("missing = %v, %v", found, err)
	}

	_, _, err = c.FetchSessionByID(ctx, "broken")
	if !IsStatus(err, http.StatusBadGateway) || err.Error() != "upstream unavailable" {
		t.Fatalf("broken err = %v", err)
	}
}

func TestCreateAndUpload(t *testing.T) {
	c := NewClient(newTestServer(t).URL)
	ctx := context.Background()

	if _, err := c.Create(ctx, "", "order-7", 0); !IsStatus(err, http.StatusUnauthorized) {
		t.Fatalf("anonymous create err = %v", err)
	}
	row, err := c.Create(ctx, "tok", "order-7", time.Hour)
	if err != nil || row.Target != "order-7" {
		t.Fatalf("create = %+v, %v", row, err)
	}

	key, err := c.Upload(ctx, "live", "a.png", strings.NewReader("png"))
	if err != nil || key != "live/a.png:png" {
		t.Fatalf("upload = %q, %v", key, err)
	}
}

func TestClientDrivesResolver(t *testing.T) {
	c := NewClient(newTestServer(t).URL)
	r := uploadsession.NewResolver(c)
	defer r.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	r.SetSessionID("live")
	st, err := r.Wait(ctx)
	if err != nil || st.Status != uploadsession.StatusReady {
		t.Fatalf("live state = %+v, %v", st, err)
	}

	r.SetSessionID("stale")
	st, err = r.Wait(ctx)
	if err != nil || st.Status != uploadsession.StatusErrored || st.Err.Error() != uploadsession.InvalidSessionMessage {
		t.Fatalf("stale state = %+v, %v", st, err)
	}
}

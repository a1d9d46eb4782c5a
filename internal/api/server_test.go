package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"testing"

	"github.com/vaultbridge/vault-bridge/internal/sessionstore"
)

func newTestServer(t *testing.T) (*httptest.Server, *sessionstore.Store) {
	t.Helper()
	store, err := sessionstore.Open(filepath.Join(t.TempDir(), "sessions.sqlite"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	srv := httptest.NewServer(NewServer(store, nil).Handler())
	t.Cleanup(srv.Close)
	return srv, store
}

func seedSessions(t *testing.T, store *sessionstore.Store, project string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if err := store.CreateSession(context.Background(), sessionstore.Session{
			SessionID:       fmt.Sprintf("s%03d", i),
			ProjectID:       project,
			CreatedAtUnixMs: int64(1000 + i),
		}); err != nil {
			t.Fatalf("CreateSession: %v", err)
		}
	}
}

type listResponse struct {
	Data   []sessionstore.Session `json:"data"`
	Cursor *string                `json:"cursor"`
}

func getList(t *testing.T, base string, project string, query string) (listResponse, int) {
	t.Helper()
	resp, err := http.Get(base + "/api/v1/projects/" + project + "/sessions" + query)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return listResponse{}, resp.StatusCode
	}
	var out listResponse
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("decode %q: %v", body, err)
	}
	return out, resp.StatusCode
}

func TestListSessionsEndpoint_Paginates(t *testing.T) {
	t.Parallel()
	srv, store := newTestServer(t)
	seedSessions(t, store, "p1", 5)

	page1, code := getList(t, srv.URL, "p1", "?limit=2")
	if code != http.StatusOK {
		t.Fatalf("status=%d", code)
	}
	if len(page1.Data) != 2 || page1.Cursor == nil {
		t.Fatalf("page1=%d rows cursor=%v", len(page1.Data), page1.Cursor)
	}

	page2, code := getList(t, srv.URL, "p1", "?limit=2&cursor="+url.QueryEscape(*page1.Cursor))
	if code != http.StatusOK {
		t.Fatalf("status=%d", code)
	}
	if len(page2.Data) != 2 {
		t.Fatalf("page2=%d rows", len(page2.Data))
	}
	for _, a := range page1.Data {
		for _, b := range page2.Data {
			if a.SessionID == b.SessionID {
				t.Fatalf("session %s on both pages", a.SessionID)
			}
		}
	}

	page3, _ := getList(t, srv.URL, "p1", "?limit=2&cursor="+url.QueryEscape(*page2.Cursor))
	if len(page3.Data) != 1 || page3.Cursor != nil {
		t.Fatalf("page3=%d rows cursor=%v, want final page", len(page3.Data), page3.Cursor)
	}
}

func TestListSessionsEndpoint_CursorNullOnExactFit(t *testing.T) {
	t.Parallel()
	srv, store := newTestServer(t)
	seedSessions(t, store, "p1", 3)

	out, code := getList(t, srv.URL, "p1", "?limit=3")
	if code != http.StatusOK {
		t.Fatalf("status=%d", code)
	}
	if len(out.Data) != 3 || out.Cursor != nil {
		t.Fatalf("rows=%d cursor=%v, want 3/null", len(out.Data), out.Cursor)
	}
}

func TestListSessionsEndpoint_MalformedCursor(t *testing.T) {
	t.Parallel()
	srv, store := newTestServer(t)
	seedSessions(t, store, "p1", 3)

	_, code := getList(t, srv.URL, "p1", "?cursor=%21%21garbage%21%21")
	if code != http.StatusBadRequest {
		t.Fatalf("status=%d, want 400 for malformed cursor", code)
	}
}

func TestListSessionsEndpoint_EmptyProject(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t)

	out, code := getList(t, srv.URL, "ghost", "")
	if code != http.StatusOK {
		t.Fatalf("status=%d", code)
	}
	if out.Data == nil || len(out.Data) != 0 || out.Cursor != nil {
		t.Fatalf("out=%+v, want empty data array and null cursor", out)
	}
}

func TestGetAndDeleteSession(t *testing.T) {
	t.Parallel()
	srv, store := newTestServer(t)
	seedSessions(t, store, "p1", 1)

	resp, err := http.Get(srv.URL + "/api/v1/projects/p1/sessions/s000")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status=%d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/api/v1/projects/p1/sessions/s000", nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status=%d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/api/v1/projects/p1/sessions/s000")
	if err != nil {
		t.Fatalf("GET after delete: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status=%d, want 404", resp.StatusCode)
	}
}

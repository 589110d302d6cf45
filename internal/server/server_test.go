package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sw33tLie/casefile/pkg/engine"
	"github.com/sw33tLie/casefile/pkg/metrics"
	"github.com/sw33tLie/casefile/pkg/storage"
)

func newTestServer(t *testing.T, user, pass string) (*Server, *httptest.Server) {
	t.Helper()
	store := storage.NewMemory(storage.Options{})
	reg := prometheus.NewRegistry()
	e, err := engine.New(engine.Config{Store: store, Metrics: metrics.New(reg)})
	require.NoError(t, err)

	s := New(e, reg, user, pass, nil)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		e.Close()
		store.Close()
	})
	return s, ts
}

func do(t *testing.T, method, url, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestSubmitListAndGet(t *testing.T) {
	_, ts := newTestServer(t, "", "")

	resp := do(t, http.MethodPost, ts.URL+"/api/cases/U1/scans", `{"name":"Asha Patil","accuracy":80,"scannedAt":1000}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	first := decode[engine.Result](t, resp)
	assert.True(t, first.Created)

	resp = do(t, http.MethodPost, ts.URL+"/api/cases/U1/scans", `{"name":"asha patil"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	dup := decode[engine.Result](t, resp)
	assert.False(t, dup.Created)
	assert.Equal(t, first.ID, dup.ID)

	resp = do(t, http.MethodGet, ts.URL+"/api/cases/U1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[[]storage.Entry](t, resp)
	require.Len(t, list, 1)
	assert.Equal(t, "Asha Patil", list[0].Name)

	resp = do(t, http.MethodGet, ts.URL+"/api/cases/U1/entries/"+first.ID, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, first.ID, decode[storage.Entry](t, resp).ID)

	resp = do(t, http.MethodGet, ts.URL+"/api/cases/U1/entries/nope", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = do(t, http.MethodGet, ts.URL+"/api/cases/U2", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, decode[[]storage.Entry](t, resp))
}

func TestBlankOwnerIsRejected(t *testing.T) {
	_, ts := newTestServer(t, "", "")
	resp := do(t, http.MethodPost, ts.URL+"/api/cases/%20/scans", `{"name":"A"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestEditDeleteAndChanges(t *testing.T) {
	_, ts := newTestServer(t, "", "")
	res := decode[engine.Result](t, do(t, http.MethodPost, ts.URL+"/api/cases/U1/scans", `{"name":"Asha"}`))

	resp := do(t, http.MethodPatch, ts.URL+"/api/cases/U1/entries/"+res.ID, `{"name":"Asha P","accuracy":55}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[storage.Entry](t, resp)
	assert.Equal(t, "Asha P", got.Name)
	assert.Equal(t, 55.0, got.Accuracy)

	resp = do(t, http.MethodPatch, ts.URL+"/api/cases/U1/entries/"+res.ID, `{`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = do(t, http.MethodDelete, ts.URL+"/api/cases/U1/entries/"+res.ID, "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = do(t, http.MethodDelete, ts.URL+"/api/cases/U1/entries/"+res.ID, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = do(t, http.MethodGet, ts.URL+"/api/cases/U1/changes?limit=2", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	changes := decode[[]storage.Change](t, resp)
	require.Len(t, changes, 2)
	assert.Equal(t, "deleted", changes[0].ChangeType)
	assert.Equal(t, "updated", changes[1].ChangeType)

	resp = do(t, http.MethodGet, ts.URL+"/api/cases/U1/changes?limit=x", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCaseFilesAndMetrics(t *testing.T) {
	_, ts := newTestServer(t, "", "")
	do(t, http.MethodPost, ts.URL+"/api/cases/U1/scans", `{"name":"Asha","scannedAt":5}`)
	do(t, http.MethodPost, ts.URL+"/api/cases/U2/scans", `{"name":"Ravi","scannedAt":9}`)

	resp := do(t, http.MethodGet, ts.URL+"/api/cases", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	files := decode[[]storage.CaseFile](t, resp)
	require.Len(t, files, 2)

	resp = do(t, http.MethodGet, ts.URL+"/metrics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := new(strings.Builder)
	_, err := bufio.NewReader(resp.Body).WriteTo(body)
	require.NoError(t, err)
	assert.Contains(t, body.String(), "casefile_submissions_total")
}

func TestBasicAuth(t *testing.T) {
	_, ts := newTestServer(t, "admin", "hunter2")

	resp := do(t, http.MethodGet, ts.URL+"/api/cases", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/api/cases", nil)
	require.NoError(t, err)
	req.SetBasicAuth("admin", "hunter2")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStreamPushesSnapshots(t *testing.T) {
	_, ts := newTestServer(t, "", "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/cases/U1/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := make(chan []storage.Entry, 4)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			line := sc.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var entries []storage.Entry
			if json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &entries) == nil {
				events <- entries
			}
		}
		close(events)
	}()

	next := func() []storage.Entry {
		select {
		case e, ok := <-events:
			require.True(t, ok, "stream ended")
			return e
		case <-ctx.Done():
			t.Fatal("no snapshot event")
			return nil
		}
	}

	assert.Empty(t, next())
	do(t, http.MethodPost, ts.URL+"/api/cases/U1/scans", `{"name":"Asha"}`)
	got := next()
	require.Len(t, got, 1)
	assert.Equal(t, "Asha", got[0].Name)
}

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/labeler/internal/classifier"
	"github.com/sells-group/labeler/internal/corpus"
	"github.com/sells-group/labeler/internal/labeling"
	"github.com/sells-group/labeler/internal/ledger"
	"github.com/sells-group/labeler/internal/reconcile"
	"github.com/sells-group/labeler/internal/stats"
	"github.com/sells-group/labeler/internal/store"
)

type apiFixture struct {
	store  *store.SQLiteStore
	router http.Handler
	jobs   *sync.WaitGroup
}

func newAPIFixture(t *testing.T, names ...string) *apiFixture {
	t.Helper()
	ctx := context.Background()

	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(ctx))

	root := t.TempDir()
	for _, n := range names {
		require.NoError(t, os.WriteFile(filepath.Join(root, n), []byte(n), 0o644))
	}
	src := corpus.NewDir(root)
	l := ledger.New(s)
	nop := classifier.NewNop(s, 1)
	jobs := &sync.WaitGroup{}

	router := NewRouter(Deps{
		Store:      s,
		Queue:      labeling.NewQueue(s, nop, 0),
		Stats:      stats.New(s, 1),
		Ledger:     l,
		Reconciler: reconcile.New(s, src, l),
		Trainer:    nop,
		Jobs:       jobs,
	})
	return &apiFixture{store: s, router: router, jobs: jobs}
}

type testEnvelope struct {
	Success bool            `json:"success"`
	Info    string          `json:"info"`
	Data    json.RawMessage `json:"data"`
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) (int, testEnvelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)

	assert.Contains(t, rr.Header().Get("Content-Type"), "application/json")
	var env testEnvelope
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &env), rr.Body.String())
	return rr.Code, env
}

func (f *apiFixture) reconcile(t *testing.T) int64 {
	t.Helper()
	code, env := f.do(t, http.MethodPost, "/api/reconcile", nil)
	require.Equal(t, http.StatusOK, code, env.Info)
	var report reconcile.Report
	require.NoError(t, json.Unmarshal(env.Data, &report))
	require.NotZero(t, report.Created)
	return report.Created
}

func TestHealth(t *testing.T) {
	f := newAPIFixture(t)
	code, env := f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, env.Success)
}

func TestReconcileAndListAvailable(t *testing.T) {
	f := newAPIFixture(t, "a.jpg", "b.jpg")
	id := f.reconcile(t)

	code, env := f.do(t, http.MethodGet, "/api/sessions?available=true", nil)
	require.Equal(t, http.StatusOK, code)
	var sessions []struct {
		ID       int64 `json:"session_id"`
		ImgTotal int   `json:"img_total"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &sessions))
	require.Len(t, sessions, 1)
	assert.Equal(t, id, sessions[0].ID)
	assert.Equal(t, 2, sessions[0].ImgTotal)

	code, env = f.do(t, http.MethodGet, "/api/sessions?available=false", nil)
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `[]`, string(env.Data))

	code, _ = f.do(t, http.MethodGet, "/api/sessions?available=maybe", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestNextAndSubmit(t *testing.T) {
	f := newAPIFixture(t, "a.jpg", "b.jpg")
	id := f.reconcile(t)
	base := "/api/sessions/" + itoa(id)

	code, env := f.do(t, http.MethodGet, base+"/next", nil)
	require.Equal(t, http.StatusOK, code, env.Info)
	var turn labeling.Turn
	require.NoError(t, json.Unmarshal(env.Data, &turn))
	require.NotEmpty(t, turn.ImageName)
	assert.False(t, turn.Exhausted)

	code, env = f.do(t, http.MethodPost, base+"/labels", submitRequest{Filename: turn.ImageName, Label: "cat"})
	require.Equal(t, http.StatusOK, code, env.Info)
	var after labeling.Turn
	require.NoError(t, json.Unmarshal(env.Data, &after))
	assert.Equal(t, 1, after.Histogram.Count("cat"))
	assert.NotEqual(t, turn.ImageName, after.ImageName)

	code, env = f.do(t, http.MethodPost, base+"/labels", submitRequest{Filename: after.ImageName, Label: "dog"})
	require.Equal(t, http.StatusOK, code, env.Info)
	require.NoError(t, json.Unmarshal(env.Data, &after))
	assert.True(t, after.Exhausted)

	code, env = f.do(t, http.MethodGet, base, nil)
	require.Equal(t, http.StatusOK, code)
	var summary stats.Summary
	require.NoError(t, json.Unmarshal(env.Data, &summary))
	assert.InDelta(t, 1.0, summary.Progress, 0.0001)
	assert.True(t, summary.Session.Completed)
}

func TestSubmit_Errors(t *testing.T) {
	f := newAPIFixture(t, "a.jpg")
	id := f.reconcile(t)
	base := "/api/sessions/" + itoa(id)

	tests := []struct {
		name   string
		path   string
		body   any
		status int
	}{
		{"empty label", base + "/labels", submitRequest{Filename: "a.jpg", Label: "  "}, http.StatusBadRequest},
		{"missing filename", base + "/labels", submitRequest{Label: "cat"}, http.StatusBadRequest},
		{"unknown image", base + "/labels", submitRequest{Filename: "zz.jpg", Label: "cat"}, http.StatusNotFound},
		{"unknown session", "/api/sessions/999/labels", submitRequest{Filename: "a.jpg", Label: "cat"}, http.StatusNotFound},
		{"bad id", "/api/sessions/abc/labels", submitRequest{Filename: "a.jpg", Label: "cat"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, env := f.do(t, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.status, code, env.Info)
			assert.False(t, env.Success)
			assert.NotEmpty(t, env.Info)
		})
	}
}

func TestTrain(t *testing.T) {
	f := newAPIFixture(t, "a.jpg", "b.jpg", "c.jpg")
	id := f.reconcile(t)
	base := "/api/sessions/" + itoa(id)

	// min batch size 1 needs two labeled images.
	code, env := f.do(t, http.MethodPost, base+"/train", trainRequest{FullTrain: true})
	assert.Equal(t, http.StatusConflict, code)
	assert.Contains(t, env.Info, "need at least 2")

	ctx := context.Background()
	require.NoError(t, f.store.SetLabel(ctx, id, "a.jpg", "cat"))
	require.NoError(t, f.store.SetLabel(ctx, id, "b.jpg", "dog"))

	code, env = f.do(t, http.MethodPost, base+"/train", trainRequest{FullTrain: true})
	require.Equal(t, http.StatusAccepted, code, env.Info)
	f.jobs.Wait()

	sess, err := f.store.GetSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []string{"cat", "dog"}, sess.LabelMap.Names())
	assert.Equal(t, 2, sess.ImageProcessed)

	code, _ = f.do(t, http.MethodPost, "/api/sessions/999/train", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestListErrors(t *testing.T) {
	f := newAPIFixture(t, "a.jpg")
	id := f.reconcile(t)

	code, env := f.do(t, http.MethodGet, "/api/sessions/"+itoa(id)+"/errors", nil)
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `[]`, string(env.Data))

	ledger.New(f.store).Record(context.Background(), id, "/img/a.jpg", errors.New("decode failed"))

	code, env = f.do(t, http.MethodGet, "/api/sessions/"+itoa(id)+"/errors", nil)
	require.Equal(t, http.StatusOK, code)
	var recs []struct {
		ImagePath string `json:"image_path"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &recs))
	require.Len(t, recs, 1)
	assert.Equal(t, "/img/a.jpg", recs[0].ImagePath)
}

func TestSessionSummary_NotFound(t *testing.T) {
	f := newAPIFixture(t)
	code, env := f.do(t, http.MethodGet, "/api/sessions/42", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.False(t, env.Success)
}

func TestCORSPreflight(t *testing.T) {
	f := newAPIFixture(t)
	req := httptest.NewRequest(http.MethodOptions, "/api/reconcile", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)

	assert.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}

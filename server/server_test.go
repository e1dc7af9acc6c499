package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomyedwab/hatch/audit"
	"github.com/tomyedwab/hatch/bundle"
	"github.com/tomyedwab/hatch/config"
	"github.com/tomyedwab/hatch/registry"
	"github.com/tomyedwab/hatch/sandbox"
	"github.com/tomyedwab/hatch/store"
)

type testEnv struct {
	server *Server
	ts     *httptest.Server
	client *http.Client
}

func newTestEnv(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()
	dir := t.TempDir()

	cfg := config.Default()
	cfg.DataDir = dir
	cfg.PoolCeiling = 2
	cfg.ExecBudget = config.Duration(time.Second)
	cfg.MemoryPages = 64
	if mutate != nil {
		mutate(&cfg)
	}

	st, err := store.New(filepath.Join(dir, "bundles"), zerolog.Nop())
	require.NoError(t, err)

	rt := sandbox.NewRuntime(sandbox.Quota{
		MemoryPages: cfg.MemoryPages,
		ExecBudget:  cfg.ExecBudget.Std(),
	}, zerolog.Nop())
	reg := registry.New(rt, cfg.PoolCeiling, cfg.RetainVersions, zerolog.Nop())

	db, err := sqlx.Open("sqlite3", filepath.Join(dir, "deployments.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	auditLog, err := audit.NewLog(db)
	require.NoError(t, err)

	s := New(cfg, st, reg, auditLog, zerolog.Nop())

	ts := httptest.NewServer(s.Router())
	t.Cleanup(ts.Close)

	return &testEnv{server: s, ts: ts, client: ts.Client()}
}

func buildArchive(t *testing.T, m bundle.Manifest, module []byte, templates map[string][]byte) ([]byte, string) {
	t.Helper()
	data, err := bundle.Build(m, module, templates)
	require.NoError(t, err)
	return data, bundle.Hash(data)
}

func fixture(t *testing.T, name string) []byte {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("testdata", name))
	require.NoError(t, err)
	return data
}

func (e *testEnv) deploy(t *testing.T, app string, data []byte, declaredHash string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPut, e.ts.URL+"/_deploy/"+app, bytes.NewReader(data))
	require.NoError(t, err)
	req.Header.Set(hashHeader, declaredHash)
	resp, err := e.client.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

// get issues an application request with the Host header naming the app.
func (e *testEnv) get(t *testing.T, app, path string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, e.ts.URL+path, nil)
	require.NoError(t, err)
	req.Host = app
	resp, err := e.client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func templateManifest(version string) bundle.Manifest {
	return bundle.Manifest{
		Name:    "blog",
		Version: version,
		Routes: []bundle.Route{
			{Method: "GET", Path: "/", Handler: bundle.KindTemplate, Target: "index.html"},
			{Method: "GET", Path: "/posts/[id]", Handler: bundle.KindTemplate, Target: "post.html"},
		},
	}
}

func templateFiles(version string) map[string][]byte {
	return map[string][]byte{
		"index.html": []byte("<h1>blog " + version + "</h1>"),
		"post.html":  []byte("<p>post {{.param0}}</p>"),
	}
}

func scriptManifest(version, entrypoint string) bundle.Manifest {
	return bundle.Manifest{
		Name:    "blog",
		Version: version,
		Routes: []bundle.Route{
			{Method: "GET", Path: "/", Handler: bundle.KindScript, Target: entrypoint},
		},
	}
}

func TestDeployAndServeTemplates(t *testing.T) {
	e := newTestEnv(t, nil)
	data, hash := buildArchive(t, templateManifest("1.0"), nil, templateFiles("1.0"))

	resp := e.deploy(t, "blog", data, hash)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var dr deployResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&dr))
	assert.Equal(t, hash, dr.Hash)
	assert.Equal(t, "active", dr.Status)

	got, body := e.get(t, "blog", "/")
	assert.Equal(t, http.StatusOK, got.StatusCode)
	assert.Equal(t, "<h1>blog 1.0</h1>", body)
	assert.Contains(t, got.Header.Get("Content-Type"), "text/html")

	got, body = e.get(t, "blog", "/posts/42")
	assert.Equal(t, http.StatusOK, got.StatusCode)
	assert.Equal(t, "<p>post 42</p>", body)

	got, _ = e.get(t, "blog", "/nope")
	assert.Equal(t, http.StatusNotFound, got.StatusCode)
}

func TestDeployRejectsHashMismatch(t *testing.T) {
	e := newTestEnv(t, nil)
	data, _ := buildArchive(t, templateManifest("1.0"), nil, templateFiles("1.0"))

	resp := e.deploy(t, "blog", data, "0000000000000000000000000000000000000000000000000000000000000000")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	// Nothing was activated and the rejection is on record.
	got, _ := e.get(t, "blog", "/")
	assert.Equal(t, http.StatusNotFound, got.StatusCode)

	records, err := e.server.auditLog.History("blog", 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, string(audit.OutcomeRejected), records[0].Outcome)
}

func TestDeployRejectsCorruptArchive(t *testing.T) {
	e := newTestEnv(t, nil)
	data := []byte("definitely not a zip")

	resp := e.deploy(t, "blog", data, bundle.Hash(data))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDeployRequiresHashHeader(t *testing.T) {
	e := newTestEnv(t, nil)
	data, _ := buildArchive(t, templateManifest("1.0"), nil, templateFiles("1.0"))

	req, err := http.NewRequest(http.MethodPut, e.ts.URL+"/_deploy/blog", bytes.NewReader(data))
	require.NoError(t, err)
	resp, err := e.client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDeployRejectsInvalidModule(t *testing.T) {
	e := newTestEnv(t, nil)
	data, hash := buildArchive(t, scriptManifest("1.0", "run"), []byte("\x00asm broken"), nil)

	resp := e.deploy(t, "blog", data, hash)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// TestVersionLifecycle walks one application through deploy, upgrade to a
// module version, rollback, and history inspection.
func TestVersionLifecycle(t *testing.T) {
	e := newTestEnv(t, nil)

	templateData, templateHash := buildArchive(t, templateManifest("1.0"), nil, templateFiles("1.0"))
	resp := e.deploy(t, "blog", templateData, templateHash)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	got, body := e.get(t, "blog", "/")
	require.Equal(t, http.StatusOK, got.StatusCode)
	require.Equal(t, "<h1>blog 1.0</h1>", body)

	scriptData, scriptHash := buildArchive(t, scriptManifest("2.0", "run"), fixture(t, "writer.wasm"), nil)
	resp = e.deploy(t, "blog", scriptData, scriptHash)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	got, body = e.get(t, "blog", "/")
	require.Equal(t, http.StatusOK, got.StatusCode)
	require.Equal(t, "v2", body)

	// Roll back to the template version.
	req, err := http.NewRequest(http.MethodPost, e.ts.URL+"/_rollback/blog?hash="+templateHash, nil)
	require.NoError(t, err)
	rollResp, err := e.client.Do(req)
	require.NoError(t, err)
	defer rollResp.Body.Close()
	require.Equal(t, http.StatusOK, rollResp.StatusCode)

	got, body = e.get(t, "blog", "/")
	require.Equal(t, http.StatusOK, got.StatusCode)
	require.Equal(t, "<h1>blog 1.0</h1>", body)

	// History lists all three events, newest first, and names the current hash.
	histResp, histBody := e.get(t, "blog", "/_deployments/blog")
	require.Equal(t, http.StatusOK, histResp.StatusCode)
	var hist historyResponse
	require.NoError(t, json.Unmarshal([]byte(histBody), &hist))
	assert.Equal(t, templateHash, hist.Current)
	require.Len(t, hist.Records, 3)
	assert.Equal(t, string(audit.OutcomeRolledBack), hist.Records[0].Outcome)
}

func TestRollbackUnknownHash(t *testing.T) {
	e := newTestEnv(t, nil)
	data, hash := buildArchive(t, templateManifest("1.0"), nil, templateFiles("1.0"))
	require.Equal(t, http.StatusOK, e.deploy(t, "blog", data, hash).StatusCode)

	req, err := http.NewRequest(http.MethodPost,
		e.ts.URL+"/_rollback/blog?hash=ffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff", nil)
	require.NoError(t, err)
	resp, err := e.client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestScriptTrapReturns500(t *testing.T) {
	e := newTestEnv(t, nil)
	data, hash := buildArchive(t, scriptManifest("1.0", "run"), fixture(t, "trap.wasm"), nil)
	require.Equal(t, http.StatusOK, e.deploy(t, "blog", data, hash).StatusCode)

	got, _ := e.get(t, "blog", "/")
	assert.Equal(t, http.StatusInternalServerError, got.StatusCode)

	// The poisoned instance is discarded; the next request gets a fresh one
	// and fails the same way rather than erroring on a dead instance.
	got, _ = e.get(t, "blog", "/")
	assert.Equal(t, http.StatusInternalServerError, got.StatusCode)
}

func TestScriptQuotaReturns504(t *testing.T) {
	e := newTestEnv(t, func(cfg *config.Config) {
		cfg.ExecBudget = config.Duration(100 * time.Millisecond)
	})
	data, hash := buildArchive(t, scriptManifest("1.0", "run"), fixture(t, "loop.wasm"), nil)
	require.Equal(t, http.StatusOK, e.deploy(t, "blog", data, hash).StatusCode)

	got, _ := e.get(t, "blog", "/")
	assert.Equal(t, http.StatusGatewayTimeout, got.StatusCode)
}

func TestPoolExhaustionReturns503(t *testing.T) {
	e := newTestEnv(t, func(cfg *config.Config) {
		cfg.PoolCeiling = 1
		cfg.ExecBudget = config.Duration(2 * time.Second)
	})
	data, hash := buildArchive(t, scriptManifest("1.0", "run"), fixture(t, "loop.wasm"), nil)
	require.Equal(t, http.StatusOK, e.deploy(t, "blog", data, hash).StatusCode)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.get(t, "blog", "/") // occupies the only instance until its budget expires
	}()
	time.Sleep(300 * time.Millisecond)

	got, _ := e.get(t, "blog", "/")
	assert.Equal(t, http.StatusServiceUnavailable, got.StatusCode)
	wg.Wait()
}

func TestUnknownHostReturns404(t *testing.T) {
	e := newTestEnv(t, nil)
	got, _ := e.get(t, "ghost", "/")
	assert.Equal(t, http.StatusNotFound, got.StatusCode)
}

func TestDefaultAppFallback(t *testing.T) {
	e := newTestEnv(t, func(cfg *config.Config) {
		cfg.DefaultApp = "blog"
	})
	data, hash := buildArchive(t, templateManifest("1.0"), nil, templateFiles("1.0"))
	require.Equal(t, http.StatusOK, e.deploy(t, "blog", data, hash).StatusCode)

	got, body := e.get(t, "some-other-host.example.com", "/")
	assert.Equal(t, http.StatusOK, got.StatusCode)
	assert.Equal(t, "<h1>blog 1.0</h1>", body)
}

func TestNotFoundRoute(t *testing.T) {
	e := newTestEnv(t, nil)
	m := templateManifest("1.0")
	m.NotFound = &bundle.Route{Handler: bundle.KindTemplate, Target: "404.html"}
	files := templateFiles("1.0")
	files["404.html"] = []byte("<h1>lost?</h1>")
	data, hash := buildArchive(t, m, nil, files)
	require.Equal(t, http.StatusOK, e.deploy(t, "blog", data, hash).StatusCode)

	got, body := e.get(t, "blog", "/nope")
	assert.Equal(t, http.StatusNotFound, got.StatusCode)
	assert.Equal(t, "<h1>lost?</h1>", body)
}

func TestDeployTokenGuard(t *testing.T) {
	const secret = "test-secret"
	e := newTestEnv(t, func(cfg *config.Config) {
		cfg.DeployTokenSecret = secret
	})
	data, hash := buildArchive(t, templateManifest("1.0"), nil, templateFiles("1.0"))

	// No token.
	resp := e.deploy(t, "blog", data, hash)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Garbage token.
	req, err := http.NewRequest(http.MethodPut, e.ts.URL+"/_deploy/blog", bytes.NewReader(data))
	require.NoError(t, err)
	req.Header.Set(hashHeader, hash)
	req.Header.Set("Authorization", "Bearer nonsense")
	badResp, err := e.client.Do(req)
	require.NoError(t, err)
	defer badResp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, badResp.StatusCode)

	// Minted token.
	token, err := NewDeployToken(secret, "ci", time.Minute)
	require.NoError(t, err)
	req, err = http.NewRequest(http.MethodPut, e.ts.URL+"/_deploy/blog", bytes.NewReader(data))
	require.NoError(t, err)
	req.Header.Set(hashHeader, hash)
	req.Header.Set("Authorization", "Bearer "+token)
	okResp, err := e.client.Do(req)
	require.NoError(t, err)
	defer okResp.Body.Close()
	assert.Equal(t, http.StatusOK, okResp.StatusCode)

	// Application traffic stays open.
	got, _ := e.get(t, "blog", "/")
	assert.Equal(t, http.StatusOK, got.StatusCode)
}

func TestRestoreRebuildsActiveVersions(t *testing.T) {
	e := newTestEnv(t, nil)
	data, hash := buildArchive(t, templateManifest("1.0"), nil, templateFiles("1.0"))
	require.Equal(t, http.StatusOK, e.deploy(t, "blog", data, hash).StatusCode)

	// A second server sharing the same store and history picks up where the
	// first left off.
	rt := sandbox.NewRuntime(sandbox.Quota{MemoryPages: 64, ExecBudget: time.Second}, zerolog.Nop())
	reg := registry.New(rt, 2, registry.DefaultRetain, zerolog.Nop())
	restored := New(e.server.cfg, e.server.store, reg, e.server.auditLog, zerolog.Nop())
	require.NoError(t, restored.Restore(context.Background()))

	ts := httptest.NewServer(restored.Router())
	defer ts.Close()
	req, err := http.NewRequest(http.MethodGet, ts.URL+"/", nil)
	require.NoError(t, err)
	req.Host = "blog"
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "<h1>blog 1.0</h1>", string(body))
}

func TestMetricsEndpoint(t *testing.T) {
	e := newTestEnv(t, nil)
	data, hash := buildArchive(t, templateManifest("1.0"), nil, templateFiles("1.0"))
	require.Equal(t, http.StatusOK, e.deploy(t, "blog", data, hash).StatusCode)
	e.get(t, "blog", "/")

	resp, err := e.client.Get(e.ts.URL + "/_metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "hatch_http_requests_total")
	assert.Contains(t, string(body), "hatch_deploy_total")
}

func TestHealthEndpoint(t *testing.T) {
	e := newTestEnv(t, nil)
	resp, err := e.client.Get(e.ts.URL + "/_healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestDeployWhileBusyGets202(t *testing.T) {
	e := newTestEnv(t, nil)
	data, hash := buildArchive(t, templateManifest("1.0"), nil, templateFiles("1.0"))

	// Holding the application's deploy lock is what a push sees while another
	// bundle is mid-deployment for the same application.
	app := e.server.registry.App("blog")
	require.NoError(t, app.BeginDeploy())
	defer app.EndDeploy()

	resp := e.deploy(t, "blog", data, hash)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var dr deployResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&dr))
	assert.Equal(t, "busy", dr.Status)
	assert.Equal(t, hash, dr.Hash)
}

func TestDeploysToOtherAppsProceedWhileBusy(t *testing.T) {
	e := newTestEnv(t, nil)
	data, hash := buildArchive(t, templateManifest("1.0"), nil, templateFiles("1.0"))

	// A deployment in progress for one application must not block pushes to
	// another.
	app := e.server.registry.App("blog")
	require.NoError(t, app.BeginDeploy())
	defer app.EndDeploy()

	resp := e.deploy(t, "shop", data, hash)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	busy := e.deploy(t, "blog", data, hash)
	assert.Equal(t, http.StatusAccepted, busy.StatusCode)
}

func TestDuplicatePushKeepsServing(t *testing.T) {
	e := newTestEnv(t, nil)
	data, hash := buildArchive(t, scriptManifest("1.0", "run"), fixture(t, "writer.wasm"), nil)
	require.Equal(t, http.StatusOK, e.deploy(t, "blog", data, hash).StatusCode)

	// Re-pushing the active hash is idempotent: same response, traffic keeps
	// flowing through the existing instances.
	resp := e.deploy(t, "blog", data, hash)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	got, body := e.get(t, "blog", "/")
	assert.Equal(t, http.StatusOK, got.StatusCode)
	assert.Equal(t, "v2", body)
}

func TestOversizedBundleGets413(t *testing.T) {
	e := newTestEnv(t, func(cfg *config.Config) {
		cfg.MaxBundleMB = 1
	})
	data := bytes.Repeat([]byte{0xff}, 2<<20)

	resp := e.deploy(t, "blog", data, bundle.Hash(data))
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

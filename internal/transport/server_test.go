package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/weftlabs/weft/internal/broadcaster"
	"github.com/weftlabs/weft/internal/checkpoint"
	"github.com/weftlabs/weft/internal/controlplane"
	"github.com/weftlabs/weft/internal/director"
	"github.com/weftlabs/weft/internal/gitrunner"
	"github.com/weftlabs/weft/internal/llm"
	"github.com/weftlabs/weft/internal/store"
	"github.com/weftlabs/weft/internal/strategist"
	"github.com/weftlabs/weft/internal/toolset"
	"github.com/weftlabs/weft/internal/worker"
	"github.com/weftlabs/weft/internal/worktree"
)

// fakeRunner is a no-op gitrunner.Runner, sufficient for the HTTP-level
// tests here: every created run has no tasks, and the director's
// unscripted invoker fails its initial decomposition, so the dispatch
// loop exits before any worker/strategist activity would reach git.
type fakeRunner struct{}

func (f *fakeRunner) Run(ctx context.Context, args ...string) (string, error)         { return "", nil }
func (f *fakeRunner) CurrentBranch(ctx context.Context) (string, error)               { return "main", nil }
func (f *fakeRunner) BranchExists(ctx context.Context, name string) (bool, error)     { return false, nil }
func (f *fakeRunner) DeleteBranch(ctx context.Context, name string) error             { return nil }
func (f *fakeRunner) Status(ctx context.Context) (string, error)                     { return "", nil }
func (f *fakeRunner) HasChanges(ctx context.Context) (bool, error)                   { return false, nil }
func (f *fakeRunner) Add(ctx context.Context, paths ...string) error                 { return nil }
func (f *fakeRunner) Commit(ctx context.Context, message string) error               { return nil }
func (f *fakeRunner) Rebase(ctx context.Context, base string) error                  { return nil }
func (f *fakeRunner) RebaseAbort(ctx context.Context) error                          { return nil }
func (f *fakeRunner) MergeAbort(ctx context.Context) error                           { return nil }
func (f *fakeRunner) HasConflicts(ctx context.Context) (bool, error)                 { return false, nil }
func (f *fakeRunner) ConflictedFiles(ctx context.Context) ([]string, error)          { return nil, nil }
func (f *fakeRunner) MergeNoFFMessage(ctx context.Context, branch, message string) error {
	return nil
}
func (f *fakeRunner) WorktreeAddNewBranch(ctx context.Context, path, branch string) error {
	return nil
}
func (f *fakeRunner) WorktreeRemove(ctx context.Context, path string, force bool) error { return nil }
func (f *fakeRunner) WorktreeList(ctx context.Context) ([]string, error)               { return nil, nil }
func (f *fakeRunner) WorktreePrune(ctx context.Context) error                          { return nil }

var _ gitrunner.Runner = (*fakeRunner)(nil)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	st := store.New()
	cp, err := checkpoint.OpenFileStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = cp.Close() })
	bc := broadcaster.New(8)
	r := &fakeRunner{}
	wm, err := worktree.NewWithRunnerFactory(t.TempDir(), "/tmp/trunk", func(string) gitrunner.Runner { return r })
	require.NoError(t, err)
	d := director.New(llm.NewReplayInvoker())
	w := worker.New(llm.NewReplayInvoker(), func(string) toolset.Registry { return toolset.New(t.TempDir()) })
	s := strategist.New(llm.NewReplayInvoker(), wm)
	plane := controlplane.New(st, cp, bc, wm, d, w, s,
		controlplane.WithQueueCapacity(2),
		controlplane.WithPollInterval(5*time.Millisecond),
		controlplane.WithSpawnStagger(0))

	srv := New(DefaultConfig(), zerolog.Nop(), plane, bc)
	return httptest.NewServer(srv.Router())
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCreateGetAndListRun(t *testing.T) {
	ts := newTestServer(t)
	defer ts.Close()

	body, err := json.Marshal(createRunRequest{Objective: "ship the thing", Workspace: "/tmp/trunk"})
	require.NoError(t, err)

	resp, err := http.Post(ts.URL+"/runs/", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	runID := created["run_id"]
	require.NotEmpty(t, runID)

	getResp, err := http.Get(ts.URL + "/runs/" + runID + "/")
	require.NoError(t, err)
	defer getResp.Body.Close()
	require.Equal(t, http.StatusOK, getResp.StatusCode)

	listResp, err := http.Get(ts.URL + "/runs/")
	require.NoError(t, err)
	defer listResp.Body.Close()
	require.Equal(t, http.StatusOK, listResp.StatusCode)

	var listed map[string]any
	require.NoError(t, json.NewDecoder(listResp.Body).Decode(&listed))
	require.EqualValues(t, 1, listed["total"])
}

func TestPauseUnknownRunReturnsConflictOrNotFound(t *testing.T) {
	ts := newTestServer(t)
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/runs/does-not-exist/pause", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NotEqual(t, http.StatusOK, resp.StatusCode)
}

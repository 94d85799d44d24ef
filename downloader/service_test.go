package downloader

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reelfetch/internal"
	"reelfetch/utils"
)

// strategyFunc adapts a function to the Strategy interface
type strategyFunc struct {
	name string
	fn   func(ctx context.Context) (*internal.ResolvedMedia, error)
}

func (s strategyFunc) Name() string { return s.name }
func (s strategyFunc) RequiresAuth() bool { return false }

func (s strategyFunc) Resolve(ctx context.Context, info *utils.URLInfo, session *internal.SessionHandle) (*internal.ResolvedMedia, error) {
	return s.fn(ctx)
}

const scenarioURL = "https://example.com/reel/ABC123/"

func newScenarioEngine(t *testing.T, sessions *SessionManager, strategies ...Strategy) *Engine {
	t.Helper()
	chain := NewResolverChain(utils.NewURLValidator("example.com"), strategies, noSleepPolicy())
	return NewEngine(EngineParts{
		Sessions:   sessions,
		Chain:      chain,
		Executor:   NewDownloadExecutor(testClient(t), ExecutorOptions{MaxPayload: 50_000_000}),
		Workspaces: NewWorkspaceManager(filepath.Join(t.TempDir(), "work")),
		Retry:      noSleepPolicy(),
	})
}

// leftovers lists what is still under the workspace root
func leftovers(t *testing.T, e *Engine) []os.DirEntry {
	t.Helper()
	entries, err := os.ReadDir(e.Workspaces().Root())
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	return entries
}

func TestEngine_ScenarioA_RetrievesFullPayload(t *testing.T) {
	payload := bytes.Repeat([]byte{0x42}, 12_000_000)
	server := httptest.NewServer(serveBytes(payload, "video/mp4"))
	defer server.Close()

	strategy := &fakeStrategy{name: "strategy-1", results: []fakeResult{{url: server.URL + "/o1/v/ABC123.mp4"}}}
	engine := newScenarioEngine(t, nil, strategy)

	var consumed *internal.RetrievedFile
	var onDisk int64
	err := engine.Retrieve(context.Background(), internal.RetrievalRequest{
		URL:           scenarioURL,
		CorrelationID: "chat-7",
	}, func(file *internal.RetrievedFile) error {
		consumed = file
		info, err := os.Stat(file.Path)
		require.NoError(t, err)
		onDisk = info.Size()
		assert.Contains(t, file.Path, "chat-7_")
		return nil
	})
	require.NoError(t, err)

	require.NotNil(t, consumed)
	assert.Equal(t, uint64(12_000_000), consumed.SizeBytes)
	assert.Equal(t, "strategy-1", consumed.Strategy)
	assert.EqualValues(t, 12_000_000, onDisk)

	_, err = os.Stat(consumed.Path)
	assert.True(t, os.IsNotExist(err), "the file is only valid inside consume")
	assert.Empty(t, leftovers(t, engine))
	assert.Zero(t, engine.Workspaces().Active())
}

func TestEngine_ScenarioB_NotFoundStillReleasesWorkspace(t *testing.T) {
	s1 := &fakeStrategy{name: "strategy-1", results: []fakeResult{{err: notFound("strategy-1", "no media")}}}
	s2 := &fakeStrategy{name: "strategy-2", results: []fakeResult{{err: notFound("strategy-2", "no media")}}}
	engine := newScenarioEngine(t, nil, s1, s2)

	consumed := false
	err := engine.Retrieve(context.Background(), internal.RetrievalRequest{URL: scenarioURL}, func(*internal.RetrievedFile) error {
		consumed = true
		return nil
	})
	require.Error(t, err)

	kind, ok := internal.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, internal.KindNotFound, kind)
	assert.False(t, consumed)
	assert.EqualValues(t, 1, s1.calls.Load())
	assert.EqualValues(t, 1, s2.calls.Load())

	root := engine.Workspaces().Root()
	assert.DirExists(t, root, "a workspace was acquired")
	assert.Empty(t, leftovers(t, engine))
}

func TestEngine_ScenarioC_BadCredentialsAreSticky(t *testing.T) {
	payload := []byte("video bytes")
	server := httptest.NewServer(serveBytes(payload, "video/mp4"))
	defer server.Close()

	auth := &fakeAuth{loginErrs: []error{internal.NewBadCredentialsError("the password you entered is incorrect")}}
	sessions := newTestSession(auth, testCreds)
	private := &fakeStrategy{name: "private", auth: true, results: []fakeResult{{url: server.URL + "/v.mp4"}}}
	public := &fakeStrategy{name: "public", results: []fakeResult{{url: server.URL + "/v.mp4"}}}
	engine := newScenarioEngine(t, sessions, private, public)

	for i := 0; i < 2; i++ {
		err := engine.Retrieve(context.Background(), internal.RetrievalRequest{URL: scenarioURL}, nil)
		require.Error(t, err)
		assert.True(t, internal.HasKind(err, internal.KindBadCredentials), "request %d: %v", i, err)
	}

	assert.EqualValues(t, 1, auth.logins.Load(), "no fresh login while Invalid")
	assert.Equal(t, internal.SessionInvalid, sessions.State())
	assert.Zero(t, private.calls.Load())
	assert.Zero(t, public.calls.Load())
	assert.Empty(t, leftovers(t, engine))

	sessions.Reconfigure(internal.Credentials{Username: "alice", Password: "correct"})

	var strategy string
	err := engine.Retrieve(context.Background(), internal.RetrievalRequest{URL: scenarioURL}, func(file *internal.RetrievedFile) error {
		strategy = file.Strategy
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "private", strategy)
	assert.EqualValues(t, 2, auth.logins.Load())
	assert.Equal(t, internal.SessionAuthenticated, sessions.State())
}

func TestEngine_TransientLoginFallsBackToAnonymous(t *testing.T) {
	server := httptest.NewServer(serveBytes([]byte("video bytes"), "video/mp4"))
	defer server.Close()

	flaky := internal.NewAuthTransientError(errors.New("connection reset"))
	auth := &fakeAuth{loginErrs: []error{flaky, flaky, flaky}}
	sessions := newTestSession(auth, testCreds)
	private := &fakeStrategy{name: "private", auth: true, results: []fakeResult{{url: server.URL + "/v.mp4"}}}
	public := &fakeStrategy{name: "public", results: []fakeResult{{url: server.URL + "/v.mp4"}}}
	engine := newScenarioEngine(t, sessions, private, public)

	var strategy string
	err := engine.Retrieve(context.Background(), internal.RetrievalRequest{URL: scenarioURL}, func(file *internal.RetrievedFile) error {
		strategy = file.Strategy
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "public", strategy)
	assert.Zero(t, private.calls.Load())
	assert.Equal(t, internal.SessionLoggedOut, sessions.State())
}

func TestEngine_InvalidInputAcquiresNothing(t *testing.T) {
	strategy := &fakeStrategy{name: "strategy-1", results: []fakeResult{{url: "https://cdn.example.com/v.mp4"}}}
	engine := newScenarioEngine(t, nil, strategy)

	err := engine.Retrieve(context.Background(), internal.RetrievalRequest{URL: "https://example.com/stories/ABC123/"}, nil)
	require.Error(t, err)
	assert.True(t, internal.HasKind(err, internal.KindInvalidInput))
	assert.Zero(t, strategy.calls.Load())
	assert.NoDirExists(t, engine.Workspaces().Root())
}

func TestEngine_RetriesFailedDownloads(t *testing.T) {
	var hits atomic.Int32
	payload := []byte("video bytes")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		w.Write(payload)
	}))
	defer server.Close()

	strategy := &fakeStrategy{name: "strategy-1", results: []fakeResult{{url: server.URL + "/v.mp4"}}}
	engine := newScenarioEngine(t, nil, strategy)

	var size uint64
	err := engine.Retrieve(context.Background(), internal.RetrievalRequest{URL: scenarioURL}, func(file *internal.RetrievedFile) error {
		size = file.SizeBytes
		return nil
	})
	require.NoError(t, err)
	assert.EqualValues(t, len(payload), size)
	assert.EqualValues(t, 2, hits.Load())
	assert.EqualValues(t, 1, strategy.calls.Load(), "download retries do not re-resolve")
}

func TestEngine_DownloadRetriesExhausted(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	strategy := &fakeStrategy{name: "strategy-1", results: []fakeResult{{url: server.URL + "/v.mp4"}}}
	engine := newScenarioEngine(t, nil, strategy)

	err := engine.Retrieve(context.Background(), internal.RetrievalRequest{URL: scenarioURL}, nil)
	require.Error(t, err)

	kind, _ := internal.KindOf(err)
	assert.Equal(t, internal.KindRetriesExhausted, kind)
	assert.True(t, internal.HasKind(err, internal.KindUpstream))
	assert.EqualValues(t, 3, hits.Load())
	assert.Empty(t, leftovers(t, engine))
}

func TestEngine_ConsumerErrorStillReleases(t *testing.T) {
	server := httptest.NewServer(serveBytes([]byte("video bytes"), "video/mp4"))
	defer server.Close()

	strategy := &fakeStrategy{name: "strategy-1", results: []fakeResult{{url: server.URL + "/v.mp4"}}}
	engine := newScenarioEngine(t, nil, strategy)

	sendErr := errors.New("upload refused")
	err := engine.Retrieve(context.Background(), internal.RetrievalRequest{URL: scenarioURL}, func(*internal.RetrievedFile) error {
		return sendErr
	})
	assert.ErrorIs(t, err, sendErr)
	assert.Empty(t, leftovers(t, engine))
}

func TestEngine_CancellationReleasesWorkspace(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var workspaceSeen bool
	var engine *Engine
	blocking := strategyFunc{name: "blocking", fn: func(ctx context.Context) (*internal.ResolvedMedia, error) {
		workspaceSeen = engine.Workspaces().Active() == 1
		cancel()
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	engine = newScenarioEngine(t, nil, blocking)

	err := engine.Retrieve(ctx, internal.RetrievalRequest{URL: scenarioURL}, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, workspaceSeen)
	assert.Zero(t, engine.Workspaces().Active())
	assert.Empty(t, leftovers(t, engine))
}

func TestNewEngineFromConfig(t *testing.T) {
	cfg := internal.DefaultConfig()
	cfg.WorkspaceRoot = t.TempDir()
	cfg.Strategies = []string{internal.StrategyGraphQLProbe, internal.StrategyPageScrape}
	cfg.RateLimit = "1M"

	engine, err := NewEngineFromConfig(cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, cfg.WorkspaceRoot, engine.Workspaces().Root())
	assert.False(t, engine.Sessions().CanAuthenticate(), "no credentials configured")
	assert.Equal(t, []string{"graphql-probe", "page-scrape"}, engine.chain.StrategyNames())

	cfg.Strategies = []string{"telepathy"}
	_, err = NewEngineFromConfig(cfg, nil)
	assert.Error(t, err)

	cfg = internal.DefaultConfig()
	cfg.WorkspaceRoot = t.TempDir()
	cfg.ProxyURL = "ftp://proxy.example.com:21"
	_, err = NewEngineFromConfig(cfg, nil)
	assert.Error(t, err, "an unusable proxy must not fall back to a direct connection")
}

func TestCookieDomain(t *testing.T) {
	assert.Equal(t, ".instagram.com", cookieDomain("https://www.instagram.com"))
	assert.Equal(t, ".example.com", cookieDomain("http://example.com:8080/"))
	assert.Equal(t, "", cookieDomain("::not a url"))
	assert.True(t, strings.HasPrefix(cookieDomain("https://m.instagram.com"), ".m."))
}

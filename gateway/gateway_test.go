package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/c360studio/semcontrol/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractText(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"plain string", `"hello"`, "hello"},
		{"first text block", `[{"type":"thinking","text":"hmm"},{"type":"text","text":"answer"},{"type":"text","text":"later"}]`, "answer"},
		{"no text block", `[{"type":"tool_use","id":"x"}]`, ""},
		{"null", `null`, ""},
		{"empty", ``, ""},
		{"object", `{"text":"nope"}`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractText(json.RawMessage(tt.content)))
		})
	}
}

func TestLatestReply_CountingRule(t *testing.T) {
	tests := []struct {
		name   string
		turns  []Turn
		want   string
		wantOK bool
	}{
		{"empty", nil, "", false},
		{"user only", []Turn{{Role: "user", Text: "q"}}, "", false},
		{"answered", []Turn{{Role: "user", Text: "q"}, {Role: "assistant", Text: "a"}}, "a", true},
		{
			"second round pending",
			[]Turn{{Role: "user"}, {Role: "assistant", Text: "a1"}, {Role: "user"}},
			"", false,
		},
		{
			"second round answered",
			[]Turn{{Role: "user"}, {Role: "assistant", Text: "a1"}, {Role: "user"}, {Role: "assistant", Text: "a2"}},
			"a2", true,
		},
		{
			"window starts on an assistant turn",
			[]Turn{{Role: "assistant", Text: "a1"}, {Role: "user"}, {Role: "assistant", Text: "a2"}, {Role: "user"}},
			"", false,
		},
		{
			"tool turns ignored",
			[]Turn{{Role: "user"}, {Role: "toolResult"}, {Role: "assistant", Text: "done"}},
			"done", true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reply, err := latestReply(tt.turns, "test")
			if tt.wantOK {
				require.NoError(t, err)
				assert.Equal(t, tt.want, reply.Text)
			} else {
				assert.ErrorIs(t, err, ErrNoReply)
			}
		})
	}
}

// writeSession lays out a runtime sessions directory.
func writeSession(t *testing.T, dir, key, id, relFile string, lines ...string) string {
	t.Helper()
	entry := SessionIndexEntry{SessionID: id}
	if relFile != "" {
		entry.SessionFile = relFile
	} else {
		relFile = id + ".jsonl"
	}
	index := map[string]SessionIndexEntry{key: entry}
	data, err := json.Marshal(index)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, SessionIndexFile), data, 0o644))

	path := filepath.Join(dir, relFile)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))
	return path
}

func TestLogReader(t *testing.T) {
	const key = "agent:planner:planning:t1"
	userLine := `{"type":"message","message":{"role":"user","content":[{"type":"text","text":"start"}]}}`
	assistantLine := `{"type":"message","message":{"role":"assistant","content":[{"type":"text","text":"{\"question\":\"Q?\"}"}]}}`

	t.Run("no index yet", func(t *testing.T) {
		r := NewLogReader(t.TempDir())
		_, err := r.FetchLatestAssistantTurn(context.Background(), key)
		assert.ErrorIs(t, err, ErrNoReply)
	})

	t.Run("unknown key", func(t *testing.T) {
		dir := t.TempDir()
		writeSession(t, dir, "other", "abc", "", userLine)
		_, err := NewLogReader(dir).FetchLatestAssistantTurn(context.Background(), key)
		assert.ErrorIs(t, err, ErrNoReply)
	})

	t.Run("pending reply", func(t *testing.T) {
		dir := t.TempDir()
		writeSession(t, dir, key, "abc", "", `{"type":"session","id":"abc"}`, userLine)
		_, err := NewLogReader(dir).FetchLatestAssistantTurn(context.Background(), key)
		assert.ErrorIs(t, err, ErrNoReply)
	})

	t.Run("reply found by search in subdirectory", func(t *testing.T) {
		dir := t.TempDir()
		writeSession(t, dir, key, "abc", "", "")
		require.NoError(t, os.Remove(filepath.Join(dir, "abc.jsonl")))
		nested := filepath.Join(dir, "archive", "2026")
		require.NoError(t, os.MkdirAll(nested, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(nested, "abc.jsonl"),
			[]byte(userLine+"\nnot json\n"+assistantLine+"\n"), 0o644))

		reply, err := NewLogReader(dir).FetchLatestAssistantTurn(context.Background(), key)
		require.NoError(t, err)
		assert.Equal(t, `{"question":"Q?"}`, reply.Text)
		assert.Equal(t, 1, reply.UserTurns)
		assert.Equal(t, 1, reply.AssistantTurns)
		assert.Equal(t, "transcript", reply.Source)
	})

	t.Run("recorded file path and bare records", func(t *testing.T) {
		dir := t.TempDir()
		writeSession(t, dir, key, "abc", "custom/session.jsonl",
			`{"role":"user","content":"hi"}`,
			`{"role":"assistant","content":"plain reply"}`)
		reply, err := NewLogReader(dir).FetchLatestAssistantTurn(context.Background(), key)
		require.NoError(t, err)
		assert.Equal(t, "plain reply", reply.Text)
	})

	t.Run("rejects unsafe session id", func(t *testing.T) {
		dir := t.TempDir()
		writeSession(t, dir, key, "x", "", userLine)
		data, _ := json.Marshal(map[string]SessionIndexEntry{key: {SessionID: "../../etc/passwd"}})
		require.NoError(t, os.WriteFile(filepath.Join(dir, SessionIndexFile), data, 0o644))
		_, err := NewLogReader(dir).FetchLatestAssistantTurn(context.Background(), key)
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrNoReply)
	})
}

func TestClient_Send(t *testing.T) {
	var got SendRequest
	var auth, idem string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, SendPath, r.URL.Path)
		auth = r.Header.Get("Authorization")
		idem = r.Header.Get("Idempotency-Key")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", WithToken("secret"))
	err := c.Send(context.Background(), "k1", "hello", "planning-t1-1")
	require.NoError(t, err)
	assert.Equal(t, SendRequest{SessionKey: "k1", Message: "hello", IdempotencyKey: "planning-t1-1"}, got)
	assert.Equal(t, "Bearer secret", auth)
	assert.Equal(t, "planning-t1-1", idem)
}

func TestClient_RetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithRetryConfig(RetryConfig{MaxAttempts: 3, BackoffBase: time.Millisecond, BackoffMultiplier: 1}))
	require.NoError(t, c.Send(context.Background(), "k", "m", "i"))
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_AuthFailureIsTransportErrorWithoutRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad token", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithRetryConfig(RetryConfig{MaxAttempts: 3, BackoffBase: time.Millisecond}))
	err := c.Send(context.Background(), "k", "m", "i")
	require.Error(t, err)
	assert.True(t, workflow.IsKind(err, workflow.KindTransport), "got %v", err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_UnreachableIsTransportError(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", WithRetryConfig(RetryConfig{MaxAttempts: 1}))
	err := c.Send(context.Background(), "k", "m", "i")
	assert.True(t, workflow.IsKind(err, workflow.KindTransport), "got %v", err)
}

func TestHistoryFetcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, HistoryPath, r.URL.Path)
		assert.Equal(t, "k1", r.URL.Query().Get("session_key"))
		assert.Equal(t, "10", r.URL.Query().Get("limit"))
		_, _ = w.Write([]byte(`{"messages":[
			{"role":"user","content":"start"},
			{"role":"assistant","content":[{"type":"text","text":"first"}]},
			{"role":"user","content":"answer"},
			{"role":"assistant","content":[{"type":"text","text":"second"}]}
		]}`))
	}))
	defer srv.Close()

	h := NewHistoryFetcher(NewClient(srv.URL), 10)
	reply, err := h.FetchLatestAssistantTurn(context.Background(), "k1")
	require.NoError(t, err)
	assert.Equal(t, "second", reply.Text)
	assert.Equal(t, 2, reply.AssistantTurns)
	assert.Equal(t, "history", reply.Source)
}

func TestHistoryFetcher_TruncatedWindowWithPendingTurn(t *testing.T) {
	var all []map[string]any
	for i := 1; i <= 26; i++ {
		all = append(all,
			map[string]any{"role": "user", "content": fmt.Sprintf("user %d", i)},
			map[string]any{"role": "assistant", "content": fmt.Sprintf("assistant %d", i)})
	}
	all = append(all, map[string]any{"role": "user", "content": "user 27"})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		msgs := all
		if limit, _ := strconv.Atoi(r.URL.Query().Get("limit")); limit > 0 && len(msgs) > limit {
			msgs = msgs[len(msgs)-limit:]
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"messages": msgs})
	}))
	defer srv.Close()

	reply, err := NewHistoryFetcher(NewClient(srv.URL), 0).FetchLatestAssistantTurn(context.Background(), "k1")
	assert.ErrorIs(t, err, ErrNoReply)
	assert.Empty(t, reply.Text)
}

// stubStrategy returns scripted results and counts calls.
type stubStrategy struct {
	name  string
	mu    sync.Mutex
	calls int
	fn    func(call int) (Reply, error)
}

func (s *stubStrategy) Name() string { return s.name }

func (s *stubStrategy) FetchLatestAssistantTurn(_ context.Context, _ string) (Reply, error) {
	s.mu.Lock()
	s.calls++
	call := s.calls
	s.mu.Unlock()
	return s.fn(call)
}

func (s *stubStrategy) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func TestAdapter_FirstStrategyShortCircuits(t *testing.T) {
	first := &stubStrategy{name: "a", fn: func(int) (Reply, error) {
		return Reply{Text: "from a", UserTurns: 1, AssistantTurns: 1}, nil
	}}
	second := &stubStrategy{name: "b", fn: func(int) (Reply, error) {
		return Reply{Text: "from b", UserTurns: 1, AssistantTurns: 1}, nil
	}}
	a := NewAdapter(nil, []Strategy{first, second}, WithPollInterval(5*time.Millisecond))

	text, err := a.AwaitReply(context.Background(), "k", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "from a", text)
	assert.Equal(t, 0, second.Calls())
}

func TestAdapter_FallsThroughFailingStrategy(t *testing.T) {
	broken := &stubStrategy{name: "a", fn: func(int) (Reply, error) {
		return Reply{}, errors.New("disk unreadable")
	}}
	remote := &stubStrategy{name: "b", fn: func(call int) (Reply, error) {
		if call < 3 {
			return Reply{}, ErrNoReply
		}
		return Reply{Text: "late", UserTurns: 1, AssistantTurns: 1}, nil
	}}
	a := NewAdapter(nil, []Strategy{broken, remote}, WithPollInterval(5*time.Millisecond))

	text, err := a.AwaitReply(context.Background(), "k", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "late", text)
	assert.GreaterOrEqual(t, remote.Calls(), 3)
}

func TestAdapter_Timeout(t *testing.T) {
	pending := &stubStrategy{name: "a", fn: func(int) (Reply, error) { return Reply{}, ErrNoReply }}
	a := NewAdapter(nil, []Strategy{pending}, WithPollInterval(5*time.Millisecond))

	start := time.Now()
	_, err := a.AwaitReply(context.Background(), "k", 50*time.Millisecond)
	require.Error(t, err)
	assert.True(t, workflow.IsKind(err, workflow.KindTimeout), "got %v", err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestAdapter_ContextCancel(t *testing.T) {
	pending := &stubStrategy{name: "a", fn: func(int) (Reply, error) { return Reply{}, ErrNoReply }}
	a := NewAdapter(nil, []Strategy{pending}, WithPollInterval(5*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := a.AwaitReply(ctx, "k", 10*time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAdapter_SkipsBaselineReply(t *testing.T) {
	old := Reply{Text: "old", UserTurns: 1, AssistantTurns: 1}
	s := &stubStrategy{name: "a", fn: func(call int) (Reply, error) {
		if call < 4 {
			return old, nil
		}
		return Reply{Text: "new", UserTurns: 2, AssistantTurns: 2}, nil
	}}
	a := NewAdapter(nil, []Strategy{s}, WithPollInterval(5*time.Millisecond))

	baseline := a.Observe(context.Background(), "k")
	assert.Equal(t, old, baseline)

	text, err := a.AwaitReplyAfter(context.Background(), "k", time.Second, baseline)
	require.NoError(t, err)
	assert.Equal(t, "new", text)
}

func TestAdapter_NudgeTriggersEarlyCheck(t *testing.T) {
	var ready atomic.Bool
	s := &stubStrategy{name: "a", fn: func(int) (Reply, error) {
		if ready.Load() {
			return Reply{Text: "nudged", UserTurns: 1, AssistantTurns: 1}, nil
		}
		return Reply{}, ErrNoReply
	}}
	nudges := make(chan struct{}, 1)
	a := NewAdapter(nil, []Strategy{s}, WithPollInterval(time.Hour), WithNudges(nudges))

	go func() {
		time.Sleep(20 * time.Millisecond)
		ready.Store(true)
		nudges <- struct{}{}
	}()
	text, err := a.AwaitReply(context.Background(), "k", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "nudged", text)
}

func TestTranscriptWatcher_Nudges(t *testing.T) {
	dir := t.TempDir()
	w, err := NewTranscriptWatcher(dir, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	// Irrelevant files do not nudge.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "abc.jsonl"), []byte("{}\n"), 0o644))

	select {
	case <-w.Nudges():
	case <-time.After(3 * time.Second):
		t.Fatal("expected nudge after transcript write")
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"valid", Config{URL: "http://localhost:18789"}, false},
		{"missing url", Config{SessionsDir: "/tmp"}, true},
		{"bad scheme", Config{URL: "ws://localhost"}, true},
		{"bad poll", Config{URL: "http://x", PollInterval: "soon"}, true},
		{"negative timeout", Config{URL: "http://x", RequestTimeout: "-1s"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestBuild(t *testing.T) {
	dir := t.TempDir()
	a, w, err := Build(Config{URL: "http://localhost:1", SessionsDir: dir, Watch: true, PollInterval: "10ms"}, nil)
	require.NoError(t, err)
	require.NotNil(t, w)
	defer w.Stop()
	require.Len(t, a.strategies, 2)
	assert.Equal(t, "transcript", a.strategies[0].Name())
	assert.Equal(t, "history", a.strategies[1].Name())
	assert.Equal(t, 10*time.Millisecond, a.pollInterval)
}

func TestClassifyHTTPError(t *testing.T) {
	tests := []struct {
		status    int
		permanent bool
	}{
		{http.StatusTooManyRequests, false},
		{http.StatusBadGateway, false},
		{http.StatusUnauthorized, true},
		{http.StatusNotFound, true},
	}
	for _, tt := range tests {
		err := classifyHTTPError(tt.status, []byte(strings.Repeat("x", 300)))
		assert.Equal(t, tt.permanent, isPermanent(err), "status %d", tt.status)
		assert.Equal(t, tt.status, StatusCode(err))
		assert.Less(t, len(err.Error()), 260, "body should be truncated")
	}
}

func TestStatusCode_ThroughTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	}))
	defer srv.Close()

	err := NewClient(srv.URL).Send(context.Background(), "k", "m", "i")
	require.Error(t, err)
	assert.Equal(t, http.StatusGone, StatusCode(err))
	assert.Equal(t, 0, StatusCode(errors.New("plain")))
}

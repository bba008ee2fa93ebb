// Package main implements a mock agent runtime for planning tests.
// It accepts messages on /api/sessions/send and answers each one with the
// next scripted reply, served back through /api/sessions/history and, when
// -sessions-dir is set, written as runtime transcripts.
//
// Usage:
//
//	mock-gateway -fixtures /path/to/fixtures -port 18789 -sessions-dir /tmp/sessions
//
// Fixture files are plain text named by script: "default.txt" answers every
// session, "agent:planner:planning:t1.txt" answers only that session key. Numbered
// files ("default.1.txt", "default.2.txt") are served in order per session,
// after which the base file repeats.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360studio/semcontrol/gateway"
	"github.com/google/uuid"
)

// defaultScript answers sessions that have no script of their own.
const defaultScript = "default"

type historyTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type session struct {
	id      string
	turns   []historyTurn
	replies int
	seen    map[string]bool // idempotency keys
}

type server struct {
	scripts    map[string][]string
	sessionDir string
	delay      time.Duration
	sends      atomic.Int64

	mu       sync.Mutex
	sessions map[string]*session
}

func newServer(scripts map[string][]string, sessionDir string) *server {
	return &server{
		scripts:    scripts,
		sessionDir: sessionDir,
		sessions:   make(map[string]*session),
	}
}

func main() {
	fixtureDir := flag.String("fixtures", "", "directory containing scripted reply files")
	port := flag.Int("port", 18789, "port to listen on")
	sessionDir := flag.String("sessions-dir", "", "directory to write runtime transcripts to (optional)")
	delay := flag.Duration("delay", 0, "delay before a reply becomes visible")
	flag.Parse()

	if envDir := os.Getenv("MOCK_GATEWAY_FIXTURES"); envDir != "" && *fixtureDir == "" {
		*fixtureDir = envDir
	}
	if *fixtureDir == "" {
		*fixtureDir = "/fixtures"
	}

	scripts, err := loadFixtures(*fixtureDir)
	if err != nil {
		log.Fatalf("Failed to load fixtures from %s: %v", *fixtureDir, err)
	}
	log.Printf("Loaded %d script(s) from %s", len(scripts), *fixtureDir)

	s := newServer(scripts, *sessionDir)
	s.delay = *delay

	addr := fmt.Sprintf(":%d", *port)
	log.Printf("Mock gateway listening on %s", addr)
	if err := http.ListenAndServe(addr, s.routes()); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST "+gateway.SendPath, s.handleSend)
	mux.HandleFunc("GET "+gateway.HistoryPath, s.handleHistory)
	mux.HandleFunc("GET /stats", s.handleStats)
	return mux
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req gateway.SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	if req.SessionKey == "" {
		http.Error(w, "session_key is required", http.StatusBadRequest)
		return
	}

	callNum := s.sends.Add(1)

	s.mu.Lock()
	sess := s.sessionFor(req.SessionKey)
	if req.IdempotencyKey != "" && sess.seen[req.IdempotencyKey] {
		s.mu.Unlock()
		log.Printf("[send %d] session=%s duplicate idempotency_key=%s", callNum, req.SessionKey, req.IdempotencyKey)
		writeJSON(w, map[string]any{"accepted": true, "duplicate": true})
		return
	}
	if req.IdempotencyKey != "" {
		sess.seen[req.IdempotencyKey] = true
	}
	sess.turns = append(sess.turns, historyTurn{Role: "user", Content: req.Message})
	reply, ok := s.nextReply(req.SessionKey, sess)
	if err := s.persist(req.SessionKey, sess); err != nil {
		log.Printf("[send %d] WARNING: write transcript: %v", callNum, err)
	}
	s.mu.Unlock()

	if !ok {
		log.Printf("[send %d] session=%s no script, leaving unanswered", callNum, req.SessionKey)
	} else if s.delay > 0 {
		time.AfterFunc(s.delay, func() { s.appendReply(req.SessionKey, reply) })
	} else {
		s.appendReply(req.SessionKey, reply)
	}

	log.Printf("[send %d] session=%s bytes=%d", callNum, req.SessionKey, len(req.Message))
	writeJSON(w, map[string]any{"accepted": true})
}

// sessionFor returns the session for key, creating it. Caller holds mu.
func (s *server) sessionFor(key string) *session {
	sess, ok := s.sessions[key]
	if !ok {
		sess = &session{id: uuid.NewString(), seen: make(map[string]bool)}
		s.sessions[key] = sess
	}
	return sess
}

// nextReply picks the scripted reply for the session's next turn. Caller holds mu.
func (s *server) nextReply(key string, sess *session) (string, bool) {
	seq, ok := s.scripts[key]
	if !ok {
		seq, ok = s.scripts[defaultScript]
	}
	if !ok || len(seq) == 0 {
		return "", false
	}
	idx := min(sess.replies, len(seq)-1)
	sess.replies++
	return seq[idx], true
}

func (s *server) appendReply(key, reply string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.sessionFor(key)
	sess.turns = append(sess.turns, historyTurn{Role: "assistant", Content: reply})
	if err := s.persist(key, sess); err != nil {
		log.Printf("WARNING: write transcript for %s: %v", key, err)
	}
}

func (s *server) handleHistory(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("session_key")
	if key == "" {
		http.Error(w, "session_key is required", http.StatusBadRequest)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	s.mu.Lock()
	var turns []historyTurn
	if sess, ok := s.sessions[key]; ok {
		turns = append(turns, sess.turns...)
	}
	s.mu.Unlock()

	if limit > 0 && len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}

	messages := make([]gateway.HistoryTurn, 0, len(turns))
	for _, t := range turns {
		content, _ := json.Marshal(t.Content)
		messages = append(messages, gateway.HistoryTurn{Role: t.Role, Content: content})
	}
	writeJSON(w, gateway.HistoryResponse{SessionKey: key, Messages: messages})
}

func (s *server) handleStats(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	turns := make(map[string]int, len(s.sessions))
	for key, sess := range s.sessions {
		turns[key] = len(sess.turns)
	}
	s.mu.Unlock()

	writeJSON(w, map[string]any{
		"total_sends":      s.sends.Load(),
		"turns_by_session": turns,
	})
}

// persist rewrites the session's transcript and the session index the way
// the runtime lays them out on disk. Caller holds mu.
func (s *server) persist(key string, sess *session) error {
	if s.sessionDir == "" {
		return nil
	}
	if err := os.MkdirAll(s.sessionDir, 0o755); err != nil {
		return err
	}

	var b strings.Builder
	for _, t := range sess.turns {
		line, err := json.Marshal(map[string]any{
			"type":    "message",
			"message": t,
		})
		if err != nil {
			return err
		}
		b.Write(line)
		b.WriteByte('\n')
	}
	transcript := filepath.Join(s.sessionDir, sess.id+".jsonl")
	if err := writeFileAtomic(transcript, []byte(b.String())); err != nil {
		return err
	}

	index := make(map[string]gateway.SessionIndexEntry, len(s.sessions))
	for k, other := range s.sessions {
		index[k] = gateway.SessionIndexEntry{
			SessionID:   other.id,
			SessionFile: filepath.Join(s.sessionDir, other.id+".jsonl"),
		}
	}
	entry := index[key]
	entry.UpdatedAt = time.Now().UnixMilli()
	index[key] = entry

	data, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(s.sessionDir, gateway.SessionIndexFile), data)
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// numberedFileRe matches files like "default.1.txt".
var numberedFileRe = regexp.MustCompile(`^(.+)\.(\d+)\.txt$`)

// loadFixtures reads .txt files from dir and returns script → reply sequence.
// Numbered files come first in numeric order, then the base file.
func loadFixtures(dir string) (map[string][]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	baseFiles := make(map[string]string)
	numberedFiles := make(map[string]map[int]string)

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".txt") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", e.Name(), err)
		}
		content := strings.TrimRight(string(data), "\n")

		if m := numberedFileRe.FindStringSubmatch(e.Name()); m != nil {
			index, _ := strconv.Atoi(m[2])
			if numberedFiles[m[1]] == nil {
				numberedFiles[m[1]] = make(map[int]string)
			}
			numberedFiles[m[1]][index] = content
			continue
		}
		baseFiles[strings.TrimSuffix(e.Name(), ".txt")] = content
	}

	scripts := make(map[string][]string)
	for name, numbered := range numberedFiles {
		indices := make([]int, 0, len(numbered))
		for idx := range numbered {
			indices = append(indices, idx)
		}
		sort.Ints(indices)
		for _, idx := range indices {
			scripts[name] = append(scripts[name], numbered[idx])
		}
	}
	for name, base := range baseFiles {
		scripts[name] = append(scripts[name], base)
	}

	if len(scripts) == 0 {
		return nil, fmt.Errorf("no fixture files found in %s", dir)
	}
	return scripts, nil
}

package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
)

// SessionIndexFile maps session keys to runtime session identifiers.
const SessionIndexFile = "sessions.json"

// maxTranscriptLine bounds a single JSONL record.
const maxTranscriptLine = 8 * 1024 * 1024

// sessionIDPattern restricts identifiers used in glob patterns and paths.
var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// SessionIndexEntry is one value in sessions.json.
type SessionIndexEntry struct {
	SessionID   string `json:"sessionId"`
	SessionFile string `json:"sessionFile,omitempty"`
	UpdatedAt   int64  `json:"updatedAt,omitempty"`
}

// transcriptRecord accepts both the wrapped form
// {"type":"message","message":{"role":...,"content":...}} and a bare
// {"role":...,"content":...} line.
type transcriptRecord struct {
	Type    string          `json:"type"`
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
	Message *struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	} `json:"message"`
}

// LogReader reads replies straight from the runtime's session transcripts.
// sessions.json maps a session key to a session id, and the id maps to a
// <id>.jsonl file either through the recorded path or by searching the
// sessions directory.
type LogReader struct {
	dir string

	mu    sync.Mutex
	files map[string]string // session id → transcript path
}

// NewLogReader creates a reader rooted at the runtime's sessions directory.
func NewLogReader(dir string) *LogReader {
	return &LogReader{dir: dir, files: make(map[string]string)}
}

// Name identifies the strategy in logs.
func (r *LogReader) Name() string {
	return "transcript"
}

// Dir returns the sessions directory.
func (r *LogReader) Dir() string {
	return r.dir
}

// FetchLatestAssistantTurn implements Strategy.
func (r *LogReader) FetchLatestAssistantTurn(ctx context.Context, sessionKey string) (Reply, error) {
	if err := ctx.Err(); err != nil {
		return Reply{}, err
	}

	sessionID, recorded, err := r.lookupSession(sessionKey)
	if err != nil {
		return Reply{}, err
	}

	path, err := r.resolveTranscript(sessionID, recorded)
	if err != nil {
		return Reply{}, err
	}

	turns, err := readTranscript(path)
	if err != nil {
		return Reply{}, err
	}
	return latestReply(turns, r.Name())
}

// lookupSession reads the key → id mapping.
func (r *LogReader) lookupSession(sessionKey string) (string, string, error) {
	data, err := os.ReadFile(filepath.Join(r.dir, SessionIndexFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", "", ErrNoReply
		}
		return "", "", fmt.Errorf("read session index: %w", err)
	}

	var index map[string]SessionIndexEntry
	if err := json.Unmarshal(data, &index); err != nil {
		// The runtime rewrites the index in place; a torn read retries next poll.
		return "", "", fmt.Errorf("parse session index: %w", err)
	}

	entry, ok := index[sessionKey]
	if !ok || entry.SessionID == "" {
		return "", "", ErrNoReply
	}
	if !sessionIDPattern.MatchString(entry.SessionID) {
		return "", "", fmt.Errorf("invalid session id %q", entry.SessionID)
	}
	return entry.SessionID, entry.SessionFile, nil
}

// resolveTranscript maps a session id to its transcript file.
func (r *LogReader) resolveTranscript(sessionID, recorded string) (string, error) {
	if recorded != "" {
		if !filepath.IsAbs(recorded) {
			recorded = filepath.Join(r.dir, recorded)
		}
		return recorded, nil
	}

	r.mu.Lock()
	cached, ok := r.files[sessionID]
	r.mu.Unlock()
	if ok {
		if _, err := os.Stat(cached); err == nil {
			return cached, nil
		}
	}

	pattern := filepath.Join(r.dir, "**", sessionID+".jsonl")
	matches, err := doublestar.FilepathGlob(pattern)
	if err != nil {
		return "", fmt.Errorf("glob transcripts: %w", err)
	}
	if len(matches) == 0 {
		return "", ErrNoReply
	}

	r.mu.Lock()
	r.files[sessionID] = matches[0]
	r.mu.Unlock()
	return matches[0], nil
}

// readTranscript parses a JSONL transcript into turns. Unparseable lines and
// non-message records are skipped.
func readTranscript(path string) ([]Turn, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoReply
		}
		return nil, fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxTranscriptLine)

	var turns []Turn
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec transcriptRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}

		role, content := rec.Role, rec.Content
		if rec.Message != nil {
			role, content = rec.Message.Role, rec.Message.Content
		} else if rec.Type != "" && rec.Type != "message" {
			continue
		}
		if role == "" {
			continue
		}
		turns = append(turns, Turn{Role: role, Text: ExtractText(content)})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan transcript: %w", err)
	}
	return turns, nil
}

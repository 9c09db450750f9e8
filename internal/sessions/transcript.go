package sessions

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// TranscriptPath is the deterministic transcript location for a sessionId.
func (s *Store) TranscriptPath(sessionID string) string {
	return filepath.Join(s.opts.Dir, sessionsDirName, "sess-"+sessionID+".jsonl")
}

// AppendTranscript appends one JSONL record to the session's transcript.
func (s *Store) AppendTranscript(sessionID string, line []byte) error {
	path := s.TranscriptPath(sessionID)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	if len(line) == 0 || line[len(line)-1] != '\n' {
		line = append(line, '\n')
	}
	_, err = f.Write(line)
	return err
}

// ReadTranscript returns up to the last maxLines lines (all when maxLines<=0).
func (s *Store) ReadTranscript(sessionID string, maxLines int) ([]string, error) {
	f, err := os.Open(s.TranscriptPath(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if maxLines > 0 && len(lines) > maxLines {
		lines = lines[len(lines)-maxLines:]
	}
	return lines, nil
}

// softDeleteTranscript renames the transcript to <name>.deleted.<ts> so it
// stays recoverable. Missing transcripts are fine.
func (s *Store) softDeleteTranscript(sessionID string) {
	path := s.TranscriptPath(sessionID)
	dst := fmt.Sprintf("%s.deleted.%d", path, s.opts.Now().UnixMilli())
	if err := os.Rename(path, dst); err != nil && !os.IsNotExist(err) {
		slog.Warn("transcript soft-delete failed", "path", path, "error", err)
	}
}

// Compact truncates the transcript to its last maxLines lines. The original
// is preserved as <name>.bak.<ts> first, and compactionCount increments.
func (s *Store) Compact(key SessionKey, maxLines int) (*Entry, error) {
	if maxLines <= 0 {
		return nil, fmt.Errorf("maxLines must be positive")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return nil, fmt.Errorf("session %q: %w", key, ErrNotFound)
	}

	path := s.TranscriptPath(e.SessionID)
	lines, err := readAllLines(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	if len(lines) > maxLines {
		bak := fmt.Sprintf("%s.bak.%d", path, s.opts.Now().UnixMilli())
		if err := copyFile(path, bak); err != nil {
			return nil, fmt.Errorf("backup transcript: %w", err)
		}
		kept := strings.Join(lines[len(lines)-maxLines:], "\n") + "\n"
		if err := os.WriteFile(path, []byte(kept), 0o600); err != nil {
			return nil, err
		}
	}

	e.CompactionCount++
	e.UpdatedAt = s.opts.Now().UnixMilli()
	if err := s.save(); err != nil {
		return nil, err
	}
	slog.Info("session compacted", "key", key, "kept", maxLines)
	s.emit(EventCompacted, key, e)
	return e.clone(), nil
}

func readAllLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var lines []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	return lines, sc.Err()
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}

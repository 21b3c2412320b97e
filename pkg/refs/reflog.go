package refs

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/odvcencio/grit/pkg/gitid"
	"github.com/odvcencio/grit/pkg/object"
)

// ReflogEntry is one append-only record of a ref transition.
type ReflogEntry struct {
	Old     gitid.ID
	New     gitid.ID
	Who     object.Ident
	Message string
}

func (s *Store) reflogPath(name string) string {
	return filepath.Join(s.gitDir, "logs", filepath.FromSlash(name))
}

// appendReflog records a transition under logs/<name>. The line format is
// "<old> <new> <ident>\t<message>\n".
func (s *Store) appendReflog(name string, old, newID gitid.ID, who object.Ident, message string) error {
	if who.When.IsZero() {
		who.When = s.now()
	}
	message = strings.ReplaceAll(strings.TrimSpace(message), "\n", " ")

	logPath := s.reflogPath(name)
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return fmt.Errorf("reflog mkdir: %w", err)
	}

	line := fmt.Sprintf("%s %s %s\t%s\n", old, newID, who, message)
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("reflog open: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("reflog write: %w", err)
	}
	return nil
}

// ReadReflog returns the newest limit entries for a ref, most recent
// first. A non-positive limit returns everything.
func (s *Store) ReadReflog(name string, limit int) ([]ReflogEntry, error) {
	f, err := os.Open(s.reflogPath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read reflog: %w", err)
	}
	defer f.Close()

	var entries []ReflogEntry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		e, err := parseReflogLine(line)
		if err != nil {
			return nil, fmt.Errorf("read reflog %s: %w", name, err)
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read reflog: %w", err)
	}

	// Newest first.
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// LastReflogEntry returns the most recent entry, or nil when the log is
// empty.
func (s *Store) LastReflogEntry(name string) (*ReflogEntry, error) {
	entries, err := s.ReadReflog(name, 1)
	if err != nil || len(entries) == 0 {
		return nil, err
	}
	return &entries[0], nil
}

func parseReflogLine(line string) (ReflogEntry, error) {
	head, message, _ := strings.Cut(line, "\t")
	fields := strings.SplitN(head, " ", 3)
	if len(fields) < 3 {
		return ReflogEntry{}, fmt.Errorf("malformed reflog line %q", line)
	}
	old, err := gitid.Parse(fields[0])
	if err != nil {
		return ReflogEntry{}, err
	}
	newID, err := gitid.Parse(fields[1])
	if err != nil {
		return ReflogEntry{}, err
	}
	who, err := object.ParseIdent(fields[2])
	if err != nil {
		return ReflogEntry{}, err
	}
	return ReflogEntry{Old: old, New: newID, Who: who, Message: message}, nil
}

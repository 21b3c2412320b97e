package object

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/odvcencio/grit/pkg/gitid"
)

// Commit represents a commit pointing at a tree with ancestry metadata.
type Commit struct {
	Tree      gitid.ID
	Parents   []gitid.ID
	Author    Ident
	Committer Ident
	Encoding  string // optional "encoding" header
	GPGSig    string // optional "gpgsig" header, may span lines
	Message   string
}

// MarshalCommit serializes a Commit to the canonical text format:
//
//	tree H
//	parent H     (zero or more)
//	author I
//	committer I
//	encoding E   (optional)
//	gpgsig S     (optional, continuation lines indented by one space)
//
//	message
func MarshalCommit(c *Commit) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "tree %s\n", c.Tree)
	for _, p := range c.Parents {
		fmt.Fprintf(&buf, "parent %s\n", p)
	}
	fmt.Fprintf(&buf, "author %s\n", c.Author)
	fmt.Fprintf(&buf, "committer %s\n", c.Committer)
	if c.Encoding != "" {
		fmt.Fprintf(&buf, "encoding %s\n", c.Encoding)
	}
	if c.GPGSig != "" {
		writeMultilineHeader(&buf, "gpgsig", c.GPGSig)
	}
	buf.WriteByte('\n')
	buf.WriteString(c.Message)
	return buf.Bytes()
}

func writeMultilineHeader(buf *bytes.Buffer, key, value string) {
	lines := strings.Split(strings.TrimRight(value, "\n"), "\n")
	fmt.Fprintf(buf, "%s %s\n", key, lines[0])
	for _, line := range lines[1:] {
		fmt.Fprintf(buf, " %s\n", line)
	}
}

// UnmarshalCommit parses a Commit from its serialized form.
func UnmarshalCommit(data []byte) (*Commit, error) {
	header, message, err := splitHeader(data)
	if err != nil {
		return nil, fmt.Errorf("unmarshal commit: %w", err)
	}

	c := &Commit{Message: message}
	sawTree := false
	for _, h := range header {
		switch h.key {
		case "tree":
			if err := c.Tree.UnmarshalText([]byte(h.value)); err != nil {
				return nil, fmt.Errorf("unmarshal commit: %w", err)
			}
			sawTree = true
		case "parent":
			var p gitid.ID
			if err := p.UnmarshalText([]byte(h.value)); err != nil {
				return nil, fmt.Errorf("unmarshal commit: %w", err)
			}
			c.Parents = append(c.Parents, p)
		case "author":
			id, err := ParseIdent(h.value)
			if err != nil {
				return nil, fmt.Errorf("unmarshal commit: %w", err)
			}
			c.Author = id
		case "committer":
			id, err := ParseIdent(h.value)
			if err != nil {
				return nil, fmt.Errorf("unmarshal commit: %w", err)
			}
			c.Committer = id
		case "encoding":
			c.Encoding = h.value
		case "gpgsig":
			c.GPGSig = h.value
		default:
			// Unknown headers are preserved in spirit by being ignored;
			// hashing callers keep the original payload.
		}
	}
	if !sawTree {
		return nil, fmt.Errorf("unmarshal commit: missing tree header")
	}
	return c, nil
}

type headerLine struct {
	key   string
	value string
}

// splitHeader splits a commit/tag payload into header lines and message,
// folding continuation lines (leading space) into the previous header.
func splitHeader(data []byte) ([]headerLine, string, error) {
	idx := bytes.Index(data, []byte("\n\n"))
	if idx < 0 {
		return nil, "", fmt.Errorf("missing header/message separator")
	}
	rawHeader := string(data[:idx])
	message := string(data[idx+2:])

	var headers []headerLine
	for _, line := range strings.Split(rawHeader, "\n") {
		if strings.HasPrefix(line, " ") {
			if len(headers) == 0 {
				return nil, "", fmt.Errorf("continuation line with no header")
			}
			headers[len(headers)-1].value += "\n" + line[1:]
			continue
		}
		key, value, ok := strings.Cut(line, " ")
		if !ok {
			return nil, "", fmt.Errorf("malformed header line %q", line)
		}
		headers = append(headers, headerLine{key: key, value: value})
	}
	return headers, message, nil
}

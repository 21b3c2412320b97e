package object

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Ident is an author, committer, or tagger identity line.
type Ident struct {
	Name  string
	Email string
	When  time.Time
}

// String formats the identity the way commit and tag headers store it:
// "Name <email> epoch zone".
func (id Ident) String() string {
	return fmt.Sprintf("%s <%s> %d %s", id.Name, id.Email, id.When.Unix(), formatZone(id.When))
}

func formatZone(t time.Time) string {
	_, offset := t.Zone()
	sign := "+"
	if offset < 0 {
		sign = "-"
		offset = -offset
	}
	return fmt.Sprintf("%s%02d%02d", sign, offset/3600, (offset%3600)/60)
}

// ParseIdent parses an identity line of the form "Name <email> epoch zone".
func ParseIdent(s string) (Ident, error) {
	lt := strings.IndexByte(s, '<')
	if lt < 0 {
		return Ident{}, fmt.Errorf("identity %q: missing '<'", s)
	}
	gt := strings.IndexByte(s[lt:], '>')
	if gt < 0 {
		return Ident{}, fmt.Errorf("identity %q: missing '>'", s)
	}
	gt += lt

	name := strings.TrimRight(s[:lt], " ")
	email := s[lt+1 : gt]

	rest := strings.TrimSpace(s[gt+1:])
	fields := strings.Fields(rest)
	if len(fields) < 2 {
		return Ident{}, fmt.Errorf("identity %q: missing timestamp", s)
	}
	epoch, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return Ident{}, fmt.Errorf("identity %q: bad timestamp: %w", s, err)
	}
	loc, err := parseZone(fields[1])
	if err != nil {
		return Ident{}, fmt.Errorf("identity %q: %w", s, err)
	}

	return Ident{
		Name:  name,
		Email: email,
		When:  time.Unix(epoch, 0).In(loc),
	}, nil
}

func parseZone(s string) (*time.Location, error) {
	if len(s) != 5 || (s[0] != '+' && s[0] != '-') {
		return nil, fmt.Errorf("bad timezone %q", s)
	}
	hours, err := strconv.Atoi(s[1:3])
	if err != nil {
		return nil, fmt.Errorf("bad timezone %q", s)
	}
	mins, err := strconv.Atoi(s[3:5])
	if err != nil {
		return nil, fmt.Errorf("bad timezone %q", s)
	}
	offset := (hours*60 + mins) * 60
	if s[0] == '-' {
		offset = -offset
	}
	return time.FixedZone(s, offset), nil
}

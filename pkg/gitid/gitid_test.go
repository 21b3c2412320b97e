package gitid

import (
	"testing"
)

func TestHashObjectBlob(t *testing.T) {
	// "hello\n" as a blob has a well-known id.
	id := HashObject("blob", []byte("hello\n"))
	const want = "ce013625030ba8dba906f756967f9e9ca394464a"
	if got := id.String(); got != want {
		t.Fatalf("HashObject(blob, hello) = %s, want %s", got, want)
	}
}

func TestParseRoundTrip(t *testing.T) {
	const hexID = "ce013625030ba8dba906f756967f9e9ca394464a"
	id, err := Parse(hexID)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if id.String() != hexID {
		t.Fatalf("round trip = %s, want %s", id.String(), hexID)
	}
	if id.IsZero() {
		t.Fatalf("parsed id reported zero")
	}
	if !Zero.IsZero() {
		t.Fatalf("Zero.IsZero() = false")
	}
}

func TestParseRejectsBadInput(t *testing.T) {
	bad := []string{
		"",
		"ce01",
		"ce013625030ba8dba906f756967f9e9ca394464az",
		"ce013625030ba8dba906f756967f9e9ca394464a00",
	}
	for _, s := range bad {
		if _, err := Parse(s); err == nil {
			t.Fatalf("Parse(%q) succeeded, want error", s)
		}
	}
}

func TestAbbrevMatches(t *testing.T) {
	id, err := Parse("ce013625030ba8dba906f756967f9e9ca394464a")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	tests := []struct {
		prefix  string
		wantErr bool
		matches bool
	}{
		{"ce01", false, true},
		{"ce0136250", false, true},
		{"ce02", false, false},
		{"ce0", true, false},
		{"zzzz", true, false},
	}
	for _, tc := range tests {
		a, err := ParseAbbrev(tc.prefix)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("ParseAbbrev(%q) succeeded, want error", tc.prefix)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseAbbrev(%q): %v", tc.prefix, err)
		}
		if got := a.Matches(id); got != tc.matches {
			t.Fatalf("Abbrev(%q).Matches = %v, want %v", tc.prefix, got, tc.matches)
		}
	}
}

func TestCompareOrdersBytes(t *testing.T) {
	a, _ := Parse("0000000000000000000000000000000000000001")
	b, _ := Parse("0000000000000000000000000000000000000002")
	if a.Compare(b) >= 0 {
		t.Fatalf("Compare(a, b) = %d, want negative", a.Compare(b))
	}
	if b.Compare(a) <= 0 {
		t.Fatalf("Compare(b, a) = %d, want positive", b.Compare(a))
	}
	if a.Compare(a) != 0 {
		t.Fatalf("Compare(a, a) = %d, want 0", a.Compare(a))
	}
}

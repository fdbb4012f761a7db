package object

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// FormatSignature renders a signature as Git stores it in commit headers:
// "Name <email> <unix seconds> <+hhmm>".
func FormatSignature(s Signature) string {
	when := s.When
	if when.IsZero() {
		when = time.Unix(0, 0).UTC()
	}
	return fmt.Sprintf("%s <%s> %d %s", s.Name, s.Email, when.Unix(), when.Format("-0700"))
}

// ParseSignature parses the value of an author, committer or tagger header.
// A missing or malformed zone is treated as UTC.
func ParseSignature(v string) (Signature, error) {
	lt := strings.IndexByte(v, '<')
	gt := strings.LastIndexByte(v, '>')
	if lt < 0 || gt < lt {
		return Signature{}, fmt.Errorf("malformed signature %q", v)
	}
	sig := Signature{
		Name:  strings.TrimSpace(v[:lt]),
		Email: v[lt+1 : gt],
	}

	fields := strings.Fields(v[gt+1:])
	if len(fields) == 0 {
		sig.When = time.Unix(0, 0).UTC()
		return sig, nil
	}
	secs, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return Signature{}, fmt.Errorf("malformed signature timestamp %q: %w", fields[0], err)
	}
	loc := time.UTC
	if len(fields) > 1 {
		if z, ok := parseZone(fields[1]); ok {
			loc = z
		}
	}
	sig.When = time.Unix(secs, 0).In(loc)
	return sig, nil
}

func parseZone(tz string) (*time.Location, bool) {
	if len(tz) != 5 || (tz[0] != '+' && tz[0] != '-') {
		return nil, false
	}
	hh, err := strconv.Atoi(tz[1:3])
	if err != nil {
		return nil, false
	}
	mm, err := strconv.Atoi(tz[3:5])
	if err != nil {
		return nil, false
	}
	offset := hh*3600 + mm*60
	if tz[0] == '-' {
		offset = -offset
	}
	return time.FixedZone("", offset), true
}

// CommitSigningPayload returns the canonical bytes that are signed for a
// commit. The payload excludes the gpgsig header itself.
func CommitSigningPayload(c *CommitObj) []byte {
	if c == nil {
		return nil
	}
	copyCommit := *c
	copyCommit.Signature = ""
	return MarshalCommit(&copyCommit)
}

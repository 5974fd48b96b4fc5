package main

import (
	"strings"
	"testing"
	"time"
)

func TestTable_AlignsByDisplayWidth(t *testing.T) {
	// WHAT: columns line up when cells contain å, ä, ö.
	// WHY: company names are Swedish; byte-length padding skews every row.
	var sb strings.Builder
	tb := newTable("NAME", "COUNT")
	tb.add("Åkeri Öst AB", "3")
	tb.add("Acme AB", "12")
	tb.write(&sb)

	lines := strings.Split(strings.TrimSpace(sb.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("lines = %q", lines)
	}
	col := strings.Index(lines[0], "COUNT")
	if []rune(lines[1])[col] != '3' {
		t.Fatalf("row 1 misaligned: %q", lines[1])
	}
	if lines[2][col:col+2] != "12" {
		t.Fatalf("row 2 misaligned: %q", lines[2])
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("Stockholms tingsrätt", 10); got != "Stockholm…" {
		t.Fatalf("truncate = %q", got)
	}
	if got := truncate("Acme", 10); got != "Acme" {
		t.Fatalf("truncate = %q", got)
	}
}

func TestParseDay(t *testing.T) {
	ms, err := parseDay("2024-05-15")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if want := time.Date(2024, 5, 15, 0, 0, 0, 0, time.UTC).UnixMilli(); ms != want {
		t.Fatalf("ms = %d, want %d", ms, want)
	}
	if _, err := parseDay("15/5/2024"); err == nil {
		t.Fatal("bad date accepted")
	}
	if got := formatDay(ms); got != "2024-05-15" {
		t.Fatalf("formatDay = %q", got)
	}
}

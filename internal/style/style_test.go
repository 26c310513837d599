package style

import (
	"bytes"
	"io"
	"os"
	"strings"
	"testing"
)

func TestPrintWarningGoesToStderr(t *testing.T) {
	old := os.Stderr
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	os.Stderr = w

	PrintWarning("disk %s is full", "sda")

	_ = w.Close()
	os.Stderr = old

	var buf bytes.Buffer
	_, _ = io.Copy(&buf, r)
	if !strings.Contains(buf.String(), "disk sda is full") {
		t.Errorf("stderr output %q missing message", buf.String())
	}
}

func TestTableRender(t *testing.T) {
	tbl := NewTable(
		Column{Name: "AGENT", Width: 12},
		Column{Name: "STATE", Width: 10},
		Column{Name: "TOOLS", Width: 6, Align: AlignRight},
	)
	tbl.AddRow("builder-1", "working", "41")
	tbl.AddRow("scout-1", "completed")

	out := tbl.Render()
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if len(lines) != 4 {
		t.Fatalf("want header + separator + 2 rows, got %d lines:\n%s", len(lines), out)
	}
	if !strings.Contains(lines[0], "AGENT") || !strings.Contains(lines[0], "TOOLS") {
		t.Errorf("header line %q missing column names", lines[0])
	}
	if !strings.Contains(lines[2], "builder-1") {
		t.Errorf("row line %q missing cell", lines[2])
	}
	// Right-aligned cell ends at the column edge.
	if !strings.HasSuffix(stripAnsi(lines[2]), "41") {
		t.Errorf("right-aligned cell not flush: %q", lines[2])
	}
	// The short row is padded, not dropped.
	if !strings.Contains(lines[3], "completed") {
		t.Errorf("padded row %q missing cell", lines[3])
	}
}

func TestTableTruncatesLongCells(t *testing.T) {
	tbl := NewTable(Column{Name: "BRANCH", Width: 10})
	tbl.AddRow("overstory/builder-1/os-42")
	out := tbl.Render()
	if !strings.Contains(out, "...") {
		t.Errorf("long cell should be truncated with ellipsis:\n%s", out)
	}
}

func TestStripAnsi(t *testing.T) {
	in := "\x1b[1mbold\x1b[0m plain"
	if got := stripAnsi(in); got != "bold plain" {
		t.Errorf("stripAnsi(%q) = %q", in, got)
	}
}

func TestPad(t *testing.T) {
	if got := pad("x", "x", 4, AlignLeft); got != "x   " {
		t.Errorf("left pad = %q", got)
	}
	if got := pad("x", "x", 4, AlignRight); got != "   x" {
		t.Errorf("right pad = %q", got)
	}
	if got := pad("ab", "ab", 4, AlignCenter); got != " ab " {
		t.Errorf("center pad = %q", got)
	}
}

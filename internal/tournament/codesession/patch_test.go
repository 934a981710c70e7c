package codesession

import (
	"encoding/json"
	"strconv"
	"strings"
	"testing"

	appErr "codearena/pkg/errors"
)

func text(s string) File { return File{Data: []byte(s), Mode: 0o644} }

func TestDiffApplyRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		a, b Tree
	}{
		{"empty to files", Tree{}, Tree{"main.py": text("print('hi')\n")}},
		{"files to empty", Tree{"main.py": text("x\n")}, Tree{}},
		{"modify middle", Tree{"a.txt": text("1\n2\n3\n4\n5\n")}, Tree{"a.txt": text("1\n2\nthree\n4\n5\n")}},
		{"no trailing newline", Tree{"a": text("a\nb")}, Tree{"a": text("a\nb\nc")}},
		{"unicode", Tree{"u.txt": text("héllo\nwörld\n")}, Tree{"u.txt": text("héllo\n世界\n")}},
		{"binary", Tree{"bin": {Data: []byte{0, 1, 2}}}, Tree{"bin": {Data: []byte{0, 9, 9, 9}}}},
		{"mode only", Tree{"run.sh": text("echo\n")}, Tree{"run.sh": {Data: []byte("echo\n"), Mode: 0o755}}},
		{"mixed", Tree{"keep": text("k"), "gone": text("g"), "edit": text("a\nb\n")},
			Tree{"keep": text("k"), "new/file.go": text("package x\n"), "edit": text("a\nB\nc\n")}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := Diff(tc.a, tc.b)
			got, err := Apply(tc.a, p)
			if err != nil {
				t.Fatalf("apply: %v", err)
			}
			if !got.Equal(tc.b) || got.Hash() != tc.b.Hash() {
				t.Fatalf("round trip mismatch: got %v want %v", got, tc.b)
			}

			// the stored form must round trip as well
			raw, err := json.Marshal(p)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			var decoded Patch
			if err := json.Unmarshal(raw, &decoded); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			got, err = Apply(tc.a, decoded)
			if err != nil || !got.Equal(tc.b) {
				t.Fatalf("decoded patch round trip failed: %v", err)
			}
		})
	}
}

func TestDiffIdenticalTreesIsEmpty(t *testing.T) {
	a := Tree{"x": text("1\n")}
	if p := Diff(a, a.Clone()); !p.Empty() {
		t.Fatalf("expected empty patch, got %+v", p)
	}
}

func TestApplyRejectsWrongSource(t *testing.T) {
	a := Tree{"a.txt": text("one\n")}
	b := Tree{"a.txt": text("two\n")}
	p := Diff(a, b)
	_, err := Apply(Tree{"a.txt": text("other\n")}, p)
	if !appErr.Is(err, appErr.PatchApplyFailed) {
		t.Fatalf("expected PatchApplyFailed, got %v", err)
	}
	_, err = Apply(b, Diff(Tree{}, b))
	if !appErr.Is(err, appErr.PatchApplyFailed) {
		t.Fatalf("expected add conflict, got %v", err)
	}
}

func TestRenderUnified(t *testing.T) {
	a := Tree{"a.txt": text("1\n2\n3\n4\n5\n6\n7\n8\n9\n10\n"), "old.txt": text("bye\n")}
	b := Tree{"a.txt": text("1\n2\n3\n4\nfive\n6\n7\n8\n9\n10\n"), "new.txt": text("hi"), "img.png": {Data: []byte{0x89, 0, 1}}}
	out := Unified(a, b)
	for _, want := range []string{
		"diff --git a/a.txt b/a.txt",
		"--- a/a.txt\n+++ b/a.txt\n@@ -2,7 +2,7 @@\n 2\n 3\n 4\n-5\n+five\n 6\n 7\n 8\n",
		"--- /dev/null\n+++ b/new.txt\n@@ -0,0 +1 @@\n+hi\n\\ No newline at end of file\n",
		"--- a/old.txt\n+++ /dev/null\n@@ -1 +0,0 @@\n-bye\n",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in:\n%s", want, out)
		}
	}
	if strings.Contains(out, "img.png") {
		t.Fatalf("binary file rendered:\n%s", out)
	}
}

func TestRenderSplitsDistantHunks(t *testing.T) {
	var lines []string
	for i := 0; i < 30; i++ {
		lines = append(lines, "line "+strconv.Itoa(i))
	}
	before := strings.Join(lines, "\n") + "\n"
	lines[1] = "x"
	lines[25] = "y"
	after := strings.Join(lines, "\n") + "\n"
	out := Unified(Tree{"f": text(before)}, Tree{"f": text(after)})
	if n := strings.Count(out, "@@ -"); n != 2 {
		t.Fatalf("expected 2 hunks, got %d:\n%s", n, out)
	}
}

func TestTreeHashIsStable(t *testing.T) {
	a := Tree{"a": text("1"), "b": text("2")}
	b := Tree{"b": text("2"), "a": text("1")}
	if a.Hash() != b.Hash() {
		t.Fatalf("hash depends on map order")
	}
	c := Tree{"a": text("1"), "b": {Data: []byte("2"), Mode: 0o755}}
	if a.Hash() == c.Hash() {
		t.Fatalf("hash ignores mode")
	}
	if len(a.Hash()) != 64 {
		t.Fatalf("unexpected hash length %d", len(a.Hash()))
	}
}

func TestIgnored(t *testing.T) {
	cases := map[string]bool{
		".git/HEAD":             true,
		"src/__pycache__/x.pyc": true,
		"mod.pyc":               true,
		"src/main.py":           false,
		"git/notes":             false,
	}
	for p, want := range cases {
		if got := Ignored(p, DefaultIgnore); got != want {
			t.Fatalf("Ignored(%q) = %v want %v", p, got, want)
		}
	}
}

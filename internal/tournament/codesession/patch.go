package codesession

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"strings"

	appErr "codearena/pkg/errors"

	"github.com/sergi/go-diff/diffmatchpatch"
)

const unifiedContext = 3

// FileOp is the kind of change applied to one path.
type FileOp string

const (
	OpAdd    FileOp = "add"
	OpModify FileOp = "modify"
	OpDelete FileOp = "delete"
)

// FilePatch transforms one file. Text changes are carried as a diff-match-patch
// delta against the exact source content; binary files are replaced wholesale.
type FilePatch struct {
	Path     string `json:"path"`
	Op       FileOp `json:"op"`
	Mode     int64  `json:"mode,omitempty"`
	Binary   bool   `json:"binary,omitempty"`
	FromHash string `json:"from_hash,omitempty"`
	Delta    string `json:"delta,omitempty"`
	Data     []byte `json:"data,omitempty"`

	from string
	to   string
}

// Patch is an ordered set of file patches.
type Patch struct {
	Files []FilePatch `json:"files"`
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool { return len(p.Files) == 0 }

// Paths returns the changed paths in order.
func (p Patch) Paths() []string {
	out := make([]string, 0, len(p.Files))
	for _, f := range p.Files {
		out = append(out, f.Path)
	}
	return out
}

// Diff computes the patch turning a into b.
func Diff(a, b Tree) Patch {
	dmp := diffmatchpatch.New()
	paths := make(map[string]struct{}, len(a)+len(b))
	for p := range a {
		paths[p] = struct{}{}
	}
	for p := range b {
		paths[p] = struct{}{}
	}
	sorted := make([]string, 0, len(paths))
	for p := range paths {
		sorted = append(sorted, p)
	}
	sort.Strings(sorted)

	var out Patch
	for _, p := range sorted {
		src, inA := a[p]
		dst, inB := b[p]
		switch {
		case inA && !inB:
			out.Files = append(out.Files, FilePatch{
				Path:     p,
				Op:       OpDelete,
				Binary:   isBinary(src.Data),
				FromHash: contentHash(src.Data),
				from:     string(src.Data),
			})
		case !inA && inB:
			out.Files = append(out.Files, FilePatch{
				Path:   p,
				Op:     OpAdd,
				Mode:   normMode(dst.Mode),
				Binary: isBinary(dst.Data),
				Data:   append([]byte(nil), dst.Data...),
				to:     string(dst.Data),
			})
		default:
			if bytes.Equal(src.Data, dst.Data) && normMode(src.Mode) == normMode(dst.Mode) {
				continue
			}
			fp := FilePatch{
				Path:     p,
				Op:       OpModify,
				Mode:     normMode(dst.Mode),
				FromHash: contentHash(src.Data),
				from:     string(src.Data),
				to:       string(dst.Data),
			}
			if isBinary(src.Data) || isBinary(dst.Data) {
				fp.Binary = true
				fp.Data = append([]byte(nil), dst.Data...)
			} else {
				fp.Delta = dmp.DiffToDelta(lineDiffs(dmp, fp.from, fp.to))
			}
			out.Files = append(out.Files, fp)
		}
	}
	return out
}

// Apply returns a new tree with p applied to a. It fails with PatchApplyFailed
// when a is not the tree the patch was computed from.
func Apply(a Tree, p Patch) (Tree, error) {
	dmp := diffmatchpatch.New()
	out := a.Clone()
	for _, fp := range p.Files {
		cur, exists := out[fp.Path]
		switch fp.Op {
		case OpAdd:
			if exists {
				return nil, appErr.Newf(appErr.PatchApplyFailed, "add %s: file exists", fp.Path)
			}
			out[fp.Path] = File{Data: append([]byte(nil), fp.Data...), Mode: normMode(fp.Mode)}
		case OpDelete:
			if !exists || contentHash(cur.Data) != fp.FromHash {
				return nil, appErr.Newf(appErr.PatchApplyFailed, "delete %s: source mismatch", fp.Path)
			}
			delete(out, fp.Path)
		case OpModify:
			if !exists || contentHash(cur.Data) != fp.FromHash {
				return nil, appErr.Newf(appErr.PatchApplyFailed, "modify %s: source mismatch", fp.Path)
			}
			if fp.Binary {
				out[fp.Path] = File{Data: append([]byte(nil), fp.Data...), Mode: normMode(fp.Mode)}
				continue
			}
			diffs, err := dmp.DiffFromDelta(string(cur.Data), fp.Delta)
			if err != nil {
				return nil, appErr.Wrapf(err, appErr.PatchApplyFailed, "modify %s", fp.Path)
			}
			out[fp.Path] = File{Data: []byte(dmp.DiffText2(diffs)), Mode: normMode(fp.Mode)}
		default:
			return nil, appErr.Newf(appErr.PatchApplyFailed, "unknown op %q for %s", fp.Op, fp.Path)
		}
	}
	return out, nil
}

// Render formats a patch produced by Diff as a git-style unified diff.
// Binary files are left out. Decoded patches carry no source text; use Unified.
func (p Patch) Render() string {
	dmp := diffmatchpatch.New()
	var b strings.Builder
	for _, fp := range p.Files {
		if fp.Binary {
			continue
		}
		ops := lineOps(lineDiffs(dmp, fp.from, fp.to))
		if len(ops) == 0 && fp.Op == OpModify {
			// mode-only change
			fmt.Fprintf(&b, "diff --git a/%s b/%s\nnew mode %o\n", fp.Path, fp.Path, fp.Mode)
			continue
		}
		fmt.Fprintf(&b, "diff --git a/%s b/%s\n", fp.Path, fp.Path)
		switch fp.Op {
		case OpAdd:
			fmt.Fprintf(&b, "new file mode 100%o\n--- /dev/null\n+++ b/%s\n", fp.Mode, fp.Path)
		case OpDelete:
			fmt.Fprintf(&b, "deleted file mode 100644\n--- a/%s\n+++ /dev/null\n", fp.Path)
		default:
			fmt.Fprintf(&b, "--- a/%s\n+++ b/%s\n", fp.Path, fp.Path)
		}
		writeHunks(&b, ops)
	}
	return b.String()
}

// Unified renders the diff from a to b.
func Unified(a, b Tree) string {
	return Diff(a, b).Render()
}

func lineDiffs(dmp *diffmatchpatch.DiffMatchPatch, a, b string) []diffmatchpatch.Diff {
	ra, rb, lines := dmp.DiffLinesToRunes(a, b)
	diffs := dmp.DiffMainRunes(ra, rb, false)
	return dmp.DiffCharsToLines(diffs, lines)
}

type lineOp struct {
	kind  byte
	text  string
	noEOL bool
}

func lineOps(diffs []diffmatchpatch.Diff) []lineOp {
	var ops []lineOp
	changed := false
	for _, d := range diffs {
		kind := byte(' ')
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			kind = '+'
			changed = true
		case diffmatchpatch.DiffDelete:
			kind = '-'
			changed = true
		}
		text := d.Text
		for len(text) > 0 {
			i := strings.IndexByte(text, '\n')
			if i < 0 {
				ops = append(ops, lineOp{kind: kind, text: text, noEOL: true})
				break
			}
			ops = append(ops, lineOp{kind: kind, text: text[:i]})
			text = text[i+1:]
		}
	}
	if !changed {
		return nil
	}
	return ops
}

func writeHunks(b *strings.Builder, ops []lineOp) {
	n := len(ops)
	oldBefore := make([]int, n+1)
	newBefore := make([]int, n+1)
	for i, op := range ops {
		oldBefore[i+1] = oldBefore[i]
		newBefore[i+1] = newBefore[i]
		if op.kind != '+' {
			oldBefore[i+1]++
		}
		if op.kind != '-' {
			newBefore[i+1]++
		}
	}

	i := 0
	for {
		for i < n && ops[i].kind == ' ' {
			i++
		}
		if i >= n {
			return
		}
		start := i - unifiedContext
		if start < 0 {
			start = 0
		}
		last := i
		for j := i; j < n; j++ {
			if ops[j].kind != ' ' {
				last = j
				continue
			}
			if j-last > 2*unifiedContext {
				break
			}
		}
		end := last + 1 + unifiedContext
		if end > n {
			end = n
		}

		oldCount := oldBefore[end] - oldBefore[start]
		newCount := newBefore[end] - newBefore[start]
		fmt.Fprintf(b, "@@ -%s +%s @@\n", hunkRange(oldBefore[start], oldCount), hunkRange(newBefore[start], newCount))
		for _, op := range ops[start:end] {
			b.WriteByte(op.kind)
			b.WriteString(op.text)
			b.WriteByte('\n')
			if op.noEOL {
				b.WriteString("\\ No newline at end of file\n")
			}
		}
		i = end
	}
}

func hunkRange(before, count int) string {
	start := before + 1
	if count == 0 {
		start = before
	}
	if count == 1 {
		return strconv.Itoa(start)
	}
	return strconv.Itoa(start) + "," + strconv.Itoa(count)
}

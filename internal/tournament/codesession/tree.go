// Package codesession keeps each player's versioned codebase: a mutable working
// tree plus an append-only chain of round checkpoints.
package codesession

import (
	"bytes"
	"encoding/hex"
	"path"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"codearena/internal/tournament/sandbox/tarball"

	"github.com/zeebo/blake3"
)

// File is one file of a tree.
type File struct {
	Data []byte `json:"data"`
	Mode int64  `json:"mode"`
}

// Tree is a snapshot of a codebase keyed by slash-separated relative path.
type Tree map[string]File

// Paths returns the sorted file paths.
func (t Tree) Paths() []string {
	out := make([]string, 0, len(t))
	for p := range t {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Hash is the content address of the tree: BLAKE3 over the sorted
// path, mode, length and content of every file.
func (t Tree) Hash() string {
	h := blake3.New()
	for _, p := range t.Paths() {
		f := t[p]
		_, _ = h.Write([]byte(p))
		_, _ = h.Write([]byte{0})
		_, _ = h.Write([]byte(strconv.FormatInt(normMode(f.Mode), 8)))
		_, _ = h.Write([]byte{0})
		_, _ = h.Write([]byte(strconv.Itoa(len(f.Data))))
		_, _ = h.Write([]byte{0})
		_, _ = h.Write(f.Data)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Clone returns a deep copy.
func (t Tree) Clone() Tree {
	out := make(Tree, len(t))
	for p, f := range t {
		out[p] = File{Data: append([]byte(nil), f.Data...), Mode: f.Mode}
	}
	return out
}

// Equal compares content and modes.
func (t Tree) Equal(o Tree) bool {
	if len(t) != len(o) {
		return false
	}
	for p, f := range t {
		g, ok := o[p]
		if !ok || normMode(f.Mode) != normMode(g.Mode) || !bytes.Equal(f.Data, g.Data) {
			return false
		}
	}
	return true
}

// Files converts the tree into tar entries.
func (t Tree) Files() []tarball.File {
	out := make([]tarball.File, 0, len(t))
	for _, p := range t.Paths() {
		out = append(out, tarball.File{Path: p, Data: t[p].Data, Mode: normMode(t[p].Mode)})
	}
	return out
}

// TreeFromFiles builds a tree from tar entries, dropping ignored paths.
func TreeFromFiles(files []tarball.File, ignore []string) Tree {
	t := make(Tree, len(files))
	for _, f := range files {
		if Ignored(f.Path, ignore) {
			continue
		}
		t[f.Path] = File{Data: f.Data, Mode: normMode(f.Mode)}
	}
	return t
}

// DefaultIgnore lists paths never tracked by a session.
var DefaultIgnore = []string{".git/", "__pycache__/", "*.pyc", ".DS_Store"}

// Ignored reports whether p matches an ignore pattern. Patterns ending in
// "/" match any directory segment; others match the base name.
func Ignored(p string, patterns []string) bool {
	segments := strings.Split(p, "/")
	base := segments[len(segments)-1]
	for _, pat := range patterns {
		if dir, ok := strings.CutSuffix(pat, "/"); ok {
			for _, seg := range segments[:len(segments)-1] {
				if seg == dir {
					return true
				}
			}
			continue
		}
		if ok, _ := path.Match(pat, base); ok {
			return true
		}
	}
	return false
}

// isBinary treats NUL bytes or invalid UTF-8 as binary content.
func isBinary(data []byte) bool {
	return bytes.IndexByte(data, 0) >= 0 || !utf8.Valid(data)
}

func normMode(m int64) int64 {
	if m&0o111 != 0 {
		return 0o755
	}
	return 0o644
}

func contentHash(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// LoadDir reads a host directory into a tree.
func LoadDir(dir string, ignore []string) (Tree, error) {
	raw, err := tarball.PackDir(dir, []string{"."}, func(rel string, isDir bool) bool {
		if isDir {
			return Ignored(rel+"/x", ignore)
		}
		return Ignored(rel, ignore)
	})
	if err != nil {
		return nil, err
	}
	files, err := tarball.Unpack(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	return TreeFromFiles(files, ignore), nil
}

// TextFiles returns the content of the non-binary files among paths.
// Missing paths are skipped.
func (t Tree) TextFiles(paths []string) map[string]string {
	out := make(map[string]string, len(paths))
	for _, p := range paths {
		if f, ok := t[p]; ok && !isBinary(f.Data) {
			out[p] = string(f.Data)
		}
	}
	return out
}

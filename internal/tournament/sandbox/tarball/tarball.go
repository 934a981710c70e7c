// Package tarball packs and unpacks the tar streams exchanged with sandboxes.
package tarball

import (
	"archive/tar"
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// File is one regular file carried in a tar stream.
type File struct {
	Path string
	Data []byte
	Mode int64
}

// Pack writes files into a tar stream. Paths are slash-separated and relative.
func Pack(files []File) ([]byte, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	sorted := make([]File, len(files))
	copy(sorted, files)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })
	for _, f := range sorted {
		name, err := Clean(f.Path)
		if err != nil {
			return nil, err
		}
		mode := f.Mode
		if mode == 0 {
			mode = 0o644
		}
		hdr := &tar.Header{
			Name:     name,
			Mode:     mode,
			Size:     int64(len(f.Data)),
			Typeflag: tar.TypeReg,
			ModTime:  time.Unix(0, 0),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, fmt.Errorf("write tar header %s: %w", name, err)
		}
		if _, err := tw.Write(f.Data); err != nil {
			return nil, fmt.Errorf("write tar body %s: %w", name, err)
		}
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close tar: %w", err)
	}
	return buf.Bytes(), nil
}

// PackDir tars the given paths below root. Entry names are relative to root.
// skip, when set, prunes files and directories by relative path.
func PackDir(root string, paths []string, skip func(rel string, dir bool) bool) ([]byte, error) {
	var files []File
	for _, p := range paths {
		start := filepath.Join(root, filepath.FromSlash(p))
		err := filepath.WalkDir(start, func(full string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			rel, err := filepath.Rel(root, full)
			if err != nil {
				return err
			}
			rel = filepath.ToSlash(rel)
			if rel != "." && skip != nil && skip(rel, d.IsDir()) {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if !d.Type().IsRegular() {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return err
			}
			data, err := os.ReadFile(full)
			if err != nil {
				return err
			}
			files = append(files, File{Path: rel, Data: data, Mode: int64(info.Mode().Perm())})
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walk %s: %w", p, err)
		}
	}
	return Pack(files)
}

// Unpack reads every regular file from a tar stream.
func Unpack(r io.Reader) ([]File, error) {
	tr := tar.NewReader(r)
	var files []File
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return files, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read tar: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		name, err := Clean(hdr.Name)
		if err != nil {
			return nil, err
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, fmt.Errorf("read tar body %s: %w", name, err)
		}
		files = append(files, File{Path: name, Data: data, Mode: hdr.Mode & 0o777})
	}
}

// Extract writes the regular files of a tar stream below dst.
func Extract(dst string, r io.Reader) error {
	files, err := Unpack(r)
	if err != nil {
		return err
	}
	for _, f := range files {
		target := filepath.Join(dst, filepath.FromSlash(f.Path))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("mkdir for %s: %w", f.Path, err)
		}
		mode := fs.FileMode(f.Mode)
		if mode == 0 {
			mode = 0o644
		}
		if err := os.WriteFile(target, f.Data, mode); err != nil {
			return fmt.Errorf("write %s: %w", f.Path, err)
		}
		if err := os.Chmod(target, mode); err != nil {
			return fmt.Errorf("chmod %s: %w", f.Path, err)
		}
	}
	return nil
}

// Clean normalizes a relative slash path and rejects escapes.
func Clean(p string) (string, error) {
	p = strings.TrimPrefix(filepath.ToSlash(p), "./")
	cleaned := path.Clean(p)
	if cleaned == "." || cleaned == "" {
		return "", fmt.Errorf("empty path")
	}
	if path.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("path %q escapes the sandbox directory", p)
	}
	return cleaned, nil
}

package engine

import (
	"io"
	"path"
	"sort"
	"strings"

	"codearena/internal/tournament/sandbox/spec"
)

// limitedWriter drops bytes past its budget but reports them as written
// so the child never blocks on a full pipe.
type limitedWriter struct {
	w         io.Writer
	remaining int64
	truncated bool
}

func (l *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	if l.remaining <= 0 {
		l.truncated = true
		return n, nil
	}
	if int64(len(p)) > l.remaining {
		p = p[:l.remaining]
		l.truncated = true
	}
	written, err := l.w.Write(p)
	l.remaining -= int64(written)
	if err != nil {
		return written, err
	}
	return n, nil
}

// sandboxEnv is the environment every command sees, before spec and request overrides.
func sandboxEnv(workDir, logDir, outDir string) map[string]string {
	return map[string]string{
		"HOME":          workDir,
		"ARENA_WORKDIR": workDir,
		"ARENA_LOG_DIR": logDir,
		"ARENA_OUT_DIR": outDir,
		"LANG":          "C.UTF-8",
		"TERM":          "dumb",
	}
}

func mergeEnv(layers ...map[string]string) []string {
	merged := make(map[string]string)
	for _, layer := range layers {
		for k, v := range layer {
			merged[k] = v
		}
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+merged[k])
	}
	return out
}

// containerPath joins a relative path onto the in-sandbox working directory.
func containerPath(s spec.Spec, rel string) string {
	if rel == "" || rel == "." {
		return s.WorkDir
	}
	if strings.HasPrefix(rel, "/") {
		return path.Clean(rel)
	}
	return path.Join(s.WorkDir, rel)
}

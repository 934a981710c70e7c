// Package ledger persists tournament results in an append-only run directory.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"syscall"
	"time"

	"codearena/internal/tournament/model"
	appErr "codearena/pkg/errors"
	"codearena/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	manifestFile = "manifest.json"
	logFile      = "tournament.log"
	roundsDir    = "rounds"
)

// SimLog is the raw log of one simulation.
type SimLog struct {
	Index int
	Log   string
}

// Changes is the changes.json record of one player in one round.
type Changes struct {
	Round           int               `json:"round_num"`
	FullDiff        string            `json:"full_diff"`
	IncrementalDiff string            `json:"incremental_diff"`
	ModifiedFiles   map[string]string `json:"modified_files"`
}

// PlayerArtifacts are the per-player files of one round.
type PlayerArtifacts struct {
	Player   string
	AgentLog string
	Changes  Changes
}

// RoundRecord is everything written for one finished round.
type RoundRecord struct {
	Round   model.Round
	Errors  []model.ErrorRecord
	Sims    []SimLog
	Players []PlayerArtifacts
}

// Ledger is the run directory <outputDir>/<tournamentID>. Round directories
// are sealed once written; manifest.json is the only file ever rewritten.
type Ledger struct {
	dir    string
	mirror *Mirror

	mu       sync.Mutex
	manifest model.Manifest
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithMirror uploads sealed rounds and the manifest to object storage.
func WithMirror(m *Mirror) Option {
	return func(l *Ledger) { l.mirror = m }
}

// Open creates the run directory and writes the initial manifest.
func Open(ctx context.Context, outputDir string, manifest model.Manifest, opts ...Option) (*Ledger, error) {
	if manifest.TournamentID == "" {
		return nil, appErr.ValidationError("tournament_id", "required")
	}
	dir := filepath.Join(outputDir, manifest.TournamentID)
	if _, err := os.Stat(filepath.Join(dir, manifestFile)); err == nil {
		return nil, appErr.Newf(appErr.LedgerWriteFailed, "run directory %s already exists", dir)
	}
	if err := os.MkdirAll(filepath.Join(dir, roundsDir), 0o755); err != nil {
		return nil, appErr.Wrapf(err, appErr.LedgerWriteFailed, "create run directory")
	}
	l := &Ledger{dir: dir, manifest: manifest}
	for _, opt := range opts {
		opt(l)
	}
	if l.manifest.Scores == nil {
		l.manifest.Scores = map[string]float64{}
	}
	if err := l.writeManifestLocked(ctx, l.manifest); err != nil {
		return nil, err
	}
	return l, nil
}

// Dir is the run directory.
func (l *Ledger) Dir() string { return l.dir }

// LogPath is where the run log is written.
func (l *Ledger) LogPath() string { return filepath.Join(l.dir, logFile) }

// RoundDir is the sealed directory of round k.
func (l *Ledger) RoundDir(k int) string {
	return filepath.Join(l.dir, roundsDir, strconv.Itoa(k))
}

// Manifest returns a copy of the current manifest.
func (l *Ledger) Manifest() model.Manifest {
	l.mu.Lock()
	defer l.mu.Unlock()
	return cloneManifest(l.manifest)
}

// UpdateManifest applies fn to a copy of the manifest and rewrites it
// atomically. The in-memory manifest changes only once the write succeeded.
func (l *Ledger) UpdateManifest(ctx context.Context, fn func(*model.Manifest)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	next := cloneManifest(l.manifest)
	fn(&next)
	next.UpdatedAt = time.Now()
	if err := l.writeManifestLocked(ctx, next); err != nil {
		return err
	}
	l.manifest = next
	return nil
}

// CommitRound writes and seals the directory of a finished round. The files
// are staged in rounds/.<k>.tmp and renamed into place, so a round directory
// is either complete or absent. Committing a sealed round fails with
// LedgerRoundSealed; a failed commit may be retried with the same record.
func (l *Ledger) CommitRound(ctx context.Context, rec RoundRecord) error {
	if !rec.Round.Status.Terminal() {
		return appErr.Newf(appErr.InvalidParams, "round %d is %s", rec.Round.Index, rec.Round.Status)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	k := rec.Round.Index
	final := l.RoundDir(k)
	if _, err := os.Stat(final); err == nil {
		return appErr.Newf(appErr.LedgerRoundSealed, "round %d is already sealed", k)
	}
	stage := filepath.Join(l.dir, roundsDir, "."+strconv.Itoa(k)+".tmp")
	if err := os.RemoveAll(stage); err != nil {
		return appErr.Wrapf(err, appErr.LedgerWriteFailed, "clear staging for round %d", k)
	}
	if err := writeRound(stage, rec); err != nil {
		_ = os.RemoveAll(stage)
		return appErr.Wrapf(err, appErr.LedgerWriteFailed, "write round %d", k)
	}
	if err := os.Rename(stage, final); err != nil {
		_ = os.RemoveAll(stage)
		if errors.Is(err, os.ErrExist) || errors.Is(err, syscall.ENOTEMPTY) {
			return appErr.Newf(appErr.LedgerRoundSealed, "round %d is already sealed", k)
		}
		return appErr.Wrapf(err, appErr.LedgerWriteFailed, "seal round %d", k)
	}
	logger.Info(ctx, "round sealed", zap.Int("round", k), zap.String("status", string(rec.Round.Status)), zap.String("dir", final))

	if l.mirror != nil {
		if err := l.mirror.PutRound(ctx, l.manifest.TournamentID, k, final); err != nil {
			logger.Warn(ctx, "mirror round failed", zap.Int("round", k), zap.Error(err))
		}
	}
	return nil
}

func writeRound(dir string, rec RoundRecord) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := writeJSONExcl(filepath.Join(dir, "result.json"), rec.Round); err != nil {
		return err
	}

	var lines []byte
	for _, e := range rec.Errors {
		b, err := json.Marshal(e)
		if err != nil {
			return err
		}
		lines = append(append(lines, b...), '\n')
	}
	if err := writeExcl(filepath.Join(dir, "errors.jsonl"), lines); err != nil {
		return err
	}

	if len(rec.Sims) > 0 {
		simDir := filepath.Join(dir, "sims")
		if err := os.MkdirAll(simDir, 0o755); err != nil {
			return err
		}
		for _, s := range rec.Sims {
			if err := writeExcl(filepath.Join(simDir, fmt.Sprintf("sim_%d.log", s.Index)), []byte(s.Log)); err != nil {
				return err
			}
		}
	}

	players := append([]PlayerArtifacts(nil), rec.Players...)
	sort.Slice(players, func(i, j int) bool { return players[i].Player < players[j].Player })
	for _, p := range players {
		pdir := filepath.Join(dir, "players", p.Player)
		if err := os.MkdirAll(pdir, 0o755); err != nil {
			return err
		}
		files := []struct {
			name string
			data string
		}{
			{"full.diff", p.Changes.FullDiff},
			{"incremental.diff", p.Changes.IncrementalDiff},
			{"agent.log", p.AgentLog},
		}
		for _, f := range files {
			if err := writeExcl(filepath.Join(pdir, f.name), []byte(f.data)); err != nil {
				return err
			}
		}
		changes := p.Changes
		if changes.ModifiedFiles == nil {
			changes.ModifiedFiles = map[string]string{}
		}
		if err := writeJSONExcl(filepath.Join(pdir, "changes.json"), changes); err != nil {
			return err
		}
	}
	return nil
}

func (l *Ledger) writeManifestLocked(ctx context.Context, manifest model.Manifest) error {
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return appErr.Wrapf(err, appErr.LedgerWriteFailed, "encode manifest")
	}
	path := filepath.Join(l.dir, manifestFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return appErr.Wrapf(err, appErr.LedgerWriteFailed, "write manifest")
	}
	if err := os.Rename(tmp, path); err != nil {
		return appErr.Wrapf(err, appErr.LedgerWriteFailed, "replace manifest")
	}
	if l.mirror != nil {
		if err := l.mirror.PutManifest(ctx, manifest.TournamentID, data); err != nil {
			logger.Warn(ctx, "mirror manifest failed", zap.Error(err))
		}
	}
	return nil
}

func writeExcl(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func writeJSONExcl(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return writeExcl(path, data)
}

// ReadManifest loads the manifest of a run directory.
func ReadManifest(dir string) (model.Manifest, error) {
	var m model.Manifest
	data, err := os.ReadFile(filepath.Join(dir, manifestFile))
	if err != nil {
		return m, err
	}
	err = json.Unmarshal(data, &m)
	return m, err
}

func cloneManifest(m model.Manifest) model.Manifest {
	out := m
	out.Players = append([]model.Player(nil), m.Players...)
	out.Rounds = append([]model.RoundSummary(nil), m.Rounds...)
	out.Scores = make(map[string]float64, len(m.Scores))
	for k, v := range m.Scores {
		out.Scores[k] = v
	}
	if m.Abort != nil {
		a := *m.Abort
		out.Abort = &a
	}
	return out
}

//go:build linux

package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"codearena/internal/tournament/ledger"
	"codearena/internal/tournament/model"
	appErr "codearena/pkg/errors"
)

// The game reads each player's strength file and declares the strongest
// player the winner.
const localConfig = `
tournament:
  id: local-run
  rounds: 3
  editTimeout: 30s
players:
  - name: alice
    seed: seeds/alice
    agent:
      command: sh -c 'echo $(( $(cat strength) + 2 )) > strength'
  - name: bob
    seed: seeds/bob
    agent:
      command: sh -c 'echo $(( $(cat strength) + 1 )) > strength; test -f "$ARENA_LOG_DIR/opponents/alice.diff" || test "$ARENA_ROUND" = 1'
arena:
  simsPerRound: 3
  parallelism: 2
  submission: strength
  validateCommand: sh -c 'grep -Eq "^[0-9]+$" strength'
  simCommand: |-
    sh -c 'best=; top=-1; for p in "$@"; do s=$(cat "$p/strength"); if [ "$s" -gt "$top" ]; then top=$s; best=$p; fi; done; echo "{\"winner\": \"$best\"}"' game {players}
sandbox:
  workRoot: WORKROOT
engine:
  kind: local
ledger:
  outputDir: OUTDIR
logger:
  level: warn
`

func localRunConfig(t *testing.T, edit func(string) string) (string, string) {
	t.Helper()
	out := t.TempDir()
	body := strings.NewReplacer("WORKROOT", t.TempDir(), "OUTDIR", out).Replace(localConfig)
	if edit != nil {
		body = edit(body)
	}
	return writeConfig(t, body), out
}

func TestRunLocalTournament(t *testing.T) {
	path, out := localRunConfig(t, func(s string) string {
		return strings.Replace(s, "rounds: 3", "rounds: 3\n  transparent: true", 1)
	})
	cmd := newRootCmd()
	cmd.SetArgs([]string{"run", "--config", path})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("run: %v", err)
	}

	m, err := ledger.ReadManifest(filepath.Join(out, "local-run"))
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	if m.Status != model.TournamentCompleted || m.RoundsCompleted != 3 {
		t.Fatalf("unexpected manifest: %+v", m)
	}
	if m.Scores["alice"] != 9 || m.Scores["bob"] != 0 {
		t.Fatalf("unexpected scores: %v", m.Scores)
	}
	for _, r := range m.Rounds {
		if r.Winner != "alice" || r.Checkpoints["alice"] == "" {
			t.Fatalf("unexpected round summary: %+v", r)
		}
	}

	diff, err := os.ReadFile(filepath.Join(out, "local-run", "rounds", "3", "players", "alice", "full.diff"))
	if err != nil {
		t.Fatalf("read diff: %v", err)
	}
	if !strings.Contains(string(diff), "+7") {
		t.Fatalf("round 3 diff should raise alice to 7:\n%s", diff)
	}
}

func TestRunLocalTournamentAbortsOnBrokenArena(t *testing.T) {
	path, out := localRunConfig(t, func(s string) string {
		i := strings.Index(s, "  simCommand:")
		j := strings.Index(s, "sandbox:")
		return s[:i] + "  simCommand: no-such-game-binary {players}\n" + s[j:]
	})
	cmd := newRootCmd()
	cmd.SetArgs([]string{"run", "--config", path})
	err := cmd.Execute()
	if !appErr.Is(err, appErr.TournamentAborted) {
		t.Fatalf("expected abort, got %v", err)
	}
	if appErr.GetCode(err).ExitCode() != 3 {
		t.Fatalf("unexpected exit code %d", appErr.GetCode(err).ExitCode())
	}
	m, err := ledger.ReadManifest(filepath.Join(out, "local-run"))
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	if m.Status != model.TournamentAborted || m.Abort == nil || m.Abort.Round != 1 {
		t.Fatalf("unexpected manifest: %+v", m)
	}
	if _, err := os.Stat(filepath.Join(out, "local-run", "rounds", "1", "errors.jsonl")); err != nil {
		t.Fatalf("failed round must be recorded: %v", err)
	}
}

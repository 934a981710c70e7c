package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

const opponentsDir = "opponents"

// SummaryFile is the name of the summary of round k in a sandbox log dir.
func SummaryFile(round int) string {
	return fmt.Sprintf("round_%d.txt", round)
}

// Prepare exposes the edit context to the sandbox through its host log
// directory: opponents/<name>.diff for every opponent diff and
// round_<k-1>.txt for the previous round summary. The files are read-only
// and replace those of earlier rounds.
func Prepare(logDir string, ec EditContext) error {
	dir := filepath.Join(logDir, opponentsDir)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("clear opponent diffs: %w", err)
	}
	if len(ec.OpponentDiffs) > 0 {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create opponent diff dir: %w", err)
		}
		names := make([]string, 0, len(ec.OpponentDiffs))
		for n := range ec.OpponentDiffs {
			names = append(names, n)
		}
		sort.Strings(names)
		for _, n := range names {
			if err := writeReadOnly(filepath.Join(dir, n+".diff"), ec.OpponentDiffs[n]); err != nil {
				return err
			}
		}
	}
	if ec.LastResult != "" && ec.Round > 1 {
		if err := writeReadOnly(filepath.Join(logDir, SummaryFile(ec.Round-1)), ec.LastResult); err != nil {
			return err
		}
	}
	return nil
}

func writeReadOnly(path, content string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("replace %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, []byte(content), 0o444); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}

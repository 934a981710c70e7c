package codesession

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	appErr "codearena/pkg/errors"
)

// Store is the append-only checkpoint store keyed by (player, round).
type Store interface {
	// Append records cp whose content is tree. cp.Round must directly follow
	// the player's latest checkpoint, or be 0 for an empty chain.
	Append(ctx context.Context, cp Checkpoint, tree Tree) error
	Latest(ctx context.Context, player string) (Checkpoint, error)
	Get(ctx context.Context, player string, round int) (Checkpoint, error)
	Chain(ctx context.Context, player string) ([]Checkpoint, error)
	Tree(ctx context.Context, hash string) (Tree, error)
}

// FileStore keeps trees as content-addressed objects and one record per
// checkpoint. Files are never rewritten once in place.
//
//	<root>/objects/<hash>.json
//	<root>/players/<player>/<round>.json
type FileStore struct {
	root string

	mu     sync.RWMutex
	chains map[string][]Checkpoint
}

// NewFileStore opens or creates a store under root and loads existing chains.
func NewFileStore(root string) (*FileStore, error) {
	for _, d := range []string{filepath.Join(root, "objects"), filepath.Join(root, "players")} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("create checkpoint store: %w", err)
		}
	}
	s := &FileStore{root: root, chains: make(map[string][]Checkpoint)}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) load() error {
	players, err := os.ReadDir(filepath.Join(s.root, "players"))
	if err != nil {
		return fmt.Errorf("read checkpoint store: %w", err)
	}
	for _, p := range players {
		if !p.IsDir() {
			continue
		}
		dir := filepath.Join(s.root, "players", p.Name())
		entries, err := os.ReadDir(dir)
		if err != nil {
			return fmt.Errorf("read player chain: %w", err)
		}
		var chain []Checkpoint
		for _, e := range entries {
			if !strings.HasSuffix(e.Name(), ".json") {
				continue
			}
			var cp Checkpoint
			if err := readJSON(filepath.Join(dir, e.Name()), &cp); err != nil {
				return appErr.Wrapf(err, appErr.CheckpointCorrupt, "load checkpoint %s/%s", p.Name(), e.Name())
			}
			chain = append(chain, cp)
		}
		sort.Slice(chain, func(i, j int) bool { return chain[i].Round < chain[j].Round })
		for i, cp := range chain {
			if cp.Round != i {
				return appErr.Newf(appErr.CheckpointCorrupt, "chain for %s has a gap at round %d", p.Name(), i)
			}
		}
		if len(chain) > 0 {
			s.chains[chain[0].Player] = chain
		}
	}
	return nil
}

func (s *FileStore) Append(ctx context.Context, cp Checkpoint, tree Tree) error {
	if cp.Player == "" {
		return appErr.ValidationError("player", "is required")
	}
	if tree.Hash() != cp.Hash {
		return appErr.Newf(appErr.CheckpointCorrupt, "checkpoint %s/%d hash does not match its tree", cp.Player, cp.Round)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	chain := s.chains[cp.Player]
	next := len(chain)
	if cp.Round != next {
		return appErr.Newf(appErr.CheckpointConflict, "checkpoint %s/%d does not follow round %d", cp.Player, cp.Round, next-1)
	}

	if err := s.writeObject(cp.Hash, tree); err != nil {
		return appErr.Wrapf(err, appErr.LedgerWriteFailed, "write tree object %s", cp.Hash)
	}
	dir := filepath.Join(s.root, "players", cp.Player)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return appErr.Wrapf(err, appErr.LedgerWriteFailed, "create player dir")
	}
	if err := writeJSONOnce(filepath.Join(dir, roundFile(cp.Round)), cp); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return appErr.Newf(appErr.CheckpointConflict, "checkpoint %s/%d already exists", cp.Player, cp.Round)
		}
		return appErr.Wrapf(err, appErr.LedgerWriteFailed, "write checkpoint %s/%d", cp.Player, cp.Round)
	}
	s.chains[cp.Player] = append(chain, cp)
	return nil
}

func (s *FileStore) Latest(ctx context.Context, player string) (Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chain := s.chains[player]
	if len(chain) == 0 {
		return Checkpoint{}, appErr.Newf(appErr.CheckpointNotFound, "no checkpoints for %s", player)
	}
	return chain[len(chain)-1], nil
}

func (s *FileStore) Get(ctx context.Context, player string, round int) (Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chain := s.chains[player]
	if round < 0 || round >= len(chain) {
		return Checkpoint{}, appErr.Newf(appErr.CheckpointNotFound, "no checkpoint for %s at round %d", player, round)
	}
	return chain[round], nil
}

func (s *FileStore) Chain(ctx context.Context, player string) ([]Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chain := s.chains[player]
	out := make([]Checkpoint, len(chain))
	copy(out, chain)
	return out, nil
}

func (s *FileStore) Tree(ctx context.Context, hash string) (Tree, error) {
	var t Tree
	if err := readJSON(s.objectPath(hash), &t); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, appErr.Newf(appErr.CheckpointNotFound, "tree %s not found", hash)
		}
		return nil, appErr.Wrapf(err, appErr.CheckpointCorrupt, "read tree %s", hash)
	}
	if t == nil {
		t = Tree{}
	}
	if got := t.Hash(); got != hash {
		return nil, appErr.Newf(appErr.CheckpointCorrupt, "tree %s hashes to %s", hash, got)
	}
	return t, nil
}

func (s *FileStore) objectPath(hash string) string {
	return filepath.Join(s.root, "objects", hash+".json")
}

func (s *FileStore) writeObject(hash string, tree Tree) error {
	err := writeJSONOnce(s.objectPath(hash), tree)
	if errors.Is(err, fs.ErrExist) {
		return nil
	}
	return err
}

func roundFile(round int) string {
	return fmt.Sprintf("%06d.json", round)
}

// writeJSONOnce writes v to a temp file and links it into place, failing with
// fs.ErrExist when the target is already present.
func writeJSONOnce(path string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Link(tmpName, path)
}

func readJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

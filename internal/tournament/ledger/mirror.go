package ledger

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"codearena/internal/common/storage"
	"codearena/internal/tournament/sandbox/tarball"

	"github.com/klauspost/compress/zstd"
)

// Mirror uploads ledger artifacts to object storage as
// <bucket>/<tournamentID>/rounds/<k>.tar.zst and <tournamentID>/manifest.json.
type Mirror struct {
	storage storage.ObjectStorage
	bucket  string
	timeout time.Duration
}

// NewMirror creates a mirror. timeout bounds every upload.
func NewMirror(store storage.ObjectStorage, bucket string, timeout time.Duration) *Mirror {
	return &Mirror{storage: store, bucket: bucket, timeout: timeout}
}

// PutRound archives a sealed round directory and uploads it.
func (m *Mirror) PutRound(ctx context.Context, tournamentID string, round int, dir string) error {
	archive, err := Archive(dir)
	if err != nil {
		return err
	}
	key := fmt.Sprintf("%s/rounds/%d.tar.zst", tournamentID, round)
	return m.put(ctx, key, archive, "application/zstd")
}

// PutManifest uploads the manifest.
func (m *Mirror) PutManifest(ctx context.Context, tournamentID string, data []byte) error {
	return m.put(ctx, tournamentID+"/"+manifestFile, data, "application/json")
}

func (m *Mirror) put(ctx context.Context, key string, data []byte, contentType string) error {
	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}
	return m.storage.PutObject(ctx, m.bucket, key, bytes.NewReader(data), int64(len(data)), contentType)
}

// Archive packs a directory as a zstd-compressed tar.
func Archive(dir string) ([]byte, error) {
	raw, err := tarball.PackDir(dir, []string{"."}, nil)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf)
	if err != nil {
		return nil, fmt.Errorf("create zstd writer: %w", err)
	}
	if _, err := enc.Write(raw); err != nil {
		_ = enc.Close()
		return nil, fmt.Errorf("compress archive: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("compress archive: %w", err)
	}
	return buf.Bytes(), nil
}

// Unarchive reverses Archive.
func Unarchive(data []byte) ([]tarball.File, error) {
	dec, err := zstd.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create zstd reader: %w", err)
	}
	defer dec.Close()
	return tarball.Unpack(dec)
}

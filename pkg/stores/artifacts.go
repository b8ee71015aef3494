package stores

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/patina/patina/pkg/engine"
)

// artifactScheme prefixes every artifact URI.
const artifactScheme = "artifact://sha256/"

// PutArtifact stores a payload content-addressed and records it in the
// artifact index. Storing the same bytes twice is idempotent.
func (s *Store) PutArtifact(ctx context.Context, contentType string, body []byte) (engine.ArtifactHandle, error) {
	sum := sha256.Sum256(body)
	hash := hex.EncodeToString(sum[:])
	handle := engine.ArtifactHandle{
		URI:         artifactScheme + hash,
		ContentType: contentType,
		Size:        int64(len(body)),
	}

	dir := filepath.Join(s.artifactDir, hash[:2])
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return handle, fmt.Errorf("create artifact dir: %w", err)
	}
	path := filepath.Join(dir, hash)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		tmp := path + ".tmp"
		if err := os.WriteFile(tmp, body, 0o640); err != nil {
			return handle, fmt.Errorf("write artifact: %w", err)
		}
		if err := os.Rename(tmp, path); err != nil {
			return handle, fmt.Errorf("commit artifact: %w", err)
		}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO artifacts (hash, content_type, size, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(hash) DO NOTHING`,
		hash, contentType, len(body), time.Now().UTC())
	if err != nil {
		return handle, fmt.Errorf("index artifact: %w", err)
	}
	return handle, nil
}

// GetArtifact reads the body behind a handle URI.
func (s *Store) GetArtifact(ctx context.Context, uri string) ([]byte, error) {
	hash, ok := strings.CutPrefix(uri, artifactScheme)
	if !ok || len(hash) != 64 {
		return nil, fmt.Errorf("invalid artifact uri %q", uri)
	}
	path := filepath.Join(s.artifactDir, hash[:2], hash)
	body, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read artifact: %w", err)
	}
	sum := sha256.Sum256(body)
	if hex.EncodeToString(sum[:]) != hash {
		return nil, fmt.Errorf("artifact %s failed content verification", hash)
	}
	return body, nil
}

// StatArtifact returns an indexed artifact's handle, or ErrNotFound.
func (s *Store) StatArtifact(ctx context.Context, uri string) (engine.ArtifactHandle, error) {
	hash, ok := strings.CutPrefix(uri, artifactScheme)
	if !ok || len(hash) != 64 {
		return engine.ArtifactHandle{}, fmt.Errorf("invalid artifact uri %q", uri)
	}
	var (
		contentType string
		size        int64
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT content_type, size FROM artifacts WHERE hash = ?", hash).
		Scan(&contentType, &size)
	if err != nil {
		return engine.ArtifactHandle{}, ErrNotFound
	}
	return engine.ArtifactHandle{URI: uri, ContentType: contentType, Size: size}, nil
}

package source

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/animus-labs/dbschedule/internal/domain"
	"github.com/animus-labs/dbschedule/internal/runtimeexec"
)

// LocalProvider serves a working tree from disk. The commit id is a digest of
// the tree contents unless a revision is pinned.
type LocalProvider struct {
	dir string
	now func() time.Time

	mu     sync.Mutex
	pinned map[string]struct{}
}

func NewLocalProvider(dir string) (*LocalProvider, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("source dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("source dir %s is not a directory", dir)
	}
	return &LocalProvider{dir: dir, now: time.Now, pinned: make(map[string]struct{})}, nil
}

func (p *LocalProvider) Resolve(ctx context.Context, repo domain.Repository, revision string) (domain.SourceSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return domain.SourceSnapshot{}, err
	}
	commit := revision
	if commit != "" {
		p.mu.Lock()
		p.pinned[commit] = struct{}{}
		p.mu.Unlock()
	} else {
		digest, err := treeDigest(p.dir)
		if err != nil {
			return domain.SourceSnapshot{}, err
		}
		commit = digest
	}
	return domain.SourceSnapshot{Repository: repo, CommitID: commit, Timestamp: p.now().UTC()}, nil
}

func (p *LocalProvider) Fetch(ctx context.Context, snapshot domain.SourceSnapshot, dest string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	_, pinned := p.pinned[snapshot.CommitID]
	p.mu.Unlock()
	if !pinned {
		digest, err := treeDigest(p.dir)
		if err != nil {
			return err
		}
		if digest != snapshot.CommitID {
			return errors.New("source tree changed since the snapshot was resolved")
		}
	}
	return runtimeexec.CopyTree(p.dir, dest)
}

func treeDigest(dir string) (string, error) {
	h := sha256.New()
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() && d.Name() == ".git" {
			return filepath.SkipDir
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		_, _ = io.WriteString(h, filepath.ToSlash(rel)+"\x00")
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(h, f)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("digest source tree: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

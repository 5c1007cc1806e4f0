package source

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/animus-labs/dbschedule/internal/domain"
	"github.com/google/go-github/github"
	"github.com/klauspost/compress/gzip"
	"golang.org/x/oauth2"
)

// GitHubProvider reads snapshots from GitHub using a personal access token.
type GitHubProvider struct {
	gh  *github.Client
	now func() time.Time
}

func NewGitHubProvider(token string) (*GitHubProvider, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("github token is required")
	}
	httpClient := oauth2.NewClient(context.Background(), oauth2.StaticTokenSource(
		&oauth2.Token{AccessToken: token},
	))
	return &GitHubProvider{gh: github.NewClient(httpClient), now: time.Now}, nil
}

// WithBaseURL points the provider at a GitHub Enterprise or test endpoint.
func (p *GitHubProvider) WithBaseURL(raw string) error {
	if !strings.HasSuffix(raw, "/") {
		raw += "/"
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse github base url: %w", err)
	}
	p.gh.BaseURL = u
	return nil
}

func (p *GitHubProvider) Resolve(ctx context.Context, repo domain.Repository, revision string) (domain.SourceSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return domain.SourceSnapshot{}, err
	}
	sha := strings.TrimSpace(revision)
	if sha == "" {
		branch, _, err := p.gh.Repositories.GetBranch(repo.Owner, repo.Repo, repo.Branch)
		if err != nil {
			return domain.SourceSnapshot{}, fmt.Errorf("get branch %s: %w", repo, err)
		}
		if branch.Commit == nil || branch.Commit.SHA == nil {
			return domain.SourceSnapshot{}, fmt.Errorf("branch %s has no head commit", repo)
		}
		sha = *branch.Commit.SHA
	}

	snapshot := domain.SourceSnapshot{Repository: repo, CommitID: sha, Timestamp: p.now().UTC()}
	commit, _, err := p.gh.Repositories.GetCommit(repo.Owner, repo.Repo, sha)
	if err != nil {
		return domain.SourceSnapshot{}, fmt.Errorf("get commit %s: %w", sha, err)
	}
	if commit.SHA != nil && *commit.SHA != "" {
		snapshot.CommitID = *commit.SHA
	}
	if commit.Commit != nil && commit.Commit.Committer != nil && commit.Commit.Committer.Date != nil {
		snapshot.Timestamp = commit.Commit.Committer.Date.UTC()
	}
	return snapshot, nil
}

func (p *GitHubProvider) Fetch(ctx context.Context, snapshot domain.SourceSnapshot, dest string) error {
	repo := snapshot.Repository
	req, err := p.gh.NewRequest(http.MethodGet, fmt.Sprintf("repos/%s/%s/tarball/%s", repo.Owner, repo.Repo, snapshot.CommitID), nil)
	if err != nil {
		return err
	}
	var archive bytes.Buffer
	if _, err := p.gh.Do(req.WithContext(ctx), &archive); err != nil {
		return fmt.Errorf("download %s@%s: %w", repo.Owner+"/"+repo.Repo, snapshot.ShortCommit(), err)
	}
	return ExtractTarball(&archive, dest)
}

// ExtractTarball unpacks a gzipped repository tarball into dest, dropping the
// single top-level directory GitHub wraps the tree in.
func ExtractTarball(r io.Reader, dest string) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("open gzip: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar: %w", err)
		}
		rel := stripTopLevel(hdr.Name)
		if rel == "" {
			continue
		}
		target := filepath.Join(dest, filepath.FromSlash(rel))
		if !strings.HasPrefix(target, filepath.Clean(dest)+string(os.PathSeparator)) {
			return fmt.Errorf("tar entry %q escapes destination", hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode).Perm()|0o600)
			if err != nil {
				return err
			}
			if _, err := io.Copy(f, tr); err != nil {
				_ = f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if path.IsAbs(hdr.Linkname) || strings.HasPrefix(path.Clean(path.Join(path.Dir(rel), hdr.Linkname)), "../") {
				return fmt.Errorf("symlink %q escapes destination", hdr.Name)
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return err
			}
		}
	}
}

func stripTopLevel(name string) string {
	name = strings.TrimPrefix(path.Clean("/"+name), "/")
	if i := strings.IndexByte(name, '/'); i >= 0 {
		return name[i+1:]
	}
	return ""
}

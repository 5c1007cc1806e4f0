package domain

import (
	"errors"
	"strings"
	"time"
)

// Repository identifies the source a pipeline tracks.
type Repository struct {
	Owner  string `json:"owner" yaml:"owner"`
	Repo   string `json:"repo" yaml:"repo"`
	Branch string `json:"branch" yaml:"branch"`
}

func (r Repository) String() string {
	return r.Owner + "/" + r.Repo + "@" + r.Branch
}

// SourceSnapshot is an immutable reference to one revision.
type SourceSnapshot struct {
	Repository Repository `json:"repository"`
	CommitID   string     `json:"commit_id"`
	Timestamp  time.Time  `json:"timestamp"`
}

func (s SourceSnapshot) Validate() error {
	if strings.TrimSpace(s.CommitID) == "" {
		return errors.New("commit id is required")
	}
	if s.Timestamp.IsZero() {
		return errors.New("snapshot timestamp is required")
	}
	return nil
}

// ShortCommit returns the abbreviated commit id used in descriptions.
func (s SourceSnapshot) ShortCommit() string {
	if len(s.CommitID) > 12 {
		return s.CommitID[:12]
	}
	return s.CommitID
}

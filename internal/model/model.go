// Package model defines the canonical pull request, commit and comment records
// shared by both API dialects and the store.
package model

// RequestTypePull tags pull requests in the store. The (repo, number, request
// type) triple identifies a stored pull request.
const RequestTypePull = "pull"

// State is the normalized lifecycle state of a pull request.
type State string

// State values.
const (
	StateOpen   State = "open"
	StateClosed State = "closed"
	StateMerged State = "merged"
)

// CommitType classifies a commit. The zero value means not yet classified.
type CommitType string

// CommitType values.
const (
	CommitTypePlain CommitType = "Plain"
	CommitTypeMerge CommitType = "Merge"
)

// PlaceholderChanges is recorded as the change count of every commit discovered
// through a pull request; the commits endpoint does not report diff sizes.
const PlaceholderChanges = 1

// PullRequest is a pull request normalized from either dialect.
// Timestamps are epoch milliseconds.
type PullRequest struct {
	ID          int64 // store identity, 0 until persisted
	Repo        string
	Number      int64
	RequestType string
	ScmURL      string
	Title       string
	Branch      string
	State       State
	CreatedAt   int64
	UpdatedAt   int64
	Timestamp   int64
	Author      string
	HeadSHA     string
	MergeSHA    string
	Commits     []Commit
	Comments    []Comment
}

// IsMerged reports whether the pull request reached the merged state.
func (pr *PullRequest) IsMerged() bool {
	return pr.State == StateMerged
}

// Commit is a revision referenced by a pull request or held in the global commit store.
type Commit struct {
	SHA             string     `json:"sha"`
	CommitTimestamp int64      `json:"commitTimestamp"`
	Timestamp       int64      `json:"timestamp"`
	NumberOfChanges int        `json:"numberOfChanges"`
	Type            CommitType `json:"type,omitempty"`
}

// Comment is a pull request comment. Comments have no identity of their own.
type Comment struct {
	AuthorID  string `json:"authorId"`
	Author    string `json:"author"`
	Body      string `json:"body"`
	CreatedAt int64  `json:"createdAt"`
	UpdatedAt int64  `json:"updatedAt"`
}

// Repo describes one configured repository to synchronize.
type Repo struct {
	ID       string // stable repository identifier used as the store key
	URL      string // clone URL: ssh://, https:// or personal ~user forms
	Branch   string // target branch, "master" when empty
	UserID   string // per-repository username, paired with Password
	Password string // ciphertext; decrypted with the configured key
}

// DefaultBranch is used when a repository does not name its target branch.
const DefaultBranch = "master"

// TargetBranch returns the configured branch or DefaultBranch.
func (r Repo) TargetBranch() string {
	if r.Branch == "" {
		return DefaultBranch
	}
	return r.Branch
}

// Credentials is a resolved basic-auth pair.
type Credentials struct {
	Username string
	Password string
}

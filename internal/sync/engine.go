// Package sync provides the incremental synchronization engine between a
// Bitbucket repository and the local store.
package sync

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/JohanCodinha/bbpulls/internal/bitbucket"
	"github.com/JohanCodinha/bbpulls/internal/crypto"
	"github.com/JohanCodinha/bbpulls/internal/logger"
	"github.com/JohanCodinha/bbpulls/internal/model"
)

// Status filters pull requests on the list endpoint.
const (
	StatusOpen   = "open"
	StatusMerged = "merged"
)

// Store is the persistence the engine needs.
type Store interface {
	GetPullRequest(ctx context.Context, repo string, number int64, requestType string) (*model.PullRequest, error)
	UpsertPullRequest(ctx context.Context, pr *model.PullRequest) (created bool, err error)
	UpsertCommit(ctx context.Context, repo string, c model.Commit) error
	MarkMergeCommit(ctx context.Context, sha string) (int64, error)
}

// Engine synchronizes pull requests of repositories that share one dialect.
// A single Sync call is strictly sequential; distinct repositories may be
// synced concurrently on the same Engine.
type Engine struct {
	store   Store
	fetcher bitbucket.Fetcher
	dialect bitbucket.Dialect
	key     string
	now     func() time.Time
}

// NewEngine creates a sync engine. key decrypts per-repository passwords.
func NewEngine(store Store, fetcher bitbucket.Fetcher, dialect bitbucket.Dialect, key string) *Engine {
	return &Engine{
		store:   store,
		fetcher: fetcher,
		dialect: dialect,
		key:     key,
		now:     time.Now,
	}
}

// Sync pulls every pull request of repo in the given status that changed since
// the last run, enriches and persists them, and returns how many were new.
//
// Pull requests are listed most recently updated first, so the walk stops at
// the first one whose stored updated-at equals the remote value. A page with
// an undecodable item is skipped. A failed page ends the walk; what was
// gathered before it is still persisted and the error returned with the count.
func (e *Engine) Sync(ctx context.Context, repo model.Repo, status string, defaults model.Credentials) (int, error) {
	runID := uuid.NewString()[:8]
	log := logger.With("sync").With(repo.ID)

	creds, err := e.credentials(repo, defaults)
	if err != nil {
		log.Error("run %s: %v", runID, err)
		return 0, err
	}

	start, err := e.startURL(repo, status)
	if err != nil {
		log.Error("run %s: %v", runID, err)
		return 0, err
	}
	log.Info("run %s: syncing %s pull requests on %s (%s)", runID, status, repo.TargetBranch(), e.dialect.Name())

	walker := bitbucket.NewWalker(e.fetcher, e.dialect, creds)
	enr := newEnricher(e.dialect, walker, repo, e.now, log.With("enrich"))

	var batch []*model.PullRequest
	var walkErr error
	pages := 0
	for page, err := range walker.Lenient().Pages(ctx, start) {
		if err != nil {
			walkErr = err
			break
		}
		pages++

		accepted, stop, err := e.scanPage(ctx, repo, page)
		if err != nil {
			var decodeErr *bitbucket.DecodeError
			var stateErr *bitbucket.UnknownStateError
			if errors.As(err, &decodeErr) || errors.As(err, &stateErr) {
				log.Error("run %s: skipping page %s: %v", runID, page.URL, err)
				continue
			}
			walkErr = err
			break
		}

		for _, pr := range accepted {
			enr.enrich(ctx, pr)
		}
		batch = append(batch, accepted...)

		if stop {
			log.Debug("run %s: reached already synchronized pull requests after %d pages", runID, pages)
			break
		}
	}

	count, err := Persist(ctx, e.store, batch)
	if err != nil {
		log.Error("run %s: %v", runID, err)
	}
	if walkErr != nil {
		log.Error("run %s: walk aborted after %d pages: %v", runID, pages, walkErr)
		return count, errors.Join(walkErr, err)
	}

	log.Info("run %s: %d new of %d changed pull requests", runID, count, len(batch))
	return count, err
}

// scanPage decodes the items of a page and keeps those that changed since the
// last sync. stop is true once an unchanged pull request was found; items
// after it are not looked at.
func (e *Engine) scanPage(ctx context.Context, repo model.Repo, page *bitbucket.Page) (accepted []*model.PullRequest, stop bool, err error) {
	for _, item := range page.Items {
		pr, err := e.dialect.DecodePullRequest(item, repo)
		if err != nil {
			return nil, false, err
		}

		stored, err := e.store.GetPullRequest(ctx, pr.Repo, pr.Number, pr.RequestType)
		if err != nil {
			return nil, false, fmt.Errorf("failed to look up pull request #%d: %w", pr.Number, err)
		}
		if stored != nil && stored.UpdatedAt == pr.UpdatedAt {
			return accepted, true, nil
		}

		accepted = append(accepted, &pr)
	}
	return accepted, false, nil
}

// credentials prefers the repository's own encrypted password over the defaults.
func (e *Engine) credentials(repo model.Repo, defaults model.Credentials) (model.Credentials, error) {
	if repo.Password == "" {
		return defaults, nil
	}
	password, err := crypto.Decrypt(repo.Password, e.key)
	if err != nil {
		return model.Credentials{}, err
	}
	username := repo.UserID
	if username == "" {
		username = defaults.Username
	}
	return model.Credentials{Username: username, Password: password}, nil
}

func (e *Engine) startURL(repo model.Repo, status string) (string, error) {
	list, err := e.dialect.PullRequestsURL(repo.URL)
	if err != nil {
		return "", err
	}
	start, err := bitbucket.AddQuery(list, url.Values{
		"at":    {"refs/heads/" + repo.TargetBranch()},
		"state": {strings.ToUpper(status)},
	})
	if err != nil {
		return "", &bitbucket.ConfigError{RepoURL: repo.URL, Reason: "cannot build pull request list URL", Err: err}
	}
	return start, nil
}

package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/JohanCodinha/bbpulls/internal/logger"
	"github.com/JohanCodinha/bbpulls/internal/model"
)

// Persist upserts a batch of pull requests and returns how many were new.
// Existing pull requests keep their identity and get their commit and comment
// lists replaced. The commits of each pull request are recorded in the global
// commit table, and the merge commit of a merged pull request is classified as
// Merge wherever it is stored.
//
// A failing pull request does not stop the rest of the batch; all failures are
// returned joined.
func Persist(ctx context.Context, store Store, prs []*model.PullRequest) (int, error) {
	log := logger.With("persist")

	created := 0
	var errs []error
	for _, pr := range prs {
		isNew, err := store.UpsertPullRequest(ctx, pr)
		if err != nil {
			log.Error("%s#%d: %v", pr.Repo, pr.Number, err)
			errs = append(errs, err)
			continue
		}
		if isNew {
			created++
		}

		for _, c := range pr.Commits {
			if err := store.UpsertCommit(ctx, pr.Repo, c); err != nil {
				log.Warn("%s#%d: %v", pr.Repo, pr.Number, err)
			}
		}

		if pr.IsMerged() && pr.MergeSHA != "" {
			n, err := store.MarkMergeCommit(ctx, pr.MergeSHA)
			if err != nil {
				log.Error("%s#%d: %v", pr.Repo, pr.Number, err)
				errs = append(errs, fmt.Errorf("reconcile merge commit of %s#%d: %w", pr.Repo, pr.Number, err))
				continue
			}
			if n > 0 {
				log.Debug("%s#%d: classified %d stored commits %s as merge", pr.Repo, pr.Number, n, pr.MergeSHA)
			}
		}
	}

	log.Debug("persisted %d pull requests, %d new", len(prs), created)
	return created, errors.Join(errs...)
}

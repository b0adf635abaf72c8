package sync

import (
	"context"
	"time"

	"github.com/tidwall/gjson"

	"github.com/JohanCodinha/bbpulls/internal/bitbucket"
	"github.com/JohanCodinha/bbpulls/internal/logger"
	"github.com/JohanCodinha/bbpulls/internal/model"
)

// enricher completes a decoded pull request with data from its sub-resources.
// Every failure is logged and leaves the affected attribute as far as it got.
type enricher struct {
	dialect bitbucket.Dialect
	walker  *bitbucket.Walker
	repo    model.Repo
	now     func() time.Time
	log     logger.Scope
}

func newEnricher(dialect bitbucket.Dialect, walker *bitbucket.Walker, repo model.Repo, now func() time.Time, log logger.Scope) *enricher {
	return &enricher{dialect: dialect, walker: walker, repo: repo, now: now, log: log}
}

func (e *enricher) enrich(ctx context.Context, pr *model.PullRequest) {
	if pr.IsMerged() {
		pr.MergeSHA = e.mergeCommit(ctx, pr.Number)
	}
	pr.Commits = e.commits(ctx, pr.Number)
	pr.Comments = e.comments(ctx, pr.Number)
}

// mergeCommit returns the hash recorded by the first merge event in the
// activity of pull request number, or "" when there is none.
func (e *enricher) mergeCommit(ctx context.Context, number int64) string {
	u, err := e.dialect.ActivityURL(e.repo.URL, number)
	if err != nil {
		e.log.Warn("#%d: no activity URL: %v", number, err)
		return ""
	}

	var sha string
	_, err = e.walker.Walk(ctx, u, func(item gjson.Result) (bool, error) {
		merged, hash := e.dialect.MergedActivity(item)
		if merged {
			sha = hash
		}
		return merged, nil
	})
	if err != nil {
		e.log.Warn("#%d: failed to read activity: %v", number, err)
	}
	if sha == "" {
		e.log.Debug("#%d: merged without a merge commit hash", number)
	}
	return sha
}

func (e *enricher) commits(ctx context.Context, number int64) []model.Commit {
	commits := []model.Commit{}
	u, ok, err := e.dialect.CommitsURL(e.repo.URL, number)
	if err != nil {
		e.log.Warn("#%d: no commits URL: %v", number, err)
		return commits
	}
	if !ok {
		return commits
	}

	ingested := e.now().UnixMilli()
	_, err = e.walker.Walk(ctx, u, func(item gjson.Result) (bool, error) {
		c, err := e.dialect.DecodeCommit(item)
		if err != nil {
			return false, err
		}
		c.Timestamp = ingested
		commits = append(commits, c)
		return false, nil
	})
	if err != nil {
		e.log.Warn("#%d: kept %d commits after failure: %v", number, len(commits), err)
	}
	return commits
}

func (e *enricher) comments(ctx context.Context, number int64) []model.Comment {
	comments := []model.Comment{}
	u, ok, err := e.dialect.CommentsURL(e.repo.URL, number)
	if err != nil {
		e.log.Warn("#%d: no comments URL: %v", number, err)
		return comments
	}
	if !ok {
		return comments
	}

	_, err = e.walker.Walk(ctx, u, func(item gjson.Result) (bool, error) {
		c, err := e.dialect.DecodeComment(item)
		if err != nil {
			return false, err
		}
		comments = append(comments, c)
		return false, nil
	})
	if err != nil {
		e.log.Warn("#%d: kept %d comments after failure: %v", number, len(comments), err)
	}
	return comments
}

package bitbucket

import (
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/JohanCodinha/bbpulls/internal/model"
)

// Dialect is one of the two incompatible Bitbucket REST conventions. It owns
// every schema and path difference so call sites never branch on the product.
type Dialect interface {
	// Name is "cloud" or "server".
	Name() string

	// PullRequestsURL is the pull-request list endpoint of the repository.
	PullRequestsURL(repoURL string) (string, error)
	// ActivityURL lists a pull request's activity, including its merge event.
	ActivityURL(repoURL string, number int64) (string, error)
	// CommitsURL lists a pull request's commits. ok is false when the dialect has no such endpoint.
	CommitsURL(repoURL string, number int64) (u string, ok bool, err error)
	// CommentsURL lists a pull request's comments. ok is false when the dialect has no such endpoint.
	CommentsURL(repoURL string, number int64) (u string, ok bool, err error)

	// NextPage derives the next request from a page body. startURL is the
	// first request of the walk.
	NextPage(body gjson.Result, startURL string) (next string, last bool, err error)

	DecodePullRequest(item gjson.Result, repo model.Repo) (model.PullRequest, error)
	DecodeComment(item gjson.Result) (model.Comment, error)
	DecodeCommit(item gjson.Result) (model.Commit, error)
	// MergedActivity reports whether an activity item is the merge event and,
	// if the payload carries it, the resulting merge commit hash.
	MergedActivity(item gjson.Result) (merged bool, sha string)
}

// NewDialect selects the dialect from the product setting: "cloud"
// (case-insensitive) selects Cloud, anything else Server. api is the API path
// prefix or an absolute API base URL.
func NewDialect(product, api string) Dialect {
	if strings.EqualFold(strings.TrimSpace(product), "cloud") {
		return &cloudDialect{api: api}
	}
	return &serverDialect{api: api}
}

// states maps raw dialect states onto the canonical lifecycle. Both dialects
// use the same vocabulary.
var states = map[string]model.State{
	"OPEN":     model.StateOpen,
	"DECLINED": model.StateClosed,
	"MERGED":   model.StateMerged,
}

func mapState(number int64, raw string) (model.State, error) {
	if s, ok := states[raw]; ok {
		return s, nil
	}
	return "", &UnknownStateError{Number: number, State: raw}
}

// required returns the value at path or a DecodeError when it is absent or null.
func required(item gjson.Result, path string) (gjson.Result, error) {
	v := item.Get(path)
	if !v.Exists() || v.Type == gjson.Null {
		return v, &DecodeError{Field: path}
	}
	return v, nil
}

func requiredString(item gjson.Result, path string) (string, error) {
	v, err := required(item, path)
	if err != nil {
		return "", err
	}
	return v.String(), nil
}

// requiredNumber reads an integer that the API may render as a JSON number or a numeric string.
func requiredNumber(item gjson.Result, path string) (int64, error) {
	v, err := required(item, path)
	if err != nil {
		return 0, err
	}
	switch v.Type {
	case gjson.Number:
		return v.Int(), nil
	case gjson.String:
		n, err := strconv.ParseInt(v.Str, 10, 64)
		if err != nil {
			return 0, &DecodeError{Field: path, Err: err}
		}
		return n, nil
	default:
		return 0, &DecodeError{Field: path}
	}
}

// isoMillis parses Cloud's ISO-8601 timestamps, e.g. 2021-01-01T00:00:00.000000+00:00.
func isoMillis(item gjson.Result, path string) (int64, error) {
	s, err := requiredString(item, path)
	if err != nil {
		return 0, err
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return 0, &DecodeError{Field: path, Err: err}
	}
	return t.UnixMilli(), nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

type cloudDialect struct {
	api string
}

func (d *cloudDialect) Name() string { return "cloud" }

func (d *cloudDialect) repoAPI(repoURL string) (string, error) {
	loc, err := parseRepoURL(repoURL)
	if err != nil {
		return "", err
	}
	return apiBase(d.api, loc) + "/" + loc.project + "/" + loc.repo, nil
}

func (d *cloudDialect) pullRequestAPI(repoURL string, number int64, endpoint string) (string, error) {
	base, err := d.repoAPI(repoURL)
	if err != nil {
		return "", err
	}
	return base + "/pullrequests/" + strconv.FormatInt(number, 10) + "/" + endpoint, nil
}

func (d *cloudDialect) PullRequestsURL(repoURL string) (string, error) {
	base, err := d.repoAPI(repoURL)
	if err != nil {
		return "", err
	}
	return base + "/pullrequests", nil
}

func (d *cloudDialect) ActivityURL(repoURL string, number int64) (string, error) {
	return d.pullRequestAPI(repoURL, number, "activity")
}

func (d *cloudDialect) CommitsURL(repoURL string, number int64) (string, bool, error) {
	u, err := d.pullRequestAPI(repoURL, number, "commits")
	return u, err == nil, err
}

func (d *cloudDialect) CommentsURL(repoURL string, number int64) (string, bool, error) {
	u, err := d.pullRequestAPI(repoURL, number, "comments")
	return u, err == nil, err
}

// NextPage follows the absolute "next" link; its absence marks the last page.
func (d *cloudDialect) NextPage(body gjson.Result, startURL string) (string, bool, error) {
	next := body.Get("next").String()
	if next == "" {
		return "", true, nil
	}
	return next, false, nil
}

func (d *cloudDialect) DecodePullRequest(item gjson.Result, repo model.Repo) (model.PullRequest, error) {
	number, err := requiredNumber(item, "id")
	if err != nil {
		return model.PullRequest{}, err
	}
	title, err := requiredString(item, "title")
	if err != nil {
		return model.PullRequest{}, err
	}
	head, err := requiredString(item, "source.commit.hash")
	if err != nil {
		return model.PullRequest{}, err
	}
	createdAt, err := isoMillis(item, "created_on")
	if err != nil {
		return model.PullRequest{}, err
	}
	updatedAt, err := isoMillis(item, "updated_on")
	if err != nil {
		return model.PullRequest{}, err
	}
	state, err := mapState(number, item.Get("state").String())
	if err != nil {
		return model.PullRequest{}, err
	}

	return model.PullRequest{
		Repo:        repo.ID,
		Number:      number,
		RequestType: model.RequestTypePull,
		ScmURL:      repo.URL,
		Title:       title,
		Branch:      firstNonEmpty(item.Get("source.branch.name").String(), repo.TargetBranch()),
		State:       state,
		CreatedAt:   createdAt,
		UpdatedAt:   updatedAt,
		Timestamp:   createdAt,
		Author:      item.Get("author.display_name").String(),
		HeadSHA:     head,
	}, nil
}

func (d *cloudDialect) DecodeComment(item gjson.Result) (model.Comment, error) {
	createdAt, err := isoMillis(item, "created_on")
	if err != nil {
		return model.Comment{}, err
	}
	updatedAt, err := isoMillis(item, "updated_on")
	if err != nil {
		return model.Comment{}, err
	}
	return model.Comment{
		AuthorID:  item.Get("user.uuid").String(),
		Author:    item.Get("user.display_name").String(),
		Body:      item.Get("content.raw").String(),
		CreatedAt: createdAt,
		UpdatedAt: updatedAt,
	}, nil
}

func (d *cloudDialect) DecodeCommit(item gjson.Result) (model.Commit, error) {
	sha, err := requiredString(item, "hash")
	if err != nil {
		return model.Commit{}, err
	}
	date, err := isoMillis(item, "date")
	if err != nil {
		return model.Commit{}, err
	}
	return model.Commit{
		SHA:             sha,
		CommitTimestamp: date,
		NumberOfChanges: model.PlaceholderChanges,
	}, nil
}

func (d *cloudDialect) MergedActivity(item gjson.Result) (bool, string) {
	if item.Get("update.state").String() != "MERGED" {
		return false, ""
	}
	return true, item.Get("update.destination.commit.hash").String()
}

type serverDialect struct {
	api string
}

func (d *serverDialect) Name() string { return "server" }

func (d *serverDialect) repoAPI(repoURL string) (string, error) {
	loc, err := parseRepoURL(repoURL)
	if err != nil {
		return "", err
	}
	return apiBase(d.api, loc) + "/projects/" + loc.project + "/repos/" + loc.repo, nil
}

func (d *serverDialect) PullRequestsURL(repoURL string) (string, error) {
	base, err := d.repoAPI(repoURL)
	if err != nil {
		return "", err
	}
	return base + "/pull-requests", nil
}

func (d *serverDialect) ActivityURL(repoURL string, number int64) (string, error) {
	base, err := d.repoAPI(repoURL)
	if err != nil {
		return "", err
	}
	return base + "/pull-requests/" + strconv.FormatInt(number, 10) + "/activities", nil
}

// CommitsURL is not supported by Server: pull request commits are left empty.
func (d *serverDialect) CommitsURL(repoURL string, number int64) (string, bool, error) {
	return "", false, nil
}

// CommentsURL is not supported by Server: pull request comments are left empty.
func (d *serverDialect) CommentsURL(repoURL string, number int64) (string, bool, error) {
	return "", false, nil
}

// NextPage recomputes the request from the start URL and nextPageStart.
func (d *serverDialect) NextPage(body gjson.Result, startURL string) (string, bool, error) {
	nextStart := body.Get("nextPageStart")
	if body.Get("isLastPage").Bool() || !nextStart.Exists() || nextStart.Type == gjson.Null {
		return "", true, nil
	}
	next, err := withStart(startURL, nextStart.Int())
	if err != nil {
		return "", true, err
	}
	return next, false, nil
}

func (d *serverDialect) DecodePullRequest(item gjson.Result, repo model.Repo) (model.PullRequest, error) {
	number, err := requiredNumber(item, "id")
	if err != nil {
		return model.PullRequest{}, err
	}
	title, err := requiredString(item, "title")
	if err != nil {
		return model.PullRequest{}, err
	}
	head, err := requiredString(item, "fromRef.latestCommit")
	if err != nil {
		return model.PullRequest{}, err
	}
	createdAt, err := requiredNumber(item, "createdDate")
	if err != nil {
		return model.PullRequest{}, err
	}
	updatedAt, err := requiredNumber(item, "updatedDate")
	if err != nil {
		return model.PullRequest{}, err
	}
	state, err := mapState(number, item.Get("state").String())
	if err != nil {
		return model.PullRequest{}, err
	}

	return model.PullRequest{
		Repo:        repo.ID,
		Number:      number,
		RequestType: model.RequestTypePull,
		ScmURL:      repo.URL,
		Title:       title,
		Branch:      firstNonEmpty(item.Get("fromRef.displayId").String(), repo.TargetBranch()),
		State:       state,
		CreatedAt:   createdAt,
		UpdatedAt:   updatedAt,
		Timestamp:   createdAt,
		Author:      item.Get("author.user.name").String(),
		HeadSHA:     head,
	}, nil
}

func (d *serverDialect) DecodeComment(item gjson.Result) (model.Comment, error) {
	createdAt, err := requiredNumber(item, "createdDate")
	if err != nil {
		return model.Comment{}, err
	}
	updatedAt, err := requiredNumber(item, "updatedDate")
	if err != nil {
		return model.Comment{}, err
	}
	return model.Comment{
		AuthorID:  item.Get("author.name").String(),
		Author:    item.Get("author.displayName").String(),
		Body:      item.Get("text").String(),
		CreatedAt: createdAt,
		UpdatedAt: updatedAt,
	}, nil
}

func (d *serverDialect) DecodeCommit(item gjson.Result) (model.Commit, error) {
	sha, err := requiredString(item, "id")
	if err != nil {
		return model.Commit{}, err
	}
	date, err := requiredNumber(item, "authorTimestamp")
	if err != nil {
		return model.Commit{}, err
	}
	return model.Commit{
		SHA:             sha,
		CommitTimestamp: date,
		NumberOfChanges: model.PlaceholderChanges,
	}, nil
}

// MergedActivity accepts the Server activity shape ({"action":"MERGED","commit":{"id":...}})
// and the update-state shape shared with Cloud.
func (d *serverDialect) MergedActivity(item gjson.Result) (bool, string) {
	if item.Get("action").String() == "MERGED" {
		return true, item.Get("commit.id").String()
	}
	if item.Get("update.state").String() == "MERGED" {
		return true, item.Get("update.destination.commit.hash").String()
	}
	return false, ""
}

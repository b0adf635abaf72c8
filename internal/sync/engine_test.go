package sync

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/JohanCodinha/bbpulls/internal/bitbucket"
	"github.com/JohanCodinha/bbpulls/internal/crypto"
	"github.com/JohanCodinha/bbpulls/internal/model"
	"github.com/JohanCodinha/bbpulls/internal/store"
)

var (
	base     = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	fixedNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
)

type fixture struct {
	mock   *bitbucket.MockServer
	db     *store.DB
	engine *Engine
	repo   model.Repo
}

func newFixture(t *testing.T, dialect string, pageSize int) *fixture {
	t.Helper()

	mock := bitbucket.NewMockServer(dialect, pageSize)
	t.Cleanup(mock.Close)

	db, err := store.InitDB(filepath.Join(t.TempDir(), "pulls.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	repo := model.Repo{ID: "team/api", URL: "https://bitbucket.org/team/api.git"}
	if dialect == "server" {
		repo = model.Repo{ID: "PROJ/repo", URL: "ssh://git@company.com:7999/proj/repo.git"}
	}

	engine := NewEngine(db, bitbucket.NewClient(5*time.Second), bitbucket.NewDialect(dialect, mock.APIBase()), "")
	engine.now = func() time.Time { return fixedNow }

	return &fixture{mock: mock, db: db, engine: engine, repo: repo}
}

func (f *fixture) sync(t *testing.T, status string) (int, error) {
	t.Helper()
	return f.engine.Sync(context.Background(), f.repo, status, model.Credentials{Username: "svc", Password: "pw"})
}

func (f *fixture) stored(t *testing.T, number int64) *model.PullRequest {
	t.Helper()
	pr, err := f.db.GetPullRequest(context.Background(), f.repo.ID, number, model.RequestTypePull)
	require.NoError(t, err)
	return pr
}

// cloudPulls returns open pull requests high..low, newest first, updated an hour apart.
func cloudPulls(high, low int64) []bitbucket.Item {
	var items []bitbucket.Item
	for n := high; n >= low; n-- {
		items = append(items, bitbucket.CloudPull(n, "OPEN", "PR", "head", base, base.Add(time.Duration(n)*time.Hour)))
	}
	return items
}

func TestSyncCloudMergedRoundTrip(t *testing.T) {
	f := newFixture(t, "cloud", 10)

	created := time.Date(2024, 5, 1, 10, 0, 0, 123456000, time.UTC)
	updated := time.Date(2024, 5, 2, 8, 30, 0, 0, time.UTC)
	commitDate := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

	f.mock.SetPulls(bitbucket.CloudPull(1, "MERGED", "Fix login", "head1", created, updated))
	f.mock.SetActivities(1,
		bitbucket.CloudActivity("OPEN", ""),
		bitbucket.CloudActivity("MERGED", "m1"),
	)
	f.mock.SetCommits(1,
		bitbucket.CloudCommit("c2", commitDate.Add(time.Hour)),
		bitbucket.CloudCommit("c1", commitDate),
	)
	f.mock.SetComments(1, bitbucket.CloudComment("Bob", "LGTM", created, updated))

	count, err := f.sync(t, StatusMerged)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	start := f.mock.Requests()[0]
	assert.Contains(t, start, "state=MERGED")
	assert.Contains(t, start, "at=refs%2Fheads%2Fmaster")

	pr := f.stored(t, 1)
	require.NotNil(t, pr)
	assert.Equal(t, model.StateMerged, pr.State)
	assert.Equal(t, "m1", pr.MergeSHA)
	assert.Equal(t, "Fix login", pr.Title)
	assert.Equal(t, "head1", pr.HeadSHA)
	assert.Equal(t, "Alice Example", pr.Author)
	assert.Equal(t, "feature/1", pr.Branch)
	assert.Equal(t, created.UnixMilli(), pr.CreatedAt)
	assert.Equal(t, updated.UnixMilli(), pr.UpdatedAt)

	require.Len(t, pr.Commits, 2)
	assert.Equal(t, "c2", pr.Commits[0].SHA)
	assert.Equal(t, "c1", pr.Commits[1].SHA)
	assert.Equal(t, commitDate.UnixMilli(), pr.Commits[1].CommitTimestamp)
	assert.Equal(t, fixedNow.UnixMilli(), pr.Commits[1].Timestamp)
	assert.Equal(t, model.PlaceholderChanges, pr.Commits[1].NumberOfChanges)

	require.Len(t, pr.Comments, 1)
	assert.Equal(t, model.Comment{
		AuthorID:  "{bob}",
		Author:    "Bob",
		Body:      "LGTM",
		CreatedAt: created.UnixMilli(),
		UpdatedAt: updated.UnixMilli(),
	}, pr.Comments[0])

	recorded, err := f.db.GetCommitsBySHA(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, recorded, 1)
	assert.Equal(t, "team/api", recorded[0].Repo)
}

func TestSyncIsIdempotent(t *testing.T) {
	f := newFixture(t, "cloud", 2)
	f.mock.SetPulls(cloudPulls(5, 1)...)

	count, err := f.sync(t, StatusOpen)
	require.NoError(t, err)
	assert.Equal(t, 5, count)

	before, err := f.db.ListPullRequests(context.Background(), f.repo.ID)
	require.NoError(t, err)

	f.mock.ResetRequests()
	count, err = f.sync(t, StatusOpen)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
	assert.Len(t, f.mock.Requests(), 1, "an unchanged repository costs one list request")

	after, err := f.db.ListPullRequests(context.Background(), f.repo.ID)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestSyncStopsAtFirstUnchangedPullRequest(t *testing.T) {
	f := newFixture(t, "cloud", 2)
	f.mock.SetPulls(cloudPulls(6, 1)...)

	count, err := f.sync(t, StatusOpen)
	require.NoError(t, err)
	require.Equal(t, 6, count)

	f.mock.SetPulls(cloudPulls(9, 1)...)
	f.mock.ResetRequests()

	count, err = f.sync(t, StatusOpen)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
	assert.Equal(t, 2, f.mock.CountRequests("/pullrequests"), "pages [9 8] and [7 6] only")
	assert.Equal(t, 3, f.mock.CountRequests("/commits"))
	assert.Equal(t, 0, f.mock.CountRequests("/activity"), "open pull requests have no merge commit")
}

func TestSyncUpdatesChangedPullRequestInPlace(t *testing.T) {
	f := newFixture(t, "cloud", 10)
	f.mock.SetPulls(cloudPulls(3, 1)...)

	_, err := f.sync(t, StatusOpen)
	require.NoError(t, err)
	firstID := f.stored(t, 3).ID

	pulls := cloudPulls(3, 1)
	pulls[0] = bitbucket.CloudPull(3, "DECLINED", "Renamed", "head2", base, base.Add(48*time.Hour))
	f.mock.SetPulls(pulls...)
	f.mock.SetComments(3, bitbucket.CloudComment("Ann", "closing", base, base))

	count, err := f.sync(t, StatusOpen)
	require.NoError(t, err)
	assert.Equal(t, 0, count, "changed pull requests are not new")

	pr := f.stored(t, 3)
	assert.Equal(t, firstID, pr.ID)
	assert.Equal(t, "Renamed", pr.Title)
	assert.Equal(t, model.StateClosed, pr.State)
	assert.Len(t, pr.Comments, 1)
}

func TestSyncClassifiesMergeCommitOnly(t *testing.T) {
	f := newFixture(t, "cloud", 10)
	ctx := context.Background()

	require.NoError(t, f.db.UpsertCommit(ctx, "team/api", model.Commit{SHA: "m1"}))
	require.NoError(t, f.db.UpsertCommit(ctx, "team/other", model.Commit{SHA: "m1"}))
	require.NoError(t, f.db.UpsertCommit(ctx, "team/api", model.Commit{SHA: "unrelated"}))
	require.NoError(t, f.db.UpsertCommit(ctx, "team/api", model.Commit{SHA: "h2"}))

	f.mock.SetPulls(
		bitbucket.CloudPull(2, "OPEN", "Open work", "h2", base, base.Add(2*time.Hour)),
		bitbucket.CloudPull(1, "MERGED", "Done", "h1", base, base.Add(time.Hour)),
	)
	f.mock.SetActivities(1, bitbucket.CloudActivity("MERGED", "m1"))
	f.mock.SetCommits(1, bitbucket.CloudCommit("c1", base))

	_, err := f.sync(t, StatusOpen)
	require.NoError(t, err)

	merged, err := f.db.GetCommitsBySHA(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, merged, 2)
	for _, c := range merged {
		assert.Equal(t, model.CommitTypeMerge, c.Type, "repo %s", c.Repo)
	}

	for _, sha := range []string{"unrelated", "h2", "c1"} {
		records, err := f.db.GetCommitsBySHA(ctx, sha)
		require.NoError(t, err)
		require.Len(t, records, 1, sha)
		assert.Empty(t, records[0].Type, sha)
	}
}

// countingStore sums the rows changed by merge classification.
type countingStore struct {
	*store.DB
	marked atomic.Int64
}

func (s *countingStore) MarkMergeCommit(ctx context.Context, sha string) (int64, error) {
	n, err := s.DB.MarkMergeCommit(ctx, sha)
	s.marked.Add(n)
	return n, err
}

func TestConcurrentSyncsClassifySharedMergeCommitOnce(t *testing.T) {
	f := newFixture(t, "cloud", 10)
	ctx := context.Background()
	require.NoError(t, f.db.UpsertCommit(ctx, "team/api", model.Commit{SHA: "shared"}))

	counting := &countingStore{DB: f.db}
	engine := NewEngine(counting, bitbucket.NewClient(5*time.Second), bitbucket.NewDialect("cloud", f.mock.APIBase()), "")

	f.mock.SetPulls(bitbucket.CloudPull(1, "MERGED", "Done", "h1", base, base.Add(time.Hour)))
	f.mock.SetActivities(1, bitbucket.CloudActivity("MERGED", "shared"))

	repos := []model.Repo{
		{ID: "team/api", URL: "https://bitbucket.org/team/api.git"},
		{ID: "team/web", URL: "https://bitbucket.org/team/web.git"},
		{ID: "team/ops", URL: "https://bitbucket.org/team/ops.git"},
	}

	var g errgroup.Group
	for _, repo := range repos {
		g.Go(func() error {
			count, err := engine.Sync(ctx, repo, StatusMerged, model.Credentials{})
			if err == nil && count != 1 {
				return errors.New(repo.ID + ": expected one new pull request")
			}
			return err
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int64(1), counting.marked.Load())
	records, err := f.db.GetCommitsBySHA(ctx, "shared")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, model.CommitTypeMerge, records[0].Type)
}

func TestSyncKeepsCommitsWhenCommentsFail(t *testing.T) {
	f := newFixture(t, "cloud", 10)
	f.mock.SetPulls(bitbucket.CloudPull(1, "OPEN", "WIP", "h1", base, base.Add(time.Hour)))
	f.mock.SetCommits(1, bitbucket.CloudCommit("c1", base), bitbucket.CloudCommit("c2", base))
	f.mock.SetRawResponse("/comments", `{"values": [`)

	count, err := f.sync(t, StatusOpen)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	pr := f.stored(t, 1)
	require.NotNil(t, pr)
	assert.Len(t, pr.Commits, 2)
	assert.Empty(t, pr.Comments)
}

func TestSyncKeepsCommentsGatheredBeforeFailure(t *testing.T) {
	f := newFixture(t, "cloud", 1)
	f.mock.SetPulls(bitbucket.CloudPull(1, "OPEN", "WIP", "h1", base, base.Add(time.Hour)))
	f.mock.SetComments(1,
		bitbucket.CloudComment("Ann", "first", base, base),
		bitbucket.Item{"content": bitbucket.Item{"raw": "no dates"}},
		bitbucket.CloudComment("Bob", "never read", base, base),
	)

	_, err := f.sync(t, StatusOpen)
	require.NoError(t, err)

	pr := f.stored(t, 1)
	require.Len(t, pr.Comments, 1)
	assert.Equal(t, "first", pr.Comments[0].Body)
	assert.Equal(t, 2, f.mock.CountRequests("/comments"))
}

func TestSyncServerDialect(t *testing.T) {
	f := newFixture(t, "server", 10)
	updated := base.Add(3 * time.Hour)

	f.mock.SetPulls(
		bitbucket.ServerPull(2, "OPEN", "Open", "s2", base, updated.Add(time.Hour)),
		bitbucket.ServerPull(1, "MERGED", "Merged", "s1", base, updated),
	)
	f.mock.SetActivities(1,
		bitbucket.ServerActivity("COMMENTED", ""),
		bitbucket.ServerActivity("MERGED", "abc"),
	)

	count, err := f.sync(t, StatusOpen)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	pr := f.stored(t, 1)
	require.NotNil(t, pr)
	assert.Equal(t, model.StateMerged, pr.State)
	assert.Equal(t, "abc", pr.MergeSHA)
	assert.Equal(t, "alice", pr.Author)
	assert.Equal(t, "feature/1", pr.Branch)
	assert.Equal(t, updated.UnixMilli(), pr.UpdatedAt)
	assert.Empty(t, pr.Commits)
	assert.Empty(t, pr.Comments)

	assert.Equal(t, 1, f.mock.CountRequests("/pull-requests"))
	assert.Equal(t, 1, f.mock.CountRequests("/activities"))
	assert.Equal(t, 0, f.mock.CountRequests("/commits"))
	assert.Equal(t, 0, f.mock.CountRequests("/comments"))
}

func TestSyncSkipsPagesWithUndecodableItems(t *testing.T) {
	f := newFixture(t, "cloud", 2)

	missingTitle := bitbucket.CloudPull(4, "OPEN", "x", "h", base, base.Add(4*time.Hour))
	delete(missingTitle, "title")
	f.mock.SetPulls(
		bitbucket.CloudPull(5, "OPEN", "kept?", "h", base, base.Add(5*time.Hour)),
		missingTitle,
		bitbucket.CloudPull(3, "SUPERSEDED", "odd", "h", base, base.Add(3*time.Hour)),
		bitbucket.CloudPull(2, "OPEN", "dropped with its page", "h", base, base.Add(2*time.Hour)),
		bitbucket.CloudPull(1, "OPEN", "kept", "h", base, base.Add(time.Hour)),
	)

	count, err := f.sync(t, StatusOpen)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	for _, n := range []int64{5, 4, 3, 2} {
		assert.Nil(t, f.stored(t, n), "#%d", n)
	}
	assert.NotNil(t, f.stored(t, 1))
	assert.Equal(t, 3, f.mock.CountRequests("/pullrequests"))
}

func TestSyncTreatsMalformedListAsEmpty(t *testing.T) {
	f := newFixture(t, "cloud", 10)
	f.mock.SetRawResponse("/pullrequests", "<html>maintenance</html>")

	count, err := f.sync(t, StatusOpen)
	assert.NoError(t, err)
	assert.Equal(t, 0, count)
}

// failingFetcher fails every request whose URL contains failOn.
type failingFetcher struct {
	inner  bitbucket.Fetcher
	failOn string
}

func (f *failingFetcher) Fetch(ctx context.Context, url string, creds model.Credentials) (int, []byte, error) {
	if strings.Contains(url, f.failOn) {
		return http.StatusServiceUnavailable, nil, &bitbucket.TransportError{URL: url, Status: http.StatusServiceUnavailable}
	}
	return f.inner.Fetch(ctx, url, creds)
}

func TestSyncPersistsPartialBatchOnTransportFailure(t *testing.T) {
	f := newFixture(t, "cloud", 2)
	f.mock.SetPulls(cloudPulls(4, 1)...)

	engine := NewEngine(f.db,
		&failingFetcher{inner: bitbucket.NewClient(5 * time.Second), failOn: "page=2"},
		bitbucket.NewDialect("cloud", f.mock.APIBase()), "")

	count, err := engine.Sync(context.Background(), f.repo, StatusOpen, model.Credentials{})
	assert.Equal(t, 2, count)

	var walkErr *bitbucket.WalkError
	require.ErrorAs(t, err, &walkErr)
	assert.Contains(t, walkErr.URL, "page=2")
	var transportErr *bitbucket.TransportError
	require.ErrorAs(t, err, &transportErr)

	assert.NotNil(t, f.stored(t, 4))
	assert.NotNil(t, f.stored(t, 3))
	assert.Nil(t, f.stored(t, 2))
}

func TestSyncUsesRepositoryCredentials(t *testing.T) {
	f := newFixture(t, "cloud", 10)
	f.mock.RequireAuth("deploy", "s3cret")
	f.mock.SetPulls(cloudPulls(1, 1)...)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	ciphertext, err := crypto.Encrypt("s3cret", key)
	require.NoError(t, err)

	f.engine.key = key
	f.repo.UserID = "deploy"
	f.repo.Password = ciphertext

	count, err := f.sync(t, StatusOpen)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestSyncCredentialErrorIsFatal(t *testing.T) {
	f := newFixture(t, "cloud", 10)
	f.mock.SetPulls(cloudPulls(1, 1)...)
	f.repo.Password = "bm90IGVuY3J5cHRlZA=="

	count, err := f.sync(t, StatusOpen)
	assert.Equal(t, 0, count)
	var credErr *crypto.CredentialError
	require.ErrorAs(t, err, &credErr)
	assert.Empty(t, f.mock.Requests())
}

func TestSyncConfigError(t *testing.T) {
	f := newFixture(t, "cloud", 10)
	f.repo.URL = "ftp://example.com/team/api"

	count, err := f.sync(t, StatusOpen)
	assert.Equal(t, 0, count)
	var configErr *bitbucket.ConfigError
	require.ErrorAs(t, err, &configErr)
	assert.Empty(t, f.mock.Requests())
}

func TestSyncHonoursBranch(t *testing.T) {
	f := newFixture(t, "server", 10)
	f.repo.Branch = "develop"

	_, err := f.sync(t, StatusMerged)
	require.NoError(t, err)
	assert.Contains(t, f.mock.Requests()[0], "at=refs%2Fheads%2Fdevelop")
}

// failingStore rejects one pull request number.
type failingStore struct {
	Store
	reject int64
}

func (s *failingStore) UpsertPullRequest(ctx context.Context, pr *model.PullRequest) (bool, error) {
	if pr.Number == s.reject {
		return false, errors.New("disk full")
	}
	return s.Store.UpsertPullRequest(ctx, pr)
}

func TestPersistContinuesPastFailures(t *testing.T) {
	f := newFixture(t, "cloud", 10)
	s := &failingStore{Store: f.db, reject: 2}

	prs := []*model.PullRequest{
		{Repo: "team/api", Number: 1, Title: "a", State: model.StateOpen, UpdatedAt: 1},
		{Repo: "team/api", Number: 2, Title: "b", State: model.StateOpen, UpdatedAt: 1},
		{Repo: "team/api", Number: 3, Title: "c", State: model.StateOpen, UpdatedAt: 1},
	}

	count, err := Persist(context.Background(), s, prs)
	assert.Equal(t, 2, count)
	assert.ErrorContains(t, err, "disk full")
	assert.NotNil(t, f.stored(t, 1))
	assert.NotNil(t, f.stored(t, 3))

	count, err = Persist(context.Background(), f.db, nil)
	assert.NoError(t, err)
	assert.Zero(t, count)
}

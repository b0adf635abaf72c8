// Package store provides the SQLite-backed store for synchronized pull requests
// and the global commit classification table.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	jsoniter "github.com/json-iterator/go"
	_ "modernc.org/sqlite"

	"github.com/JohanCodinha/bbpulls/internal/model"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DB represents a SQLite database connection holding synchronized pull requests.
type DB struct {
	path string
	conn *sql.DB
}

// CommitRecord is a row of the global commit table.
type CommitRecord struct {
	Repo string
	model.Commit
}

// createPullRequestsTableSQL defines the schema for the pull_requests table.
// Commits and comments are owned by the pull request and stored as JSON arrays.
const createPullRequestsTableSQL = `
CREATE TABLE IF NOT EXISTS pull_requests (
    id INTEGER PRIMARY KEY,
    repo TEXT NOT NULL,
    number INTEGER NOT NULL,
    request_type TEXT NOT NULL,
    scm_url TEXT,
    title TEXT NOT NULL,
    branch TEXT,
    state TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    timestamp INTEGER NOT NULL,
    author TEXT,
    head_sha TEXT,
    merge_sha TEXT,
    commits TEXT,   -- JSON array of commits
    comments TEXT,  -- JSON array of comments
    UNIQUE(repo, number, request_type)
);
`

// createCommitsTableSQL defines the global commit table. type is NULL until
// the commit is classified.
const createCommitsTableSQL = `
CREATE TABLE IF NOT EXISTS commits (
    id INTEGER PRIMARY KEY,
    repo TEXT NOT NULL,
    sha TEXT NOT NULL,
    commit_timestamp INTEGER,
    timestamp INTEGER,
    number_of_changes INTEGER DEFAULT 0,
    type TEXT,
    UNIQUE(repo, sha)
);
CREATE INDEX IF NOT EXISTS idx_commits_sha ON commits(sha);
`

// InitDB creates or opens a SQLite database at the given path and initializes the schema.
func InitDB(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports a single writer; repositories syncing in parallel
	// share this pool, so keep it to one connection to avoid "database is locked".
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	if _, err := conn.Exec(createPullRequestsTableSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create pull_requests table: %w", err)
	}
	if _, err := conn.Exec(createCommitsTableSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create commits table: %w", err)
	}

	return &DB{
		path: path,
		conn: conn,
	}, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

const selectPullRequestSQL = `
	SELECT id, repo, number, request_type, scm_url, title, branch, state,
	       created_at, updated_at, timestamp, author, head_sha, merge_sha,
	       commits, comments
	FROM pull_requests
`

// GetPullRequest retrieves a pull request by its identity. It returns nil, nil
// when the pull request has never been stored.
func (db *DB) GetPullRequest(ctx context.Context, repo string, number int64, requestType string) (*model.PullRequest, error) {
	row := db.conn.QueryRowContext(ctx,
		selectPullRequestSQL+`WHERE repo = ? AND number = ? AND request_type = ?`,
		repo, number, requestType)
	return scanPullRequestFrom(row)
}

// ListPullRequests retrieves all pull requests of a repository, most recently updated first.
func (db *DB) ListPullRequests(ctx context.Context, repo string) ([]model.PullRequest, error) {
	rows, err := db.conn.QueryContext(ctx,
		selectPullRequestSQL+`WHERE repo = ? ORDER BY updated_at DESC, number DESC`, repo)
	if err != nil {
		return nil, fmt.Errorf("failed to query pull requests: %w", err)
	}
	defer rows.Close()

	prs := []model.PullRequest{}
	for rows.Next() {
		pr, err := scanPullRequestFrom(rows)
		if err != nil {
			return nil, err
		}
		prs = append(prs, *pr)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return prs, nil
}

// UpsertPullRequest stores pr under its (repo, number, request type) identity.
// An existing row keeps its id and has every attribute, including the commit
// and comment lists, overwritten. pr.ID is set to the stored id. created
// reports whether a new row was inserted.
func (db *DB) UpsertPullRequest(ctx context.Context, pr *model.PullRequest) (created bool, err error) {
	if pr.RequestType == "" {
		pr.RequestType = model.RequestTypePull
	}

	commits := pr.Commits
	if commits == nil {
		commits = []model.Commit{}
	}
	commitsJSON, err := json.Marshal(commits)
	if err != nil {
		return false, fmt.Errorf("failed to marshal commits: %w", err)
	}
	comments := pr.Comments
	if comments == nil {
		comments = []model.Comment{}
	}
	commentsJSON, err := json.Marshal(comments)
	if err != nil {
		return false, fmt.Errorf("failed to marshal comments: %w", err)
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var id int64
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM pull_requests WHERE repo = ? AND number = ? AND request_type = ?`,
		pr.Repo, pr.Number, pr.RequestType).Scan(&id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		res, err := tx.ExecContext(ctx, `
			INSERT INTO pull_requests (
				repo, number, request_type, scm_url, title, branch, state,
				created_at, updated_at, timestamp, author, head_sha, merge_sha,
				commits, comments
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			pr.Repo, pr.Number, pr.RequestType,
			nullString(pr.ScmURL), pr.Title, nullString(pr.Branch), string(pr.State),
			pr.CreatedAt, pr.UpdatedAt, pr.Timestamp,
			nullString(pr.Author), nullString(pr.HeadSHA), nullString(pr.MergeSHA),
			string(commitsJSON), string(commentsJSON),
		)
		if err != nil {
			return false, fmt.Errorf("failed to insert pull request %s#%d: %w", pr.Repo, pr.Number, err)
		}
		if id, err = res.LastInsertId(); err != nil {
			return false, fmt.Errorf("failed to read pull request id: %w", err)
		}
		created = true
	case err != nil:
		return false, fmt.Errorf("failed to look up pull request %s#%d: %w", pr.Repo, pr.Number, err)
	default:
		_, err = tx.ExecContext(ctx, `
			UPDATE pull_requests
			SET scm_url = ?, title = ?, branch = ?, state = ?,
			    created_at = ?, updated_at = ?, timestamp = ?, author = ?,
			    head_sha = ?, merge_sha = ?, commits = ?, comments = ?
			WHERE id = ?`,
			nullString(pr.ScmURL), pr.Title, nullString(pr.Branch), string(pr.State),
			pr.CreatedAt, pr.UpdatedAt, pr.Timestamp, nullString(pr.Author),
			nullString(pr.HeadSHA), nullString(pr.MergeSHA),
			string(commitsJSON), string(commentsJSON),
			id,
		)
		if err != nil {
			return false, fmt.Errorf("failed to update pull request %s#%d: %w", pr.Repo, pr.Number, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	pr.ID = id
	return created, nil
}

// UpsertCommit records a commit of repo in the global commit table. An
// existing row keeps its ingestion timestamp and its classification unless
// the commit carries one.
func (db *DB) UpsertCommit(ctx context.Context, repo string, c model.Commit) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO commits (repo, sha, commit_timestamp, timestamp, number_of_changes, type)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(repo, sha) DO UPDATE SET
			commit_timestamp = excluded.commit_timestamp,
			number_of_changes = excluded.number_of_changes,
			type = COALESCE(excluded.type, commits.type)`,
		repo, c.SHA, c.CommitTimestamp, c.Timestamp, c.NumberOfChanges, nullString(string(c.Type)),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert commit %s: %w", c.SHA, err)
	}
	return nil
}

// GetCommitsBySHA returns every stored commit with the given hash, across repositories.
func (db *DB) GetCommitsBySHA(ctx context.Context, sha string) ([]CommitRecord, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT repo, sha, commit_timestamp, timestamp, number_of_changes, type
		FROM commits
		WHERE sha = ?
		ORDER BY repo ASC`, sha)
	if err != nil {
		return nil, fmt.Errorf("failed to query commits: %w", err)
	}
	defer rows.Close()

	records := []CommitRecord{}
	for rows.Next() {
		var r CommitRecord
		var commitTS, ts, changes sql.NullInt64
		var typ sql.NullString
		if err := rows.Scan(&r.Repo, &r.SHA, &commitTS, &ts, &changes, &typ); err != nil {
			return nil, fmt.Errorf("failed to scan commit: %w", err)
		}
		r.CommitTimestamp = commitTS.Int64
		r.Timestamp = ts.Int64
		r.NumberOfChanges = int(changes.Int64)
		r.Type = model.CommitType(typ.String)
		records = append(records, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return records, nil
}

// MarkMergeCommit classifies every stored commit with the given hash as a
// merge commit. It is a single conditional update: concurrent callers for the
// same hash together affect each row once. It returns the rows changed.
func (db *DB) MarkMergeCommit(ctx context.Context, sha string) (int64, error) {
	res, err := db.conn.ExecContext(ctx,
		`UPDATE commits SET type = ? WHERE sha = ? AND type IS NOT ?`,
		string(model.CommitTypeMerge), sha, string(model.CommitTypeMerge))
	if err != nil {
		return 0, fmt.Errorf("failed to mark merge commit %s: %w", sha, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// scanner is an interface that both *sql.Row and *sql.Rows implement.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanPullRequestFrom(s scanner) (*model.PullRequest, error) {
	var pr model.PullRequest
	var scmURL, branch, author, headSHA, mergeSHA, commits, comments sql.NullString
	var state string

	err := s.Scan(
		&pr.ID,
		&pr.Repo,
		&pr.Number,
		&pr.RequestType,
		&scmURL,
		&pr.Title,
		&branch,
		&state,
		&pr.CreatedAt,
		&pr.UpdatedAt,
		&pr.Timestamp,
		&author,
		&headSHA,
		&mergeSHA,
		&commits,
		&comments,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan pull request: %w", err)
	}

	pr.ScmURL = scmURL.String
	pr.Branch = branch.String
	pr.State = model.State(state)
	pr.Author = author.String
	pr.HeadSHA = headSHA.String
	pr.MergeSHA = mergeSHA.String

	pr.Commits = []model.Commit{}
	if commits.Valid && commits.String != "" {
		if err := json.Unmarshal([]byte(commits.String), &pr.Commits); err != nil {
			return nil, fmt.Errorf("failed to unmarshal commits: %w", err)
		}
	}
	pr.Comments = []model.Comment{}
	if comments.Valid && comments.String != "" {
		if err := json.Unmarshal([]byte(comments.String), &pr.Comments); err != nil {
			return nil, fmt.Errorf("failed to unmarshal comments: %w", err)
		}
	}

	return &pr, nil
}

package bitbucket

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// repoLocation is a repository clone URL reduced to what the API needs.
type repoLocation struct {
	scheme  string
	host    string // host[:port]
	project string // project key, workspace, or ~user personal namespace
	repo    string
}

// parseRepoURL accepts the clone URL forms Bitbucket hands out:
//
//	ssh://git@company.com:7999/project/repository.git
//	https://username@company.com/scm/project/repository.git
//	ssh://git@company.com/~username/repository.git
//	https://bitbucket.org/workspace/repository.git
func parseRepoURL(raw string) (repoLocation, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return repoLocation{}, &ConfigError{RepoURL: raw, Reason: "repository URL is empty"}
	}

	u, err := url.Parse(trimmed)
	if err != nil {
		return repoLocation{}, &ConfigError{RepoURL: raw, Reason: "unparseable URL", Err: err}
	}
	if u.Hostname() == "" {
		return repoLocation{}, &ConfigError{RepoURL: raw, Reason: "URL has no host"}
	}

	loc := repoLocation{host: u.Host}
	switch strings.ToLower(u.Scheme) {
	case "ssh":
		// The ssh port belongs to the git daemon, not the REST API.
		loc.scheme = "https"
		loc.host = u.Hostname()
	case "http", "https":
		loc.scheme = strings.ToLower(u.Scheme)
	default:
		return repoLocation{}, &ConfigError{RepoURL: raw, Reason: fmt.Sprintf("unsupported scheme %q", u.Scheme)}
	}

	var segments []string
	for _, s := range strings.Split(u.Path, "/") {
		if s != "" {
			segments = append(segments, s)
		}
	}
	if len(segments) > 0 && segments[0] == "scm" {
		segments = segments[1:]
	}
	if len(segments) < 2 {
		return repoLocation{}, &ConfigError{RepoURL: raw, Reason: "URL path must name a project and a repository"}
	}

	loc.project = segments[len(segments)-2]
	loc.repo = strings.TrimSuffix(segments[len(segments)-1], ".git")
	if loc.repo == "" {
		return repoLocation{}, &ConfigError{RepoURL: raw, Reason: "repository name is empty"}
	}
	return loc, nil
}

// apiBase joins the configured API setting onto the repository host. An absolute
// API setting (https://api.bitbucket.org/2.0/repositories) replaces the host.
func apiBase(api string, loc repoLocation) string {
	api = strings.TrimSuffix(strings.TrimSpace(api), "/")
	if u, err := url.Parse(api); err == nil && u.Scheme != "" && u.Host != "" {
		return api
	}
	if api != "" && !strings.HasPrefix(api, "/") {
		api = "/" + api
	}
	return loc.scheme + "://" + loc.host + api
}

// AddQuery appends query parameters to rawURL, keeping any it already carries.
func AddQuery(rawURL string, params url.Values) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse URL %q: %w", rawURL, err)
	}
	q := u.Query()
	for key, values := range params {
		for _, v := range values {
			q.Add(key, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// withStart returns rawURL with its start offset replaced.
func withStart(rawURL string, start int64) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse URL %q: %w", rawURL, err)
	}
	q := u.Query()
	q.Set("start", strconv.FormatInt(start, 10))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

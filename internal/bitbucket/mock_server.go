package bitbucket

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Item is a raw JSON object served by the mock server.
type Item map[string]any

// MockServer provides a fake Bitbucket API for testing. It serves either
// dialect's pagination from in-memory pull requests and sub-resources.
type MockServer struct {
	*httptest.Server
	mu         sync.RWMutex
	dialect    string
	pageSize   int
	pulls      []Item // served in order, newest first
	activities map[int64][]Item
	commits    map[int64][]Item
	comments   map[int64][]Item
	raw        map[string]string // path suffix -> verbatim 200 body
	failures   map[string]int    // path suffix -> status
	username   string
	password   string
	requests   []string
}

// NewMockServer creates a mock API for the given dialect ("cloud" or "server")
// that serves pageSize items per page.
func NewMockServer(dialect string, pageSize int) *MockServer {
	if pageSize <= 0 {
		pageSize = 25
	}
	m := &MockServer{
		dialect:    strings.ToLower(dialect),
		pageSize:   pageSize,
		activities: make(map[int64][]Item),
		commits:    make(map[int64][]Item),
		comments:   make(map[int64][]Item),
		raw:        make(map[string]string),
		failures:   make(map[string]int),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(m.handle))
	return m
}

// APIBase is the absolute API setting that points a dialect at this server.
func (m *MockServer) APIBase() string {
	if m.dialect == "cloud" {
		return m.URL + "/2.0/repositories"
	}
	return m.URL + "/rest/api/1.0"
}

// SetPulls replaces the pull request list. Items are served in the given order.
func (m *MockServer) SetPulls(items ...Item) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pulls = items
}

// SetActivities sets the activity items of a pull request.
func (m *MockServer) SetActivities(number int64, items ...Item) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activities[number] = items
}

// SetCommits sets the commit items of a pull request.
func (m *MockServer) SetCommits(number int64, items ...Item) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commits[number] = items
}

// SetComments sets the comment items of a pull request.
func (m *MockServer) SetComments(number int64, items ...Item) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.comments[number] = items
}

// SetRawResponse serves body verbatim with status 200 for any path ending in suffix.
func (m *MockServer) SetRawResponse(suffix, body string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.raw[suffix] = body
}

// SetFailure answers any path ending in suffix with the given status.
func (m *MockServer) SetFailure(suffix string, status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[suffix] = status
}

// RequireAuth makes the server reject requests without these basic-auth credentials.
func (m *MockServer) RequireAuth(username, password string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.username = username
	m.password = password
}

// Requests returns the request URIs received so far.
func (m *MockServer) Requests() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.requests))
	copy(out, m.requests)
	return out
}

// CountRequests counts received requests whose path ends in suffix.
func (m *MockServer) CountRequests(suffix string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, r := range m.requests {
		path := r
		if i := strings.IndexByte(path, '?'); i >= 0 {
			path = path[:i]
		}
		if strings.HasSuffix(path, suffix) {
			n++
		}
	}
	return n
}

// ResetRequests clears the request log.
func (m *MockServer) ResetRequests() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = nil
}

func (m *MockServer) handle(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.requests = append(m.requests, r.URL.RequestURI())
	m.mu.Unlock()

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.username != "" {
		user, pass, ok := r.BasicAuth()
		if !ok || user != m.username || pass != m.password {
			http.Error(w, `{"errors":[{"message":"Authentication failed"}]}`, http.StatusUnauthorized)
			return
		}
	}

	for suffix, status := range m.failures {
		if strings.HasSuffix(r.URL.Path, suffix) {
			http.Error(w, `{"errors":[{"message":"forced failure"}]}`, status)
			return
		}
	}
	for suffix, body := range m.raw {
		if strings.HasSuffix(r.URL.Path, suffix) {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(body))
			return
		}
	}

	segments := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	idx := -1
	for i, s := range segments {
		if s == "pullrequests" || s == "pull-requests" {
			idx = i
			break
		}
	}
	if idx < 0 {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	rest := segments[idx+1:]
	switch len(rest) {
	case 0:
		m.writePage(w, r, m.pulls)
		return
	case 2:
		number, err := strconv.ParseInt(rest[0], 10, 64)
		if err != nil {
			http.Error(w, "invalid pull request id", http.StatusBadRequest)
			return
		}
		switch rest[1] {
		case "activity", "activities":
			m.writePage(w, r, m.activities[number])
			return
		case "commits":
			m.writePage(w, r, m.commits[number])
			return
		case "comments":
			m.writePage(w, r, m.comments[number])
			return
		}
	}
	http.Error(w, "not found", http.StatusNotFound)
}

func (m *MockServer) writePage(w http.ResponseWriter, r *http.Request, items []Item) {
	if items == nil {
		items = []Item{}
	}

	var body map[string]any
	if m.dialect == "cloud" {
		page := 1
		if p, err := strconv.Atoi(r.URL.Query().Get("page")); err == nil && p > 0 {
			page = p
		}
		from, to := window(len(items), (page-1)*m.pageSize, m.pageSize)
		body = map[string]any{
			"values":  items[from:to],
			"page":    page,
			"pagelen": m.pageSize,
			"size":    len(items),
		}
		if to < len(items) {
			q := r.URL.Query()
			q.Set("page", strconv.Itoa(page+1))
			next := url.URL{Scheme: "http", Host: r.Host, Path: r.URL.Path, RawQuery: q.Encode()}
			body["next"] = next.String()
		}
	} else {
		start, _ := strconv.Atoi(r.URL.Query().Get("start"))
		from, to := window(len(items), start, m.pageSize)
		body = map[string]any{
			"values":     items[from:to],
			"start":      start,
			"size":       to - from,
			"limit":      m.pageSize,
			"isLastPage": to >= len(items),
		}
		if to < len(items) {
			body["nextPageStart"] = to
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(body)
}

func window(n, start, size int) (int, int) {
	if start > n {
		start = n
	}
	end := start + size
	if end > n {
		end = n
	}
	return start, end
}

// cloudTime renders t the way Bitbucket Cloud does: microseconds and a numeric offset.
func cloudTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000-07:00")
}

// CloudPull builds a Cloud pull request list item.
func CloudPull(number int64, state, title, head string, created, updated time.Time) Item {
	return Item{
		"id":         number,
		"title":      title,
		"state":      state,
		"created_on": cloudTime(created),
		"updated_on": cloudTime(updated),
		"author":     Item{"display_name": "Alice Example", "uuid": "{a1}"},
		"source": Item{
			"branch": Item{"name": "feature/" + strconv.FormatInt(number, 10)},
			"commit": Item{"hash": head},
		},
		"destination": Item{"branch": Item{"name": "master"}},
	}
}

// ServerPull builds a Server pull request list item.
func ServerPull(number int64, state, title, head string, created, updated time.Time) Item {
	return Item{
		"id":          number,
		"title":       title,
		"state":       state,
		"createdDate": created.UnixMilli(),
		"updatedDate": updated.UnixMilli(),
		"author":      Item{"user": Item{"name": "alice", "displayName": "Alice Example"}},
		"fromRef": Item{
			"displayId":    "feature/" + strconv.FormatInt(number, 10),
			"latestCommit": head,
		},
	}
}

// CloudCommit builds a Cloud pull request commit item.
func CloudCommit(hash string, date time.Time) Item {
	return Item{"hash": hash, "date": date.UTC().Format(time.RFC3339)}
}

// CloudComment builds a Cloud pull request comment item.
func CloudComment(user, body string, created, updated time.Time) Item {
	return Item{
		"content":    Item{"raw": body},
		"user":       Item{"display_name": user, "uuid": "{" + strings.ToLower(user) + "}"},
		"created_on": cloudTime(created),
		"updated_on": cloudTime(updated),
	}
}

// CloudActivity builds a Cloud activity item carrying a state update.
func CloudActivity(state, hash string) Item {
	return Item{
		"update": Item{
			"state":       state,
			"destination": Item{"commit": Item{"hash": hash}},
		},
	}
}

// ServerActivity builds a Server activity item.
func ServerActivity(action, commitID string) Item {
	item := Item{"action": action}
	if commitID != "" {
		item["commit"] = Item{"id": commitID}
	}
	return item
}

package bitbucket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/JohanCodinha/bbpulls/internal/model"
)

func pulls(dialect string, n int) []Item {
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	items := make([]Item, n)
	for i := 0; i < n; i++ {
		number := int64(n - i)
		updated := base.Add(time.Duration(n-i) * time.Hour)
		if dialect == "cloud" {
			items[i] = CloudPull(number, "OPEN", fmt.Sprintf("PR %d", number), "h", base, updated)
		} else {
			items[i] = ServerPull(number, "OPEN", fmt.Sprintf("PR %d", number), "h", base, updated)
		}
	}
	return items
}

func newTestWalker(t *testing.T, dialect string, pageSize int) (*MockServer, *Walker, string) {
	t.Helper()
	mock := NewMockServer(dialect, pageSize)
	t.Cleanup(mock.Close)

	d := NewDialect(dialect, mock.APIBase())
	start, err := d.PullRequestsURL("https://company.com/scm/proj/repo.git")
	require.NoError(t, err)

	return mock, NewWalker(NewClient(5*time.Second), d, model.Credentials{}), start
}

func TestPagesFollowsEveryPage(t *testing.T) {
	for _, dialect := range []string{"cloud", "server"} {
		t.Run(dialect, func(t *testing.T) {
			mock, walker, start := newTestWalker(t, dialect, 2)
			mock.SetPulls(pulls(dialect, 5)...)

			var numbers []int64
			pages := 0
			for page, err := range walker.Pages(context.Background(), start) {
				require.NoError(t, err)
				pages++
				for _, item := range page.Items {
					numbers = append(numbers, item.Get("id").Int())
				}
			}

			assert.Equal(t, 3, pages)
			assert.Equal(t, []int64{5, 4, 3, 2, 1}, numbers)
			assert.Equal(t, 3, mock.CountRequests("/pullrequests")+mock.CountRequests("/pull-requests"))
		})
	}
}

func TestWalkStopsMidPageWithoutFetchingMore(t *testing.T) {
	for _, dialect := range []string{"cloud", "server"} {
		t.Run(dialect, func(t *testing.T) {
			mock, walker, start := newTestWalker(t, dialect, 3)
			mock.SetPulls(pulls(dialect, 9)...)

			var visited []int64
			outcome, err := walker.Walk(context.Background(), start, func(item gjson.Result) (bool, error) {
				n := item.Get("id").Int()
				if n == 5 {
					return true, nil
				}
				visited = append(visited, n)
				return false, nil
			})

			require.NoError(t, err)
			assert.Equal(t, Stopped, outcome)
			assert.Equal(t, []int64{9, 8, 7, 6}, visited)
			assert.Len(t, mock.Requests(), 2, "only the first two pages may be requested")
		})
	}
}

func TestWalkExhausted(t *testing.T) {
	mock, walker, start := newTestWalker(t, "cloud", 10)
	mock.SetPulls(pulls("cloud", 3)...)

	count := 0
	outcome, err := walker.Walk(context.Background(), start, func(gjson.Result) (bool, error) {
		count++
		return false, nil
	})

	require.NoError(t, err)
	assert.Equal(t, Exhausted, outcome)
	assert.Equal(t, 3, count)
}

func TestWalkEmptyList(t *testing.T) {
	_, walker, start := newTestWalker(t, "server", 10)

	outcome, err := walker.Walk(context.Background(), start, func(gjson.Result) (bool, error) {
		t.Fatal("no items expected")
		return false, nil
	})

	require.NoError(t, err)
	assert.Equal(t, Exhausted, outcome)
}

func TestWalkTransportErrorNamesPage(t *testing.T) {
	mock, walker, start := newTestWalker(t, "cloud", 10)
	mock.SetFailure("/pullrequests", http.StatusInternalServerError)

	outcome, err := walker.Walk(context.Background(), start, func(gjson.Result) (bool, error) {
		return false, nil
	})

	assert.Equal(t, Failed, outcome)
	var walkErr *WalkError
	require.ErrorAs(t, err, &walkErr)
	assert.Equal(t, start, walkErr.URL)

	var transportErr *TransportError
	require.ErrorAs(t, err, &transportErr)
	assert.Equal(t, http.StatusInternalServerError, transportErr.Status)
}

func TestWalkMalformedBody(t *testing.T) {
	mock, walker, start := newTestWalker(t, "cloud", 10)
	mock.SetRawResponse("/pullrequests", `{"values": [`)

	_, err := walker.Walk(context.Background(), start, func(gjson.Result) (bool, error) {
		return false, nil
	})
	var decodeErr *DecodeError
	require.ErrorAs(t, err, &decodeErr)

	outcome, err := walker.Lenient().Walk(context.Background(), start, func(gjson.Result) (bool, error) {
		t.Fatal("malformed page must yield no items")
		return false, nil
	})
	require.NoError(t, err)
	assert.Equal(t, Exhausted, outcome)
}

func TestWalkVisitErrorIsReturned(t *testing.T) {
	mock, walker, start := newTestWalker(t, "server", 10)
	mock.SetPulls(pulls("server", 2)...)

	boom := errors.New("boom")
	outcome, err := walker.Walk(context.Background(), start, func(gjson.Result) (bool, error) {
		return false, boom
	})

	assert.Equal(t, Failed, outcome)
	assert.ErrorIs(t, err, boom)
}

func TestWalkSendsBasicAuth(t *testing.T) {
	mock := NewMockServer("cloud", 10)
	defer mock.Close()
	mock.RequireAuth("svc", "s3cret")
	mock.SetPulls(pulls("cloud", 1)...)

	d := NewDialect("cloud", mock.APIBase())
	start, err := d.PullRequestsURL("https://bitbucket.org/ws/repo.git")
	require.NoError(t, err)

	_, err = NewWalker(NewClient(time.Second), d, model.Credentials{Username: "svc", Password: "wrong"}).
		Walk(context.Background(), start, func(gjson.Result) (bool, error) { return false, nil })
	var transportErr *TransportError
	require.ErrorAs(t, err, &transportErr)
	assert.Equal(t, http.StatusUnauthorized, transportErr.Status)

	_, err = NewWalker(NewClient(time.Second), d, model.Credentials{Username: "svc", Password: "s3cret"}).
		Walk(context.Background(), start, func(gjson.Result) (bool, error) { return false, nil })
	assert.NoError(t, err)
}

func TestPagesHonoursCancelledContext(t *testing.T) {
	_, walker, start := newTestWalker(t, "cloud", 10)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := walker.Walk(ctx, start, func(gjson.Result) (bool, error) { return false, nil })
	assert.ErrorIs(t, err, context.Canceled)
}

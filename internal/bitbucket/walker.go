package bitbucket

import (
	"context"
	"errors"
	"iter"

	"github.com/tidwall/gjson"

	"github.com/JohanCodinha/bbpulls/internal/logger"
	"github.com/JohanCodinha/bbpulls/internal/model"
)

// Page is one response of a paginated endpoint. It is consumed immediately and never stored.
type Page struct {
	URL   string
	Items []gjson.Result
	Next  string // empty on the last page
	Last  bool
}

// Outcome is how a walk ended.
type Outcome int

const (
	// Exhausted means the last page was reached.
	Exhausted Outcome = iota
	// Stopped means the caller's predicate ended the walk early.
	Stopped
	// Failed means a page could not be fetched or decoded.
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Exhausted:
		return "exhausted"
	case Stopped:
		return "stopped"
	default:
		return "failed"
	}
}

// Walker drives pagination for one dialect and one set of credentials.
// Pages are fetched strictly one after another.
type Walker struct {
	fetcher Fetcher
	dialect Dialect
	creds   model.Credentials
	lenient bool
	log     logger.Scope
}

// NewWalker returns a strict walker: any transport or body decode failure ends the walk.
func NewWalker(fetcher Fetcher, dialect Dialect, creds model.Credentials) *Walker {
	return &Walker{
		fetcher: fetcher,
		dialect: dialect,
		creds:   creds,
		log:     logger.With("walk"),
	}
}

// Lenient returns a copy that logs an undecodable page body and treats it as an
// empty last page instead of failing.
func (w *Walker) Lenient() *Walker {
	c := *w
	c.lenient = true
	return &c
}

// Pages lazily yields the pages reachable from startURL. Breaking out of the
// loop stops fetching. A failure is yielded once as a *WalkError and ends the
// sequence; pages already yielded stay valid.
func (w *Walker) Pages(ctx context.Context, startURL string) iter.Seq2[*Page, error] {
	return func(yield func(*Page, error) bool) {
		next := startURL
		for next != "" {
			if err := ctx.Err(); err != nil {
				yield(nil, &WalkError{URL: next, Err: err})
				return
			}

			w.log.Debug("executing %s", next)
			page, err := w.fetchPage(ctx, startURL, next)
			if err != nil {
				var decodeErr *DecodeError
				if w.lenient && errors.As(err, &decodeErr) {
					w.log.Error("malformed page %s treated as empty: %v", next, err)
					yield(&Page{URL: next, Last: true}, nil)
					return
				}
				yield(nil, &WalkError{URL: next, Err: err})
				return
			}

			if !yield(page, nil) {
				return
			}
			if page.Last {
				return
			}
			if page.Next == next {
				w.log.Warn("page %s points at itself, ending walk", next)
				return
			}
			next = page.Next
		}
	}
}

func (w *Walker) fetchPage(ctx context.Context, startURL, pageURL string) (*Page, error) {
	_, body, err := w.fetcher.Fetch(ctx, pageURL, w.creds)
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(body) {
		return nil, &DecodeError{Field: "body", Err: errors.New("response is not valid JSON")}
	}

	root := gjson.ParseBytes(body)
	values := root.Get("values")
	if !values.IsArray() {
		return nil, &DecodeError{Field: "values"}
	}

	next, last, err := w.dialect.NextPage(root, startURL)
	if err != nil {
		return nil, &DecodeError{Field: "next page", Err: err}
	}

	return &Page{
		URL:   pageURL,
		Items: values.Array(),
		Next:  next,
		Last:  last,
	}, nil
}

// Walk visits every item reachable from startURL until visit asks to stop, the
// pages run out, or something fails. An error returned by visit ends the walk
// with Failed and is returned unchanged.
func (w *Walker) Walk(ctx context.Context, startURL string, visit func(item gjson.Result) (stop bool, err error)) (Outcome, error) {
	for page, err := range w.Pages(ctx, startURL) {
		if err != nil {
			return Failed, err
		}
		for _, item := range page.Items {
			stop, err := visit(item)
			if err != nil {
				return Failed, err
			}
			if stop {
				return Stopped, nil
			}
		}
	}
	return Exhausted, nil
}

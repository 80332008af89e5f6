// Package pagination turns the paged query endpoint into a lazy, finite
// sequence of pages that can be restarted from a persisted cursor.
//
// A Pager holds at most one page at a time: the caller consumes each page
// before asking for the next one.
//
//	pager := pagination.NewPager(client, pagination.Query{Object: "vendor", PageSize: 1000})
//	for page, err := range pager.Pages(ctx) {
//		if err != nil {
//			return err
//		}
//		handle(page.Records)
//	}
package pagination

import (
	"context"
	stderrors "errors"
	"iter"

	"go.uber.org/zap"

	"github.com/ajitpratap0/intacct-extractor/pkg/errors"
	"github.com/ajitpratap0/intacct-extractor/pkg/intacct"
)

// Done is returned by Next when no pages remain.
var Done = stderrors.New("no more pages")

// PageFetcher fetches one page. It is implemented by *intacct.Client.
type PageFetcher interface {
	FetchPage(ctx context.Context, req intacct.PageRequest) (*intacct.PageResult, error)
}

// Query describes the pages to walk.
type Query struct {
	Object   string
	Filter   intacct.Filter
	Columns  []string
	PageSize int
}

// Page is one page of a query.
type Page struct {
	// Index is the 1-based position of the page in the query
	Index int
	// Cursor is the cursor this page was fetched with
	Cursor string
	*intacct.PageResult
}

// Pager walks the pages of one query.
type Pager struct {
	fetcher PageFetcher
	query   Query
	logger  *zap.Logger

	cursor string
	index  int
	done   bool
	seen   map[string]bool
}

// Option configures a Pager.
type Option func(*Pager)

// WithResume starts the pager at cursor, after pagesDone pages were
// already consumed by an earlier run.
func WithResume(cursor string, pagesDone int) Option {
	return func(p *Pager) {
		p.cursor = cursor
		p.index = pagesDone
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Pager) { p.logger = logger }
}

// NewPager creates a pager for query.
func NewPager(fetcher PageFetcher, query Query, opts ...Option) *Pager {
	p := &Pager{
		fetcher: fetcher,
		query:   query,
		logger:  zap.NewNop(),
		seen:    make(map[string]bool),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Next fetches the next page. It returns Done after the last page. A failed
// fetch leaves the pager at the same cursor so Next may be called again.
func (p *Pager) Next(ctx context.Context) (*Page, error) {
	if p.done {
		return nil, Done
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cursor := p.cursor
	result, err := p.fetcher.FetchPage(ctx, intacct.PageRequest{
		Object:   p.query.Object,
		Filter:   p.query.Filter,
		Cursor:   cursor,
		Columns:  p.query.Columns,
		PageSize: p.query.PageSize,
	})
	if err != nil {
		return nil, err
	}

	p.seen[cursor] = true
	next := result.NextCursor
	if next != "" && p.seen[next] {
		return nil, errors.Newf(errors.ErrorTypeProtocol, "cursor %q was already visited", next).
			WithDetail("object", p.query.Object)
	}

	p.index++
	p.cursor = next
	p.done = next == ""

	p.logger.Debug("page fetched",
		zap.String("object", p.query.Object),
		zap.Int("page", p.index),
		zap.Int("records", len(result.Records)),
		zap.Bool("last", p.done))

	return &Page{Index: p.index, Cursor: cursor, PageResult: result}, nil
}

// Pages returns the remaining pages as a sequence. Iteration stops after the
// first error, which is yielded with a nil page.
func (p *Pager) Pages(ctx context.Context) iter.Seq2[*Page, error] {
	return func(yield func(*Page, error) bool) {
		for {
			page, err := p.Next(ctx)
			if stderrors.Is(err, Done) {
				return
			}
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(page, nil) {
				return
			}
		}
	}
}

// Cursor returns the cursor of the next page to fetch. It is empty before
// the first page of a fresh query and after the last page.
func (p *Pager) Cursor() string {
	return p.cursor
}

// PagesDone returns how many pages have been consumed, including those of
// an earlier run when resumed.
func (p *Pager) PagesDone() int {
	return p.index
}

// Exhausted reports whether the last page has been fetched.
func (p *Pager) Exhausted() bool {
	return p.done
}

// Package query runs message searches: it validates a Filter, optionally
// confirms the named exposure with the Butler, compiles the search to SQL
// and pages through the results with an opaque keyset cursor.
package query

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/lsst-sqre/exposurelog/internal/butler"
	"github.com/lsst-sqre/exposurelog/internal/errs"
	"github.com/lsst-sqre/exposurelog/internal/message"
	"github.com/lsst-sqre/exposurelog/internal/queryir"
	"github.com/lsst-sqre/exposurelog/internal/querysql"
	"github.com/lsst-sqre/exposurelog/internal/store"
)

// Resolver confirms that an exposure exists.
type Resolver interface {
	Resolve(ctx context.Context, site, instrument string, dayObs, seqNum int) (butler.Exposure, error)
}

// Page is one page of search results.
type Page struct {
	Messages   []message.Revision `json:"messages"`
	NextCursor string             `json:"next_cursor,omitempty"`
	HasMore    bool               `json:"has_more"`
	Count      int                `json:"count"`
}

// Engine executes searches against a store.
type Engine struct {
	store    *store.Store
	compiler *querysql.SQLCompiler
	resolver Resolver
	siteID   string
	logger   *slog.Logger
}

// NewEngine creates an engine. siteID is the site used for exposure
// validation when the filter does not name exactly one site. resolver may
// be nil, in which case exposure validation is skipped.
func NewEngine(st *store.Store, resolver Resolver, siteID string, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:    st,
		compiler: querysql.NewSQLCompiler(),
		resolver: resolver,
		siteID:   siteID,
		logger:   logger,
	}
}

// Find returns one page of revisions matching f, newest first.
//
// Malformed filters fail with Validation before storage is touched. When
// f.ValidateExposure names an exposure the Butler does not know, Find
// returns an empty page; when the Butler cannot be reached it fails with
// UpstreamUnavailable.
func (e *Engine) Find(ctx context.Context, f Filter) (Page, error) {
	search, err := f.search()
	if err != nil {
		return Page{}, err
	}
	limit := search.Limit
	if limit == 0 {
		limit = queryir.DefaultLimit
	}

	if err := ctx.Err(); err != nil {
		return Page{}, err
	}

	if f.ValidateExposure && e.resolver != nil {
		if instrument, dayObs, seqNum, ok := f.exposureRef(); ok {
			site := e.siteID
			if len(f.SiteIDs) == 1 {
				site = f.SiteIDs[0]
			}
			if _, err := e.resolver.Resolve(ctx, site, instrument, dayObs, seqNum); err != nil {
				if errs.IsNotFound(err) {
					e.logger.Debug("search names unknown exposure", "site_id", site, "instrument", instrument, "day_obs", dayObs, "seq_num", seqNum)
					return Page{Messages: []message.Revision{}}, nil
				}
				return Page{}, err
			}
		}
	}

	if err := ctx.Err(); err != nil {
		return Page{}, err
	}

	// One extra row tells whether another page exists.
	search.Limit = limit + 1
	sql, params, err := e.compiler.Compile(search)
	if err != nil {
		return Page{}, fmt.Errorf("compile search: %w", err)
	}

	revs, err := e.store.QueryRevisions(ctx, sql, params...)
	if err != nil {
		return Page{}, fmt.Errorf("find messages: %w", err)
	}

	page := Page{Messages: revs}
	if len(revs) > limit {
		page.Messages = revs[:limit]
		page.HasMore = true
		page.NextCursor = EncodeCursor(page.Messages[limit-1])
	}
	page.Count = len(page.Messages)

	e.logger.Debug("search", "filter", f.String(), "count", page.Count, "has_more", page.HasMore)
	return page, nil
}

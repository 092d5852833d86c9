// Package batch computes the work elements of data driven job types.
package batch

import (
	"context"

	"github.com/nrwiersma/jobcluster/model"
	"github.com/pkg/errors"
)

// Selector errors.
var (
	ErrUnknownSelector = errors.New("batch: unknown selector")
	ErrMissingTypes    = errors.New("batch: selector requires types")
	ErrEmptyQuery      = errors.New("batch: query has no selectors")
)

// DefaultPageSize is the default number of elements fetched per page.
const DefaultPageSize = 500

// Finder finds pages of elements.
type Finder interface {
	FindElements(ctx context.Context, filter model.ElementFilter, offset, limit int) ([]*model.Element, error)
}

type selectorFunc func(types []string) (model.ElementFilter, error)

var selectors = map[string]selectorFunc{
	"itemsMissingThumbnails": typed(func(types []string) model.ElementFilter {
		return model.ElementFilter{Collection: model.CollectionItems, Types: types, MissingThumbnail: true}
	}),
	"allItems": typed(func(types []string) model.ElementFilter {
		return model.ElementFilter{Collection: model.CollectionItems, Types: types}
	}),
	"foldersInvalidContentSize": untyped(model.ElementFilter{Collection: model.CollectionFolders, InvalidContentSize: true}),
	"groupsWithFolder":          untyped(model.ElementFilter{Collection: model.CollectionGroups, HasFolder: true}),
	"allUsers":                  untyped(model.ElementFilter{Collection: model.CollectionUsers}),
}

func typed(fn func(types []string) model.ElementFilter) selectorFunc {
	return func(types []string) (model.ElementFilter, error) {
		if len(types) == 0 {
			return model.ElementFilter{}, ErrMissingTypes
		}
		return fn(types), nil
	}
}

func untyped(filter model.ElementFilter) selectorFunc {
	return func([]string) (model.ElementFilter, error) {
		return filter, nil
	}
}

// Filters resolves the selectors of a query into element filters.
func Filters(q model.Query) ([]model.ElementFilter, error) {
	sels := q.Selectors()
	if len(sels) == 0 {
		return nil, ErrEmptyQuery
	}

	filters := make([]model.ElementFilter, 0, len(sels))
	for _, sel := range sels {
		fn, ok := selectors[sel.Name]
		if !ok {
			return nil, errors.Wrapf(ErrUnknownSelector, "selector %q", sel.Name)
		}

		filter, err := fn(sel.Types)
		if err != nil {
			return nil, errors.Wrapf(err, "selector %q", sel.Name)
		}
		filters = append(filters, filter)
	}
	return filters, nil
}

// Engine computes batches of element references.
type Engine struct {
	finder   Finder
	pageSize int
}

// NewEngine returns a batch engine. A page size of zero or less uses
// the default page size.
func NewEngine(finder Finder, pageSize int) *Engine {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}

	return &Engine{
		finder:   finder,
		pageSize: pageSize,
	}
}

// Select returns the references of all elements matching any selector of
// the query, deduplicated by collection and id, in the order they were
// first selected.
func (e *Engine) Select(ctx context.Context, q model.Query) ([]model.ElementRef, error) {
	filters, err := Filters(q)
	if err != nil {
		return nil, err
	}

	seen := map[model.ElementRef]struct{}{}
	var refs []model.ElementRef
	for _, filter := range filters {
		for offset := 0; ; offset += e.pageSize {
			page, err := e.finder.FindElements(ctx, filter, offset, e.pageSize)
			if err != nil {
				return nil, errors.Wrap(err, "batch: error finding elements")
			}

			for _, el := range page {
				ref := el.Ref()
				if _, ok := seen[ref]; ok {
					continue
				}
				seen[ref] = struct{}{}
				refs = append(refs, ref)
			}

			if len(page) < e.pageSize {
				break
			}
		}
	}
	return refs, nil
}

// Batches returns the selected elements of the query split into batches
// of the query batch size.
func (e *Engine) Batches(ctx context.Context, q model.Query) ([][]model.ElementRef, error) {
	refs, err := e.Select(ctx, q)
	if err != nil {
		return nil, err
	}
	return Chunk(refs, q.BatchSize), nil
}

// Chunk splits refs into chunks of at most size elements. A size of zero
// or less returns all refs in a single chunk. No empty chunks are returned.
func Chunk(refs []model.ElementRef, size int) [][]model.ElementRef {
	if len(refs) == 0 {
		return nil
	}
	if size <= 0 {
		return [][]model.ElementRef{refs}
	}

	chunks := make([][]model.ElementRef, 0, (len(refs)+size-1)/size)
	for len(refs) > 0 {
		n := size
		if len(refs) < n {
			n = len(refs)
		}
		chunks = append(chunks, refs[:n:n])
		refs = refs[n:]
	}
	return chunks
}

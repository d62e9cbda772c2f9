package client

import (
	"context"
	"iter"
)

// Entries returns a lazy listing of path. Ranging over the sequence again
// restarts the listing from the first entry. Clients implementing
// PagedLister are read one page at a time; the rest are listed in one call
// when iteration starts.
func Entries(ctx context.Context, c Client, path string) iter.Seq2[*FileInfo, error] {
	return func(yield func(*FileInfo, error) bool) {
		if pl, ok := c.(PagedLister); ok {
			cursor := ""
			for {
				if err := ctx.Err(); err != nil {
					yield(nil, Classify("list", path, err))
					return
				}
				page, next, err := pl.ListPage(ctx, path, cursor)
				if err != nil {
					yield(nil, err)
					return
				}
				for _, fi := range page {
					if !yield(fi, nil) {
						return
					}
				}
				if next == "" {
					return
				}
				cursor = next
			}
		}

		files, err := c.ListDirectory(ctx, path)
		if err != nil {
			yield(nil, err)
			return
		}
		for _, fi := range files {
			if !yield(fi, nil) {
				return
			}
		}
	}
}

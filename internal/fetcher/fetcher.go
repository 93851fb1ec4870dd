package fetcher

import "context"

// WatchlistSource supplies the union of one watchlist category across all
// users, which defines the symbol universe a poller queries.
type WatchlistSource interface {
	CategoryUnion(category string) (map[string]struct{}, error)
}

// PricePoller runs one polling cycle against an external price API.
type PricePoller interface {
	Poll(ctx context.Context) error
}

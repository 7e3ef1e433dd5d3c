package dataservice

// RequestSource is the seed batch of Requests a worker.Service drives to
// completion. Each Request carries its own Fetcher or FetcherName, so the
// source needs nothing beyond the requests themselves.
type RequestSource []*Request

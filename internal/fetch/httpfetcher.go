package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/bookkeeperd/bookkeeperd/internal/index"
	"github.com/bookkeeperd/bookkeeperd/pkg/errors"
)

// HTTPFetcher reads remote file ranges over HTTP range requests. File
// paths that are already absolute URLs are fetched directly; bare paths
// are resolved against the configured base endpoint.
type HTTPFetcher struct {
	client *http.Client
	base   string
}

// NewHTTPFetcher creates a fetcher. The per-read deadline comes from
// the caller's context, so the client itself carries no timeout.
func NewHTTPFetcher(base string, client *http.Client) *HTTPFetcher {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPFetcher{client: client, base: strings.TrimRight(base, "/")}
}

func (f *HTTPFetcher) resolve(id index.FileID) string {
	if strings.HasPrefix(id.Path, "http://") || strings.HasPrefix(id.Path, "https://") {
		return id.Path
	}
	return f.base + "/" + url.PathEscape(strings.TrimLeft(id.Path, "/"))
}

// Read fetches the bytes of r, short when the file ends inside r and
// empty when the whole range lies past the end of the file.
func (f *HTTPFetcher) Read(ctx context.Context, id index.FileID, r index.Range) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.resolve(id), nil)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeFetchFailed, "build request", err)
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", r.Start, r.End-1))

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusPartialContent:
		return io.ReadAll(resp.Body)
	case http.StatusRequestedRangeNotSatisfiable:
		// The range starts at or past the end of the file.
		return nil, nil
	case http.StatusOK:
		// The server ignored the range header; read only the prefix that
		// covers the range and slice it, never the whole object.
		body, err := io.ReadAll(io.LimitReader(resp.Body, r.End))
		if err != nil {
			return nil, err
		}
		if r.Start >= int64(len(body)) {
			return nil, nil
		}
		end := r.End
		if end > int64(len(body)) {
			end = int64(len(body))
		}
		return body[r.Start:end], nil
	default:
		return nil, errors.Newf(errors.ErrCodeFetchFailed, "remote returned %s for %s", resp.Status, id.Path)
	}
}

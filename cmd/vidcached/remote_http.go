package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/haven-hvn/vidcache/internal/core"
	"github.com/haven-hvn/vidcache/pkg/remote"
)

// httpEntityClient is the minimal remote.EntityClient an embedder can point
// at any HTTP directory that speaks the WireEntity JSON shape. It exists so
// cmd/vidcached has something real to sync against without vendoring a
// specific backend's SDK.
type httpEntityClient struct {
	baseURL string
	client  *http.Client
}

func newHTTPEntityClient(baseURL string) *httpEntityClient {
	return &httpEntityClient{baseURL: baseURL, client: &http.Client{Timeout: 15 * time.Second}}
}

func (c *httpEntityClient) ListByOwner(ctx context.Context, owner string, limit int) ([]core.WireEntity, error) {
	return c.QueryByOwner(ctx, owner, remote.QueryOptions{Limit: limit})
}

func (c *httpEntityClient) QueryByOwner(ctx context.Context, owner string, opts remote.QueryOptions) ([]core.WireEntity, error) {
	u := fmt.Sprintf("%s/entities?owner=%s", c.baseURL, url.QueryEscape(owner))
	if opts.Limit > 0 {
		u += fmt.Sprintf("&limit=%d", opts.Limit)
	}
	if opts.Cursor != "" {
		u += "&cursor=" + url.QueryEscape(opts.Cursor)
	}

	var entities []core.WireEntity
	if err := c.getJSON(ctx, u, &entities); err != nil {
		return nil, err
	}
	return entities, nil
}

func (c *httpEntityClient) GetEntity(ctx context.Context, id string) (*core.WireEntity, error) {
	var entity core.WireEntity
	u := fmt.Sprintf("%s/entities/%s", c.baseURL, url.PathEscape(id))
	if err := c.getJSON(ctx, u, &entity); err != nil {
		return nil, err
	}
	return &entity, nil
}

func (c *httpEntityClient) BlockTiming(ctx context.Context) (remote.BlockTiming, error) {
	var timing remote.BlockTiming
	if err := c.getJSON(ctx, c.baseURL+"/block-timing", &timing); err != nil {
		return remote.BlockTiming{}, err
	}
	return timing, nil
}

func (c *httpEntityClient) getJSON(ctx context.Context, u string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("remote: %s: unexpected status %d", u, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// httpContentFetcher fetches raw content bytes over HTTP(S), the transport
// acorde's blob store never needed since everything was already local.
type httpContentFetcher struct {
	client *http.Client
}

func newHTTPContentFetcher() *httpContentFetcher {
	return &httpContentFetcher{client: &http.Client{Timeout: 60 * time.Second}}
}

func (f *httpContentFetcher) Fetch(ctx context.Context, address string, opts remote.FetchOptions) ([]byte, error) {
	timeout := 60 * time.Second
	if opts.TimeoutSeconds > 0 {
		timeout = time.Duration(opts.TimeoutSeconds) * time.Second
	}
	fetchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, address, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: unexpected status %d", address, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

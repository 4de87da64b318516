package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// maxPageListBytes bounds the page index response.
const maxPageListBytes = 8 << 20

// PageRef is one entry of the upstream page index.
type PageRef struct {
	ID        string `json:"id"`
	Title     string `json:"title,omitempty"`
	Canonical string `json:"canonical,omitempty"`
}

// pageList accepts both index shapes served by the site: a list of page
// objects, or a bare list of ids.
type pageList struct {
	Success *bool     `json:"success,omitempty"`
	Pages   []PageRef `json:"pages"`
	PageIDs []string  `json:"pageIds"`
	Error   string    `json:"error,omitempty"`
}

// FetchPageList fetches the page index from listURL, which may be absolute
// or relative to the base URL.
func (c *Client) FetchPageList(ctx context.Context, listURL string) ([]PageRef, error) {
	target := c.resolve(listURL)
	header := http.Header{}
	header.Set("Accept", "application/json")

	var refs []PageRef
	err := retryWithBackoff(ctx, c.retry, c.logger, func() error {
		resp, err := c.do(ctx, http.MethodGet, target, header, nil)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			io.Copy(io.Discard, resp.Body)
			return &FetchError{StatusCode: resp.StatusCode, Class: ErrorClassClient, Message: "unexpected page list status"}
		}

		var body pageList
		if err := json.NewDecoder(io.LimitReader(resp.Body, maxPageListBytes)).Decode(&body); err != nil {
			return &FetchError{StatusCode: resp.StatusCode, Class: ErrorClassClient, Message: "decode page list", Err: err}
		}
		if body.Success != nil && !*body.Success {
			return &FetchError{StatusCode: resp.StatusCode, Class: ErrorClassServer, Message: fmt.Sprintf("page list failed: %s", body.Error)}
		}

		refs = make([]PageRef, 0, len(body.Pages)+len(body.PageIDs))
		refs = append(refs, body.Pages...)
		for _, id := range body.PageIDs {
			refs = append(refs, PageRef{ID: id})
		}
		return nil
	}, ClassOf)
	if err != nil {
		return nil, fmt.Errorf("fetch page list: %w", err)
	}

	c.logger.Debug().Str("url", target).Int("pages", len(refs)).Msg("Fetched page list")
	return refs, nil
}

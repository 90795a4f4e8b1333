package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/lexmetrics/go-sync-backend/internal/domain"
)

var linkPartRe = regexp.MustCompile(`<([^>]+)>;\s*rel="([^"]+)"`)

// parseLinkHeader splits an RFC 8288 Link header into rel -> URL.
func parseLinkHeader(header string) map[string]string {
	links := map[string]string{}
	if header == "" {
		return links
	}
	for _, part := range strings.Split(header, ",") {
		if m := linkPartRe.FindStringSubmatch(strings.TrimSpace(part)); m != nil {
			links[m[2]] = m[1]
		}
	}
	return links
}

// extractPageToken pulls the cursor parameter out of a next-page URL.
func extractPageToken(rawURL, param string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	return u.Query().Get(param), nil
}

// decodeItems interprets a list response body. The upstream wraps page
// results as {"data": [...]} (older endpoints use "items"), while a few
// flat endpoints return a bare JSON array.
func decodeItems(body []byte) ([]domain.Record, error) {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return nil, nil
	}
	if strings.HasPrefix(trimmed, "[") {
		var items []domain.Record
		if err := json.Unmarshal(body, &items); err != nil {
			return nil, fmt.Errorf("decoding list response: %w", err)
		}
		return items, nil
	}
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("decoding response envelope: %w", err)
	}
	for _, key := range []string{"data", "items"} {
		raw, ok := envelope[key]
		if !ok {
			continue
		}
		var items []domain.Record
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, fmt.Errorf("decoding %q list: %w", key, err)
		}
		return items, nil
	}
	// A single object response counts as one item.
	var single domain.Record
	if err := json.Unmarshal(body, &single); err != nil {
		return nil, fmt.Errorf("decoding object response: %w", err)
	}
	return []domain.Record{single}, nil
}

// GetAllPages walks a cursor-paginated collection to completion.
//
// The walk stops when the Link header has no rel="next", after three
// consecutive empty pages (some endpoints keep emitting next links past
// the end of the data), or at the maxPages ceiling. A next link whose
// URL cannot be parsed or carries no cursor is ErrBadNextLink: the
// caller must not mistake a truncated walk for a complete one.
func (c *Client) GetAllPages(ctx context.Context, endpoint string, extra url.Values) ([]domain.Record, error) {
	const maxConsecutiveEmpty = 3

	var all []domain.Record
	pageToken := ""
	consecutiveEmpty := 0

	for page := 1; page <= c.maxPages; page++ {
		query := url.Values{}
		for k, vs := range extra {
			query[k] = vs
		}
		query.Set("per_page", strconv.Itoa(c.perPage))
		if pageToken != "" {
			query.Set(c.pageTokenParam, pageToken)
		}

		body, headers, err := c.Get(ctx, endpoint, query)
		if err != nil {
			return all, err
		}
		items, err := decodeItems(body)
		if err != nil {
			return all, err
		}
		all = append(all, items...)

		if len(items) == 0 {
			consecutiveEmpty++
			if consecutiveEmpty >= maxConsecutiveEmpty {
				c.log.Debug().
					Str("endpoint", endpoint).
					Int("pages", page).
					Msg("stopping pagination after consecutive empty pages")
				break
			}
		} else {
			consecutiveEmpty = 0
		}

		links := parseLinkHeader(headers.Get("Link"))
		next, ok := links["next"]
		if !ok {
			break
		}
		token, err := extractPageToken(next, c.pageTokenParam)
		if err != nil || token == "" {
			return all, fmt.Errorf("%w: %q", ErrBadNextLink, next)
		}
		pageToken = token

		if page%5 == 0 || page <= 3 {
			c.log.Debug().
				Str("endpoint", endpoint).
				Int("page", page).
				Int("fetched", len(all)).
				Str("item_count", headers.Get("Item-Count")).
				Msg("pagination progress")
		}
		if c.pageDelay > 0 {
			if err := c.sleep(ctx, c.pageDelay); err != nil {
				return all, err
			}
		}
	}

	c.log.Debug().
		Str("endpoint", endpoint).
		Int("items", len(all)).
		Msg("pagination complete")
	return all, nil
}

// FetchEntities retrieves the complete upstream dataset for one entity
// type: a full page walk for paginated collections, a single GET for
// flat ones.
func (c *Client) FetchEntities(ctx context.Context, et domain.EntityType) ([]domain.Record, error) {
	if !et.Valid() {
		return nil, fmt.Errorf("upstream: unknown entity type %q", et)
	}
	if et.Paginated() {
		return c.GetAllPages(ctx, et.Endpoint(), nil)
	}
	body, _, err := c.Get(ctx, et.Endpoint(), nil)
	if err != nil {
		return nil, err
	}
	return decodeItems(body)
}

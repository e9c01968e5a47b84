package media

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/FeedForge/reelcore/internal/swrcache"
)

// Page is one feed page as served by the data service.
type Page struct {
	Items []Item `json:"items"`
	Total int    `json:"total"`
}

// IsPlaceholder marks an empty page as a transient result the cache
// must not lock in.
func (p Page) IsPlaceholder() bool {
	return len(p.Items) == 0
}

// Client is an HTTP FeedService backed by the stale-while-revalidate
// cache, so repeated scrolling over the same pages stays off the
// network.
type Client struct {
	baseURL  string
	pageSize int
	client   *http.Client
	cache    *swrcache.Cache
	logger   *zap.Logger

	mu    sync.Mutex
	total int
}

// NewClient creates a feed client for the service at baseURL.
func NewClient(baseURL string, cache *swrcache.Cache, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:  baseURL,
		pageSize: 20,
		client:   &http.Client{Timeout: 10 * time.Second},
		cache:    cache,
		logger:   logger,
	}
}

// ItemAt returns the item at a feed position, fetching its page
// through the cache.
func (c *Client) ItemAt(ctx context.Context, index int) (Item, error) {
	if index < 0 {
		return Item{}, fmt.Errorf("feed index %d out of range", index)
	}
	pageNum := index / c.pageSize
	key := swrcache.Key{Category: swrcache.CategoryMediaList, ID: "page-" + strconv.Itoa(pageNum)}

	page, err := swrcache.Get(ctx, c.cache, key, func(ctx context.Context) (Page, error) {
		return c.fetchPage(ctx, pageNum)
	})
	if err != nil {
		return Item{}, err
	}

	c.mu.Lock()
	if page.Total > 0 {
		c.total = page.Total
	}
	c.mu.Unlock()

	offset := index % c.pageSize
	if offset >= len(page.Items) {
		return Item{}, fmt.Errorf("feed index %d out of range", index)
	}
	return page.Items[offset], nil
}

// Len returns the total item count last reported by the service.
func (c *Client) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

func (c *Client) fetchPage(ctx context.Context, pageNum int) (Page, error) {
	url := fmt.Sprintf("%s/feed?page=%d&size=%d", c.baseURL, pageNum, c.pageSize)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Page{}, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return Page{}, fmt.Errorf("fetch feed page %d: %w", pageNum, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return Page{}, fmt.Errorf("fetch feed page %d: status %d", pageNum, resp.StatusCode)
	}
	var page Page
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return Page{}, fmt.Errorf("decode feed page %d: %w", pageNum, err)
	}
	return page, nil
}

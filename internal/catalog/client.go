package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/time/rate"

	"github.com/tapline-io/tapline/internal/canonicalization"
)

// maxResponseBytes caps the lookup response body read. The search endpoint
// returns at most a few dozen drinks; anything larger is a malformed payload.
const maxResponseBytes = 1 << 20

type (
	// Searcher is the keyed lookup service contract used by the Resolver.
	//
	// Implementations must treat every failure mode (transport error, timeout,
	// non-success status, malformed payload) as ErrLookupFailed so callers can
	// record the key as failed and continue.
	Searcher interface {
		// Search returns the catalog's candidate rows for a drink name.
		// Zero rows with a nil error means the catalog knows no such drink.
		Search(ctx context.Context, name string) ([]Entry, error)
	}

	// Client is a rate-limited HTTP client for the cocktail catalog search API.
	//
	// The service is rate-limited, occasionally inconsistent (stale or duplicate
	// rows), and unauthenticated. Every request waits on the shared token-bucket
	// limiter and carries a per-request timeout.
	Client struct {
		httpClient *http.Client
		baseURL    string
		limiter    *rate.Limiter
	}

	// drinkPayload mirrors the search endpoint's JSON row shape.
	drinkPayload struct {
		IDDrink      string `json:"idDrink"`
		StrDrink     string `json:"strDrink"`
		StrCategory  string `json:"strCategory"`
		StrIBA       string `json:"strIBA"`
		StrAlcoholic string `json:"strAlcoholic"`
		StrGlass     string `json:"strGlass"`
		DateModified string `json:"dateModified"`
	}

	// searchResponse mirrors the search endpoint's JSON envelope.
	// Drinks is null (not an empty array) when the catalog has no match.
	searchResponse struct {
		Drinks []drinkPayload `json:"drinks"`
	}
)

var _ Searcher = (*Client)(nil)

// NewClient creates a catalog lookup client from configuration.
// Returns ErrBaseURLEmpty if the base URL is missing.
func NewClient(cfg *Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = defaultRequestsPerSecond
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.LookupTimeout,
		},
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
	}, nil
}

// Search queries the catalog for candidate rows matching a drink name.
//
// The call blocks on the rate limiter first, then issues
// GET {base}/search.php?s={name}. All failure modes map to ErrLookupFailed:
// the caller records the key as failed and the run continues.
func (c *Client) Search(ctx context.Context, name string) ([]Entry, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: rate limiter: %w", ErrLookupFailed, err)
	}

	endpoint := fmt.Sprintf("%s/search.php?s=%s", c.baseURL, url.QueryEscape(name))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request for %q: %w", ErrLookupFailed, name, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %w", ErrLookupFailed, name, err)
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %q: status %d", ErrLookupFailed, name, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: %q: read body: %w", ErrLookupFailed, name, err)
	}

	var payload searchResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: %q: malformed payload: %w", ErrLookupFailed, name, err)
	}

	entries := make([]Entry, 0, len(payload.Drinks))
	for _, drink := range payload.Drinks {
		entries = append(entries, drink.toEntry())
	}

	return entries, nil
}

// toEntry normalizes a raw catalog row into the domain model.
// String fields are canonicalized with the same rule applied to sale records so
// the sales/catalog join holds.
func (d drinkPayload) toEntry() Entry {
	// The catalog omits dateModified for some rows; the zero time sorts last in
	// the last-write-wins collapse, which is the conservative choice.
	lastModified, _ := canonicalization.ParseTimestamp(d.DateModified)

	return Entry{
		ProductKey:   canonicalization.CanonicalProductKey(d.StrDrink),
		CatalogID:    strings.TrimSpace(d.IDDrink),
		DisplayName:  strings.TrimSpace(d.StrDrink),
		Category:     strings.ToLower(strings.TrimSpace(d.StrCategory)),
		IBA:          strings.ToLower(strings.TrimSpace(d.StrIBA)),
		Alcoholic:    strings.EqualFold(strings.TrimSpace(d.StrAlcoholic), "alcoholic"),
		GlassType:    strings.ToLower(strings.TrimSpace(d.StrGlass)),
		LastModified: lastModified,
	}
}

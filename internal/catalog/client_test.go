package catalog

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewClient(&Config{
		BaseURL:           server.URL,
		LookupTimeout:     2 * time.Second,
		RequestsPerSecond: 100,
		LookupConcurrency: 4,
	})
	require.NoError(t, err)

	return client
}

func TestClientSearchParsesPayload(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/search.php", r.URL.Path)
		assert.Equal(t, "mojito", r.URL.Query().Get("s"))

		_, _ = w.Write([]byte(`{"drinks":[{
			"idDrink":"11000",
			"strDrink":"Mojito",
			"strCategory":"Cocktail",
			"strIBA":"Contemporary Classics",
			"strAlcoholic":"Alcoholic",
			"strGlass":"Highball glass",
			"dateModified":"2016-11-04 09:17:09"
		}]}`))
	})

	entries, err := client.Search(context.Background(), "mojito")
	require.NoError(t, err)
	require.Len(t, entries, 1)

	entry := entries[0]
	assert.Equal(t, "mojito", entry.ProductKey, "product key canonicalized like sale records")
	assert.Equal(t, "11000", entry.CatalogID)
	assert.Equal(t, "Mojito", entry.DisplayName)
	assert.Equal(t, "cocktail", entry.Category)
	assert.Equal(t, "contemporary classics", entry.IBA)
	assert.True(t, entry.Alcoholic)
	assert.Equal(t, "highball glass", entry.GlassType)
	assert.Equal(t, time.Date(2016, 11, 4, 9, 17, 9, 0, time.UTC), entry.LastModified)
}

func TestClientSearchNullDrinks(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"drinks":null}`))
	})

	entries, err := client.Search(context.Background(), "no such drink")
	require.NoError(t, err, "an unknown drink is an empty result, not an error")
	assert.Empty(t, entries)
}

func TestClientSearchNonSuccessStatus(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := client.Search(context.Background(), "mojito")
	require.ErrorIs(t, err, ErrLookupFailed)
}

func TestClientSearchMalformedPayload(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<html>not json</html>`))
	})

	_, err := client.Search(context.Background(), "mojito")
	require.ErrorIs(t, err, ErrLookupFailed)
}

func TestClientSearchNullFieldsTolerated(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"drinks":[{
			"idDrink":"12345",
			"strDrink":"Test Drink",
			"strCategory":null,
			"strIBA":null,
			"strAlcoholic":"Non alcoholic",
			"strGlass":null,
			"dateModified":null
		}]}`))
	})

	entries, err := client.Search(context.Background(), "test drink")
	require.NoError(t, err)
	require.Len(t, entries, 1)

	assert.False(t, entries[0].Alcoholic)
	assert.Empty(t, entries[0].IBA)
	assert.True(t, entries[0].LastModified.IsZero(), "missing dateModified sorts last in the collapse")
}

func TestNewClientEmptyBaseURL(t *testing.T) {
	_, err := NewClient(&Config{})
	require.ErrorIs(t, err, ErrBaseURLEmpty)
}

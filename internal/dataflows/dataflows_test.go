package dataflows

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateSymbol(t *testing.T) {
	for _, s := range []string{"AAPL", "brk.b", "0700.HK", "600519.SH", "^GSPC"} {
		assert.NoError(t, ValidateSymbol(s), s)
	}
	for _, s := range []string{"", "  ", "AA PL", "TOO-LONG-SYMBOL-NAME"} {
		assert.ErrorIs(t, ValidateSymbol(s), ErrInvalidSymbol, s)
	}
	assert.True(t, IsAsianListing("0700.hk"))
	assert.False(t, IsAsianListing("AAPL"))
}

func TestProviderErrorTemporary(t *testing.T) {
	assert.True(t, (&ProviderError{Provider: "x", Status: 503, Err: errors.New("down")}).Temporary())
	assert.True(t, (&ProviderError{Provider: "x", Status: 429, Err: errors.New("slow down")}).Temporary())
	assert.False(t, (&ProviderError{Provider: "x", Status: 404, Err: errors.New("nope")}).Temporary())
	assert.True(t, IsPermanent(&ProviderError{Provider: "x", Err: ErrNotConfigured}))
	assert.False(t, IsPermanent(&ProviderError{Provider: "x", Err: errors.New("connection reset")}))
}

func TestFinnhubCompanyNews(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/company-news", r.URL.Path)
		assert.Equal(t, "AAPL", r.URL.Query().Get("symbol"))
		assert.Equal(t, "2024-05-03", r.URL.Query().Get("from"))
		assert.Equal(t, "secret", r.URL.Query().Get("token"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"headline":"Apple beats","summary":"strong quarter","url":"https://x","source":"wire","datetime":1715300000}]`))
	}))
	defer srv.Close()

	p := &Providers{Finnhub: NewFinnhubClient("secret", WithFinnhubBaseURL(srv.URL))}
	recs, err := p.CompanyNews(context.Background(), Args{
		Symbol: "aapl",
		AsOf:   time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "Apple beats", recs[0]["title"])
	assert.Equal(t, "wire", recs[0]["source"])
}

func TestFinnhubStatusErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	fc := NewFinnhubClient("secret", WithFinnhubBaseURL(srv.URL))
	_, err := fc.BasicFinancials(context.Background(), "AAPL")
	var pe *ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, http.StatusTooManyRequests, pe.Status)
	assert.False(t, IsPermanent(err))

	_, err = NewFinnhubClient("").CompanyNews(context.Background(), "AAPL", time.Now(), time.Now())
	assert.ErrorIs(t, err, ErrNotConfigured)
	assert.True(t, IsPermanent(err))
}

func TestFundamentalsSortedNumericMetrics(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"symbol":"AAPL","metric":{"peTTM":28.5,"beta":1.2,"note":"n/a"}}`))
	}))
	defer srv.Close()

	p := &Providers{Finnhub: NewFinnhubClient("k", WithFinnhubBaseURL(srv.URL))}
	recs, err := p.Fundamentals(context.Background(), Args{Symbol: "AAPL"})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "beta", recs[0]["metric"])
	assert.Equal(t, "peTTM", recs[1]["metric"])
}

const newsPage = `<html><body>
<article><h3>Chipmaker rallies</h3><a href="./articles/abc">x</a><div data-n-tid="29">Reuters</div>
<time datetime="2024-05-09T12:00:00Z">1 day ago</time><span>Shares rose</span></article>
<article><h4>Second story</h4><a href="/articles/def">y</a><time>3 hours ago</time></article>
<article><p>no title here</p></article>
</body></html>`

func TestGoogleNewsSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/search", r.URL.Path)
		assert.Contains(t, r.URL.Query().Get("q"), "NVDA stock")
		assert.Equal(t, "US:en", r.URL.Query().Get("ceid"))
		_, _ = w.Write([]byte(newsPage))
	}))
	defer srv.Close()

	now := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)
	client := NewGoogleNewsClient(WithGoogleNewsBaseURL(srv.URL))
	client.now = func() time.Time { return now }

	p := &Providers{News: client}
	recs, err := p.GoogleNews(context.Background(), Args{Symbol: "NVDA", AsOf: now})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "Chipmaker rallies", recs[0]["title"])
	assert.Equal(t, "Reuters", recs[0]["source"])
	assert.Equal(t, "https://news.google.com/articles/abc", recs[0]["url"])
	assert.Equal(t, "2024-05-09T12:00:00Z", recs[0]["published_at"])
	assert.Equal(t, "Google News", recs[1]["source"])
	assert.Equal(t, "2024-05-10T09:00:00Z", recs[1]["published_at"])
}

func TestMissingClientsAreNotConfigured(t *testing.T) {
	p := &Providers{}
	ctx := context.Background()
	for name, fetch := range map[string]FetchFunc{
		"stock":     p.StockData,
		"quote":     p.Quote,
		"news":      p.CompanyNews,
		"insider":   p.InsiderSentiment,
		"google":    p.GoogleNews,
		"fundament": p.Fundamentals,
	} {
		_, err := fetch(ctx, Args{Symbol: "AAPL"})
		assert.ErrorIs(t, err, ErrNotConfigured, name)
	}
}

func TestLongportDailyBars(t *testing.T) {
	client, err := NewLongportClient(LongportCredentials{
		AppKey:      os.Getenv("LONGPORT_APP_KEY"),
		AppSecret:   os.Getenv("LONGPORT_APP_SECRET"),
		AccessToken: os.Getenv("LONGPORT_ACCESS_TOKEN"),
	})
	if err != nil {
		t.Skipf("Skipping test due to missing Longport API credentials: %v", err)
	}
	defer client.Close()

	bars, err := client.DailyBars(context.Background(), "700.HK", 5)
	require.NoError(t, err)
	assert.NotEmpty(t, bars)
}

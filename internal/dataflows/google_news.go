package dataflows

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-resty/resty/v2"
)

const googleNewsBaseURL = "https://news.google.com"

// GoogleNewsClient scrapes the Google News search page.
type GoogleNewsClient struct {
	client  *resty.Client
	baseURL string
	now     func() time.Time
}

type GoogleNewsOption func(*GoogleNewsClient)

func WithGoogleNewsBaseURL(u string) GoogleNewsOption {
	return func(c *GoogleNewsClient) { c.baseURL = strings.TrimRight(u, "/") }
}

func NewGoogleNewsClient(opts ...GoogleNewsOption) *GoogleNewsClient {
	client := resty.New()
	client.SetTimeout(30 * time.Second)
	client.SetHeader("User-Agent", "Mozilla/5.0 (compatible; tradeflow/1.0)")

	c := &GoogleNewsClient{client: client, baseURL: googleNewsBaseURL, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type GoogleNewsParams struct {
	Query      string
	Language   string
	Country    string
	StartDate  time.Time
	EndDate    time.Time
	MaxResults int
}

func (c *GoogleNewsClient) Search(ctx context.Context, params GoogleNewsParams) ([]NewsArticle, error) {
	if strings.TrimSpace(params.Query) == "" {
		return nil, &ProviderError{Provider: "google_news", Err: fmt.Errorf("search query cannot be empty")}
	}
	if params.Language == "" {
		params.Language = "en"
	}
	if params.Country == "" {
		params.Country = "US"
	}
	if params.MaxResults <= 0 {
		params.MaxResults = 20
	}

	resp, err := c.client.R().SetContext(ctx).SetDoNotParseResponse(true).Get(c.searchURL(params))
	if err != nil {
		return nil, &ProviderError{Provider: "google_news", Err: err}
	}
	body := resp.RawBody()
	defer body.Close()
	if resp.StatusCode() != http.StatusOK {
		return nil, &ProviderError{Provider: "google_news", Status: resp.StatusCode(), Err: fmt.Errorf("unexpected status")}
	}

	doc, err := goquery.NewDocumentFromReader(body)
	if err != nil {
		return nil, &ProviderError{Provider: "google_news", Err: fmt.Errorf("parse html: %w", err)}
	}
	articles := c.parse(doc)
	if len(articles) > params.MaxResults {
		articles = articles[:params.MaxResults]
	}
	return articles, nil
}

func (c *GoogleNewsClient) searchURL(params GoogleNewsParams) string {
	q := params.Query
	if !params.StartDate.IsZero() && !params.EndDate.IsZero() {
		q += fmt.Sprintf(" after:%s before:%s",
			params.StartDate.Format("2006-01-02"),
			params.EndDate.Format("2006-01-02"))
	}
	v := url.Values{}
	v.Set("q", q)
	v.Set("hl", params.Language)
	v.Set("gl", params.Country)
	v.Set("ceid", params.Country+":"+params.Language)
	return c.baseURL + "/search?" + v.Encode()
}

func (c *GoogleNewsClient) parse(doc *goquery.Document) []NewsArticle {
	var articles []NewsArticle
	doc.Find("article").Each(func(_ int, s *goquery.Selection) {
		title := strings.TrimSpace(s.Find("h3").Text())
		if title == "" {
			title = strings.TrimSpace(s.Find("h4").Text())
		}
		if title == "" {
			return
		}
		href, ok := s.Find("a").First().Attr("href")
		if !ok {
			return
		}

		source := strings.TrimSpace(s.Find("div[data-n-tid]").Text())
		if source == "" {
			source = "Google News"
		}

		published := c.now().Add(-time.Hour)
		if dt, ok := s.Find("time").Attr("datetime"); ok {
			if t, err := time.Parse(time.RFC3339, dt); err == nil {
				published = t
			}
		} else {
			published = c.parseRelativeTime(s.Find("time").Text())
		}

		articles = append(articles, NewsArticle{
			Title:       title,
			Content:     strings.TrimSpace(s.Find("span").Last().Text()),
			URL:         c.cleanURL(href),
			Source:      source,
			PublishedAt: published.UTC(),
		})
	})
	return articles
}

// cleanURL removes the Google News redirect wrapper
func (c *GoogleNewsClient) cleanURL(href string) string {
	if i := strings.Index(href, "url="); i >= 0 {
		if decoded, err := url.QueryUnescape(href[i+4:]); err == nil {
			return decoded
		}
	}
	if strings.HasPrefix(href, "./") {
		return googleNewsBaseURL + href[1:]
	}
	if strings.HasPrefix(href, "/") {
		return googleNewsBaseURL + href
	}
	return href
}

var relativeTime = regexp.MustCompile(`(\d+)\s*(minute|hour|day|week)s?\s*ago`)

func (c *GoogleNewsClient) parseRelativeTime(text string) time.Time {
	now := c.now()
	text = strings.ToLower(strings.TrimSpace(text))
	if text == "just now" {
		return now
	}
	if text == "yesterday" {
		return now.Add(-24 * time.Hour)
	}
	m := relativeTime.FindStringSubmatch(text)
	if len(m) != 3 {
		// unknown format, assume recent
		return now.Add(-time.Hour)
	}
	n, _ := strconv.Atoi(m[1])
	unit := map[string]time.Duration{
		"minute": time.Minute,
		"hour":   time.Hour,
		"day":    24 * time.Hour,
		"week":   7 * 24 * time.Hour,
	}[m[2]]
	return now.Add(-time.Duration(n) * unit)
}

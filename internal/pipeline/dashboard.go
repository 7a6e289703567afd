package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// Alert is one row scraped from the target dashboard.
type Alert struct {
	Severity   string
	Service    string
	Summary    string
	DetailPath string
}

// DashboardClient fetches and parses the ops dashboard the pipeline
// observes and acts on.
type DashboardClient struct {
	BaseURL string
	HTTP    *http.Client
}

func (c *DashboardClient) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return &http.Client{Timeout: 15 * time.Second}
}

// Fetch retrieves a dashboard page and parses it. Network errors and 5xx
// responses are retryable; 4xx responses mean the target is misconfigured
// and are fatal.
func (c *DashboardClient) Fetch(ctx context.Context, path string) (*goquery.Document, error) {
	target, err := url.JoinPath(c.BaseURL, path)
	if err != nil {
		return nil, Fatalf("bad dashboard url %q: %v", c.BaseURL, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, Fatal(err)
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("dashboard returned %d for %s", resp.StatusCode, target)
	}
	if resp.StatusCode >= 400 {
		return nil, Fatalf("dashboard returned %d for %s", resp.StatusCode, target)
	}
	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", target, err)
	}
	return doc, nil
}

// parseAlerts extracts alert rows from the dashboard page. Rows are
// expected as table rows carrying severity, service and summary cells,
// with an optional detail link.
func parseAlerts(doc *goquery.Document) []Alert {
	var alerts []Alert
	doc.Find("table.alerts tbody tr, tr.alert-row").Each(func(_ int, row *goquery.Selection) {
		cells := row.Find("td")
		if cells.Length() < 3 {
			return
		}
		a := Alert{
			Severity: strings.TrimSpace(cells.Eq(0).Text()),
			Service:  strings.TrimSpace(cells.Eq(1).Text()),
			Summary:  strings.TrimSpace(cells.Eq(2).Text()),
		}
		if href, ok := row.Find("a").First().Attr("href"); ok {
			a.DetailPath = href
		}
		alerts = append(alerts, a)
	})
	return alerts
}

// pageTitle returns the page title or first heading, for observations.
func pageTitle(doc *goquery.Document) string {
	if t := strings.TrimSpace(doc.Find("title").First().Text()); t != "" {
		return t
	}
	return strings.TrimSpace(doc.Find("h1").First().Text())
}

// Package fetch obtains zone collection rules from the municipal
// Info-Collecte site.
//
// It is the narrow upstream boundary the rule store depends on: it returns
// either a validated rule set or a typed *FetchError. Parsing problems never
// propagate as panics or partial data.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"collecte/internal/rules"
	logx "collecte/pkg/logx"
)

// FetchError reports an upstream scraping failure. The rule store degrades
// to cached data on it; it is never fatal.
type FetchError struct {
	Zone string
	Err  error
}

func (e *FetchError) Error() string { return "fetch zone " + e.Zone + ": " + e.Err.Error() }
func (e *FetchError) Unwrap() error { return e.Err }

func fetchErr(zone string, format string, args ...any) error {
	return &FetchError{Zone: zone, Err: fmt.Errorf(format, args...)}
}

const (
	defaultBaseURL = "https://www.ville.quebec.qc.ca/services/info-collecte/"
	userAgent      = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36"

	// ASP.NET form field prefix for the address search control.
	fieldPrefix     = "ctl00$ctl00$contenu$texte_page$ucInfoCollecteRechercheAdresse$RechercheAdresse$"
	fieldPostalCode = fieldPrefix + "txtCodePostal"
	fieldSearchBtn  = fieldPrefix + "BtnCodePostal"
	fieldAddrChoice = fieldPrefix + "ddChoix"
	fieldChoiceBtn  = fieldPrefix + "btnChoix"
)

type Config struct {
	BaseURL string
	Timeout time.Duration
}

// Client scrapes Info-Collecte. It implements rulestore.Fetcher with the
// postal code as the zone code.
type Client struct {
	baseURL string
	hc      *http.Client
	log     logx.Logger
}

func NewClient(cfg Config, log logx.Logger) *Client {
	base := strings.TrimSpace(cfg.BaseURL)
	if base == "" {
		base = defaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		baseURL: base,
		hc:      &http.Client{Timeout: timeout},
		log:     log,
	}
}

// FetchZone retrieves and parses the schedule for one postal code.
func (c *Client) FetchZone(ctx context.Context, code string) (rules.Zone, error) {
	postal := formatPostal(code)

	html, err := c.search(ctx, postal)
	if err != nil {
		return rules.Zone{}, &FetchError{Zone: code, Err: err}
	}

	sched, err := ParseSchedule(html)
	if err != nil {
		return rules.Zone{}, &FetchError{Zone: code, Err: err}
	}

	return BuildZone(code, sched), nil
}

// search performs the ASP.NET form dance: GET for hidden fields, POST the
// postal code, and when multiple addresses match, select the first and
// continue.
func (c *Client) search(ctx context.Context, postal string) (string, error) {
	page, err := c.get(ctx)
	if err != nil {
		return "", err
	}

	fields := extractFormFields(page)
	if fields.Get("__VIEWSTATE") == "" {
		return "", fmt.Errorf("missing __VIEWSTATE on search page")
	}
	fields.Set(fieldPostalCode, postal)
	fields.Set(fieldSearchBtn, "Rechercher")

	result, err := c.post(ctx, fields)
	if err != nil {
		return "", err
	}

	addr := extractAddressChoice(result)
	if addr == "" {
		return result, nil
	}

	// Multiple addresses share the postal code; any of them carries the
	// same zone schedule, so pick the first.
	c.log.Debug("multiple addresses for postal code; selecting first",
		logx.String("postal", postal))
	fields2 := extractFormFields(result)
	if fields2.Get("__VIEWSTATE") == "" {
		return result, nil // try to parse the intermediate page anyway
	}
	fields2.Set(fieldPostalCode, postal)
	fields2.Set(fieldAddrChoice, addr)
	fields2.Set(fieldChoiceBtn, "Poursuivre")
	return c.post(ctx, fields2)
}

func (c *Client) get(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL, nil)
	if err != nil {
		return "", err
	}
	c.setHeaders(req)
	return c.do(req)
}

func (c *Client) post(ctx context.Context, form url.Values) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	c.setHeaders(req)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req)
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "fr-CA,fr;q=0.9,en;q=0.8")
}

func (c *Client) do(req *http.Request) (string, error) {
	resp, err := c.hc.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("upstream status %d", resp.StatusCode)
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// formatPostal renders a normalized code as the site expects ("G1R 2K8").
func formatPostal(code string) string {
	c := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(code), " ", ""))
	if len(c) == 6 {
		return c[:3] + " " + c[3:]
	}
	return c
}

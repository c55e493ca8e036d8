// Package snow queries Quebec City's open ArcGIS services for active snow
// removal operations near a subscriber's postal code.
package snow

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	logx "collecte/pkg/logx"
)

const (
	defaultGeocodeURL = "https://geocode.arcgis.com/arcgis/rest/services/World/GeocodeServer"
	defaultQueryURL   = "https://carte.ville.quebec.qc.ca/arcgis/rest/services/CI/Deneigement/MapServer/2/query"

	// Flashing-light status reported while a removal operation is running.
	statusActive = "En fonction"

	userAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36"
)

// Location is a WGS84 point.
type Location struct {
	Lat float64
	Lon float64
}

// Light is one flashing-light station near the searched location.
type Light struct {
	Station  string
	Status   string
	Street   string
	Distance float64 // meters from the searched point
}

// Active reports whether this station signals a running operation.
func (l Light) Active() bool { return l.Status == statusActive }

// Result is the outcome of one proximity check.
type Result struct {
	Found  bool
	Radius int // radius in meters that produced the result
	Lights []Light
}

// ActiveStreets returns the streets of stations with a running operation,
// nearest first.
func (r Result) ActiveStreets() []string {
	var streets []string
	for _, l := range r.Lights {
		if l.Active() {
			streets = append(streets, l.Street)
		}
	}
	return streets
}

// HasActiveOperation reports whether any nearby station is running.
func (r Result) HasActiveOperation() bool {
	for _, l := range r.Lights {
		if l.Active() {
			return true
		}
	}
	return false
}

type Config struct {
	GeocodeURL  string
	QueryURL    string
	Timeout     time.Duration
	StartRadius int // meters
	MaxRadius   int
	RadiusStep  int
}

func (c Config) withDefaults() Config {
	if c.GeocodeURL == "" {
		c.GeocodeURL = defaultGeocodeURL
	}
	if c.QueryURL == "" {
		c.QueryURL = defaultQueryURL
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.StartRadius <= 0 {
		c.StartRadius = 200
	}
	if c.MaxRadius <= 0 {
		c.MaxRadius = 500
	}
	if c.RadiusStep <= 0 {
		c.RadiusStep = 100
	}
	return c
}

// Client talks to the geocoder and the snow removal map service.
// It is safe for concurrent use.
type Client struct {
	cfg   Config
	log   logx.Logger
	httpc *http.Client
}

func NewClient(cfg Config, log logx.Logger) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		cfg:   cfg,
		log:   log,
		httpc: &http.Client{Timeout: cfg.Timeout},
	}
}

// Geocode resolves a postal code to coordinates using the ArcGIS World
// Geocoder.
func (c *Client) Geocode(ctx context.Context, postalCode string) (Location, error) {
	normalized := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(postalCode), " ", ""))
	formatted := normalized
	if len(normalized) == 6 {
		formatted = normalized[:3] + " " + normalized[3:]
	}

	params := url.Values{
		"SingleLine": {formatted + ", Quebec, Canada"},
		"f":          {"json"},
		"outFields":  {"*"},
	}
	var out struct {
		Candidates []struct {
			Location struct {
				X float64 `json:"x"`
				Y float64 `json:"y"`
			} `json:"location"`
		} `json:"candidates"`
	}
	if err := c.getJSON(ctx, c.cfg.GeocodeURL+"/findAddressCandidates", params, &out); err != nil {
		return Location{}, fmt.Errorf("snow: geocode %s: %w", formatted, err)
	}
	if len(out.Candidates) == 0 {
		return Location{}, fmt.Errorf("snow: geocode %s: no candidates", formatted)
	}
	best := out.Candidates[0]
	return Location{Lat: best.Location.Y, Lon: best.Location.X}, nil
}

// reverseGeocode resolves a station's street name. Failures degrade to
// "Unknown" rather than failing the whole check.
func (c *Client) reverseGeocode(ctx context.Context, loc Location) string {
	params := url.Values{
		"location": {fmt.Sprintf("%f,%f", loc.Lon, loc.Lat)},
		"f":        {"json"},
		"outSR":    {"4326"},
	}
	var out struct {
		Address struct {
			Address   string `json:"Address"`
			MatchAddr string `json:"Match_addr"`
		} `json:"address"`
	}
	if err := c.getJSON(ctx, c.cfg.GeocodeURL+"/reverseGeocode", params, &out); err != nil {
		c.log.Debug("reverse geocode failed", logx.Err(err))
		return "Unknown"
	}
	if out.Address.Address != "" {
		return out.Address.Address
	}
	if out.Address.MatchAddr != "" {
		return strings.SplitN(out.Address.MatchAddr, ",", 2)[0]
	}
	return "Unknown"
}

// Check queries the flashing-light layer around loc, widening the search
// radius until stations are found or MaxRadius is reached.
func (c *Client) Check(ctx context.Context, loc Location) (Result, error) {
	for radius := c.cfg.StartRadius; ; radius += c.cfg.RadiusStep {
		if radius > c.cfg.MaxRadius {
			return Result{Found: false, Radius: c.cfg.MaxRadius}, nil
		}
		lights, err := c.queryLights(ctx, loc, radius)
		if err != nil {
			return Result{}, err
		}
		if len(lights) == 0 {
			continue
		}
		sort.Slice(lights, func(i, j int) bool { return lights[i].Distance < lights[j].Distance })
		return Result{Found: true, Radius: radius, Lights: lights}, nil
	}
}

// CheckPostal geocodes a postal code and then checks around it. It returns
// the streets with an active operation, nearest first, or an empty slice
// when nothing is running.
func (c *Client) CheckPostal(ctx context.Context, postalCode string) ([]string, error) {
	loc, err := c.Geocode(ctx, postalCode)
	if err != nil {
		return nil, err
	}
	return c.CheckNear(ctx, loc.Lat, loc.Lon)
}

// CheckNear checks around already-known coordinates, skipping the geocoder.
// The dispatch pipeline prefers this form for subscribers whose coordinates
// were resolved at subscribe time.
func (c *Client) CheckNear(ctx context.Context, lat, lon float64) ([]string, error) {
	res, err := c.Check(ctx, Location{Lat: lat, Lon: lon})
	if err != nil {
		return nil, err
	}
	if !res.Found || !res.HasActiveOperation() {
		return nil, nil
	}
	return res.ActiveStreets(), nil
}

func (c *Client) queryLights(ctx context.Context, loc Location, radius int) ([]Light, error) {
	params := url.Values{
		"geometry":       {fmt.Sprintf("%f,%f", loc.Lon, loc.Lat)},
		"geometryType":   {"esriGeometryPoint"},
		"inSR":           {"4326"},
		"spatialRel":     {"esriSpatialRelIntersects"},
		"distance":       {fmt.Sprintf("%d", radius)},
		"units":          {"esriSRUnit_Meter"},
		"outFields":      {"*"},
		"returnGeometry": {"true"},
		"outSR":          {"4326"},
		"f":              {"json"},
	}
	var out struct {
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
		Features []struct {
			Attributes struct {
				Status  string `json:"STATUT"`
				Station string `json:"STATION_NO"`
			} `json:"attributes"`
			Geometry struct {
				X float64 `json:"x"`
				Y float64 `json:"y"`
			} `json:"geometry"`
		} `json:"features"`
	}
	if err := c.getJSON(ctx, c.cfg.QueryURL, params, &out); err != nil {
		return nil, fmt.Errorf("snow: query radius %dm: %w", radius, err)
	}
	if out.Error != nil {
		return nil, fmt.Errorf("snow: query radius %dm: %s", radius, out.Error.Message)
	}

	lights := make([]Light, 0, len(out.Features))
	for _, f := range out.Features {
		station := Location{Lat: f.Geometry.Y, Lon: f.Geometry.X}
		l := Light{
			Station:  f.Attributes.Station,
			Status:   f.Attributes.Status,
			Distance: Distance(loc, station),
			Street:   "Unknown",
		}
		if station.Lat != 0 || station.Lon != 0 {
			l.Street = c.reverseGeocode(ctx, station)
		}
		lights = append(lights, l)
	}
	return lights, nil
}

func (c *Client) getJSON(ctx context.Context, rawURL string, params url.Values, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL+"?"+params.Encode(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}

package fetch

import (
	"errors"
	"net/url"
	"regexp"
	"strings"
	"time"

	"golang.org/x/net/html"

	"collecte/internal/rules"
)

// Schedule is the raw result of parsing an Info-Collecte response.
type Schedule struct {
	GarbageWeekday  time.Weekday
	RecyclingParity rules.Parity // empty when the page only says "biweekly"
}

var frenchDays = map[string]time.Weekday{
	"lundi":    time.Monday,
	"mardi":    time.Tuesday,
	"mercredi": time.Wednesday,
	"jeudi":    time.Thursday,
	"vendredi": time.Friday,
	"samedi":   time.Saturday,
	"dimanche": time.Sunday,
}

var (
	reViewState = regexp.MustCompile(`id="(__VIEWSTATE|__VIEWSTATEGENERATOR|__EVENTVALIDATION)"\s+value="([^"]*)"`)
	reDropdown  = regexp.MustCompile(`(?is)<select[^>]*name="[^"]*ddChoix"[^>]*>(.*?)</select>`)
	reOption    = regexp.MustCompile(`<option[^>]*value="([^"]+)"`)

	reProchaine = regexp.MustCompile(`prochaine collecte\s*:\s*(\p{L}+)\s+\d+`)
	reJour      = regexp.MustCompile(`jour de collecte\s*:\s*(\p{L}+)`)
	reSummer    = regexp.MustCompile(`1x/semaine\)\s*:\s*(\p{L}+)`)
)

var errNoSchedule = errors.New("no schedule found in page")

// extractFormFields pulls the ASP.NET hidden fields out of a page.
func extractFormFields(page string) url.Values {
	fields := url.Values{}
	for _, m := range reViewState.FindAllStringSubmatch(page, -1) {
		fields.Set(m[1], m[2])
	}
	return fields
}

// extractAddressChoice returns the first non-empty option of the address
// dropdown, or "" when the search resolved to a single address.
func extractAddressChoice(page string) string {
	dd := reDropdown.FindStringSubmatch(page)
	if dd == nil {
		return ""
	}
	for _, opt := range reOption.FindAllStringSubmatch(dd[1], -1) {
		if v := strings.TrimSpace(opt[1]); v != "" {
			return v
		}
	}
	return ""
}

// ParseSchedule extracts the collection weekday and recycling parity from
// an Info-Collecte result page.
func ParseSchedule(page string) (Schedule, error) {
	text := strings.ToLower(pageText(page))

	day, ok := findGarbageDay(text)
	if !ok {
		return Schedule{}, errNoSchedule
	}
	return Schedule{
		GarbageWeekday:  day,
		RecyclingParity: findRecyclingParity(text),
	}, nil
}

// pageText renders the visible text of an HTML document, whitespace
// separated. Malformed markup degrades gracefully: the tokenizer never
// fails on real-world tag soup.
func pageText(page string) string {
	doc, err := html.Parse(strings.NewReader(page))
	if err != nil {
		return page
	}
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			b.WriteString(n.Data)
			b.WriteByte(' ')
		case html.ElementNode:
			if n.Data == "script" || n.Data == "style" {
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return b.String()
}

func findGarbageDay(text string) (time.Weekday, bool) {
	// "prochaine collecte : mardi 20 janvier"
	if m := reProchaine.FindStringSubmatch(text); m != nil {
		if d, ok := frenchDays[m[1]]; ok {
			return d, true
		}
	}
	// "jour de collecte : mardi"
	if m := reJour.FindStringSubmatch(text); m != nil {
		if d, ok := frenchDays[m[1]]; ok {
			return d, true
		}
	}
	// "ordures ... lundi" / "lundi ... ordures" in the same sentence
	for french, day := range frenchDays {
		if !strings.Contains(text, french) {
			continue
		}
		before := regexp.MustCompile(`(?:ordures|déchets)[^.]*` + french)
		after := regexp.MustCompile(french + `[^.]*(?:ordures|déchets)`)
		if before.MatchString(text) || after.MatchString(text) {
			return day, true
		}
	}
	// Summer schedule variant: "(1x/semaine) : mardi"
	if m := reSummer.FindStringSubmatch(text); m != nil {
		if d, ok := frenchDays[m[1]]; ok {
			return d, true
		}
	}
	return 0, false
}

func findRecyclingParity(text string) rules.Parity {
	// "impaire" must be tested first, "paire" is a substring of it.
	if strings.Contains(text, "impaire") {
		return rules.ParityOdd
	}
	if strings.Contains(text, "paire") {
		return rules.ParityEven
	}
	return ""
}

// BuildZone assembles a full rule set from a parsed schedule using the
// citywide season calendar: reduced winter cadence from Oct 6 through
// Mar 27 (garbage alternating biweekly with recycling), weekly garbage in
// summer. The windows are data; a calendar change next year is a
// configuration edit, not a code change.
func BuildZone(code string, sched Schedule) rules.Zone {
	// Some result pages only say "aux 2 semaines" without naming the week;
	// parity then defaults to odd, which matches most of the city's zones.
	parity := sched.RecyclingParity
	if parity == "" {
		parity = rules.ParityOdd
	}
	return rules.Zone{
		Code:            strings.ToUpper(strings.ReplaceAll(code, " ", "")),
		GarbageWeekday:  sched.GarbageWeekday,
		RecyclingParity: parity,
		Seasons: []rules.SeasonWindow{
			{
				Start:     rules.MonthDay{Month: time.October, Day: 6},
				End:       rules.MonthDay{Month: time.March, Day: 27},
				Garbage:   rules.CadenceBiweekly,
				Recycling: rules.CadenceBiweekly,
			},
			{
				Start:     rules.MonthDay{Month: time.March, Day: 28},
				End:       rules.MonthDay{Month: time.October, Day: 5},
				Garbage:   rules.CadenceWeekly,
				Recycling: rules.CadenceBiweekly,
			},
		},
	}
}

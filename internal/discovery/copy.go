package discovery

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Copy is the marketing text of a landing page.
type Copy struct {
	Title           string   `json:"title,omitempty"`
	MetaDescription string   `json:"metaDescription,omitempty"`
	Headline        string   `json:"headline,omitempty"`
	Subheadline     string   `json:"subheadline,omitempty"`
	CTAs            []string `json:"ctas,omitempty"`
	Navigation      []string `json:"navigation,omitempty"`
}

const (
	maxCTAs     = 10
	maxNavItems = 20
	maxTextLen  = 200
)

// ExtractCopy pulls headline, CTA and navigation text out of rendered html.
func ExtractCopy(html string) (*Copy, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, err
	}

	c := &Copy{
		Title:    clip(doc.Find("title").First().Text()),
		Headline: clip(doc.Find("h1").First().Text()),
	}
	if desc, ok := doc.Find(`meta[name="description"]`).Attr("content"); ok {
		c.MetaDescription = clip(desc)
	} else if desc, ok := doc.Find(`meta[property="og:description"]`).Attr("content"); ok {
		c.MetaDescription = clip(desc)
	}

	if h1 := doc.Find("h1").First(); h1.Length() > 0 {
		c.Subheadline = clip(h1.NextAllFiltered("p, h2").First().Text())
	}
	if c.Subheadline == "" {
		c.Subheadline = clip(doc.Find("h2").First().Text())
	}

	seen := map[string]bool{}
	doc.Find("button, a[role=button], a[class*=btn], a[class*=button], [class*=cta]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if t := clip(s.Text()); t != "" && !seen[strings.ToLower(t)] {
			seen[strings.ToLower(t)] = true
			c.CTAs = append(c.CTAs, t)
		}
		return len(c.CTAs) < maxCTAs
	})

	seen = map[string]bool{}
	doc.Find(navContainers).Find("a").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if t := clip(s.Text()); t != "" && !seen[strings.ToLower(t)] {
			seen[strings.ToLower(t)] = true
			c.Navigation = append(c.Navigation, t)
		}
		return len(c.Navigation) < maxNavItems
	})

	return c, nil
}

func clip(s string) string {
	s = collapse(s)
	if r := []rune(s); len(r) > maxTextLen {
		s = string(r[:maxTextLen])
	}
	return s
}

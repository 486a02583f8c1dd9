package render

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Preview is the short summary of a generated page shown on its tab.
type Preview struct {
	Title       string `json:"title"`
	Headline    string `json:"headline,omitempty"`
	Description string `json:"description,omitempty"`
	Links       int    `json:"links"`
	Words       int    `json:"words"`
}

// PreviewHTML extracts the title, first headline and meta description of a page.
func PreviewHTML(html string) (Preview, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return Preview{}, err
	}
	preview := Preview{
		Title:    normalize(doc.Find("title").First().Text()),
		Headline: normalize(doc.Find("h1").First().Text()),
		Links:    doc.Find("a[href]").Length(),
	}
	if desc, ok := doc.Find(`meta[name="description"]`).Attr("content"); ok {
		preview.Description = normalize(desc)
	}
	if preview.Headline == "" {
		preview.Headline = normalize(doc.Find("h2").First().Text())
	}
	if preview.Title == "" {
		preview.Title = preview.Headline
	}
	body := doc.Find("body")
	body.Find("script, style").Remove()
	preview.Words = len(strings.Fields(body.Text()))
	return preview, nil
}

func normalize(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

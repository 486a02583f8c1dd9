package orchestrator

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"

	"github.com/websitelm/alternatively-gateway/internal/stream"
)

var ErrNoValidDomains = errors.New("no valid competitor domains")

var schemePattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9+.-]*://`)

// NormalizeDomain strips surrounding whitespace, the protocol and trailing slashes and
// lowercases the rest. The result is "" when nothing domain-like remains.
func NormalizeDomain(raw string) string {
	domain := strings.TrimSpace(raw)
	domain = schemePattern.ReplaceAllString(domain, "")
	domain = strings.TrimRight(domain, "/")
	domain = strings.ToLower(strings.TrimSpace(domain))
	if domain == "" || strings.ContainsAny(domain, " \t\n") || !strings.Contains(domain, ".") {
		return ""
	}
	return domain
}

// NormalizeDomains normalizes and de-duplicates raw, keeping first-seen order.
func NormalizeDomains(raw []string) ([]string, error) {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(raw))
	for _, value := range raw {
		domain := NormalizeDomain(value)
		if domain == "" {
			continue
		}
		if _, dup := seen[domain]; dup {
			continue
		}
		seen[domain] = struct{}{}
		out = append(out, domain)
	}
	if len(out) == 0 {
		return nil, ErrNoValidDomains
	}
	return out, nil
}

// competitorList returns the competitors carried by a finished competitor-search API
// entry.
func competitorList(snapshot stream.Snapshot) ([]Competitor, bool) {
	for _, entry := range snapshot.Find(stream.TypeAPI, stream.StepCompetitorsResult) {
		content, ok := entry.Structured()
		if !ok || !strings.EqualFold(content.String("status"), "finished") {
			continue
		}
		data, _ := content.Field("data")
		return parseCompetitors(data), true
	}
	return nil, false
}

func parseCompetitors(data any) []Competitor {
	switch v := data.(type) {
	case string:
		var decoded any
		if err := json.Unmarshal([]byte(v), &decoded); err != nil {
			return nil
		}
		return parseCompetitors(decoded)
	case map[string]any:
		for _, key := range []string{"competitors", "list", "data"} {
			if inner, ok := v[key]; ok {
				return parseCompetitors(inner)
			}
		}
		return nil
	case []any:
		out := make([]Competitor, 0, len(v))
		for _, item := range v {
			if c, ok := parseCompetitor(item); ok {
				out = append(out, c)
			}
		}
		return out
	}
	return nil
}

func parseCompetitor(item any) (Competitor, bool) {
	switch v := item.(type) {
	case string:
		if strings.TrimSpace(v) == "" {
			return Competitor{}, false
		}
		return Competitor{URL: strings.TrimSpace(v)}, true
	case map[string]any:
		c := Competitor{
			URL:         pick(v, "domain", "url", "website", "competitor"),
			Name:        pick(v, "name", "title"),
			Description: pick(v, "description", "desc", "intro"),
		}
		return c, c.URL != ""
	}
	return Competitor{}, false
}

func pick(obj map[string]any, keys ...string) string {
	for _, key := range keys {
		if s, ok := obj[key].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

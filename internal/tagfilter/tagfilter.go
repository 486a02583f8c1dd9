// Package tagfilter strips the control markers the assistant embeds in chat answers and
// extracts the signals they carry.
package tagfilter

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

const (
	MarkerURLGet               = "[URL_GET]"
	MarkerCompetitorSelected   = "[COMPETITOR_SELECTED]"
	MarkerAwaitingConfirmation = "[AWAITING_CONFIRMATION]"
	MarkerFirstTimeUser        = "[FIRST_TIME_USER]"
)

var ErrMalformedCompetitors = errors.New("malformed competitor list")

var (
	selectedListPattern = regexp.MustCompile(`\[COMPETITOR_SELECTED\]\s*(\[[^\]]*\])?`)
	markerPattern       = regexp.MustCompile(`\[[A-Z][A-Z0-9]*(?:_[A-Z0-9]+)+\]`)
	urlPattern          = regexp.MustCompile(`(?i)\b(?:https?://|www\.)[^\s<>"']+|\b[a-z0-9][a-z0-9-]*(?:\.[a-z0-9-]+)*\.[a-z]{2,}(?:/[^\s<>"']*)?`)
	blankLines          = regexp.MustCompile(`\n{3,}`)
)

// Signals are the control markers found in one assistant answer.
type Signals struct {
	URLGet               bool
	CompetitorSelected   bool
	Competitors          []string
	AwaitingConfirmation bool
	FirstTimeUser        bool
}

// Filter removes every internal marker (and the list payload following
// [COMPETITOR_SELECTED]) from text meant for display.
func Filter(text string) string {
	out := selectedListPattern.ReplaceAllString(text, "")
	out = markerPattern.ReplaceAllString(out, "")
	out = blankLines.ReplaceAllString(out, "\n\n")
	return strings.TrimSpace(out)
}

// ParseSignals reports which markers an answer carries. A malformed competitor payload
// yields ErrMalformedCompetitors with the remaining signals still populated.
func ParseSignals(answer string) (Signals, error) {
	signals := Signals{
		URLGet:               strings.Contains(answer, MarkerURLGet),
		CompetitorSelected:   strings.Contains(answer, MarkerCompetitorSelected),
		AwaitingConfirmation: strings.Contains(answer, MarkerAwaitingConfirmation),
		FirstTimeUser:        strings.Contains(answer, MarkerFirstTimeUser),
	}
	if !signals.CompetitorSelected {
		return signals, nil
	}
	match := selectedListPattern.FindStringSubmatch(answer)
	if len(match) < 2 || strings.TrimSpace(match[1]) == "" {
		return signals, fmt.Errorf("%w: missing list after %s", ErrMalformedCompetitors, MarkerCompetitorSelected)
	}
	competitors, err := parseCompetitorList(match[1])
	if err != nil {
		return signals, err
	}
	signals.Competitors = competitors
	return signals, nil
}

func parseCompetitorList(raw string) ([]string, error) {
	raw = strings.TrimSpace(raw)
	var decoded []string
	if err := json.Unmarshal([]byte(raw), &decoded); err == nil {
		return compact(decoded), nil
	}
	inner := strings.TrimSuffix(strings.TrimPrefix(raw, "["), "]")
	if strings.ContainsAny(inner, "[]{}") {
		return nil, fmt.Errorf("%w: %q", ErrMalformedCompetitors, raw)
	}
	parts := strings.Split(inner, ",")
	for i, part := range parts {
		parts[i] = strings.Trim(strings.TrimSpace(part), `"'`)
	}
	out := compact(parts)
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: empty list", ErrMalformedCompetitors)
	}
	return out, nil
}

func compact(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// FirstURL returns the first URL-looking token in text, or "".
func FirstURL(text string) string {
	return strings.TrimRight(urlPattern.FindString(text), ".,;:!?)")
}

// Linkify wraps bare URLs in anchor tags. Text already containing anchors is returned as is.
func Linkify(text string) string {
	if strings.Contains(text, "<a ") {
		return text
	}
	return urlPattern.ReplaceAllStringFunc(text, func(match string) string {
		trimmed := strings.TrimRight(match, ".,;:!?)")
		suffix := match[len(trimmed):]
		href := trimmed
		if !strings.HasPrefix(strings.ToLower(href), "http") {
			href = "https://" + href
		}
		return fmt.Sprintf(`<a href="%s" target="_blank" rel="noopener noreferrer">%s</a>%s`, href, trimmed, suffix)
	})
}

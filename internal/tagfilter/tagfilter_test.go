package tagfilter

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFilter(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "hello there", "hello there"},
		{"url get", "Got it! [URL_GET] Searching now.", "Got it!  Searching now."},
		{"selected list", `Great choice [COMPETITOR_SELECTED]["a.com","b.com"] generating`, "Great choice  generating"},
		{"selected bare", "Picked [COMPETITOR_SELECTED]", "Picked"},
		{"several", "[FIRST_TIME_USER]Welcome[AWAITING_CONFIRMATION]", "Welcome"},
		{"lowercase untouched", "[note] keep", "[note] keep"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, Filter(tc.in))
		})
	}
}

func TestParseSignals(t *testing.T) {
	signals, err := ParseSignals(`ok [URL_GET] [FIRST_TIME_USER]`)
	require.NoError(t, err)
	require.True(t, signals.URLGet)
	require.True(t, signals.FirstTimeUser)
	require.False(t, signals.CompetitorSelected)
	require.False(t, signals.AwaitingConfirmation)

	signals, err = ParseSignals(`sure [COMPETITOR_SELECTED]["https://a.com", "b.io"] [AWAITING_CONFIRMATION]`)
	require.NoError(t, err)
	require.True(t, signals.CompetitorSelected)
	require.True(t, signals.AwaitingConfirmation)
	require.Equal(t, []string{"https://a.com", "b.io"}, signals.Competitors)

	signals, err = ParseSignals(`sure [COMPETITOR_SELECTED][a.com, 'b.io']`)
	require.NoError(t, err)
	require.Equal(t, []string{"a.com", "b.io"}, signals.Competitors)
}

func TestParseSignals_Malformed(t *testing.T) {
	signals, err := ParseSignals(`[COMPETITOR_SELECTED] nothing here [URL_GET]`)
	require.True(t, errors.Is(err, ErrMalformedCompetitors))
	require.True(t, signals.URLGet)
	require.Empty(t, signals.Competitors)

	_, err = ParseSignals(`[COMPETITOR_SELECTED][ , ]`)
	require.ErrorIs(t, err, ErrMalformedCompetitors)
}

func TestFirstURL(t *testing.T) {
	require.Equal(t, "https://foo.com/pricing", FirstURL("look at https://foo.com/pricing, please"))
	require.Equal(t, "bar.io", FirstURL("my product is bar.io."))
	require.Equal(t, "", FirstURL("no links in here"))
}

func TestLinkify(t *testing.T) {
	out := Linkify("see foo.com and https://bar.io/x.")
	require.True(t, strings.Contains(out, `<a href="https://foo.com" target="_blank" rel="noopener noreferrer">foo.com</a>`))
	require.True(t, strings.Contains(out, `<a href="https://bar.io/x" target="_blank" rel="noopener noreferrer">https://bar.io/x</a>.`))

	anchored := `<a href="https://x.com">x</a>`
	require.Equal(t, anchored, Linkify(anchored))
}

package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/websitelm/alternatively-gateway/internal/app"
	"github.com/websitelm/alternatively-gateway/internal/chat"
	"github.com/websitelm/alternatively-gateway/internal/events"
	"github.com/websitelm/alternatively-gateway/internal/orchestrator"
	"github.com/websitelm/alternatively-gateway/internal/session"
)

var (
	errNoToken    = errors.New("an access token is required (--token or ALTERNATIVELY_ACCESS_TOKEN)")
	errTaskFailed = errors.New("generation did not finish")
)

var statusPoll = time.Second

func (c *CLI) newRunCommand() *cobra.Command {
	var auto bool
	var persist bool

	cmd := &cobra.Command{
		Use:   "run <product-url>",
		Short: "Find competitors for a product and generate alternative pages",
		Args:  cobra.ExactArgs(1),
		Example: `  # Pick competitors interactively
  altctl run https://acme.com

  # Let the first competitor be picked automatically
  altctl run https://acme.com --auto`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := c.config()
			if !persist {
				cfg.StoreDriver = "memory"
			}
			creds := app.ServiceAccount(cfg)
			if creds.AccessToken == "" {
				return errNoToken
			}
			components, err := c.build(cfg, c.logger())
			if err != nil {
				return err
			}
			defer components.Close()

			sess, err := components.Manager.Create(cmd.Context(), creds, auto)
			if err != nil {
				return err
			}
			return drive(cmd.Context(), sess, components.Broker, args[0], cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	cmd.Flags().BoolVar(&auto, "auto", false, "Select the first competitor without prompting")
	cmd.Flags().BoolVar(&persist, "persist", false, "Write the session to the configured store")
	return cmd
}

// drive submits url and follows the session until it settles, prompting on in for
// competitor selection.
func drive(ctx context.Context, sess *session.Session, broker *events.Broker, url string, in io.Reader, out io.Writer) error {
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	updates := broker.Subscribe(subCtx, sess.ID())

	if err := sess.Submit(ctx, url); err != nil {
		return err
	}
	printer := newTranscript(out)
	reader := bufio.NewReader(in)
	prompted := ""
	ticker := time.NewTicker(statusPoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			abortCtx, abortCancel := context.WithTimeout(context.Background(), 10*time.Second)
			_ = sess.Abort(abortCtx)
			abortCancel()
			return ctx.Err()
		case update, ok := <-updates:
			if !ok || update.Kind == events.KindClosed {
				return nil
			}
			if update.Kind == events.KindChat {
				printer.print(sess.Snapshot().Messages)
				continue
			}
			if update.Kind != events.KindStatus {
				continue
			}
		case <-ticker.C:
		}

		status := sess.Status()
		if settled(status) {
			_ = sess.Flush(ctx)
			snapshot := sess.Snapshot()
			printer.print(snapshot.Messages)
			for _, tab := range snapshot.View.Tabs {
				fmt.Fprintf(out, "page: %s %s\n", tab.Title, tab.URL)
			}
			if status.State != orchestrator.KindFinished {
				return fmt.Errorf("%w: %s", errTaskFailed, status.State)
			}
			return nil
		}
		if status.State == orchestrator.KindAwaitingSelection && prompted != status.WebsiteID {
			prompted = status.WebsiteID
			domains, err := promptCompetitors(reader, out, status.Competitors)
			if err != nil {
				return err
			}
			if err := sess.SelectCompetitors(ctx, domains); err != nil {
				fmt.Fprintf(out, "selection failed: %v\n", err)
				prompted = ""
			}
		}
	}
}

func settled(status orchestrator.Status) bool {
	switch status.State {
	case orchestrator.KindFinished, orchestrator.KindFatalError, orchestrator.KindAborted:
		return true
	}
	return status.Disconnected
}

func promptCompetitors(reader *bufio.Reader, out io.Writer, competitors []orchestrator.Competitor) ([]string, error) {
	for i, competitor := range competitors {
		fmt.Fprintf(out, "  %d) %s %s\n", i+1, competitor.URL, competitor.Name)
	}
	fmt.Fprint(out, "Competitors to target (numbers or domains, comma separated) [1]: ")
	line, err := reader.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return parseSelection(line, competitors), nil
}

// parseSelection resolves 1-based indexes against competitors and passes other entries
// through as domains. An empty line picks the first competitor.
func parseSelection(line string, competitors []orchestrator.Competitor) []string {
	line = strings.TrimSpace(line)
	if line == "" {
		if len(competitors) == 0 {
			return nil
		}
		return []string{competitors[0].URL}
	}
	var domains []string
	for _, part := range strings.Split(line, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		var index int
		if _, err := fmt.Sscanf(part, "%d", &index); err == nil && fmt.Sprint(index) == part {
			if index >= 1 && index <= len(competitors) {
				domains = append(domains, competitors[index-1].URL)
			}
			continue
		}
		domains = append(domains, part)
	}
	return domains
}

type transcript struct {
	out     io.Writer
	printed map[string]bool
}

func newTranscript(out io.Writer) *transcript {
	return &transcript{out: out, printed: map[string]bool{}}
}

// print writes messages not yet shown. Thinking placeholders wait until they settle.
func (t *transcript) print(messages []chat.Message) {
	for _, msg := range messages {
		if t.printed[msg.ID] || msg.IsThinking {
			continue
		}
		switch msg.Source {
		case chat.SourceConfirmButton, chat.SourceCompetitor:
			t.printed[msg.ID] = true
			continue
		}
		t.printed[msg.ID] = true
		fmt.Fprintf(t.out, "[%s] %s\n", msg.Source, strings.TrimSpace(msg.Content))
	}
}

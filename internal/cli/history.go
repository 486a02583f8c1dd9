package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func (c *CLI) newHistoryCommand() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List websites previously submitted with this token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := c.config()
			if cfg.AccessToken == "" {
				return errNoToken
			}
			websites, err := c.history(cfg, cfg.AccessToken).WebsiteHistory(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				encoder := json.NewEncoder(out)
				encoder.SetIndent("", "  ")
				return encoder.Encode(websites)
			}
			if len(websites) == 0 {
				fmt.Fprintln(out, "No websites yet.")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "WEBSITE ID\tURL\tSTATUS\tCREATED")
			for _, site := range websites {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", site.WebsiteID, site.Website, site.Status, site.CreatedAt)
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the raw list as JSON")
	return cmd
}

func (c *CLI) newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the session store tables in POSTGRES_URL",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := c.config()
			if err := c.migrate(cmd.Context(), cfg.PostgresURL); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema is up to date")
			return nil
		},
	}
}

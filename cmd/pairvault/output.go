package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rendis/pairvault/pkg/schema"
)

func (c *cli) jsonOutput() bool {
	return strings.EqualFold(c.cfg.Output, "json")
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// table writes rows under a header, aligned in columns.
func table(w io.Writer, header []string, rows [][]string) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(header, "\t"))
	for _, r := range rows {
		fmt.Fprintln(tw, strings.Join(r, "\t"))
	}
	return tw.Flush()
}

func shortTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}

func credentialRows(creds []*schema.Credential) [][]string {
	rows := make([][]string, 0, len(creds))
	for _, cr := range creds {
		status := "active"
		if !cr.Active {
			status = "disabled"
		}
		lastUsed := "never"
		if cr.LastUsedAt != nil {
			lastUsed = shortTime(*cr.LastUsedAt)
		}
		rows = append(rows, []string{cr.ID, cr.Name, status, shortTime(cr.EnrolledAt), lastUsed})
	}
	return rows
}

func (c *cli) printCredentials(w io.Writer, creds []*schema.Credential) error {
	if c.jsonOutput() {
		return writeJSON(w, creds)
	}
	if len(creds) == 0 {
		fmt.Fprintln(w, "no credentials")
		return nil
	}
	return table(w, []string{"ID", "NAME", "STATUS", "ENROLLED", "LAST USED"}, credentialRows(creds))
}

func (c *cli) printCredential(w io.Writer, cr *schema.Credential) error {
	if c.jsonOutput() {
		return writeJSON(w, cr)
	}
	return table(w, []string{"ID", "NAME", "STATUS", "ENROLLED", "LAST USED"}, credentialRows([]*schema.Credential{cr}))
}

func (c *cli) printVaults(w io.Writer, vaults []schema.VaultSummary) error {
	if c.jsonOutput() {
		return writeJSON(w, vaults)
	}
	if len(vaults) == 0 {
		fmt.Fprintln(w, "no vaults")
		return nil
	}
	rows := make([][]string, 0, len(vaults))
	for _, v := range vaults {
		rows = append(rows, []string{
			v.ID, v.Name, string(v.Mode), shortTime(v.CreatedAt),
			fmt.Sprint(len(v.AccessPairs)), fmt.Sprint(v.Size),
		})
	}
	return table(w, []string{"ID", "NAME", "MODE", "CREATED", "PAIRS", "BYTES"}, rows)
}

// printOutcome reports a guarded operation that the holder cancelled.
func (c *cli) printOutcome(w io.Writer, op string, outcome schema.ReauthOutcome) bool {
	if outcome.Proceed() {
		return true
	}
	fmt.Fprintf(w, "%s cancelled; nothing was changed\n", op)
	return false
}

package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"smarthouse/bootstrap"
	"smarthouse/config"
	"smarthouse/schema"

	"gopkg.in/yaml.v3"
)

// plan is the layout init would apply to one database
type plan struct {
	Database      string                `json:"database" yaml:"database"`
	AdminDatabase string                `json:"admin_database" yaml:"admin_database"`
	Policy        config.ExistingPolicy `json:"existing_policy" yaml:"existing_policy"`
	Collections   []string              `json:"collections" yaml:"collections"`
	Indexes       []schema.IndexSpec    `json:"indexes" yaml:"indexes"`
}

func newPlan(cfg *config.Config, layout schema.Layout) plan {
	return plan{
		Database:      cfg.MongoDB.Database,
		AdminDatabase: cfg.MongoDB.AdminDatabase,
		Policy:        cfg.Schema.ExistingPolicy,
		Collections:   layout.Collections,
		Indexes:       layout.Indexes,
	}
}

type pingResult struct {
	Address       string `json:"address"`
	AdminDatabase string `json:"admin_database"`
	Username      string `json:"username"`
	ServerVersion string `json:"server_version"`
}

// outputAsJSON writes data as indented JSON.
func outputAsJSON(w io.Writer, data interface{}) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}

// outputAsYAML writes data as YAML.
func outputAsYAML(w io.Writer, data interface{}) error {
	encoder := yaml.NewEncoder(w)
	encoder.SetIndent(2)
	if err := encoder.Encode(data); err != nil {
		return err
	}
	return encoder.Close()
}

// renderPlan displays the layout in a formatted table
func renderPlan(w io.Writer, p plan) {
	headerColor.Fprintf(w, "PLAN for database %q (auth: %s, existing: %s)\n", p.Database, p.AdminDatabase, p.Policy)
	headerColor.Fprintln(w, strings.Repeat("=", 80))
	fmt.Fprintf(w, "%-14s %-28s %-24s %-8s\n", "Collection", "Index", "Keys", "Unique")
	fmt.Fprintln(w, strings.Repeat("-", 80))

	layout := schema.Layout{Collections: p.Collections, Indexes: p.Indexes}
	for _, name := range p.Collections {
		specs := layout.IndexesFor(name)
		if len(specs) == 0 {
			fmt.Fprintf(w, "%-14s %-28s %-24s %-8s\n", name, "-", "-", "-")
			continue
		}
		for _, spec := range specs {
			fmt.Fprintf(w, "%-14s %-28s %-24s %-8s\n", name, spec.Name, spec.KeyString(), formatBool(spec.Unique))
		}
	}

	fmt.Fprintln(w, strings.Repeat("=", 80))
	infoColor.Fprintf(w, "%d collections, %d indexes\n", len(p.Collections), len(p.Indexes))
}

// renderReport displays the outcome of a run
func renderReport(w io.Writer, report *bootstrap.Report) {
	headerColor.Fprintf(w, "BOOTSTRAP %s (run %s)\n", report.Database, report.RunID)
	headerColor.Fprintln(w, strings.Repeat("=", 80))

	fmt.Fprintf(w, "%-14s %-10s\n", "Collection", "Status")
	fmt.Fprintln(w, strings.Repeat("-", 80))
	for _, c := range report.Collections {
		fmt.Fprintf(w, "%-14s %s\n", c.Name, formatStatus(c.Status))
	}
	fmt.Fprintln(w)

	fmt.Fprintf(w, "%-14s %-28s %-24s %-10s\n", "Collection", "Index", "Keys", "Status")
	fmt.Fprintln(w, strings.Repeat("-", 80))
	for _, i := range report.Indexes {
		name := i.Name
		if i.ExistingName != "" {
			name = fmt.Sprintf("%s (as %s)", i.Name, i.ExistingName)
		}
		fmt.Fprintf(w, "%-14s %-28s %-24s %s\n", i.Collection, name, i.Keys, formatStatus(i.Status))
	}
	fmt.Fprintln(w, strings.Repeat("=", 80))

	collections, indexes := report.Counts()
	successColor.Fprintf(w, "Created %d/%d collections and %d/%d indexes in %s\n",
		collections, len(report.Collections), indexes, len(report.Indexes), report.Duration.Round(time.Millisecond))
}

// renderPing displays connectivity details
func renderPing(w io.Writer, result pingResult) {
	successColor.Fprintln(w, "✓ Authenticated")
	printField(w, "Address", result.Address)
	printField(w, "Auth database", result.AdminDatabase)
	printField(w, "User", result.Username)
	printField(w, "Server version", result.ServerVersion)
}

func printField(w io.Writer, label, value string) {
	fmt.Fprintf(w, "  %-16s %s\n", label+":", value)
}

func formatStatus(status bootstrap.Status) string {
	switch status {
	case bootstrap.StatusCreated:
		return successColor.Sprint(string(status))
	case bootstrap.StatusExisting:
		return warningColor.Sprint(string(status))
	default:
		return errorColor.Sprint(string(status))
	}
}

func formatBool(b bool) string {
	if b {
		return "Yes"
	}
	return "No"
}

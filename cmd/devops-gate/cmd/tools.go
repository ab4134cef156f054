package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Sentinel-Gate/devopsgate/internal/adapter/inbound/http"
	"github.com/Sentinel-Gate/devopsgate/internal/service"
)

var toolsFormat string

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List the tools the gateway can expose",
	Long: `List every tool in the catalog with its read-only flag.

A tenant sees all of them unless it sends X-MCP-Allowed-Tools, and the
tools.policy expression can hide tools from every tenant.

Examples:
  devops-gate tools
  devops-gate tools --format yaml`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return writeTools(cmd.OutOrStdout(), toolsFormat)
	},
}

func init() {
	toolsCmd.Flags().StringVar(&toolsFormat, "format", "table", "output format: table, json or yaml")
	rootCmd.AddCommand(toolsCmd)
}

func writeTools(w io.Writer, format string) error {
	catalog, err := service.NewCatalog(service.DevOpsTools(), nil)
	if err != nil {
		return err
	}
	docs := http.ToolDocs(catalog.Definitions())

	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(docs)
	case "yaml":
		enc := yaml.NewEncoder(w)
		defer enc.Close()
		return enc.Encode(docs)
	case "table":
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "NAME\tREAD-ONLY\tTITLE")
		for _, d := range docs {
			fmt.Fprintf(tw, "%s\t%t\t%s\n", d.Name, d.ReadOnly, d.Title)
		}
		return tw.Flush()
	default:
		return fmt.Errorf("unknown format %q (want table, json or yaml)", format)
	}
}

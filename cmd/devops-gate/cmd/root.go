// Package cmd provides the CLI commands for devops-gate.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Sentinel-Gate/devopsgate/internal/adapter/inbound/http"
	"github.com/Sentinel-Gate/devopsgate/internal/config"
	"github.com/Sentinel-Gate/devopsgate/internal/domain/tenant"
)

var cfgFile string
var envFile string

var rootCmd = &cobra.Command{
	Use:   "devops-gate",
	Short: "devops-gate - MCP gateway for Azure DevOps",
	Long: `devops-gate serves Azure DevOps tools to MCP clients.

Every connection carries its own tenant configuration in request headers
(organization, credentials, tool allow-list), so one gateway serves any
number of organizations without per-tenant state on disk.

Quick start:
  1. Run: devops-gate start
  2. Point an MCP client at http://localhost:8080` + http.PathStream + ` with
     ` + tenant.HeaderOrgURL + `, ` + tenant.HeaderProject + ` and ` + tenant.HeaderPAT + ` headers.

Configuration:
  Config is loaded from devops-gate.yaml in the current directory,
  $HOME/.devops-gate/, or /etc/devops-gate/.

  Environment variables override config values with the DEVOPS_GATE_ prefix.
  Example: DEVOPS_GATE_SERVER_PORT=9090

Commands:
  start       Start the gateway
  stop        Stop the running gateway
  tools       List the tools the gateway can expose
  hash-key    Generate an Argon2id hash for the gateway API key
  version     Print version information`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./devops-gate.yaml)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "load environment variables from this file first")
}

func initConfig() {
	if err := config.LoadEnvFile(envFile); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	config.InitViper(cfgFile)
}

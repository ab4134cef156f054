// Command devops-gate is a multi-tenant MCP gateway in front of Azure DevOps.
package main

import "github.com/Sentinel-Gate/devopsgate/cmd/devops-gate/cmd"

func main() {
	cmd.Execute()
}

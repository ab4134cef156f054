package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

const (
	stopPollInterval = 200 * time.Millisecond
	stopPolls        = 50
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running devops-gate server",
	Long: `Stop a running devops-gate server by reading its PID file and sending SIGTERM.

Live sessions are closed before the listener stops, so connected clients
see their event streams end.

The PID file is located at ~/.devops-gate/server.pid.`,
	RunE: runStop,
}

func init() {
	rootCmd.AddCommand(stopCmd)
}

func runStop(cmd *cobra.Command, args []string) error {
	pidPath := pidFilePath()
	errOut := cmd.ErrOrStderr()

	pid := readPIDFile(pidPath)
	if pid == 0 {
		return fmt.Errorf("no server PID file found at %s\nIs the server running?", pidPath)
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		_ = os.Remove(pidPath)
		return fmt.Errorf("invalid PID %d: %w", pid, err)
	}

	if !processIsAlive(proc) {
		_ = os.Remove(pidPath)
		return fmt.Errorf("server process %d is not running (stale PID file removed)", pid)
	}

	fmt.Fprintf(errOut, "Stopping devops-gate (PID %d)...\n", pid)
	if err := sendGracefulStop(proc); err != nil {
		return fmt.Errorf("failed to stop server: %w", err)
	}

	for i := 0; i < stopPolls; i++ {
		time.Sleep(stopPollInterval)
		if !processIsAlive(proc) {
			_ = os.Remove(pidPath)
			fmt.Fprintln(errOut, "Server stopped.")
			return nil
		}
	}

	fmt.Fprintln(errOut, "Server did not stop gracefully, killing it...")
	_ = proc.Kill()
	_ = os.Remove(pidPath)
	fmt.Fprintln(errOut, "Server killed.")
	return nil
}

// pidFilePath returns the standard location for the PID file.
func pidFilePath() string {
	if homeDir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(homeDir, ".devops-gate", "server.pid")
	}
	return filepath.Join(os.TempDir(), "devops-gate-server.pid")
}

// writePIDFile writes the current process PID to path, creating parent
// directories as needed.
func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644)
}

// readPIDFile reads a PID from path. Returns 0 if unreadable.
func readPIDFile(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return pid
}

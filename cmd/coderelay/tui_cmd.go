package main

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"time"

	"github.com/fentz26/coderelay/internal/tui"
	"github.com/spf13/cobra"
)

var tuiCmd = &cobra.Command{
	Use:   "tui",
	Short: "Launch the interactive run browser",
	RunE:  runTUI,
}

var tuiNoStart bool

func init() {
	tuiCmd.Flags().BoolVar(&tuiNoStart, "no-start", false, "Do not start a local server when none is running")
}

func runTUI(cmd *cobra.Command, args []string) error {
	// 1. Check if the server is running
	if !isServerRunning(apiAddr) {
		if tuiNoStart {
			return fmt.Errorf("coderelay server not reachable at %s", apiAddr)
		}
		fmt.Println("⚡ coderelay server not running. Starting background service...")
		if err := startServer(); err != nil {
			return fmt.Errorf("failed to start server: %w", err)
		}
	}

	// 2. Launch TUI
	app := tui.New(apiAddr)
	if err := app.Run(); err != nil {
		return fmt.Errorf("TUI error: %w", err)
	}
	return nil
}

func isServerRunning(addr string) bool {
	client := http.Client{Timeout: 500 * time.Millisecond}
	resp, err := client.Get(addr + "/health")
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return true
}

func startServer() error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}

	u, err := url.Parse(apiAddr)
	if err != nil || u.Host == "" {
		return fmt.Errorf("cannot start a server for %q", apiAddr)
	}

	// Start "coderelay serve" detached so it survives the TUI
	cmd := exec.Command(exe, "serve", "--listen", u.Host)
	configureServerProc(cmd)
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return err
	}

	// Wait for it to become ready
	fmt.Print("   Waiting for server...")
	for i := 0; i < 20; i++ { // Wait up to 5 seconds
		if isServerRunning(apiAddr) {
			fmt.Println(" Done.")
			return nil
		}
		time.Sleep(250 * time.Millisecond)
		fmt.Print(".")
	}
	fmt.Println(" Timeout!")
	return fmt.Errorf("server started but API not reachable at %s", apiAddr)
}

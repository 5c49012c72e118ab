package main

import (
	"fmt"
	"os"

	"github.com/fentz26/coderelay/internal/agents"
	"github.com/fentz26/coderelay/internal/config"
	"github.com/spf13/cobra"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check the local configuration, the agent binary and the server",
	RunE:  runDoctor,
}

func init() {
	doctorCmd.Flags().StringVar(&envFile, "env", ".env", "Path to an env file, ignored when missing")
}

func runDoctor(cmd *cobra.Command, args []string) error {
	problems := 0

	cfg, err := config.Load(envFile)
	if err != nil {
		fmt.Printf("✗ config: %v\n", err)
		return fmt.Errorf("configuration is invalid")
	}
	fmt.Printf("✓ config: port %d, model %s, timeout %s\n", cfg.Port, cfg.DefaultModel, cfg.GenerationTimeout)
	fmt.Printf("  database: %s\n", cfg.DBPath)
	switch cfg.Upload.Backend {
	case config.BackendHTTP:
		fmt.Printf("  uploads: http %s%s\n", cfg.Upload.BackendURL, cfg.Upload.Path)
	case config.BackendS3:
		fmt.Printf("  uploads: s3 %s bucket %s\n", cfg.Upload.S3.Endpoint, cfg.Upload.S3.Bucket)
	default:
		fmt.Println("  uploads: disabled")
	}

	agent := agents.NewDetector(cfg.AiderBin).Detect(cmd.Context())
	if agent.Online() {
		fmt.Printf("✓ agent: %s %s (%s)\n", agent.Name, agent.Version, agent.Path)
	} else {
		fmt.Printf("✗ agent: %s not found on PATH\n", cfg.AiderBin)
		problems++
	}

	health, err := CheckHealth()
	switch {
	case health == nil:
		fmt.Printf("✗ server: %s unreachable: %v\n", apiAddr, err)
		problems++
	case err != nil:
		fmt.Printf("✗ server: %s v%s, database %s\n", apiAddr, health.Version, health.DB)
		problems++
	default:
		fmt.Printf("✓ server: %s v%s\n", apiAddr, health.Version)
	}

	if problems > 0 {
		fmt.Fprintf(os.Stderr, "%d problem(s) found\n", problems)
		return fmt.Errorf("doctor found %d problem(s)", problems)
	}
	return nil
}

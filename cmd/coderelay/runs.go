package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/fentz26/coderelay/internal/models"
	"github.com/spf13/cobra"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect recorded runs",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List runs",
	RunE:  runRunsList,
}

var runsShowCmd = &cobra.Command{
	Use:   "show [run-id]",
	Short: "Show run details",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsShow,
}

var runsLogCmd = &cobra.Command{
	Use:   "log [run-id]",
	Short: "Show the decision records of a run",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsLog,
}

var (
	runStatus string
	runLimit  int
)

func init() {
	runsCmd.AddCommand(runsListCmd, runsShowCmd, runsLogCmd)

	runsListCmd.Flags().StringVar(&runStatus, "status", "", "Filter by status (running, succeeded, failed)")
	runsListCmd.Flags().IntVar(&runLimit, "limit", 50, "Maximum number of runs")
}

func runRunsList(cmd *cobra.Command, args []string) error {
	q := url.Values{}
	if runStatus != "" {
		q.Set("status", runStatus)
	}
	if runLimit > 0 {
		q.Set("limit", strconv.Itoa(runLimit))
	}
	path := "/runs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	resp, err := apiGet(path)
	if err != nil {
		return err
	}

	var runs []models.Run
	if err := json.Unmarshal(resp, &runs); err != nil {
		return err
	}

	if len(runs) == 0 {
		fmt.Println("No runs found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tENDPOINT\tINSTRUCTION\tARCHIVE\tCREATED")
	for _, r := range runs {
		archive := "-"
		if r.Archived {
			archive = r.ArchivePath
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			truncateID(r.ID), r.Status, r.Endpoint, truncate(oneLine(r.Instruction), 40),
			archive, r.CreatedAt.Local().Format(time.DateTime))
	}
	w.Flush()
	return nil
}

func runRunsShow(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/runs/" + url.PathEscape(args[0]))
	if err != nil {
		return err
	}

	var r models.Run
	if err := json.Unmarshal(resp, &r); err != nil {
		return err
	}

	fmt.Printf("ID:          %s\n", r.ID)
	fmt.Printf("Endpoint:    %s\n", r.Endpoint)
	fmt.Printf("Status:      %s\n", r.Status)
	fmt.Printf("Model:       %s\n", r.Model)
	fmt.Printf("Directory:   %s\n", r.Directory)
	if r.OutputDirectory != "" {
		fmt.Printf("Output:      %s\n", r.OutputDirectory)
	}
	if r.Archived {
		fmt.Printf("Archive:     %s\n", r.ArchivePath)
	}
	fmt.Printf("Upload:      %s\n", r.UploadStatus)
	fmt.Printf("Created:     %s\n", r.CreatedAt.Local().Format(time.DateTime))
	if r.FinishedAt != nil {
		fmt.Printf("Finished:    %s\n", r.FinishedAt.Local().Format(time.DateTime))
	}
	fmt.Printf("Instruction: %s\n", r.Instruction)
	if r.Error != "" {
		fmt.Printf("Error:       %s\n", r.Error)
	}
	if r.Response != "" {
		fmt.Println("\n--- AGENT OUTPUT ---")
		fmt.Println(r.Response)
	}
	return nil
}

func runRunsLog(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/runs/" + url.PathEscape(args[0]) + "/decisions")
	if err != nil {
		return err
	}

	var entries []models.PDREntry
	if err := json.Unmarshal(resp, &entries); err != nil {
		return err
	}

	if len(entries) == 0 {
		fmt.Println("No records found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tACTION\tOUTCOME\tDETAILS")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			e.Timestamp.Local().Format(time.DateTime), e.Action, e.Outcome, truncate(oneLine(e.Details), 60))
	}
	w.Flush()
	return nil
}

// --- Helpers ---

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func truncateID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

func oneLine(s string) string {
	for i, c := range s {
		if c == '\n' || c == '\r' {
			return s[:i]
		}
	}
	return s
}

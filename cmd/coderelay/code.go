package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var promptCmd = &cobra.Command{
	Use:   "prompt [instruction]",
	Short: "Run an instruction against the agent (POST /code/prompt)",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runPrompt,
}

var filesCmd = &cobra.Command{
	Use:   "files [file...]",
	Short: "Upload reference files and let the agent implement them (POST /code/files)",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runFiles,
}

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate code from context and a template (POST /code/generate)",
	RunE:  runGenerate,
}

var (
	codeDir         string
	codeModel       string
	codeAutoCommit  bool
	codeDirtyCommit bool
	codeDryRun      bool
	codeJSON        bool
	codeInstruction string
	codeContext     string
	codeTemplate    string
)

func init() {
	for _, c := range []*cobra.Command{promptCmd, filesCmd, generateCmd} {
		c.Flags().StringVar(&codeDir, "dir", "", "Target directory on the server (default: server workspace)")
		c.Flags().StringVar(&codeModel, "model", "", "Model name (default: server DEFAULT_MODEL)")
		c.Flags().BoolVar(&codeAutoCommit, "auto-commit", false, "Let the agent commit its changes")
		c.Flags().BoolVar(&codeDirtyCommit, "dirty-commit", false, "Let the agent commit a dirty tree")
		c.Flags().BoolVar(&codeDryRun, "dry-run", false, "Ask the agent not to modify files")
		c.Flags().BoolVar(&codeJSON, "json", false, "Print the raw JSON response")
	}

	filesCmd.Flags().StringVar(&codeInstruction, "instruction", "", "Instruction (default: implement the uploaded files)")

	generateCmd.Flags().StringVar(&codeInstruction, "instruction", "", "Instruction")
	generateCmd.Flags().StringVar(&codeContext, "context", "", "Context text, or @file to read it from a file")
	generateCmd.Flags().StringVar(&codeTemplate, "template", "", "Code template text, or @file to read it from a file")
}

func codeOptions() map[string]bool {
	return map[string]bool{
		"autoCommit":       codeAutoCommit,
		"allowDirtyCommit": codeDirtyCommit,
		"dryRun":           codeDryRun,
	}
}

// readArg returns v, or the contents of the file when v starts with '@'.
func readArg(v string) (string, error) {
	if !strings.HasPrefix(v, "@") {
		return v, nil
	}
	data, err := os.ReadFile(v[1:])
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func runPrompt(cmd *cobra.Command, args []string) error {
	body := map[string]interface{}{
		"instruction": strings.Join(args, " "),
		"directory":   codeDir,
		"model":       codeModel,
		"options":     codeOptions(),
	}
	resp, err := apiPost("/code/prompt", body)
	if err != nil {
		return err
	}
	return printCodeResponse(resp)
}

func runFiles(cmd *cobra.Command, args []string) error {
	opts, err := json.Marshal(codeOptions())
	if err != nil {
		return err
	}
	fields := map[string]string{
		"instruction": codeInstruction,
		"directory":   codeDir,
		"model":       codeModel,
		"options":     string(opts),
	}
	resp, err := apiPostMultipart("/code/files", fields, args)
	if err != nil {
		return err
	}
	return printCodeResponse(resp)
}

func runGenerate(cmd *cobra.Command, args []string) error {
	ctxText, err := readArg(codeContext)
	if err != nil {
		return fmt.Errorf("read context: %w", err)
	}
	template, err := readArg(codeTemplate)
	if err != nil {
		return fmt.Errorf("read template: %w", err)
	}
	if codeInstruction == "" && ctxText == "" {
		return fmt.Errorf("one of --instruction or --context is required")
	}

	body := map[string]interface{}{
		"instruction":  codeInstruction,
		"context":      ctxText,
		"codeTemplate": template,
		"directory":    codeDir,
		"model":        codeModel,
		"options":      codeOptions(),
	}
	resp, err := apiPost("/code/generate", body)
	if err != nil {
		return err
	}
	return printCodeResponse(resp)
}

func printCodeResponse(raw []byte) error {
	if codeJSON {
		fmt.Println(string(raw))
		return nil
	}

	var res struct {
		RunID           string   `json:"runId"`
		Response        string   `json:"response"`
		Directory       string   `json:"directory"`
		FilesProcessed  []string `json:"filesProcessed"`
		ModelUsed       string   `json:"modelUsed"`
		OutputDirectory string   `json:"outputDirectory"`
		Archived        bool     `json:"archived"`
		ArchivePath     string   `json:"archivePath"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return err
	}

	fmt.Printf("Run:       %s\n", res.RunID)
	fmt.Printf("Model:     %s\n", res.ModelUsed)
	fmt.Printf("Directory: %s\n", res.Directory)
	if len(res.FilesProcessed) > 0 {
		fmt.Printf("Files:     %s\n", strings.Join(res.FilesProcessed, ", "))
	}
	if res.Archived {
		fmt.Printf("Archive:   %s\n", res.ArchivePath)
	} else {
		fmt.Println("Archive:   (no output produced)")
	}
	if res.Response != "" {
		fmt.Println("\n--- AGENT OUTPUT ---")
		fmt.Println(res.Response)
	}
	return nil
}

// Package prompt composes the natural-language instruction handed to the agent.
package prompt

import (
	"fmt"
	"strings"

	"github.com/fentz26/coderelay/internal/models"
)

// DefaultFileInstruction is used when files are uploaded without an instruction.
const DefaultFileInstruction = "Please analyze the uploaded files and implement any requirements or tasks specified in them."

const criticalRules = `CRITICAL RULES:
- Do not output any TODO placeholders or comments indicating incomplete code.
- Do not leave functions, classes, methods, or modules unimplemented.
- Always provide complete, working, production-ready code.
- Do not return partial implementations or stubbed logic.
- Validate and self-check the code before returning:
  * Ensure there are no typos in identifiers or keywords.
  * Ensure there are no syntax errors.
  * Ensure that any type constraints, parameterized types, or contracts are satisfied.
    For dynamically typed languages, ensure runtime checks or validations exist where needed.
- Preserve consistency and correctness across all related constructs (types, functions, modules, interfaces, etc.).
- If full implementation is not possible, stop and explain why instead of returning stubs or partial code.
`

const autonomousRules = `- Never wait for confirmation; proceed as if every question was answered YES.
- Do not list files before creating them; create them directly.
- Write whole files. Never answer with diffs, patches, or edit blocks.
`

// Input holds the optional pieces of a prompt.
type Input struct {
	Context      string
	Instruction  string
	CodeTemplate string
	Variant      models.PromptVariant
}

// FromRequest extracts the prompt input from a generation request.
func FromRequest(req models.GenerationRequest) Input {
	return Input{
		Context:      req.Context,
		Instruction:  req.Instruction,
		CodeTemplate: req.CodeTemplate,
		Variant:      req.Variant,
	}
}

// Build returns the final instruction. It always ends with the directive that
// places generated files in a new subfolder of outputDir.
func Build(in Input, outputDir string) string {
	var b strings.Builder

	if in.Context != "" {
		fmt.Fprintf(&b, "CONTEXT:\n%s\n\n", in.Context)
	}
	if in.Instruction != "" {
		b.WriteString("INSTRUCTION:\n")
		b.WriteString(in.Instruction)
		b.WriteString("\n\n")
		b.WriteString(criticalRules)
		if in.Variant == models.PromptAutonomous {
			b.WriteString(autonomousRules)
		}
		b.WriteString("\n")
	}
	if in.CodeTemplate != "" {
		fmt.Fprintf(&b, "CODE TEMPLATE:\n%s\n\n", in.CodeTemplate)
	}

	fmt.Fprintf(&b, "IMPORTANT:\n"+
		" - Always create a new folder with a unique, meaningful name inside the 'output' directory: %s,"+
		" and place all implementation files (even if it is just one file) inside this new folder.\n", outputDir)
	if in.Variant == models.PromptAutonomous {
		b.WriteString(" - Always answer 'YES' to any confirmation questions.\n")
	}

	return strings.TrimSpace(b.String())
}

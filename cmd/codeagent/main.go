// codeagent is a command-line coding agent that drives a language model
// through a sandboxed set of file and script tools.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// Exit codes.
const (
	ExitSuccess           = 0
	ExitFailure           = 1
	ExitUsage             = 2
	ExitMissingCredential = 3
	ExitMaxRounds         = 4
)

var (
	flagVerbose   bool
	flagConfig    string
	flagRoot      string
	flagMaxRounds int
	flagProvider  string
)

var rootCmd = &cobra.Command{
	Use:   "codeagent [flags] <prompt...>",
	Short: "An AI coding agent confined to one working directory.",
	Long: `codeagent sends a prompt to a language model and lets it list, read and
write files and run Python scripts inside a single working directory until
it produces a final answer.

Examples:
  codeagent "How do I build a calculator app?"
  codeagent --verbose "Fix the bug in my script.py"
  codeagent --root ./calculator "run the tests"

Exit codes:
  0  success
  1  model or internal failure
  2  missing prompt
  3  missing API key
  4  maximum iterations reached`,
	Args:          cobra.ArbitraryArgs,
	RunE:          runPrompt,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	_ = godotenv.Load()

	pf := rootCmd.PersistentFlags()
	pf.BoolVar(&flagVerbose, "verbose", false, "print token usage, tool calls and their results")
	pf.StringVar(&flagConfig, "config", "", "path to a YAML or JSON config file (or CODEAGENT_CONFIG env)")
	pf.StringVar(&flagRoot, "root", "", "working directory the tools are confined to (or CODEAGENT_ROOT env)")
	pf.IntVar(&flagMaxRounds, "max-rounds", 0, "maximum model rounds per run (default 20)")
	pf.StringVar(&flagProvider, "provider", "", "model provider: gemini, anthropic, openai or ollama")

	rootCmd.AddCommand(serveCmd, mcpCmd, versionCmd)
}

// exitError ends the process with a specific code. A non-empty message is
// printed to stdout first.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string {
	if e.msg != "" {
		return e.msg
	}
	return fmt.Sprintf("exit status %d", e.code)
}

func main() {
	err := rootCmd.Execute()
	if err == nil {
		return
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if ee.msg != "" {
			fmt.Println(ee.msg)
		}
		os.Exit(ee.code)
	}
	fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
	os.Exit(ExitFailure)
}

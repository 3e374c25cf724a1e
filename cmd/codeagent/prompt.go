package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jkaninda/codeagent/internal/agent"
	"github.com/jkaninda/codeagent/internal/config"
	"github.com/jkaninda/codeagent/internal/llm"
	"github.com/jkaninda/codeagent/internal/tools"
)

const usageText = `Usage: codeagent "your prompt here" [--verbose]
Example: codeagent "How do I build a calculator app?"`

// runPrompt runs one conversation for the prompt given as arguments.
func runPrompt(_ *cobra.Command, args []string) error {
	fmt.Print("Hello from codeagent!\n\n")

	prompt := strings.TrimSpace(strings.Join(args, " "))
	if prompt == "" {
		return &exitError{code: ExitUsage, msg: usageText}
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newCLILogger(flagVerbose)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := initComponents(ctx, cfg, logger, true, tools.WithCallHook(newCallPrinter(os.Stdout, flagVerbose)))
	if err != nil {
		if errors.Is(err, config.ErrMissingCredential) {
			return &exitError{code: ExitMissingCredential, msg: "Error: " + err.Error()}
		}
		return err
	}
	defer c.Cleanup()

	var opts []agent.Option
	if flagVerbose {
		opts = append(opts, agent.WithObserver(newVerboseObserver(os.Stdout, prompt)))
	}
	resp, err := c.newLoop(opts...).Run(ctx, prompt)
	if err != nil {
		return runExitError(err, c.Config.Agent.MaxRounds)
	}

	fmt.Println("Final response:")
	fmt.Println(resp.Message)
	return nil
}

// runExitError maps a run failure to the process exit status.
func runExitError(err error, maxRounds int) error {
	switch {
	case errors.Is(err, agent.ErrMaxRounds):
		return &exitError{code: ExitMaxRounds, msg: fmt.Sprintf("Maximum iterations (%d) reached.", maxRounds)}
	case errors.Is(err, agent.ErrEmptyPrompt):
		return &exitError{code: ExitUsage, msg: usageText}
	default:
		return &exitError{code: ExitFailure, msg: fmt.Sprintf("Error during prompt processing: %v", err)}
	}
}

// newCallPrinter announces every function call on out: the name alone, or
// the name with its arguments when verbose.
func newCallPrinter(out io.Writer, verbose bool) tools.CallHook {
	var mu sync.Mutex
	return func(_ context.Context, call tools.Call) {
		mu.Lock()
		defer mu.Unlock()
		if !verbose {
			fmt.Fprintf(out, " - Calling function: %s\n", call.Name)
			return
		}
		args, err := json.Marshal(call.Arguments)
		if err != nil || call.Arguments == nil {
			args = []byte("{}")
		}
		fmt.Fprintf(out, "Calling function: %s(%s)\n", call.Name, args)
	}
}

// verboseObserver prints the per-round trace shown with --verbose.
type verboseObserver struct {
	agent.NopObserver
	mu     sync.Mutex
	out    io.Writer
	prompt string
}

func newVerboseObserver(out io.Writer, prompt string) *verboseObserver {
	return &verboseObserver{out: out, prompt: prompt}
}

func (o *verboseObserver) ModelResponded(_ context.Context, _ int, resp *llm.Response) {
	o.mu.Lock()
	defer o.mu.Unlock()
	fmt.Fprintf(o.out, "User prompt: %s\n", o.prompt)
	fmt.Fprintf(o.out, "Prompt tokens: %d\n", resp.Usage.InputTokens)
	fmt.Fprintf(o.out, "Response tokens: %d\n", resp.Usage.OutputTokens)
}

func (o *verboseObserver) ToolCompleted(_ context.Context, _ int, _ tools.Call, result *tools.Result) {
	o.mu.Lock()
	defer o.mu.Unlock()
	fmt.Fprintf(o.out, "-> %s\n", resultPayload(result))
}

// resultPayload renders a result the way it is returned to the model.
func resultPayload(result *tools.Result) string {
	key, text := "result", ""
	if result != nil {
		text = result.Output
		if !result.Success {
			key = "error"
		}
	}
	data, err := json.Marshal(map[string]string{key: text})
	if err != nil {
		return text
	}
	return string(data)
}

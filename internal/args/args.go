package args

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/cli/go-gh/v2/pkg/term"
	"github.com/spf13/cobra"

	"github.com/markis/cozeflow/internal/client"
	"github.com/markis/cozeflow/internal/config"
)

// Mode selects what main does with the parsed arguments.
type Mode string

const (
	ModeRun   Mode = "run"
	ModeServe Mode = "serve"
)

// Arguments represents the command-line arguments structure.
type Arguments struct {
	Mode    Mode
	Command string
	Inputs  []string

	WorkflowID  string
	Num         int
	FeishuToken string
	Token       string
	BaseURL     string

	Listen   string
	Upstream string

	UsePlainText bool
	Debug        bool
}

// Input joins the positional input and piped stdin into one workflow input.
func (a Arguments) Input() string {
	return strings.TrimSpace(strings.Join(a.Inputs, "\n\n"))
}

// RunRequest builds the workflow request described by the arguments.
func (a Arguments) RunRequest() client.RunRequest {
	return client.RunRequest{
		WorkflowID:  a.WorkflowID,
		Input:       a.Input(),
		Num:         client.ClampNum(a.Num),
		FeishuToken: a.FeishuToken,
	}
}

// ParseArgs parses argv and stdin input, returning an Arguments struct.
// Without a subcommand the default workflow runs with the first positional
// argument as input; each configured preset becomes its own subcommand and
// "serve" starts the local proxy. Piped stdin is appended to the input.
func ParseArgs(ctx context.Context, cfg config.Config, argv []string, stdin io.Reader) (Arguments, error) {
	args := Arguments{Mode: ModeRun}
	ran := false // false when cobra only printed help

	rootCmd := &cobra.Command{
		Use:   "cozeflow [command] [flags] [input]",
		Short: "Run Coze workflows and stream their progress to the terminal",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, cmdArgs []string) error {
			ran = true
			if len(cmdArgs) > 0 {
				args.Inputs = append(args.Inputs, cmdArgs[0])
			}
			return nil
		},
		SilenceErrors: true, // We'll handle error reporting
		SilenceUsage:  true, // We'll handle usage display
	}
	rootCmd.SetContext(ctx)
	if argv == nil {
		argv = []string{} // cobra falls back to os.Args on nil
	}
	rootCmd.SetArgs(argv)

	// Global flags
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&args.WorkflowID, "workflow", cfg.Workflow.ID, "The workflow id to run")
	flags.StringVar(&args.Token, "token", "", "API token (defaults to $"+config.EnvToken+" or the config file)")
	flags.IntVar(&args.Num, "num", cfg.Workflow.Num, "Number of results to request (1-10)")
	flags.StringVar(&args.FeishuToken, "feishu-token", cfg.Workflow.FeishuToken, "Feishu token passed to the workflow")
	flags.StringVar(&args.BaseURL, "base-url", cfg.API.BaseURL, "Workflow API base URL")
	flags.BoolVar(&args.UsePlainText, "plain", shouldUsePlainText(cfg), "Disable markdown rendering")
	flags.BoolVar(&args.Debug, "debug", false, "Enable debug logging")

	// Add predefined workflows
	for _, name := range presetNames(cfg.Workflows) {
		preset := cfg.Workflows[name] // Create a local copy for the closure
		cmd := &cobra.Command{
			Use:   name + " [input]",
			Short: summarizePreset(name, preset),
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, cmdArgs []string) error {
				ran = true
				args.Command = name
				if len(cmdArgs) > 0 {
					args.Inputs = append(args.Inputs, cmdArgs[0])
				}
				// Explicit flags win over the preset.
				if !cmd.Flags().Changed("workflow") {
					args.WorkflowID = preset.ID
				}
				if !cmd.Flags().Changed("num") {
					args.Num = preset.Num
				}
				if !cmd.Flags().Changed("feishu-token") && preset.FeishuToken != "" {
					args.FeishuToken = preset.FeishuToken
				}
				return nil
			},
		}
		rootCmd.AddCommand(cmd)
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start a local CORS proxy in front of the workflow API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, cmdArgs []string) error {
			ran = true
			args.Mode = ModeServe
			args.Command = "serve"
			return nil
		},
	}
	serveCmd.Flags().StringVar(&args.Listen, "listen", cfg.Proxy.Listen, "Address the proxy listens on")
	serveCmd.Flags().StringVar(&args.Upstream, "upstream", cfg.Proxy.Upstream, "Upstream workflow API")
	rootCmd.AddCommand(serveCmd)

	// Execute the command
	if err := rootCmd.Execute(); err != nil {
		return Arguments{}, err
	}

	if !ran {
		return Arguments{}, ErrHelp
	}

	if args.Mode == ModeServe {
		return args, nil
	}

	// Read from stdin if available
	input, err := readStdin(stdin)
	if err != nil {
		return Arguments{}, err
	}
	if input != "" {
		args.Inputs = append(args.Inputs, input)
	}

	args.Token = cfg.ResolveToken(args.Token)
	args.Num = client.ClampNum(args.Num)

	if args.Input() == "" {
		return Arguments{}, errors.New("no input provided")
	}

	return args, nil
}

// ErrHelp is returned when the user asked for usage output only.
var ErrHelp = errors.New("help requested")

// readStdin reads piped input. A terminal stdin is ignored.
func readStdin(stdin io.Reader) (string, error) {
	if stdin == nil {
		return "", nil
	}
	if f, ok := stdin.(*os.File); ok {
		stat, err := f.Stat()
		if err != nil || (stat.Mode()&os.ModeCharDevice) != 0 {
			return "", nil
		}
	}

	scanner := bufio.NewScanner(stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024) // 1MB max buffer
	var buf strings.Builder
	for scanner.Scan() {
		buf.WriteString(scanner.Text())
		buf.WriteByte('\n')
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("failed to read stdin: %w", err)
	}
	return strings.TrimSpace(buf.String()), nil
}

// shouldUsePlainText determines if plain text output should be used based on environment and terminal settings.
func shouldUsePlainText(cfg config.Config) bool {
	// Check if the rendering format is set to plain
	if cfg.Render.Format == "plain" {
		return true
	}

	// Redirected output, NO_COLOR and friends
	t := term.FromEnv()
	if !t.IsTerminalOutput() || !t.IsColorEnabled() {
		return true
	}

	// Check for TERM=dumb
	if os.Getenv("TERM") == "dumb" {
		return true
	}

	return false
}

func presetNames(presets map[string]config.Workflow) []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func summarizePreset(name string, preset config.Workflow) string {
	// Trim and limit the length of the description
	summary := strings.TrimSpace(preset.Description)
	if summary == "" {
		summary = "Run workflow " + preset.ID
		if preset.ID == "" {
			summary = "Run the " + name + " workflow"
		}
	}
	if r := []rune(summary); len(r) > 60 {
		summary = string(r[:57]) + "..."
	}
	return summary
}

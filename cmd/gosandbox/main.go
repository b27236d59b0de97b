package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/sameehj/gosandbox/internal/logging"
	"github.com/sameehj/gosandbox/pkg/config"
	"github.com/sameehj/gosandbox/pkg/policy"
	"github.com/sameehj/gosandbox/pkg/sandbox"
	"github.com/sameehj/gosandbox/pkg/version"
	"github.com/sameehj/gosandbox/pkg/watch"
)

var (
	cfgFile    string
	policyFile string
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "gosandbox",
		Short:        "Run untrusted Go scripts under a policy",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ~/.gosandbox/config.yaml)")
	root.PersistentFlags().StringVar(&policyFile, "policy", "", "policy document (overrides config)")

	root.AddCommand(runCmd())
	root.AddCommand(checkCmd())
	root.AddCommand(policyCmd())
	root.AddCommand(watchCmd())
	root.AddCommand(versionCmd())
	return root
}

// setup loads the config and builds a sandbox with the configured policy applied.
func setup(stdout, stderr io.Writer) (*config.Config, *sandbox.Sandbox, error) {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return nil, nil, err
	}
	if policyFile != "" {
		cfg.Policy = policyFile
	}
	level := logging.NewLevel(cfg.LogLevel)
	logger := logging.New(stderr, level, cfg.LogFormat)

	sb := sandbox.New(
		sandbox.WithLogger(logger),
		sandbox.WithLevel(level),
		sandbox.WithStdout(stdout),
		sandbox.WithStderr(stderr),
		sandbox.WithIncludeDir(cfg.IncludeDir),
		sandbox.WithEnvFiles(cfg.EnvFiles...),
	)
	if cfg.Policy != "" {
		doc, err := sandbox.LoadDocument(cfg.Policy)
		if err != nil {
			return nil, nil, err
		}
		if err := sb.Import(doc, sandbox.SectionAll); err != nil {
			return nil, nil, fmt.Errorf("apply policy %s: %w", cfg.Policy, err)
		}
	}
	if cfg.MaxOutput > 0 {
		sb.Options().SetMaxOutput(cfg.MaxOutput)
	}
	return cfg, sb, nil
}

func withTimeout(ctx context.Context, cfg *config.Config) (context.Context, context.CancelFunc, error) {
	d, err := cfg.TimeoutDuration()
	if err != nil {
		return nil, nil, err
	}
	if d <= 0 {
		ctx, cancel := context.WithCancel(ctx)
		return ctx, cancel, nil
	}
	ctx, cancel := context.WithTimeout(ctx, d)
	return ctx, cancel, nil
}

// execute runs path, or the policy document's code when path is empty, and
// prints a non-nil result.
func execute(ctx context.Context, cfg *config.Config, sb *sandbox.Sandbox, path, code string, out io.Writer) error {
	ctx, cancel, err := withTimeout(ctx, cfg)
	if err != nil {
		return err
	}
	defer cancel()

	var result any
	switch {
	case code != "":
		result, err = sb.Execute(ctx, code)
	case path != "":
		result, err = sb.ExecuteFile(ctx, path)
	default:
		result, err = sb.Execute(ctx, "")
	}
	if err != nil {
		return explain(err, path, code)
	}
	if result != nil {
		fmt.Fprintln(out, result)
	}
	return nil
}

// explain adds a source snippet to parse errors.
func explain(err error, path, code string) error {
	var perr *sandbox.ParseError
	if !errors.As(err, &perr) {
		return err
	}
	text := code
	if text == "" && path != "" {
		data, readErr := os.ReadFile(path)
		if readErr != nil {
			return err
		}
		text = string(data)
	}
	return errors.New(perr.Snippet(text))
}

func scriptArg(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return ""
}

func runCmd() *cobra.Command {
	var code string
	var capture bool

	cmd := &cobra.Command{
		Use:   "run [script]",
		Short: "Validate and execute a script",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, sb, err := setup(cmd.OutOrStdout(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer sb.Close()
			if capture {
				if err := sb.SetOption(string(policy.CaptureOutput), true); err != nil {
					return err
				}
			}
			return execute(cmd.Context(), cfg, sb, scriptArg(args), code, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&code, "eval", "e", "", "script text to run instead of a file")
	cmd.Flags().BoolVar(&capture, "capture", false, "capture output and print it as the result")
	return cmd
}

func checkCmd() *cobra.Command {
	var code string

	cmd := &cobra.Command{
		Use:   "check [script]",
		Short: "Validate a script without running it",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, sb, err := setup(cmd.OutOrStdout(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer sb.Close()

			path := scriptArg(args)
			switch {
			case code != "":
				err = sb.Prepare(cmd.Context(), code)
			case path != "":
				err = sb.PrepareFile(cmd.Context(), path)
			default:
				err = sb.Prepare(cmd.Context(), "")
			}
			if err != nil {
				return explain(err, path, code)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok (%s)\n", sb.PrepareTime())
			return nil
		},
	}
	cmd.Flags().StringVarP(&code, "eval", "e", "", "script text to check instead of a file")
	return cmd
}

func policyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "policy", Short: "Inspect policy documents"}
	cmd.AddCommand(policyShowCmd())
	cmd.AddCommand(policyProbeCmd())
	cmd.AddCommand(policyInitCmd())
	return cmd
}

func policyShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective policy document",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, sb, err := setup(cmd.OutOrStdout(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer sb.Close()
			data, err := yaml.Marshal(sb.Export())
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}

func policyProbeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "probe <category> <name>...",
		Short: "Report whether names are allowed in a category",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := policy.ParseCategory(args[0])
			if err != nil {
				return err
			}
			_, sb, err := setup(cmd.OutOrStdout(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer sb.Close()

			report := sb.Store().Evaluate(map[policy.Category][]string{c: args[1:]})
			for _, d := range report.Decisions {
				status := "allowed"
				if !d.Allowed {
					status = "denied: " + d.Reason
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s\n", d.Category, d.Name, status)
			}
			return report.Err()
		},
	}
}

func policyInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init <path>",
		Short: "Write a policy document holding the default options",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(args[0]); err == nil {
				return fmt.Errorf("%s already exists", args[0])
			}
			sb := sandbox.New()
			defer sb.Close()
			if err := sb.Export().Save(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", args[0])
			return nil
		},
	}
}

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <script>",
		Short: "Re-run a script whenever it or its policy changes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			rerun := func() error {
				cfg, sb, err := setup(out, cmd.ErrOrStderr())
				if err != nil {
					return err
				}
				defer sb.Close()
				return execute(cmd.Context(), cfg, sb, args[0], "", out)
			}
			if err := rerun(); err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), err)
			}

			cfg, err := config.LoadConfig(cfgFile)
			if err != nil {
				return err
			}
			paths := []string{args[0]}
			if policyFile != "" {
				paths = append(paths, policyFile)
			} else if cfg.Policy != "" {
				paths = append(paths, cfg.Policy)
			}
			w, err := watch.New(func(string) error { return rerun() }, paths...)
			if err != nil {
				return err
			}
			w.SetLogger(logging.New(cmd.ErrOrStderr(), logging.NewLevel(cfg.LogLevel), cfg.LogFormat))

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if err := w.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.String())
		},
	}
}

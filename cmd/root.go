package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

// DefaultConfigFile is evaluated when --config is not given.
const DefaultConfigFile = "config/sample.yml"

var (
	cfgFile string

	// appFs backs every file the commands read or write.
	appFs afero.Fs = afero.NewOsFs()
)

var rootCmd = &cobra.Command{
	Use:   "ckpt-eval",
	Short: "Evaluate saved checkpoints of a video editing model",
	Long: `ckpt-eval sweeps the checkpoints of a fine-tuned text-to-video model and,
for each one:
  - loads the model bundle and builds the test pipeline
  - samples a source clip from the dataset
  - optionally inverts it into DDIM latents
  - renders edited samples for every editing prompt

Results land in a timestamped directory per checkpoint, next to a copy of
the resolved config and a run manifest.

Examples:
  ckpt-eval --config config/jeep.yml
  CKPT_EVAL_NUM_PROCESSES=2 ckpt-eval --config config/jeep.yml
  ckpt-eval checkpoints outputs/jeep`,
	SilenceUsage: true,
	RunE:         runEval,
}

func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", DefaultConfigFile, "evaluation config file")
}

// newLogger writes text logs to w. CKPT_EVAL_DEBUG enables debug output.
func newLogger(w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	if os.Getenv("CKPT_EVAL_DEBUG") != "" {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/raphaelgruber/retrobot/internal/audio"
	"github.com/raphaelgruber/retrobot/internal/metrics"
	"github.com/raphaelgruber/retrobot/internal/pipeline"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var (
	transcribeRaw   bool
	transcribeStats bool
)

var transcribeCmd = &cobra.Command{
	Use:   "transcribe <audio-file>",
	Short: "Run one recording through the voice pipeline",
	Long: `Convert, transcribe and (when enabled) clean up a single recording,
then print the text. Useful for checking ffmpeg and provider settings.`,
	Args: cobra.ExactArgs(1),
	RunE: runTranscribe,
}

func init() {
	transcribeCmd.Flags().BoolVar(&transcribeRaw, "raw", false, "print the transcript before cleanup")
	transcribeCmd.Flags().BoolVar(&transcribeStats, "stats", false, "print timing and cost statistics")
}

func runTranscribe(cmd *cobra.Command, args []string) error {
	if !cfg.VoiceEnabled {
		return errVoiceDisabled
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	collector := metrics.NewCollector()
	stack, err := newVoiceStack(ctx, cfg, collector, logger)
	if err != nil {
		return err
	}
	defer stack.pipeline.Close()

	events, unsubscribe := stack.pipeline.Subscribe()
	defer unsubscribe()

	job, err := stack.pipeline.Submit("cli", audio.File(args[0]))
	if err != nil {
		return err
	}
	logger.Debug("transcription submitted", "job_id", job.ID, "provider", stack.provider)

	var final pipeline.Event
	if term.IsTerminal(int(os.Stdout.Fd())) {
		final, err = runJobProgress(stack.pipeline, events, job)
	} else {
		final, err = waitForJob(ctx, stack.pipeline, events, job.ID)
	}
	if err != nil {
		return err
	}
	if final.Failure != nil {
		return final.Failure
	}

	out := cmd.OutOrStdout()
	text := final.Text
	if transcribeRaw && final.RawText != "" {
		text = final.RawText
	}
	fmt.Fprintln(out, text)

	if transcribeStats {
		printStats(out, collector.Snapshot())
	}
	return nil
}

// waitForJob blocks until the job ends. Cancelling ctx cancels the job.
func waitForJob(ctx context.Context, p *pipeline.Orchestrator, events <-chan pipeline.Event, jobID string) (pipeline.Event, error) {
	done := ctx.Done()
	for {
		select {
		case <-done:
			p.Cancel(jobID)
			done = nil
		case e, ok := <-events:
			if !ok {
				return pipeline.Event{}, pipeline.ErrClosed
			}
			if e.JobID != jobID {
				continue
			}
			logger.Debug("transcription stage", "job_id", jobID, "stage", e.Stage)
			if e.Stage.Terminal() {
				return e, nil
			}
		}
	}
}

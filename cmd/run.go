package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func newRunCmd() *cobra.Command {
	var prompt string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Send a single prompt non-interactively",
		Example: `  kite run -P "explain the difference between a mutex and a semaphore"
  kite run -P "summarize this" -m flash-lite`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if prompt == "" {
				return fmt.Errorf("--prompt / -P is required")
			}
			return runOnce(prompt)
		},
	}

	cmd.Flags().StringVarP(&prompt, "prompt", "P", "", "the prompt to send")
	cmd.MarkFlagRequired("prompt")

	return cmd
}

// runOnce sends a single message through the controller and exits. The
// same quota handling applies: a transient throttle is retried before
// giving up.
func runOnce(prompt string) error {
	cfg := initConfig()

	s, err := openSession(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer s.close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go s.controller.Scheduler().Run(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		if !s.controller.CancelSend() {
			cancel()
		}
	}()

	if err := s.controller.SendMessage(ctx, prompt, nil, ""); err != nil {
		return err
	}

	// If the send armed a retry, wait for it to settle before exiting.
	for s.controller.Scheduler().Armed() || s.controller.Busy() {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(200 * time.Millisecond):
		}
	}
	return nil
}

package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roffe/canbus"
	"github.com/roffe/canbus/tracefile"
)

func newLogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "log OUT",
		Short: "Record frames from the bus to a trace file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			duration, _ := cmd.Flags().GetDuration("duration")
			print, _ := cmd.Flags().GetBool("print")
			if err := confirmOverwrite(cmd, args[0]); err != nil {
				return err
			}
			bus, cfg, err := openBus(cmd)
			if err != nil {
				return err
			}
			defer bus.Shutdown()

			w, err := tracefile.Create(args[0], formatOpts(cfg)...)
			if err != nil {
				return err
			}
			listeners := []canbus.Listener{tracefile.AsListener(w)}
			if print {
				listeners = append(listeners, canbus.NewPrinter(cmd.OutOrStdout(), false))
			}

			ctx := cmd.Context()
			if duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, duration)
				defer cancel()
			}
			n := canbus.NewNotifier(ctx, []canbus.Receiver{bus}, listeners,
				canbus.WithNotifierEvents(canbus.LogEvents(cfg.Logger)),
			)
			stopped := make(chan error, 1)
			go func() { stopped <- n.Wait() }()
			select {
			case <-ctx.Done():
			case <-stopped:
			}
			err = n.Stop()
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				err = nil
			}
			st := bus.Stats()
			fmt.Fprintf(cmd.OutOrStdout(), "logged %d frames to %s (%d filtered)\n", st.Received, args[0], st.Filtered)
			return err
		},
	}
	cmd.Flags().Bool(flagForce, false, "overwrite OUT without asking")
	cmd.Flags().BoolP("print", "p", false, "print frames while logging")
	cmd.Flags().Duration("duration", 0, "stop after this long, 0 runs until interrupted")
	return cmd
}

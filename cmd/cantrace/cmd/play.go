package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/roffe/canbus"
	"github.com/roffe/canbus/tracefile"
)

func newPlayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "play IN",
		Short: "Replay a trace file onto the bus",
		Long: `Sends the frames of IN keeping their recorded spacing. Error frames are
not replayed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := cmd.Flags()
			ignore, _ := f.GetBool("ignore-timestamps")
			gap, _ := f.GetDuration("gap")
			skip, _ := f.GetDuration("skip")
			loops, _ := f.GetInt("loop")
			verbose, _ := f.GetBool("verbose")

			bus, cfg, err := openBus(cmd)
			if err != nil {
				return err
			}
			defer bus.Shutdown()

			opts := []tracefile.SyncOption{tracefile.WithSkip(skip)}
			if ignore {
				opts = append(opts, tracefile.WithGap(gap))
			}
			var printer *canbus.Printer
			if verbose {
				printer = canbus.NewPrinter(cmd.OutOrStdout(), false)
			}

			ctx := cmd.Context()
			var sent int
			for loop := 0; loops <= 0 || loop < loops; loop++ {
				r, err := tracefile.Open(args[0], formatOpts(cfg)...)
				if err != nil {
					return err
				}
				n, err := replay(ctx, bus, tracefile.NewSync(r, opts...), printer)
				sent += n
				if err != nil {
					return err
				}
				slog.Debug("replay done", "loop", loop+1, "frames", n)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent %d frames\n", sent)
			return nil
		},
	}
	cmd.Flags().Bool("ignore-timestamps", false, "send at a fixed gap instead of the recorded timing")
	cmd.Flags().Duration("gap", 100*time.Microsecond, "time between frames with --ignore-timestamps")
	cmd.Flags().Duration("skip", 60*time.Second, "longest pause kept from the recording, 0 keeps all")
	cmd.Flags().IntP("loop", "l", 1, "times to replay, 0 loops forever")
	cmd.Flags().BoolP("verbose", "v", false, "print frames as they are sent")
	return cmd
}

type frameSender interface {
	Send(ctx context.Context, f *canbus.Frame) error
}

func replay(ctx context.Context, bus frameSender, s *tracefile.Sync, printer *canbus.Printer) (int, error) {
	defer s.Close()
	var n int
	for {
		f, err := s.Next(ctx)
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			if tracefile.IsDecodeError(err) {
				slog.Warn("skipping frame", "error", err)
				continue
			}
			return n, err
		}
		if f.ErrorFrame {
			continue
		}
		f.Direction = canbus.Outgoing
		if err := bus.Send(ctx, f); err != nil {
			return n, err
		}
		n++
		if printer != nil {
			printer.OnFrame(f)
		}
	}
}

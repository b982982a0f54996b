package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roffe/canbus"
	"github.com/roffe/canbus/tracefile"
)

func newSendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send ID#DATA...",
		Short: "Send frames once or periodically",
		Long: `Frames use the can-utils notation: 123#DEADBEEF, 1F334455#R, 123##1AABB
for CAN FD. With --period the frames are sent round robin until --duration
passes or the command is interrupted.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			period, _ := cmd.Flags().GetDuration("period")
			duration, _ := cmd.Flags().GetDuration("duration")

			frames := make([]*canbus.Frame, 0, len(args))
			for _, arg := range args {
				f, err := tracefile.ParseCandumpFrame(arg)
				if err != nil {
					return fmt.Errorf("%s: %w", arg, err)
				}
				frames = append(frames, f)
			}

			bus, _, err := openBus(cmd)
			if err != nil {
				return err
			}
			defer bus.Shutdown()

			ctx := cmd.Context()
			if period <= 0 {
				for _, f := range frames {
					if err := bus.Send(ctx, f); err != nil {
						return err
					}
				}
				fmt.Fprintf(cmd.OutOrStdout(), "sent %d frames\n", len(frames))
				return nil
			}

			var opts []canbus.TaskOption
			if duration > 0 {
				opts = append(opts, canbus.WithDuration(duration))
			}
			task, err := bus.SendPeriodicSequence(frames, period, opts...)
			if err != nil {
				return err
			}
			select {
			case <-task.Done():
			case <-ctx.Done():
				task.Stop()
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent %d frames\n", task.Sent())
			return task.Err()
		},
	}
	cmd.Flags().Duration("period", 0, "repeat interval, 0 sends once")
	cmd.Flags().Duration("duration", 0, "stop periodic sending after this long")
	return cmd
}

package cmd

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roffe/canbus/pkg/bar"
	"github.com/roffe/canbus/tracefile"
)

func newConvertCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "convert IN... OUT",
		Short: "Merge one or more traces into a new file",
		Long: `Reads every input, merges the frames in timestamp order and writes them
to OUT. Formats are picked from the file extensions, a ".gz" suffix compresses
the output.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := busConfig(cmd)
			if err != nil {
				return err
			}
			inputs, output := args[:len(args)-1], args[len(args)-1]
			if err := confirmOverwrite(cmd, output); err != nil {
				return err
			}
			quiet, _ := cmd.Flags().GetBool("quiet")

			readers := make([]tracefile.Reader, 0, len(inputs))
			for _, in := range inputs {
				r, err := tracefile.Open(in)
				if err != nil {
					errs := []error{fmt.Errorf("open %s: %w", in, err)}
					for _, r := range readers {
						errs = append(errs, r.Close())
					}
					return errors.Join(errs...)
				}
				readers = append(readers, r)
			}
			merged := tracefile.Merge(readers...)
			defer merged.Close()

			var n, skipped int
			err = tracefile.WithWriter(output, func(w tracefile.Writer) error {
				var progress interface{ Add(int) error }
				if !quiet {
					pb := bar.New(cmd.ErrOrStderr(), -1, "converting")
					defer pb.Finish()
					progress = pb
				}
				for f, err := range tracefile.All(merged) {
					if err != nil {
						if tracefile.IsDecodeError(err) {
							skipped++
							slog.Warn("skipping frame", "error", err)
							continue
						}
						return err
					}
					if err := cmd.Context().Err(); err != nil {
						return err
					}
					if err := w.Write(f); err != nil {
						return err
					}
					n++
					if progress != nil {
						progress.Add(1)
					}
				}
				return nil
			}, formatOpts(cfg)...)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d frames to %s", n, output)
			if skipped > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), ", skipped %d", skipped)
			}
			fmt.Fprintln(cmd.OutOrStdout())
			return nil
		},
	}
	cmd.Flags().Bool(flagForce, false, "overwrite OUT without asking")
	cmd.Flags().BoolP("quiet", "q", false, "no progress output")
	return cmd
}

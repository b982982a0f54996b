package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"

	"github.com/roffe/canbus"
	"github.com/roffe/canbus/tracefile"
)

const (
	flagInterface   = "interface"
	flagChannel     = "channel"
	flagBitrate     = "bitrate"
	flagDataBitrate = "data-bitrate"
	flagFD          = "fd"
	flagFilters     = "filter"
	flagReceiveOwn  = "receive-own"
	flagFormat      = "format"
	flagDebug       = "debug"
	flagForce       = "force"
)

const (
	defaultInterface = "virtual"
	defaultChannel   = "vcan0"
)

// NewRootCmd assembles the cantrace command tree.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "cantrace",
		Short:        "Record, replay and convert CAN traces",
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelInfo
			if debug, _ := cmd.Flags().GetBool(flagDebug); debug {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})))
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringP(flagInterface, "i", "", "transport to use, default $"+canbus.EnvInterface+" or "+defaultInterface)
	pf.StringP(flagChannel, "c", "", "channel to open, default $"+canbus.EnvChannel+" or "+defaultChannel)
	pf.IntP(flagBitrate, "b", 0, "nominal bitrate, 0 leaves the interface as is")
	pf.Int(flagDataBitrate, 0, "CAN FD data phase bitrate")
	pf.Bool(flagFD, false, "enable CAN FD")
	pf.StringP(flagFilters, "f", "", "comma separated id:mask or lo-hi filters")
	pf.Bool(flagReceiveOwn, false, "receive frames sent by this process")
	pf.String(flagFormat, "", "trace format, overrides the file extension")
	pf.BoolP(flagDebug, "d", false, "debug mode")

	rootCmd.AddCommand(
		newConvertCmd(),
		newLogCmd(),
		newPlayCmd(),
		newSendCmd(),
		newInterfacesCmd(),
		newMonitorCmd(),
	)
	return rootCmd
}

// Execute runs the command line. This is called by main.main().
func Execute(ctx context.Context) error {
	return NewRootCmd().ExecuteContext(ctx)
}

// busConfig maps the persistent flags onto a canbus.Config. Unset values
// fall back to the CAN_* environment.
func busConfig(cmd *cobra.Command) (*canbus.Config, error) {
	f := cmd.Flags()
	cfg := &canbus.Config{Logger: slog.Default()}
	cfg.Interface, _ = f.GetString(flagInterface)
	cfg.Channel, _ = f.GetString(flagChannel)
	cfg.Bitrate, _ = f.GetInt(flagBitrate)
	cfg.DataBitrate, _ = f.GetInt(flagDataBitrate)
	cfg.FD, _ = f.GetBool(flagFD)
	cfg.ReceiveOwnMessages, _ = f.GetBool(flagReceiveOwn)
	cfg.Format, _ = f.GetString(flagFormat)
	cfg.Debug, _ = f.GetBool(flagDebug)
	if s, _ := f.GetString(flagFilters); s != "" {
		filters, err := canbus.ParseFilters(s)
		if err != nil {
			return nil, err
		}
		cfg.Filters = filters
	}
	if err := canbus.LoadEnv(cfg); err != nil {
		return nil, err
	}
	if cfg.Interface == "" {
		cfg.Interface = defaultInterface
	}
	if cfg.Channel == "" {
		cfg.Channel = defaultChannel
	}
	return cfg, nil
}

func openBus(cmd *cobra.Command) (*canbus.Bus, *canbus.Config, error) {
	cfg, err := busConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	bus, err := canbus.Open(cmd.Context(), cfg)
	if err != nil {
		return nil, nil, err
	}
	slog.Debug("bus open", "interface", cfg.Interface, "channel", bus.Channel())
	return bus, cfg, nil
}

func formatOpts(cfg *canbus.Config) []tracefile.Option {
	if cfg.Format == "" {
		return nil
	}
	return []tracefile.Option{tracefile.WithFormat(cfg.Format)}
}

// confirmOverwrite asks before an existing file is replaced. --force skips
// the question.
func confirmOverwrite(cmd *cobra.Command, path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if force, _ := cmd.Flags().GetBool(flagForce); force {
		return nil
	}
	if !yesNo(fmt.Sprintf("%s exists, overwrite", path)) {
		return fmt.Errorf("%s exists", path)
	}
	return nil
}

func yesNo(label string) bool {
	prompt := promptui.Select{
		Label:    label + " [Yes/No]",
		HideHelp: true,
		Items:    []string{"Yes", "No"},
	}
	_, result, err := prompt.Run()
	if err != nil {
		slog.Error("prompt failed", "error", err)
		return false
	}
	return result == "Yes"
}

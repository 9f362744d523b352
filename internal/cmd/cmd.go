package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.bug.st/serial"

	"sleepywoodpecker/rp-goes-sim/internal/config"
	"sleepywoodpecker/rp-goes-sim/internal/record"
	"sleepywoodpecker/rp-goes-sim/internal/simulator"
)

func RunCmdFlags(cmd *cobra.Command) {
	def := config.NewSimSensorsOpt()
	cmd.Flags().String("config", "", "default configuration path")
	cmd.Flags().IntP("readers", "r", def.Sim.Readers, "concurrent readers allowed per sensor buffer")
	cmd.Flags().Float64("rate", def.Sim.RateHz, "simulation tick rate in Hz")
	cmd.Flags().String("byte-order", string(record.DefaultByteOrder), "record byte order, little or big")
	cmd.Flags().String("source", def.Sim.Source, "record producer, model or serial")
	cmd.Flags().StringP("port", "p", def.Serial.Port, "serial port used with --source=serial")
	cmd.Flags().Bool("debug", false, "toggle debug logging")
}

func newRunCmd(handle *simulator.Handle) *cobra.Command {
	cmd := &cobra.Command{
		Use: "run",
		SuggestFor: []string{
			"ru", "serve",
		},
		Short: "run the simulated sensor set using predefined configs.",
		Long: `run the simulated sensor set using predefined configs, by the following order:
1. path specified in --config flag
2. path defined SIMSENSORS_CONFIG environment variable
3. default location $HOME/.config/simsensors/config.yaml, /etc/simsensors/config.yaml, current directory
The parameters in the configuration file will be overwritten by the following order:
1. command line arguments
2. environment variables
`,
		Example: `  simsensors run --config=/path/to/config
  simsensors run --source=serial --port=/dev/ttyACM0`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWithHandle(cmd, handle)
		},
	}
	RunCmdFlags(cmd)
	return cmd
}

func InitCmdFlags(cmd *cobra.Command) {
	cmd.Flags().Bool("print", false, "print config to stdout")
	cmd.Flags().BoolP("yes", "y", false, "overwrite")
	cmd.Flags().StringP("output", "o", config.DefaultConfig, "specify output directory")
}

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use: "init",
		SuggestFor: []string{
			"ini", "in",
		},
		Short: "init create a configuration template",
		Long: `init create a configuration template.
If --print flag is present, the configuration will be printed to stdout.
If --output / -o flag is present, the configuration will be saved to the path specified
Otherwise init will output configuration file to $HOME/.config/simsensors/config.yaml
If --yes / -y flag is present, the configuration will be overwrite without confirmation
`,
		Example: `  simsensors init --print
  simsensors init -o /path/to/config.yaml -y`,
		RunE: config.InitCfg,
	}
	InitCmdFlags(cmd)
	return cmd
}

func newProbeCmd() *cobra.Command {
	return &cobra.Command{
		Use: "probe",
		SuggestFor: []string{
			"pro", "pr", "prob",
		},
		Short: "probe lists the serial ports a recorded stream can be replayed from",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ports, err := serial.GetPortsList()
			if err != nil {
				return err
			}
			if len(ports) == 0 {
				_, err = fmt.Fprintln(cmd.OutOrStdout(), "no serial ports found")
				return err
			}
			for _, p := range ports {
				if _, err := fmt.Fprintln(cmd.OutOrStdout(), p); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

// NewRootCmd builds a fresh command tree, so flags are never registered twice.
// run installs the simulator in the process-wide handle.
func NewRootCmd() *cobra.Command {
	return newRootCmd(simulator.Default())
}

func newRootCmd(handle *simulator.Handle) *cobra.Command {
	root := &cobra.Command{
		Use:           "simsensors",
		Short:         "simulated accelerometer, IMU and barometer for driver testing",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCmd(handle), newInitCmd(), newProbeCmd())
	return root
}

func Execute(args []string) error {
	rootCmd := NewRootCmd()
	rootCmd.SetArgs(args)
	return rootCmd.Execute()
}

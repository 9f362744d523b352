package config

import (
	"errors"
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"sleepywoodpecker/rp-goes-sim/internal/record"
)

const DefaultAppName = "simsensors"
const DefaultConfigName = "config"
const EnvConfigFile = "SIMSENSORS_CONFIG"

const (
	SourceModel  = "model"
	SourceSerial = "serial"
)

var userHomeDir, _ = os.UserHomeDir()
var DefaultConfig = path.Join(userHomeDir, ".config", DefaultAppName, DefaultConfigName+".yaml")
var DefaultConfigSearchPath0 = path.Join(userHomeDir, ".config", DefaultAppName)

const DefaultConfigSearchPath1 = "/etc/" + DefaultAppName
const DefaultConfigSearchPath2 = "./"

type SimOpt struct {
	Readers        int           `yaml:"readers" mapstructure:"readers"`
	RateHz         float64       `yaml:"rate_hz" mapstructure:"rate_hz"`
	ByteOrder      string        `yaml:"byte_order" mapstructure:"byte_order"`
	PublishTimeout time.Duration `yaml:"publish_timeout" mapstructure:"publish_timeout"`
	Source         string        `yaml:"source" mapstructure:"source"`
}

type SerialOpt struct {
	Port     string `yaml:"port" mapstructure:"port"`
	Baudrate int    `yaml:"baudrate" mapstructure:"baudrate"`
}

type RecorderOpt struct {
	Enabled bool          `yaml:"enabled" mapstructure:"enabled"`
	Path    string        `yaml:"path" mapstructure:"path"`
	Period  time.Duration `yaml:"period" mapstructure:"period"`
}

type SamplerOpt struct {
	Enabled bool          `yaml:"enabled" mapstructure:"enabled"`
	Addr    string        `yaml:"addr" mapstructure:"addr"`
	Period  time.Duration `yaml:"period" mapstructure:"period"`
}

type MetricsOpt struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Addr    string `yaml:"addr" mapstructure:"addr"`
}

type LogOpt struct {
	Path  string `yaml:"path" mapstructure:"path"`
	Debug bool   `yaml:"debug" mapstructure:"debug"`
}

type SimSensorsOpt struct {
	Sim      SimOpt      `yaml:"sim" mapstructure:"sim"`
	Serial   SerialOpt   `yaml:"serial" mapstructure:"serial"`
	Recorder RecorderOpt `yaml:"recorder" mapstructure:"recorder"`
	Sampler  SamplerOpt  `yaml:"sampler" mapstructure:"sampler"`
	Metrics  MetricsOpt  `yaml:"metrics" mapstructure:"metrics"`
	Log      LogOpt      `yaml:"log" mapstructure:"log"`
}

func NewSimSensorsOpt() SimSensorsOpt {
	return SimSensorsOpt{
		Sim: SimOpt{
			Readers:        3,
			RateHz:         250,
			ByteOrder:      string(record.DefaultByteOrder),
			PublishTimeout: 50 * time.Millisecond,
			Source:         SourceModel,
		},
		Serial: SerialOpt{
			Port:     "/dev/ttyUSB0",
			Baudrate: 460800,
		},
		Recorder: RecorderOpt{
			Enabled: true,
			Path:    "sim_raw.csv",
			Period:  10 * time.Millisecond,
		},
		Sampler: SamplerOpt{
			Enabled: true,
			Addr:    "127.0.0.1:4020",
			Period:  100 * time.Millisecond,
		},
		Metrics: MetricsOpt{
			Enabled: false,
			Addr:    "127.0.0.1:9464",
		},
		Log: LogOpt{
			Path:  "simsensors.logs",
			Debug: false,
		},
	}
}

// Period is the tick interval for the configured rate.
func (o SimSensorsOpt) Period() time.Duration {
	return time.Duration(float64(time.Second) / o.Sim.RateHz)
}

// Consumers counts the in-process readers that poll the buffers.
func (o SimSensorsOpt) Consumers() int {
	n := 0
	if o.Recorder.Enabled {
		n++
	}
	if o.Sampler.Enabled {
		n++
	}
	return n
}

var ErrInvalidConfig = errors.New("[config] invalid configuration")

func (o SimSensorsOpt) Validate() error {
	var problems []string
	if o.Sim.Readers < 1 {
		problems = append(problems, "sim.readers must be at least 1")
	} else if o.Sim.Readers < o.Consumers()+1 {
		problems = append(problems, fmt.Sprintf("sim.readers=%d leaves no slot for drivers next to %d consumers", o.Sim.Readers, o.Consumers()))
	}
	if o.Sim.RateHz <= 0 {
		problems = append(problems, "sim.rate_hz must be positive")
	}
	if _, err := record.ParseByteOrder(o.Sim.ByteOrder); err != nil {
		problems = append(problems, err.Error())
	}
	if o.Sim.PublishTimeout < 0 {
		problems = append(problems, "sim.publish_timeout must not be negative")
	}
	switch o.Sim.Source {
	case SourceModel:
	case SourceSerial:
		if o.Serial.Port == "" || o.Serial.Baudrate <= 0 {
			problems = append(problems, "serial.port and serial.baudrate are required with source=serial")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown sim.source %q", o.Sim.Source))
	}
	if o.Recorder.Enabled && (o.Recorder.Path == "" || o.Recorder.Period <= 0) {
		problems = append(problems, "recorder needs a path and a positive period")
	}
	if o.Sampler.Enabled && (o.Sampler.Addr == "" || o.Sampler.Period <= 0) {
		problems = append(problems, "sampler needs an addr and a positive period")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

type SimSensorsDesc struct {
	Opt   SimSensorsOpt
	Viper *viper.Viper
}

func NewSimSensorsDesc() SimSensorsDesc {
	return SimSensorsDesc{
		Opt:   NewSimSensorsOpt(),
		Viper: nil,
	}
}

func setDefaults(v *viper.Viper, o SimSensorsOpt) {
	v.SetDefault("sim.readers", o.Sim.Readers)
	v.SetDefault("sim.rate_hz", o.Sim.RateHz)
	v.SetDefault("sim.byte_order", o.Sim.ByteOrder)
	v.SetDefault("sim.publish_timeout", o.Sim.PublishTimeout)
	v.SetDefault("sim.source", o.Sim.Source)
	v.SetDefault("serial.port", o.Serial.Port)
	v.SetDefault("serial.baudrate", o.Serial.Baudrate)
	v.SetDefault("recorder.enabled", o.Recorder.Enabled)
	v.SetDefault("recorder.path", o.Recorder.Path)
	v.SetDefault("recorder.period", o.Recorder.Period)
	v.SetDefault("sampler.enabled", o.Sampler.Enabled)
	v.SetDefault("sampler.addr", o.Sampler.Addr)
	v.SetDefault("sampler.period", o.Sampler.Period)
	v.SetDefault("metrics.enabled", o.Metrics.Enabled)
	v.SetDefault("metrics.addr", o.Metrics.Addr)
	v.SetDefault("log.path", o.Log.Path)
	v.SetDefault("log.debug", o.Log.Debug)
}

// Parse resolves the configuration in this order, later wins: defaults,
// config file (--config, $SIMSENSORS_CONFIG, then the search paths),
// SIMSENSORS_* environment variables, command line flags.
func (o *SimSensorsDesc) Parse(cmd *cobra.Command) error {
	vipCfg := viper.New()
	setDefaults(vipCfg, NewSimSensorsOpt())

	explicit := false
	if configFileCmd, err := cmd.Flags().GetString("config"); err == nil && configFileCmd != "" {
		vipCfg.SetConfigFile(configFileCmd)
		explicit = true
	} else if configFileEnv := os.Getenv(EnvConfigFile); configFileEnv != "" {
		vipCfg.SetConfigFile(configFileEnv)
		explicit = true
	} else {
		vipCfg.SetConfigName(DefaultConfigName)
		vipCfg.SetConfigType("yaml")
		vipCfg.AddConfigPath(DefaultConfigSearchPath0)
		vipCfg.AddConfigPath(DefaultConfigSearchPath1)
		vipCfg.AddConfigPath(DefaultConfigSearchPath2)
	}

	vipCfg.SetEnvPrefix(DefaultAppName)
	vipCfg.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vipCfg.AutomaticEnv()

	_ = vipCfg.BindPFlag("sim.readers", cmd.Flags().Lookup("readers"))
	_ = vipCfg.BindPFlag("sim.rate_hz", cmd.Flags().Lookup("rate"))
	_ = vipCfg.BindPFlag("sim.byte_order", cmd.Flags().Lookup("byte-order"))
	_ = vipCfg.BindPFlag("sim.source", cmd.Flags().Lookup("source"))
	_ = vipCfg.BindPFlag("serial.port", cmd.Flags().Lookup("port"))
	_ = vipCfg.BindPFlag("log.debug", cmd.Flags().Lookup("debug"))

	if err := vipCfg.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if explicit || !errors.As(err, &notFound) {
			return fmt.Errorf("[config] reading config: %w", err)
		}
	}

	if err := vipCfg.Unmarshal(&o.Opt); err != nil {
		return fmt.Errorf("[config] unmarshal: %w", err)
	}

	o.Viper = vipCfg
	return o.Opt.Validate()
}

func (o *SimSensorsDesc) ConfigFileUsed() string {
	if o.Viper == nil {
		return ""
	}
	return o.Viper.ConfigFileUsed()
}

// InitCfg writes a configuration template built from the defaults.
func InitCfg(cmd *cobra.Command, _ []string) error {
	printFlag, _ := cmd.Flags().GetBool("print")
	outputPath, _ := cmd.Flags().GetString("output")
	overwriteFlag, _ := cmd.Flags().GetBool("yes")

	buffer, err := yaml.Marshal(NewSimSensorsOpt())
	if err != nil {
		return err
	}

	if printFlag {
		_, err = cmd.OutOrStdout().Write(buffer)
		return err
	}
	return DumpOption(buffer, outputPath, overwriteFlag)
}

var ErrConfigExists = errors.New("[config] configuration already exists, pass --yes to overwrite")

func DumpOption(buffer []byte, outputPath string, overwrite bool) error {
	if err := os.MkdirAll(path.Dir(outputPath), 0700); err != nil {
		return fmt.Errorf("[config] cannot create directory: %w", err)
	}
	if !overwrite {
		if _, err := os.Stat(outputPath); err == nil {
			return fmt.Errorf("%w: %s", ErrConfigExists, outputPath)
		}
	}

	zap.L().Info("[config] writing default configuration", zap.String("path", outputPath))
	return os.WriteFile(outputPath, buffer, 0600)
}

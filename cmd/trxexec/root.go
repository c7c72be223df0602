package main

import (
	"fmt"
	"io"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/spacemeshos/go-trxexec/config"
)

// fs is replaced in tests.
var fs = afero.NewOsFs()

type rootOpts struct {
	configFile string
	database   string
	encoder    string
	level      levelFlag
}

// levelFlag is a zap level that remembers whether it was set on the command line.
type levelFlag struct {
	lvl zapcore.Level
	set bool
}

var _ pflag.Value = (*levelFlag)(nil)

func (f *levelFlag) String() string {
	if !f.set {
		return ""
	}
	return f.lvl.String()
}

// Set implements pflag.Value.Set.
func (f *levelFlag) Set(value string) error {
	if err := f.lvl.UnmarshalText([]byte(value)); err != nil {
		return err
	}
	f.set = true
	return nil
}

// Type implements pflag.Value.Type.
func (*levelFlag) Type() string {
	return "level"
}

func newRootCmd() *cobra.Command {
	var opts rootOpts
	cmd := &cobra.Command{
		Use:          "trxexec",
		Short:        "execute transactions against a ledger",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "", "load configuration from file")
	cmd.PersistentFlags().StringVarP(&opts.database, "database", "d", "",
		"path to the ledger database, overwrites config. in-memory ledger if empty")
	cmd.PersistentFlags().StringVar(&opts.encoder, "log-encoder", "", "log as json or console text, overwrites config")
	cmd.PersistentFlags().Var(&opts.level, "level", "logging level of all modules, overwrites config")

	cmd.AddCommand(newGenesisCmd(&opts), newRunCmd(&opts))
	return cmd
}

// load parses config file and applies flags on top of it.
func (o *rootOpts) load() (*config.Config, error) {
	vip := viper.New()
	vip.SetFs(fs)
	if err := config.LoadConfig(o.configFile, vip); err != nil {
		return nil, err
	}
	conf, err := config.Parse(vip)
	if err != nil {
		return nil, err
	}
	if o.database != "" {
		conf.Database = o.database
	}
	if o.encoder != "" {
		conf.LOGGING.Encoder = config.LogEncoder(o.encoder)
	}
	if o.level.set {
		lvl := o.level.lvl
		conf.LOGGING.AppLoggerLevel = lvl
		conf.LOGGING.ChainLoggerLevel = lvl
		conf.LOGGING.ContractsLoggerLevel = lvl
		conf.LOGGING.TransactionLoggerLevel = lvl
		conf.LOGGING.ResourceLoggerLevel = lvl
	}
	return conf, nil
}

// newLogger writes to w at debug level. Module loggers increase their level with zap.IncreaseLevel.
func newLogger(w io.Writer, conf *config.LoggerConfig) (*zap.Logger, error) {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var encoder zapcore.Encoder
	switch conf.Encoder {
	case config.JSONLogEncoder:
		encoder = zapcore.NewJSONEncoder(encoderCfg)
	case config.ConsoleLogEncoder, "":
		encoder = zapcore.NewConsoleEncoder(encoderCfg)
	default:
		return nil, fmt.Errorf("unknown log encoder %q", conf.Encoder)
	}
	core := zapcore.NewCore(encoder, zapcore.AddSync(w), zapcore.DebugLevel)
	return zap.New(core), nil
}

func moduleLogger(logger *zap.Logger, name string, lvl zapcore.Level) *zap.Logger {
	return logger.Named(name).WithOptions(zap.IncreaseLevel(lvl))
}

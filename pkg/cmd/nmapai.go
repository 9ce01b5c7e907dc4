package cmd

import (
	"github.com/nmapai"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

type Flags struct {
	Config string
	Debug  bool
}

func Run() error {
	var set *nmapai.Settings
	var f Flags

	com := &cobra.Command{
		Use:   "nmapai",
		Short: "Scan, annotate, probe and summarize",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			s, err := nmapai.LoadSettings(afero.NewOsFs(), f.Config)
			if err != nil {
				return err
			}
			s.Debug = f.Debug
			set = s
			nmapai.ConfigureLogging(nil, f.Debug)
			return nil
		},
	}

	fl := com.PersistentFlags()

	cfgFlags := pflag.NewFlagSet("Configuration", pflag.ExitOnError)
	cfgFlags.StringVar(&f.Config, "config", "", "Path to configuration file")
	cfgFlags.BoolVar(&f.Debug, "debug", false, "Verbose logging")
	fl.AddFlagSet(cfgFlags)

	com.AddCommand(scanCommand(&set))

	return com.Execute()
}

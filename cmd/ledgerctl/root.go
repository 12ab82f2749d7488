package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	cfg     *config
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "ledgerctl",
	Short: "Ledger Ethereum app client",
	Long: `ledgerctl derives addresses and requests signatures from a Ledger
hardware wallet running the Ethereum app. Every signature has to be approved
on the device.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if cfg, err = loadConfig(viper.GetViper(), cfgFile); err != nil {
			return err
		}
		setupLogging(cfg.verbosity)
		return nil
	},
}

func init() {
	setDefaults(viper.GetViper())

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (toml, yaml or json)")
	flags.String(CfgHDPath, viper.GetString(CfgHDPath), "HD derivation template, {x} is the account index")
	flags.Duration(CfgTimeout, viper.GetDuration(CfgTimeout), "timeout for a single device exchange")
	flags.String(CfgBackend, viper.GetString(CfgBackend), "USB backend, hid or libusb")
	flags.Int(CfgPageSize, viper.GetInt(CfgPageSize), "accounts per selector page")
	flags.Int(CfgVerbosity, viper.GetInt(CfgVerbosity), "log level, 0 (silent) to 5 (trace)")

	for _, key := range []string{CfgHDPath, CfgTimeout, CfgBackend, CfgPageSize, CfgVerbosity} {
		if err := viper.BindPFlag(key, flags.Lookup(key)); err != nil {
			panic(err)
		}
	}

	rootCmd.AddCommand(selectCmd, addressCmd, signMessageCmd, signTypedCmd, signTxCmd, versionCmd)
}

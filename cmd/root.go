package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"amf-rpc/loadbalance"
	"amf-rpc/registry"
)

var Version = "dev"

var Commit = "none"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:           "amfrpc",
	Short:         "amfrpc: AMF remoting client and gateway",
	Version:       fmt.Sprintf("%s (commit %s)", Version, Commit),
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file")
	rootCmd.PersistentFlags().Bool("debug", false, "development logging")
	rootCmd.PersistentFlags().StringSlice("etcd", nil, "etcd endpoints of the gateway registry")
	rootCmd.PersistentFlags().String("gateway", "default", "application name gateways register under")

	viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
	viper.BindPFlag("registry.etcd", rootCmd.PersistentFlags().Lookup("etcd"))
	viper.BindPFlag("registry.gateway", rootCmd.PersistentFlags().Lookup("gateway"))
	cobra.OnInitialize(initConfig)
}

func initConfig() {
	viper.SetEnvPrefix("AMFRPC")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("amfrpc")
		viper.AddConfigPath(".")
		if home, _ := os.UserHomeDir(); home != "" {
			viper.AddConfigPath(filepath.Join(home, ".amfrpc"))
		}
		viper.AddConfigPath("/etc/amfrpc")
	}
	_ = viper.ReadInConfig()
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger() (*zap.Logger, error) {
	if viper.GetBool("debug") {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// openRegistry connects to etcd when endpoints are configured. It returns
// nil, nil otherwise.
func openRegistry(logger *zap.Logger) (*registry.EtcdRegistry, error) {
	endpoints := viper.GetStringSlice("registry.etcd")
	if len(endpoints) == 0 {
		return nil, nil
	}
	return registry.NewEtcdRegistry(endpoints, logger)
}

func newBalancer() (loadbalance.Balancer, error) {
	return loadbalance.New(viper.GetString("call.balancer"))
}

package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"amf-rpc/middleware"
	"amf-rpc/server"
)

func init() {
	gatewayCmd.Flags().String("listen", ":8080", "listen address")
	gatewayCmd.Flags().String("path", "/gateway", "gateway path")
	gatewayCmd.Flags().String("advertise", "", "URL registered in etcd, e.g. http://10.0.0.3:8080/gateway")
	gatewayCmd.Flags().String("user", "", "require these credentials")
	gatewayCmd.Flags().String("password", "", "password for --user")
	gatewayCmd.Flags().Float64("rate", 0, "requests per second, 0 for unlimited")
	gatewayCmd.Flags().Int("burst", 10, "rate limiter burst")
	gatewayCmd.Flags().Duration("handler-timeout", 30*time.Second, "per request processing limit")

	for _, name := range []string{"listen", "path", "advertise", "user", "password", "rate", "burst", "handler-timeout"} {
		viper.BindPFlag("gateway."+name, gatewayCmd.Flags().Lookup(name))
	}

	rootCmd.AddCommand(gatewayCmd)
}

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "run an AMF gateway serving the echo service",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, err := newLogger()
		if err != nil {
			return err
		}
		defer logger.Sync()

		opts := []server.Option{
			server.WithLogger(logger),
			server.WithPath(viper.GetString("gateway.path")),
			server.WithName(viper.GetString("registry.gateway")),
		}
		if user := viper.GetString("gateway.user"); user != "" {
			password := viper.GetString("gateway.password")
			opts = append(opts, server.WithAuthenticator(func(_ context.Context, u, p string) error {
				if u != user || p != password {
					return errors.New("invalid username or password")
				}
				return nil
			}))
		}

		svr := server.NewServer(opts...)
		svr.Use(middleware.LoggingMiddleware(logger))
		svr.Use(middleware.MetricsMiddleware())
		if rate := viper.GetFloat64("gateway.rate"); rate > 0 {
			svr.Use(middleware.RateLimitMiddleware(rate, viper.GetInt("gateway.burst")))
		}
		svr.Use(middleware.TimeOutMiddleware(viper.GetDuration("gateway.handler-timeout")))

		if err := svr.Register(&Echo{}); err != nil {
			return err
		}

		reg, err := openRegistry(logger)
		if err != nil {
			return err
		}
		serveErr := make(chan error, 1)
		go func() {
			if reg != nil {
				defer reg.Close()
				serveErr <- svr.Serve("tcp", viper.GetString("gateway.listen"), viper.GetString("gateway.advertise"), reg)
				return
			}
			serveErr <- svr.Serve("tcp", viper.GetString("gateway.listen"), "", nil)
		}()

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		select {
		case err := <-serveErr:
			return err
		case <-ctx.Done():
		}

		logger.Info("shutting down")
		if err := svr.Shutdown(10 * time.Second); err != nil {
			logger.Error("shutdown", zap.Error(err))
		}
		return <-serveErr
	},
}

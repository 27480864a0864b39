package cmd

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"amf-rpc/client"
	"amf-rpc/message"
	"amf-rpc/middleware"
)

func init() {
	callCmd.Flags().String("endpoint", "", "gateway URL (ignored when --etcd is set)")
	callCmd.Flags().String("encoding", "amf0", "amf0, amf3, flex (amf3 + RemotingMessage) or amf0+flex")
	callCmd.Flags().String("user", "", "username sent in the Credentials header")
	callCmd.Flags().String("password", "", "password sent in the Credentials header")
	callCmd.Flags().String("proxy", "", "HTTP proxy, host:port or URL")
	callCmd.Flags().String("user-agent", "", "User-Agent request header")
	callCmd.Flags().StringArray("header", nil, `extra HTTP header "Name: value", repeatable`)
	callCmd.Flags().Duration("timeout", client.DefaultTimeout, "exchange timeout")
	callCmd.Flags().String("balancer", "roundrobin", "roundrobin, weighted or hash:<key>")
	callCmd.Flags().Bool("raw", false, "dump the response envelope bytes instead of the result")

	for _, name := range []string{"endpoint", "encoding", "user", "password", "proxy", "user-agent", "header", "timeout", "balancer", "raw"} {
		viper.BindPFlag("call."+name, callCmd.Flags().Lookup(name))
	}

	rootCmd.AddCommand(callCmd)
}

var callCmd = &cobra.Command{
	Use:   "call <service.method> [json-params]",
	Short: "invoke a remote method and print the result as JSON",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, err := newLogger()
		if err != nil {
			return err
		}
		defer logger.Sync()

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		var params any
		if len(args) == 2 {
			if err := json.Unmarshal([]byte(args[1]), &params); err != nil {
				return errors.Wrap(err, "parsing params")
			}
		}

		c, closeAll, err := dial(ctx, logger)
		if err != nil {
			return err
		}
		defer closeAll()

		if viper.GetBool("call.raw") {
			data, err := c.InvokeRaw(ctx, args[0], params)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), hex.Dump(data))
			return nil
		}

		result, err := c.Call(ctx, args[0], params)
		if err != nil {
			return err
		}
		out, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return errors.Wrap(err, "formatting result")
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
		return nil
	},
}

// dial builds a client from the call.* settings, resolving the endpoint
// through the registry when one is configured. The returned func closes the
// client and then the registry it follows.
func dial(ctx context.Context, logger *zap.Logger) (*client.Client, func(), error) {
	enc, err := message.ParseEncoding(viper.GetString("call.encoding"))
	if err != nil {
		return nil, nil, err
	}
	opts := []client.Option{
		client.WithLogger(logger),
		client.WithEncoding(enc),
		client.WithTimeout(viper.GetDuration("call.timeout")),
		client.WithMiddleware(middleware.LoggingMiddleware(logger), middleware.MetricsMiddleware()),
	}

	var c *client.Client
	closeAll := func() { c.Close() }
	reg, err := openRegistry(logger)
	if err != nil {
		return nil, nil, err
	}
	if reg != nil {
		bal, err := newBalancer()
		if err != nil {
			reg.Close()
			return nil, nil, err
		}
		if c, err = client.NewDiscoveredClient(ctx, reg, viper.GetString("registry.gateway"), bal, opts...); err != nil {
			reg.Close()
			return nil, nil, err
		}
		closeAll = func() {
			c.Close()
			reg.Close()
		}
	} else {
		endpoint := viper.GetString("call.endpoint")
		if endpoint == "" {
			return nil, nil, errors.New("either --endpoint or --etcd is required")
		}
		c = client.NewClient(endpoint, opts...)
	}

	if user := viper.GetString("call.user"); user != "" {
		c.SetCredentials(user, viper.GetString("call.password"))
	}
	if proxy := viper.GetString("call.proxy"); proxy != "" {
		c.SetHTTPProxy(proxy)
	}
	if ua := viper.GetString("call.user-agent"); ua != "" {
		c.SetUserAgent(ua)
	}
	for _, line := range viper.GetStringSlice("call.header") {
		c.AddHTTPHeader(line)
	}
	return c, closeAll, nil
}

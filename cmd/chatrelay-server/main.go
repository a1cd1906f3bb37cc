// Command chatrelay-server runs the relay: the TCP line-protocol listener
// plus the admin HTTP surface with its WebSocket endpoint.
package main

import (
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/chatrelay/chatrelay/internal/server"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "chatrelay-server",
		Short:         "Broadcast relay for chat and typing presence",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runServer,
	}

	flags := cmd.Flags()
	flags.String("config", "", "config file (default: ./chatrelay.yaml if present)")
	flags.String("addr", ":3000", "TCP listen address for the line protocol")
	flags.String("http-addr", ":8080", "listen address for the admin API and WebSocket endpoint (empty disables)")
	flags.StringSlice("origins", []string{"http://localhost:8080"}, "allowed WebSocket origins, * for any")
	flags.Duration("handshake-timeout", 30*time.Second, "how long to wait for the identity reply")
	flags.Duration("idle-timeout", 60*time.Second, "session read liveness bound")
	flags.Int("max-sessions", 20, "maximum concurrent sessions, 0 for unlimited")
	flags.Int("rate-burst", 5, "chat messages allowed per session per refill interval")
	flags.Duration("rate-refill", time.Second, "rate limit refill interval")
	flags.String("log-level", "info", "logrus level (trace..panic)")

	if err := viper.BindPFlags(flags); err != nil {
		// Flag names are static; a bind failure is a programming error.
		panic(err)
	}
	viper.SetEnvPrefix("CHATRELAY")
	viper.AutomaticEnv()

	return cmd
}

func runServer(cmd *cobra.Command, _ []string) error {
	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err != nil {
			return err
		}
	} else {
		viper.SetConfigName("chatrelay")
		viper.AddConfigPath(".")
		var notFound viper.ConfigFileNotFoundError
		if err := viper.ReadInConfig(); err != nil && !errors.As(err, &notFound) {
			return err
		}
	}

	level, err := log.ParseLevel(viper.GetString("log-level"))
	if err != nil {
		return err
	}
	log.SetLevel(level)

	srv := server.New(server.Config{
		Addr:             viper.GetString("addr"),
		HTTPAddr:         viper.GetString("http-addr"),
		AllowedOrigins:   viper.GetStringSlice("origins"),
		HandshakeTimeout: viper.GetDuration("handshake-timeout"),
		IdleTimeout:      viper.GetDuration("idle-timeout"),
		MaxSessions:      viper.GetInt("max-sessions"),
		RateLimit: server.RateLimitConfig{
			Burst:          viper.GetInt("rate-burst"),
			RefillInterval: viper.GetDuration("rate-refill"),
		},
	})

	if err := srv.Listen(); err != nil {
		return err
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-stop
		log.Info("shutdown signal received")
		if err := srv.Stop("server shutting down"); err != nil {
			log.WithError(err).Warn("shutdown incomplete")
		}
	}()

	return srv.Serve()
}

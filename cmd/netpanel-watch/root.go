package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gosuda/netpanel/internal/client"
	redisstore "github.com/gosuda/netpanel/internal/store/redis"
)

const (
	flagServer         = "server"
	flagStreamPath     = "stream-path"
	flagCookie         = "cookie"
	flagTokenFile      = "token-file"
	flagFilter         = "filter"
	flagJSON           = "json"
	flagReconnectDelay = "reconnect-delay"
	flagDuration       = "duration"
	flagProbe          = "probe"
	flagRedisAddr      = "redis-addr"
	flagRedisPassword  = "redis-password"
	flagRedisDB        = "redis-db"
	flagDebug          = "debug"
)

func newRootCmd() *cobra.Command {
	v := viper.New()

	rootCmd := &cobra.Command{
		Use:           "netpanel-watch",
		Short:         "Follow a netpanel session from the terminal",
		Long:          "netpanel-watch opens the session stream of a netpanel companion server and prints server-origin calls, merged with calls it makes itself through --probe.",
		SilenceUsage:  true,
		SilenceErrors: false,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWatch(cmd, v)
		},
	}

	flags := rootCmd.Flags()
	flags.String(flagServer, "http://localhost:8080", "companion server base URL")
	flags.String(flagStreamPath, client.DefaultStreamPath, "stream endpoint path")
	flags.String(flagCookie, client.DefaultCookieName, "session cookie name")
	flags.String(flagTokenFile, defaultTokenFile(), "file holding the session token")
	flags.String(flagFilter, "", "only print calls whose URL, method or status contains this text")
	flags.Bool(flagJSON, false, "print one JSON record per line")
	flags.Duration(flagReconnectDelay, client.DefaultReconnectDelay, "pause before reopening a dropped stream; negative disables")
	flags.Duration(flagDuration, 0, "stop after this long; 0 runs until interrupted")
	flags.StringSlice(flagProbe, nil, "URLs to GET under the session, recorded as client-origin calls")
	flags.String(flagRedisAddr, "", "follow the Redis mirror at this address instead of the stream")
	flags.String(flagRedisPassword, "", "Redis password")
	flags.Int(flagRedisDB, 0, "Redis database")
	flags.Bool(flagDebug, false, "debug logging to stderr")

	v.SetEnvPrefix("NETPANEL_WATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(flags); err != nil {
		rootCmd.RunE = func(_ *cobra.Command, _ []string) error {
			return err
		}
	}

	return rootCmd
}

func defaultTokenFile() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".netpanel-session"
	}
	return filepath.Join(dir, "netpanel", "session")
}

func runWatch(cmd *cobra.Command, v *viper.Viper) error {
	level := zerolog.WarnLevel
	if v.GetBool(flagDebug) {
		level = zerolog.DebugLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: cmd.ErrOrStderr()}).Level(level).With().Timestamp().Logger()

	agg, err := client.New(client.Config{
		BaseURL:        v.GetString(flagServer),
		StreamPath:     v.GetString(flagStreamPath),
		CookieName:     v.GetString(flagCookie),
		ReconnectDelay: v.GetDuration(flagReconnectDelay),
	}, client.FileTokenStore{Path: v.GetString(flagTokenFile)}, client.WithLogger(logger))
	if err != nil {
		return err
	}

	records := agg.Records()
	records.SetFilter(v.GetString(flagFilter))
	p := newPrinter(cmd.OutOrStdout(), v.GetBool(flagJSON))
	records.OnChange(func() { p.print(records.View()) })

	logger.Info().Str("session_id", agg.SessionID()).Msg("watching session")
	if !v.GetBool(flagJSON) {
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "session %s\n", agg.SessionID())
	}

	ctx := cmd.Context()
	if d := v.GetDuration(flagDuration); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	if probes := v.GetStringSlice(flagProbe); len(probes) > 0 {
		go runProbes(ctx, agg.Client(), probes, logger)
	}

	if addr := v.GetString(flagRedisAddr); addr != "" {
		return followMirror(ctx, agg, addr, v.GetString(flagRedisPassword), v.GetInt(flagRedisDB), logger)
	}
	return agg.Run(ctx)
}

func followMirror(ctx context.Context, agg *client.Aggregator, addr, password string, db int, logger zerolog.Logger) error {
	mirror, err := redisstore.New(ctx, addr, password, db, logger)
	if err != nil {
		return err
	}
	defer mirror.Close()

	ch, cleanup, err := mirror.Subscribe(ctx, redisstore.SessionChannel(agg.SessionID()))
	if err != nil {
		return err
	}
	defer cleanup()

	agg.Consume(ctx, ch)
	return nil
}

func runProbes(ctx context.Context, c *http.Client, urls []string, logger zerolog.Logger) {
	for _, u := range urls {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, http.NoBody)
		if err != nil {
			logger.Warn().Err(err).Str("url", u).Msg("probe: bad url")
			continue
		}
		resp, err := c.Do(req)
		if err != nil {
			logger.Debug().Err(err).Str("url", u).Msg("probe failed")
			continue
		}
		_ = resp.Body.Close()
	}
}

// Command roomkit-register registers accounts on a homeserver. It
// registers a single account from the command line, or a batch of
// accounts from a file of "username password" lines.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/roomkit/roomkit/client"
	"github.com/roomkit/roomkit/internal"
)

var (
	flagKind        string
	flagFromFile    string
	flagAdmin       bool
	flagWorkers     int
	flagSentryDSN   string
	flagTracing     bool
	flagInhibitLogin bool
)

func main() {
	cmd := &cobra.Command{
		Use:   "roomkit-register HOMESERVER [USERNAME PASSWORD]",
		Short: "Register accounts on a homeserver",
		Args: func(cmd *cobra.Command, args []string) error {
			if flagFromFile != "" {
				return cobra.ExactArgs(1)(cmd, args)
			}
			return cobra.ExactArgs(3)(cmd, args)
		},
		RunE:          run,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.Flags().StringVar(&flagKind, "kind", "user", "account kind: user or guest")
	cmd.Flags().StringVar(&flagFromFile, "from-file", "", "register every 'username password' line of this file")
	cmd.Flags().IntVar(&flagWorkers, "workers", 4, "concurrent registrations in --from-file mode")
	cmd.Flags().BoolVar(&flagInhibitLogin, "inhibit-login", false, "do not log the new account in")
	cmd.Flags().StringVar(&flagSentryDSN, "sentry-dsn", "", "report failures to this Sentry DSN")
	cmd.Flags().BoolVar(&flagTracing, "tracing", false, "trace outgoing HTTP requests")

	viper.SetEnvPrefix("roomkit")
	viper.AutomaticEnv()

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "roomkit-register:", err)
		os.Exit(1)
	}
}

func newLogger() zerolog.Logger {
	level := zerolog.InfoLevel
	if lvl, err := zerolog.ParseLevel(viper.GetString("log_level")); err == nil && lvl != zerolog.NoLevel {
		level = lvl
	}
	return zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: "15:04:05",
	}).Level(level).With().Timestamp().Logger()
}

func run(cmd *cobra.Command, args []string) error {
	logger := newLogger()

	if flagSentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{Dsn: flagSentryDSN}); err != nil {
			return fmt.Errorf("sentry: %w", err)
		}
		defer sentry.Flush(2 * time.Second)
	}

	opts := []client.Option{client.WithLogger(logger)}
	if flagTracing {
		opts = append(opts, client.WithTracing())
	}
	c, err := client.NewClient(args[0], opts...)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if flagFromFile != "" {
		return registerFromFile(ctx, c, logger, flagFromFile)
	}
	return registerOne(ctx, c, logger, args[1], args[2])
}

func registerOne(ctx context.Context, c *client.Client, logger zerolog.Logger, username, password string) error {
	res, err := c.NewSession().Register(ctx, client.RegisterRequest{
		Username:     username,
		Password:     password,
		InhibitLogin: flagInhibitLogin,
	}, flagKind)
	if err != nil {
		if flagSentryDSN != "" {
			sentry.CaptureException(err)
		}
		return fmt.Errorf("register %s: %w", username, err)
	}
	logger.Info().Str("user_id", res.UserID).Str("device_id", res.DeviceID).Msg("registered")
	fmt.Println(res.UserID)
	return nil
}

func registerFromFile(ctx context.Context, c *client.Client, logger zerolog.Logger, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	pool := internal.NewWorkerPool(flagWorkers)
	pool.Start()
	defer pool.Stop()

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed int
	)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 || strings.HasPrefix(fields[0], "#") {
			continue
		}
		if len(fields) != 2 {
			return fmt.Errorf("%s: want 'username password' lines, got %q", path, scanner.Text())
		}
		username, password := fields[0], fields[1]
		wg.Add(1)
		pool.Queue(func() {
			defer wg.Done()
			if err := registerOne(ctx, c, logger, username, password); err != nil {
				logger.Error().Err(err).Str("username", username).Msg("registration failed")
				mu.Lock()
				failed++
				mu.Unlock()
			}
		})
	}
	wg.Wait()
	if err := scanner.Err(); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d registrations failed", failed)
	}
	return nil
}

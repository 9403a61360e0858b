package main

import (
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"magiceye/capture"
	"magiceye/client"
	"magiceye/middleware"
)

var agentOpts struct {
	url    string
	headed bool
	bridge []string
}

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run a playwright-backed capture agent connected to the bridge",
	Long: `agent opens a Chromium page and answers bridge requests against it. It keeps
reconnecting to the bridge with backoff; send SIGHUP to reconnect immediately.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if agentOpts.url != "" {
			cfg.Browser.StartURL = agentOpts.url
		}
		if agentOpts.headed {
			cfg.Browser.Headless = false
		}
		if len(agentOpts.bridge) > 0 {
			cfg.Client.Endpoints = agentOpts.bridge
		}

		browser, err := capture.Launch(cfg.Browser, logger.Named("browser"))
		if err != nil {
			return err
		}
		defer browser.Close()

		reg, release, err := cfg.NewRegistry()
		if err != nil {
			return err
		}
		defer release()

		agent := client.NewClient(cfg.Client, capture.Handler(browser),
			client.WithLogger(logger.Named("agent")),
			client.WithRegistry(reg),
			client.WithMiddleware(agentMiddleware()...),
		)
		unsubscribe := agent.Subscribe(func(s client.Status) {
			logger.Debug("connection status",
				zap.Bool("connected", s.Connected),
				zap.String("endpoint", s.Endpoint),
				zap.Int("failures", s.Failures),
				zap.Duration("next_retry", s.NextRetry))
		})
		defer unsubscribe()

		ctx, cancel := signalContext()
		defer cancel()

		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		go func() {
			for {
				select {
				case <-hup:
					agent.ReconnectNow()
				case <-ctx.Done():
					return
				}
			}
		}()

		err = agent.Run(ctx)
		if errors.Is(err, ctx.Err()) {
			return nil
		}
		return err
	},
}

func init() {
	f := agentCmd.Flags()
	f.StringVar(&agentOpts.url, "url", "", "page to open (overrides browser.url)")
	f.BoolVar(&agentOpts.headed, "headed", false, "show the browser window")
	f.StringSliceVar(&agentOpts.bridge, "bridge", nil, "bridge endpoints (overrides client.endpoints)")
	rootCmd.AddCommand(agentCmd)
}

// agentMiddleware builds the handler chain from cfg.Handler, outermost first.
func agentMiddleware() []middleware.Middleware {
	h := cfg.Handler
	mws := []middleware.Middleware{
		middleware.RecoverMiddleware(logger.Named("handler")),
		middleware.LoggingMiddleware(logger.Named("handler")),
	}
	if h.RateLimit > 0 {
		mws = append(mws, middleware.RateLimitMiddleware(h.RateLimit, max(h.RateBurst, 1)))
	}
	if h.Retries > 0 {
		mws = append(mws, middleware.RetryMiddleware(logger.Named("handler"), h.Retries, 100*time.Millisecond))
	}
	if h.Timeout > 0 {
		mws = append(mws, middleware.TimeOutMiddleware(h.Timeout))
	}
	return mws
}

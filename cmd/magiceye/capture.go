package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"magiceye/capture"
	"magiceye/tools"
)

// captureTargets maps command arguments to bridge operations.
var captureTargets = map[string]string{
	"viewport":       capture.OpCaptureViewport,
	"full-page":      capture.OpCaptureFullPage,
	"element":        capture.OpCaptureElement,
	"info":           capture.OpGetPageInfo,
	"source":         capture.OpGetPageSource,
	"element-source": capture.OpGetElementSource,
}

var captureOpts struct {
	out      string
	format   string
	selector string
	index    int
	padding  float64
	wait     time.Duration
	strip    bool
}

var captureCmd = &cobra.Command{
	Use:       "capture <" + strings.Join(targetNames(), "|") + ">",
	Short:     "Wait for the capture agent, run one capture, and print or save it",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: targetNames(),
	RunE: func(cmd *cobra.Command, args []string) error {
		op := captureTargets[args[0]]

		srv, errc, stop, err := startBridge()
		if err != nil {
			return err
		}
		defer stop()

		ctx, cancel := signalContext()
		defer cancel()

		waitCtx, waitCancel := context.WithTimeout(ctx, captureOpts.wait)
		defer waitCancel()
		fmt.Fprintf(cmd.ErrOrStderr(), "waiting for capture agent on %s ...\n", cfg.Server.Addr)
		if err := waitForAgent(waitCtx, srv.WaitConnected, errc); err != nil {
			return err
		}

		res, err := tools.New(srv).Call(ctx, op, map[string]any{
			"format":   captureOpts.format,
			"selector": captureOpts.selector,
			"index":    captureOpts.index,
			"padding":  captureOpts.padding,
		})
		if err != nil {
			return err
		}
		return writeResult(cmd, op, res)
	},
}

func init() {
	f := captureCmd.Flags()
	f.StringVarP(&captureOpts.out, "out", "o", "", "write the result to a file instead of stdout")
	f.StringVar(&captureOpts.format, "format", string(capture.FormatPNG), "image format: png or jpeg")
	f.StringVar(&captureOpts.selector, "selector", "", "CSS selector for element captures (default body)")
	f.IntVar(&captureOpts.index, "index", 0, "which match of --selector to use")
	f.Float64Var(&captureOpts.padding, "padding", 0, "pixels to add around an element capture")
	f.DurationVar(&captureOpts.wait, "wait", 30*time.Second, "how long to wait for the capture agent")
	f.BoolVar(&captureOpts.strip, "strip", false, "remove scripts, styles, and comments from sources")
	rootCmd.AddCommand(captureCmd)
}

func targetNames() []string {
	names := make([]string, 0, len(captureTargets))
	for name := range captureTargets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func waitForAgent(ctx context.Context, wait func(context.Context) error, errc <-chan error) error {
	done := make(chan error, 1)
	go func() { done <- wait(ctx) }()
	select {
	case err := <-errc:
		return fmt.Errorf("bridge stopped: %w", err)
	case err := <-done:
		if err != nil {
			return fmt.Errorf("no capture agent connected: %w", err)
		}
		return nil
	}
}

func writeResult(cmd *cobra.Command, op string, res *tools.Result) error {
	var body []byte
	switch {
	case res.Image != nil && captureOpts.out != "":
		raw, err := res.Image.Bytes()
		if err != nil {
			return fmt.Errorf("decode image: %w", err)
		}
		body = raw
	case res.Image != nil:
		body = []byte(res.Image.Base64 + "\n")
	default:
		text := res.Text
		if captureOpts.strip && isSource(op) {
			cleaned, err := tools.StripNoise(text)
			if err != nil {
				return err
			}
			text = cleaned
		}
		body = []byte(text + "\n")
	}

	if captureOpts.out == "" {
		_, err := cmd.OutOrStdout().Write(body)
		return err
	}
	if err := os.WriteFile(captureOpts.out, body, 0o644); err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "wrote %d bytes to %s\n", len(body), captureOpts.out)
	return nil
}

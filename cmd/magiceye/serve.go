package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"magiceye/capture"
	"magiceye/protocol"
	"magiceye/tools"
)

var (
	serveListen string
	serveStrip  bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bridge server and relay JSON requests from stdin",
	Long: `serve runs the bridge server and reads one JSON request per line on stdin:

  {"id": "a", "operation": "capture_element", "selector": "#main", "padding": 8}

Each request is answered with one JSON line on stdout. Requests run
concurrently; match answers to requests by id.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if serveListen != "" {
			cfg.Server.Addr = serveListen
		}
		srv, errc, stop, err := startBridge()
		if err != nil {
			return err
		}
		defer stop()

		ctx, cancel := signalContext()
		defer cancel()

		relay := &lineRelay{tools: tools.New(srv), out: cmd.OutOrStdout(), strip: serveStrip, logger: logger}
		go relay.run(ctx, cmd.InOrStdin())

		select {
		case <-ctx.Done():
			return nil
		case err := <-errc:
			return err
		}
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "listen address (overrides server.addr)")
	serveCmd.Flags().BoolVar(&serveStrip, "strip", false, "remove scripts, styles, and comments from returned sources")
	rootCmd.AddCommand(serveCmd)
}

type lineRequest struct {
	ID        string
	Operation string
	Args      map[string]any
}

type lineImage struct {
	MimeType string                 `json:"mimeType"`
	Data     string                 `json:"data"`
	Bounds   *capture.ElementBounds `json:"elementBounds,omitempty"`
}

type lineResult struct {
	ID        string     `json:"id,omitempty"`
	Operation string     `json:"operation"`
	Success   bool       `json:"success"`
	Image     *lineImage `json:"image,omitempty"`
	Text      string     `json:"text,omitempty"`
	Error     string     `json:"error,omitempty"`
	Kind      string     `json:"kind,omitempty"`
}

// lineRelay answers newline-delimited JSON requests through the bridge.
type lineRelay struct {
	tools  *tools.Tools
	out    io.Writer
	strip  bool
	logger *zap.Logger

	mu sync.Mutex // Serializes output lines.
	wg sync.WaitGroup
}

func (r *lineRelay) run(ctx context.Context, in io.Reader) {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64<<10), 4<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		req, err := parseLine(line)
		if err != nil {
			r.write(lineResult{Error: err.Error(), Kind: protocol.KindOf(protocol.ErrMalformedFrame)})
			continue
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.write(r.handle(ctx, req))
		}()
	}
	if err := scanner.Err(); err != nil {
		r.logger.Warn("stdin closed", zap.Error(err))
	}
	r.wg.Wait()
}

func (r *lineRelay) handle(ctx context.Context, req *lineRequest) lineResult {
	out := lineResult{ID: req.ID, Operation: req.Operation}
	res, err := r.tools.Call(ctx, req.Operation, req.Args)
	if err != nil {
		out.Error = err.Error()
		out.Kind = protocol.KindOf(err)
		return out
	}
	out.Success = true
	if res.Image != nil {
		out.Image = &lineImage{MimeType: res.Image.MimeType, Data: res.Image.Base64, Bounds: res.Image.Bounds}
		return out
	}
	out.Text = res.Text
	if r.strip && isSource(req.Operation) {
		if cleaned, err := tools.StripNoise(res.Text); err == nil {
			out.Text = cleaned
		}
	}
	return out
}

func (r *lineRelay) write(res lineResult) {
	body, err := json.Marshal(res)
	if err != nil {
		r.logger.Error("encode result", zap.Error(err))
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.out, "%s\n", body)
}

func parseLine(line []byte) (*lineRequest, error) {
	var args map[string]any
	if err := json.Unmarshal(line, &args); err != nil {
		return nil, fmt.Errorf("invalid request line: %w", err)
	}
	op, ok := args["operation"].(string)
	if !ok || op == "" {
		return nil, fmt.Errorf("invalid request line: missing operation")
	}
	id, _ := args["id"].(string)
	delete(args, "operation")
	delete(args, "id")
	return &lineRequest{ID: id, Operation: op, Args: args}, nil
}

func isSource(op string) bool {
	return op == capture.OpGetPageSource || op == capture.OpGetElementSource
}

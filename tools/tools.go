// Package tools is the caller-facing command layer over the bridge: typed
// helpers for each capture operation, with the per-operation timeouts and
// error wording callers see.
package tools

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"magiceye/capture"
	"magiceye/message"
)

// Image operations wait on the browser to render and encode; metadata
// operations should answer quickly.
const (
	FastTimeout = 10 * time.Second
	SlowTimeout = 60 * time.Second
)

// Sender relays one operation to the capture agent. *server.Server is one.
type Sender interface {
	Send(ctx context.Context, operation string, params map[string]any, timeout time.Duration) (*message.Response, error)
}

// Image is a captured screenshot.
type Image struct {
	Base64   string
	MimeType string
	Bounds   *capture.ElementBounds // Set for element captures.
}

// Bytes decodes the image.
func (i *Image) Bytes() ([]byte, error) {
	return base64.StdEncoding.DecodeString(i.Base64)
}

type Tools struct {
	sender Sender
}

func New(sender Sender) *Tools {
	return &Tools{sender: sender}
}

func (t *Tools) CaptureViewport(ctx context.Context, format capture.Format) (*Image, error) {
	return t.image(ctx, capture.OpCaptureViewport, "capture viewport", format, nil)
}

func (t *Tools) CaptureFullPage(ctx context.Context, format capture.Format) (*Image, error) {
	return t.image(ctx, capture.OpCaptureFullPage, "capture full page", format, nil)
}

func (t *Tools) CaptureElement(ctx context.Context, q capture.ElementQuery, format capture.Format) (*Image, error) {
	params := map[string]any{"index": q.Index, "padding": q.Padding}
	if q.Selector != "" {
		params["selector"] = q.Selector
	}
	return t.image(ctx, capture.OpCaptureElement, "capture element", format, params)
}

func (t *Tools) PageInfo(ctx context.Context) (capture.PageInfo, error) {
	data, err := t.call(ctx, capture.OpGetPageInfo, "get page info", nil, FastTimeout, "pageInfo")
	if err != nil {
		return capture.PageInfo{}, err
	}
	var info capture.PageInfo
	if err := json.Unmarshal([]byte(data.Raw), &info); err != nil {
		return capture.PageInfo{}, fmt.Errorf("decode page info: %w", err)
	}
	return info, nil
}

func (t *Tools) PageSource(ctx context.Context) (string, error) {
	data, err := t.call(ctx, capture.OpGetPageSource, "get page source", nil, FastTimeout, "source")
	if err != nil {
		return "", err
	}
	return data.String(), nil
}

func (t *Tools) ElementSource(ctx context.Context, selector string, index int) (string, error) {
	params := map[string]any{"index": index}
	if selector != "" {
		params["selector"] = selector
	}
	data, err := t.call(ctx, capture.OpGetElementSource, "get element source", params, FastTimeout, "source")
	if err != nil {
		return "", err
	}
	return data.String(), nil
}

func (t *Tools) image(ctx context.Context, op, action string, format capture.Format, params map[string]any) (*Image, error) {
	if format == "" {
		format = capture.FormatPNG
	}
	if params == nil {
		params = make(map[string]any, 1)
	}
	params["format"] = string(format)

	resp, err := t.send(ctx, op, action, params, SlowTimeout)
	if err != nil {
		return nil, err
	}
	shot := gjson.GetBytes(resp.Data, "screenshot")
	if shot.String() == "" {
		return nil, fmt.Errorf("failed to %s", action)
	}
	img := &Image{Base64: shot.String(), MimeType: "image/" + string(format)}
	if b := gjson.GetBytes(resp.Data, "elementBounds"); b.IsObject() {
		var bounds capture.ElementBounds
		if err := json.Unmarshal([]byte(b.Raw), &bounds); err == nil {
			img.Bounds = &bounds
		}
	}
	return img, nil
}

// call sends op and returns the named field of its data, failing when the
// field is absent.
func (t *Tools) call(ctx context.Context, op, action string, params map[string]any, timeout time.Duration, field string) (gjson.Result, error) {
	resp, err := t.send(ctx, op, action, params, timeout)
	if err != nil {
		return gjson.Result{}, err
	}
	v := gjson.GetBytes(resp.Data, field)
	if !v.Exists() || (v.Type == gjson.String && v.String() == "") {
		return gjson.Result{}, fmt.Errorf("failed to %s", action)
	}
	return v, nil
}

func (t *Tools) send(ctx context.Context, op, action string, params map[string]any, timeout time.Duration) (*message.Response, error) {
	resp, err := t.sender.Send(ctx, op, params, timeout)
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		if resp.Error != "" {
			return nil, errors.New(resp.Error)
		}
		return nil, fmt.Errorf("failed to %s", action)
	}
	return resp, nil
}

// Result is what one named tool produced: an image or text.
type Result struct {
	Image *Image
	Text  string
}

// Call runs a tool by its operation name with loosely typed arguments, the
// way a command line or a tool-calling agent supplies them.
func (t *Tools) Call(ctx context.Context, name string, args map[string]any) (*Result, error) {
	format := capture.Format(stringArg(args, "format", string(capture.FormatPNG)))
	q := capture.ElementQuery{
		Selector: stringArg(args, "selector", ""),
		Index:    int(numberArg(args, "index")),
		Padding:  numberArg(args, "padding"),
	}

	switch name {
	case capture.OpCaptureViewport:
		return imageResult(t.CaptureViewport(ctx, format))
	case capture.OpCaptureFullPage:
		return imageResult(t.CaptureFullPage(ctx, format))
	case capture.OpCaptureElement:
		return imageResult(t.CaptureElement(ctx, q, format))
	case capture.OpGetPageInfo:
		info, err := t.PageInfo(ctx)
		if err != nil {
			return nil, err
		}
		text, _ := json.MarshalIndent(info, "", "  ")
		return &Result{Text: string(text)}, nil
	case capture.OpGetPageSource:
		return textResult(t.PageSource(ctx))
	case capture.OpGetElementSource:
		return textResult(t.ElementSource(ctx, q.Selector, q.Index))
	default:
		return nil, fmt.Errorf("unknown tool: %s", name)
	}
}

func imageResult(img *Image, err error) (*Result, error) {
	if err != nil {
		return nil, err
	}
	return &Result{Image: img}, nil
}

func textResult(text string, err error) (*Result, error) {
	if err != nil {
		return nil, err
	}
	return &Result{Text: text}, nil
}

// Names lists the tools Call accepts.
func Names() []string {
	return []string{
		capture.OpCaptureViewport,
		capture.OpCaptureFullPage,
		capture.OpCaptureElement,
		capture.OpGetPageInfo,
		capture.OpGetPageSource,
		capture.OpGetElementSource,
	}
}

func stringArg(args map[string]any, key, def string) string {
	if s, ok := args[key].(string); ok && strings.TrimSpace(s) != "" {
		return s
	}
	return def
}

func numberArg(args map[string]any, key string) float64 {
	switch v := args[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}

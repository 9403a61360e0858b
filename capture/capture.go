// Package capture is the capture agent's request handler: it turns bridge
// requests into screenshots and page inspections against a Capturer.
package capture

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"magiceye/message"
	"magiceye/middleware"
)

// Operations understood by Handler.
const (
	OpCaptureViewport  = "capture_viewport"
	OpCaptureFullPage  = "capture_full_page"
	OpCaptureElement   = "capture_element"
	OpGetPageInfo      = "get_page_info"
	OpGetPageSource    = "get_page_source"
	OpGetElementSource = "get_element_source"
)

type Format string

const (
	FormatPNG  Format = "png"
	FormatJPEG Format = "jpeg"
)

// ErrNoElement is returned when a selector matches nothing.
var ErrNoElement = errors.New("no element matches selector")

// ElementQuery picks one element: the index-th match of Selector, clamped to
// the last match. Padding grows the captured box on every side.
type ElementQuery struct {
	Selector string
	Index    int
	Padding  float64
}

// ElementBounds is the box that was captured, in CSS pixels relative to the
// viewport.
type ElementBounds struct {
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Width    float64 `json:"width"`
	Height   float64 `json:"height"`
	Selector string  `json:"selector"`
	Index    int     `json:"index"`
}

type PageInfo struct {
	URL          string `json:"url"`
	Title        string `json:"title"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	ScrollHeight int    `json:"scrollHeight"`
	ScrollWidth  int    `json:"scrollWidth"`
}

// Capturer is a browser page the agent can inspect.
type Capturer interface {
	Viewport(ctx context.Context, format Format) ([]byte, error)
	FullPage(ctx context.Context, format Format) ([]byte, error)
	Element(ctx context.Context, q ElementQuery, format Format) ([]byte, ElementBounds, error)
	PageInfo(ctx context.Context) (PageInfo, error)
	PageSource(ctx context.Context) (string, error)
	ElementSource(ctx context.Context, selector string, index int) (string, error)
}

type screenshotData struct {
	Screenshot    string         `json:"screenshot"`
	ElementBounds *ElementBounds `json:"elementBounds,omitempty"`
}

type pageInfoData struct {
	PageInfo PageInfo `json:"pageInfo"`
}

type sourceData struct {
	Source string `json:"source"`
}

// Handler answers bridge requests using c. Failures come back as
// unsuccessful responses carrying the error text.
func Handler(c Capturer) middleware.HandlerFunc {
	return func(ctx context.Context, req *message.Request) *message.Response {
		data, err := handle(ctx, c, req)
		if err != nil {
			return message.Failure(req.ID, "%s", err.Error())
		}
		body, err := json.Marshal(data)
		if err != nil {
			return message.Failure(req.ID, "encode %s result: %v", req.Operation, err)
		}
		return &message.Response{ID: req.ID, Success: true, Data: body}
	}
}

func handle(ctx context.Context, c Capturer, req *message.Request) (any, error) {
	p := params(req.Params)
	switch req.Operation {
	case OpCaptureViewport, OpCaptureFullPage:
		format, err := p.format()
		if err != nil {
			return nil, err
		}
		capture := c.Viewport
		if req.Operation == OpCaptureFullPage {
			capture = c.FullPage
		}
		img, err := capture(ctx, format)
		if err != nil {
			return nil, err
		}
		return screenshotData{Screenshot: base64.StdEncoding.EncodeToString(img)}, nil

	case OpCaptureElement:
		format, err := p.format()
		if err != nil {
			return nil, err
		}
		q := ElementQuery{
			Selector: p.string("selector", "body"),
			Index:    int(p.number("index", 0)),
			Padding:  p.number("padding", 0),
		}
		img, bounds, err := c.Element(ctx, q, format)
		if err != nil {
			return nil, fmt.Errorf("failed to capture element: %w", err)
		}
		return screenshotData{Screenshot: base64.StdEncoding.EncodeToString(img), ElementBounds: &bounds}, nil

	case OpGetPageInfo:
		info, err := c.PageInfo(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get page info: %w", err)
		}
		return pageInfoData{PageInfo: info}, nil

	case OpGetPageSource:
		src, err := c.PageSource(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get page source: %w", err)
		}
		return sourceData{Source: src}, nil

	case OpGetElementSource:
		selector := p.string("selector", "body")
		src, err := c.ElementSource(ctx, selector, int(p.number("index", 0)))
		if errors.Is(err, ErrNoElement) {
			return sourceData{Source: fmt.Sprintf("<!-- No elements found for selector: %s -->", selector)}, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get element source: %w", err)
		}
		return sourceData{Source: src}, nil

	default:
		return nil, errors.New("unknown request type")
	}
}

type params map[string]any

func (p params) string(key, def string) string {
	if s, ok := p[key].(string); ok && s != "" {
		return s
	}
	return def
}

// number reads a JSON number; decoded numbers arrive as float64.
func (p params) number(key string, def float64) float64 {
	switch v := p[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return f
		}
	}
	return def
}

func (p params) format() (Format, error) {
	switch f := Format(p.string("format", string(FormatPNG))); f {
	case FormatPNG, FormatJPEG:
		return f, nil
	default:
		return "", fmt.Errorf("unsupported format %q", f)
	}
}

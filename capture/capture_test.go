package capture

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"magiceye/message"
)

type fakeCapturer struct {
	lastFormat Format
	lastQuery  ElementQuery
	elements   map[string][]string
	err        error
}

func (f *fakeCapturer) Viewport(_ context.Context, format Format) ([]byte, error) {
	f.lastFormat = format
	return []byte("viewport-" + string(format)), f.err
}

func (f *fakeCapturer) FullPage(_ context.Context, format Format) ([]byte, error) {
	f.lastFormat = format
	return []byte("fullpage-" + string(format)), f.err
}

func (f *fakeCapturer) Element(_ context.Context, q ElementQuery, format Format) ([]byte, ElementBounds, error) {
	f.lastFormat, f.lastQuery = format, q
	if len(f.elements[q.Selector]) == 0 {
		return nil, ElementBounds{}, ErrNoElement
	}
	return []byte("element"), ElementBounds{X: 10 - q.Padding, Y: 20 - q.Padding, Width: 100 + 2*q.Padding, Height: 50 + 2*q.Padding, Selector: q.Selector, Index: q.Index}, nil
}

func (f *fakeCapturer) PageInfo(context.Context) (PageInfo, error) {
	return PageInfo{URL: "https://example.com/", Title: "Example", Width: 1280, Height: 720, ScrollHeight: 3000, ScrollWidth: 1280}, f.err
}

func (f *fakeCapturer) PageSource(context.Context) (string, error) {
	return "<html><body>hi</body></html>", f.err
}

func (f *fakeCapturer) ElementSource(_ context.Context, selector string, index int) (string, error) {
	matches := f.elements[selector]
	if len(matches) == 0 {
		return "", ErrNoElement
	}
	return matches[min(index, len(matches)-1)], nil
}

func call(t *testing.T, c Capturer, op string, params map[string]any) *message.Response {
	t.Helper()
	resp := Handler(c)(context.Background(), &message.Request{ID: "9", Operation: op, Params: params})
	require.NotNil(t, resp)
	assert.Equal(t, "9", resp.ID)
	return resp
}

func TestViewportDefaultsToPNG(t *testing.T) {
	f := &fakeCapturer{}
	resp := call(t, f, OpCaptureViewport, map[string]any{})
	require.True(t, resp.Success, resp.Error)
	assert.Equal(t, FormatPNG, f.lastFormat)

	var data struct{ Screenshot string }
	require.NoError(t, json.Unmarshal(resp.Data, &data))
	img, err := base64.StdEncoding.DecodeString(data.Screenshot)
	require.NoError(t, err)
	assert.Equal(t, "viewport-png", string(img))
}

func TestFullPageJPEG(t *testing.T) {
	f := &fakeCapturer{}
	resp := call(t, f, OpCaptureFullPage, map[string]any{"format": "jpeg"})
	require.True(t, resp.Success, resp.Error)
	assert.Equal(t, FormatJPEG, f.lastFormat)
	assert.Contains(t, string(resp.Data), base64.StdEncoding.EncodeToString([]byte("fullpage-jpeg")))
}

func TestUnsupportedFormat(t *testing.T) {
	resp := call(t, &fakeCapturer{}, OpCaptureViewport, map[string]any{"format": "webp"})
	assert.False(t, resp.Success)
	assert.Equal(t, `unsupported format "webp"`, resp.Error)
}

func TestCaptureElementParams(t *testing.T) {
	f := &fakeCapturer{elements: map[string][]string{"body": {"<body></body>"}, ".card": {"a", "b"}}}

	resp := call(t, f, OpCaptureElement, map[string]any{})
	require.True(t, resp.Success, resp.Error)
	assert.Equal(t, ElementQuery{Selector: "body"}, f.lastQuery)

	resp = call(t, f, OpCaptureElement, map[string]any{"selector": ".card", "index": float64(1), "padding": float64(8)})
	require.True(t, resp.Success, resp.Error)
	assert.Equal(t, ElementQuery{Selector: ".card", Index: 1, Padding: 8}, f.lastQuery)

	var data struct {
		Screenshot    string
		ElementBounds ElementBounds `json:"elementBounds"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &data))
	assert.Equal(t, ElementBounds{X: 2, Y: 12, Width: 116, Height: 66, Selector: ".card", Index: 1}, data.ElementBounds)
}

func TestCaptureElementMissing(t *testing.T) {
	resp := call(t, &fakeCapturer{}, OpCaptureElement, map[string]any{"selector": "#nope"})
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "failed to capture element")
}

func TestPageInfo(t *testing.T) {
	resp := call(t, &fakeCapturer{}, OpGetPageInfo, nil)
	require.True(t, resp.Success, resp.Error)
	assert.JSONEq(t, `{"pageInfo":{"url":"https://example.com/","title":"Example","width":1280,"height":720,"scrollHeight":3000,"scrollWidth":1280}}`, string(resp.Data))
}

func TestSources(t *testing.T) {
	f := &fakeCapturer{elements: map[string][]string{"li": {"<li>1</li>", "<li>2</li>"}}}

	resp := call(t, f, OpGetPageSource, nil)
	require.True(t, resp.Success)
	assert.JSONEq(t, `{"source":"<html><body>hi</body></html>"}`, string(resp.Data))

	resp = call(t, f, OpGetElementSource, map[string]any{"selector": "li", "index": float64(7)})
	require.True(t, resp.Success)
	assert.JSONEq(t, `{"source":"<li>2</li>"}`, string(resp.Data))

	resp = call(t, f, OpGetElementSource, map[string]any{"selector": "table"})
	require.True(t, resp.Success)
	assert.JSONEq(t, `{"source":"<!-- No elements found for selector: table -->"}`, string(resp.Data))
}

func TestCapturerErrorBecomesFailure(t *testing.T) {
	resp := call(t, &fakeCapturer{err: errors.New("tab crashed")}, OpGetPageInfo, nil)
	assert.False(t, resp.Success)
	assert.Equal(t, "failed to get page info: tab crashed", resp.Error)
	assert.Empty(t, resp.Data)
}

func TestUnknownOperation(t *testing.T) {
	resp := call(t, &fakeCapturer{}, "print_page", nil)
	assert.False(t, resp.Success)
	assert.Equal(t, "unknown request type", resp.Error)
}

func TestBrowserCapture(t *testing.T) {
	if os.Getenv("MAGICEYE_BROWSER_TESTS") == "" {
		t.Skip("set MAGICEYE_BROWSER_TESTS=1 to run against a real Chromium")
	}
	cfg := DefaultBrowserConfig()
	cfg.Install = true
	cfg.StartURL = `data:text/html,<title>t</title><h1 id="x">hello</h1>`
	b, err := Launch(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer b.Close()

	info, err := b.PageInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "t", info.Title)

	img, bounds, err := b.Element(context.Background(), ElementQuery{Selector: "#x", Padding: 4}, FormatPNG)
	require.NoError(t, err)
	assert.NotEmpty(t, img)
	assert.Equal(t, "#x", bounds.Selector)

	src, err := b.ElementSource(context.Background(), "h1", 0)
	require.NoError(t, err)
	assert.Equal(t, `<h1 id="x">hello</h1>`, src)

	_, err = b.ElementSource(context.Background(), "table", 0)
	assert.ErrorIs(t, err, ErrNoElement)
}

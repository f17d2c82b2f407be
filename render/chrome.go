package render

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/chromedp/chromedp"

	"github.com/uiforge/renderbridge/fault"
)

type (
	// PNGResult is the encoded render artifact. The PNG bytes travel as
	// base64 so the result can be embedded in JSON payloads and SSE frames.
	PNGResult struct {
		Base64Data string         `json:"base64_data"`
		Width      int            `json:"width"`
		Height     int            `json:"height"`
		FileSize   int            `json:"file_size"`
		Metadata   map[string]any `json:"metadata,omitempty"`
	}

	// Renderer produces a PNG from an HTML document.
	Renderer interface {
		Render(ctx context.Context, html string, opts Options) (*PNGResult, error)
	}

	// Chrome renders HTML through a headless Chromium instance driven over
	// the DevTools protocol. Each Render call runs in its own browser
	// context; the executable allocation is shared.
	Chrome struct {
		execOpts []chromedp.ExecAllocatorOption
	}
)

// NewChrome constructs a headless-browser renderer. Extra allocator options
// (e.g. a custom binary path in containers) are appended to the defaults.
func NewChrome(extra ...chromedp.ExecAllocatorOption) *Chrome {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("disable-extensions", true),
	)
	opts = append(opts, extra...)
	return &Chrome{execOpts: opts}
}

// Render captures a PNG screenshot of the HTML document. The options
// control viewport size, device scale, full-page capture, user agent and the
// per-render timeout.
func (c *Chrome) Render(ctx context.Context, html string, opts Options) (*PNGResult, error) {
	timeout := time.Duration(opts.Timeout) * time.Second
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	execOpts := append([]chromedp.ExecAllocatorOption{}, c.execOpts...)
	execOpts = append(execOpts,
		chromedp.WindowSize(opts.Width, opts.Height),
		chromedp.UserAgent(opts.UserAgent),
	)
	if opts.BlockResources {
		// Keep renders hermetic: no network fetches beyond the data URL.
		execOpts = append(execOpts, chromedp.Flag("disable-remote-fonts", true))
	}
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, execOpts...)
	defer cancelAlloc()
	taskCtx, cancelTask := chromedp.NewContext(allocCtx)
	defer cancelTask()

	dataURL := "data:text/html;charset=utf-8;base64," + base64.StdEncoding.EncodeToString([]byte(html))

	actions := []chromedp.Action{
		chromedp.EmulateViewport(int64(opts.Width), int64(opts.Height), chromedp.EmulateScale(opts.DeviceScaleFactor)),
		chromedp.Navigate(dataURL),
	}
	if opts.WaitForLoad {
		actions = append(actions, chromedp.WaitReady("body", chromedp.ByQuery))
	}
	var png []byte
	if opts.FullPage {
		actions = append(actions, chromedp.FullScreenshot(&png, opts.PNGQuality))
	} else {
		actions = append(actions, chromedp.CaptureScreenshot(&png))
	}

	if err := chromedp.Run(taskCtx, actions...); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fault.Wrap(fault.KindToolTimeout, err, "render timed out after %ds", opts.Timeout)
		}
		return nil, fault.Wrap(fault.KindBrowserPool, err, "headless render failed")
	}
	if len(png) == 0 {
		return nil, fault.New(fault.KindBrowserPool, "headless render produced no output")
	}

	return &PNGResult{
		Base64Data: base64.StdEncoding.EncodeToString(png),
		Width:      opts.Width,
		Height:     opts.Height,
		FileSize:   len(png),
		Metadata: map[string]any{
			"device_scale_factor": opts.DeviceScaleFactor,
			"full_page":           opts.FullPage,
			"format":              "png",
		},
	}, nil
}

// errString renders an error for inclusion in tool output payloads.
func errString(err error) string {
	return fmt.Sprintf("%v", err)
}

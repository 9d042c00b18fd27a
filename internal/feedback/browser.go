package feedback

import (
	"context"
	"time"

	"github.com/chromedp/chromedp"
)

// Browser loads a page the way a user would so its scripts run.
type Browser interface {
	Visit(ctx context.Context, url string) error
}

// ChromeBrowser drives a headless Chrome through the DevTools protocol. Every
// visit gets its own browser process.
type ChromeBrowser struct {
	execPath string
	settle   time.Duration
	timeout  time.Duration
}

func NewChromeBrowser(execPath string, settle time.Duration) *ChromeBrowser {
	return &ChromeBrowser{
		execPath: execPath,
		settle:   settle,
		timeout:  60 * time.Second,
	}
}

func (b *ChromeBrowser) Visit(ctx context.Context, url string) error {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Headless,
		chromedp.NoSandbox,
		chromedp.DisableGPU,
	)
	if b.execPath != "" {
		opts = append(opts, chromedp.ExecPath(b.execPath))
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()
	tabCtx, cancelTab := chromedp.NewContext(allocCtx)
	defer cancelTab()

	return chromedp.Run(tabCtx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		// let late scripts and their error reports finish
		chromedp.Sleep(b.settle),
	)
}

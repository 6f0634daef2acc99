// Package browser drives a Chromium instance whose traffic is answered by
// the generation proxy.
package browser

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"
)

const warningPage = `<html><head><title>fauxweb</title></head><body style="font-family:sans-serif;max-width:40em;margin:4em auto">
<h1>Nothing here is real</h1>
<p>Every page, image and video in this window is invented by a language model as you browse.
Do not enter credentials or trust anything you read.</p>
<p>Type any address into the location bar to begin.</p>
</body></html>`

type Options struct {
	// Bin is the browser executable. When empty a local install is looked up.
	Bin       string
	Headless  bool
	DevTools  bool
	ProxyAddr string
	Allowed   []string
}

// Session is a launched browser with request interception installed.
type Session struct {
	browser *rod.Browser
	router  *rod.HijackRouter
	policy  *Policy
	client  *http.Client
	logger  *zap.Logger
}

// Launch starts the browser, routes every request through the policy and
// opens a warning page.
func Launch(ctx context.Context, opts Options, logger *zap.Logger) (*Session, error) {
	bin := opts.Bin
	if bin == "" {
		bin, _ = launcher.LookPath()
	}

	l := launcher.New().Bin(bin).Headless(opts.Headless).Devtools(opts.DevTools)
	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	b := rod.New().ControlURL(controlURL).Context(ctx)
	if err := b.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to browser: %w", err)
	}

	allowed := opts.Allowed
	if allowed == nil {
		allowed = DefaultAllowedDomains
	}

	s := &Session{
		browser: b,
		policy:  NewPolicy(opts.ProxyAddr, allowed),
		// Generation can take minutes; the proxy enforces its own limits.
		client: &http.Client{},
		logger: logger,
	}

	s.router = b.HijackRequests()
	if err := s.router.Add("*", "", s.hijack); err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("failed to install request interception: %w", err)
	}
	go s.router.Run()

	page, err := b.Page(proto.TargetCreateTarget{})
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to open page: %w", err)
	}
	if err := page.SetDocumentContent(warningPage); err != nil {
		logger.Warn("failed to show warning page", zap.Error(err))
	}

	logger.Info("browser started",
		zap.String("proxy", opts.ProxyAddr),
		zap.Bool("headless", opts.Headless),
		zap.Bool("devtools", opts.DevTools),
	)
	return s, nil
}

func (s *Session) hijack(h *rod.Hijack) {
	req := Request{
		URL:     h.Request.URL().String(),
		Method:  h.Request.Method(),
		Type:    h.Request.Type(),
		Headers: make(map[string]string),
	}
	for k, v := range h.Request.Headers() {
		req.Headers[k] = v.Str()
	}

	d := s.policy.Decide(req)
	s.logger.Debug("intercepted request",
		zap.String("url", req.URL),
		zap.String("type", string(req.Type)),
		zap.Stringer("action", d.Action),
		zap.String("target", d.Target),
	)

	switch d.Action {
	case ActionContinue:
		h.ContinueRequest(&proto.FetchContinueRequest{})
	case ActionEmpty:
		h.Response.SetBody("")
	case ActionRedirect:
		target, err := url.Parse(d.Target)
		if err != nil {
			h.Response.Fail(proto.NetworkErrorReasonFailed)
			return
		}
		r := h.Request.Req()
		r.URL = target
		r.Host = target.Host
		r.Header.Del("Referer")
		if err := h.LoadResponse(s.client, true); err != nil {
			s.logger.Error("proxy request failed", zap.String("url", req.URL), zap.Error(err))
			h.Response.Fail(proto.NetworkErrorReasonFailed)
		}
	}
}

// Wait blocks until every page is closed, the browser goes away or ctx is
// cancelled.
func (s *Session) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.browser.EachEvent(func(e *proto.TargetTargetDestroyed) bool {
			pages, err := s.browser.Pages()
			return err != nil || len(pages) == 0
		})()
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) Close() error {
	if s.router != nil {
		_ = s.router.Stop()
	}
	return s.browser.Close()
}

package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
)

// ErrSurfaceClosed is returned when the user abandons the sign-in.
var ErrSurfaceClosed = errors.New("authorization window closed")

const callbackPage = `<!DOCTYPE html>
<html><body><p>%s You can close this window.</p></body></html>`

// LoopbackFlow listens on the redirect URI's host and port and waits for the
// provider to redirect the browser back.
type LoopbackFlow struct {
	// Open shows the URL to the user. Nil prints it to Out.
	Open   func(url string) error
	Out    io.Writer
	Logger *zap.Logger
}

// Authorize implements AuthorizationFlow. Cancelling ctx counts as closing
// the surface.
func (f *LoopbackFlow) Authorize(ctx context.Context, req AuthRequest) (*CallbackResult, error) {
	logger := f.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	redirect, err := url.Parse(req.RedirectURL)
	if err != nil {
		return nil, fmt.Errorf("parse redirect url: %w", err)
	}
	ln, err := net.Listen("tcp", redirect.Host)
	if err != nil {
		return nil, fmt.Errorf("listen for callback: %w", err)
	}

	results := make(chan *CallbackResult, 1)
	path := redirect.Path
	if path == "" {
		path = "/"
	}
	mux := http.NewServeMux()
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		res := &CallbackResult{
			Code:             q.Get("code"),
			State:            q.Get("state"),
			Error:            q.Get("error"),
			ErrorDescription: q.Get("error_description"),
		}
		msg := "Sign-in complete."
		if res.Error != "" {
			msg = "Sign-in failed: " + res.Error + "."
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, callbackPage, msg)
		select {
		case results <- res:
		default:
		}
	})

	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("callback server stopped", zap.Error(err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if f.Open != nil {
		if err := f.Open(req.URL); err != nil {
			return nil, fmt.Errorf("open authorization url: %w", err)
		}
	} else if f.Out != nil {
		fmt.Fprintf(f.Out, "Open this URL in your browser to sign in:\n\n  %s\n\n", req.URL)
	}
	logger.Info("waiting for authorization callback", zap.String("listen", ln.Addr().String()))

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrSurfaceClosed, ctx.Err())
	case res := <-results:
		return res, nil
	}
}

package app

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	"ledger-insight/internal/httpapi"
)

// Serve exposes the pipeline over HTTP until SIGINT or SIGTERM.
func (a *App) Serve(ctx context.Context, opts ServeOptions) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	res, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer res.close()

	if res.ledger == nil {
		return ErrNoLedger
	}

	var runs httpapi.RunLister
	if res.store != nil {
		if err := res.store.EnsureSchema(ctx); err != nil {
			a.Logger.Warn().Err(err).Msg("runs table not ready; saves will retry")
		}
		runs = res.store
	} else {
		a.Logger.Warn().Msg("database.runs_dsn not configured; run history disabled")
	}

	m := a.newMetrics()
	api := httpapi.New(a.newPipeline(res.ledger, res.recorder(), m), runs, m, httpapi.Options{
		ReasoningEnabled: a.Config.Reasoning.Enabled(),
		Release:          a.Config.App.Environment == "production",
	}, a.Logger)

	addr := opts.Addr
	if addr == "" {
		addr = a.Config.Server.Addr
	}
	srv := &http.Server{
		Addr:         addr,
		Handler:      api.Handler(),
		ReadTimeout:  a.Config.Server.ReadTimeout,
		WriteTimeout: a.Config.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info().Str("addr", addr).Msg("http server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	a.Logger.Info().Msg("shutting down http server")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.WithoutCancel(ctx), a.Config.Server.ShutdownTimeout)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	a.Logger.Info().Msg("http server stopped")
	return nil
}

package main

import (
	"context"
	"net/http"
	"time"

	"github.com/hamba/cmd"
	"github.com/pkg/errors"
	"gopkg.in/urfave/cli.v2"
)

func runNode(c *cli.Context) error {
	ctx, err := cmd.NewContext(c)
	if err != nil {
		return err
	}
	logger := ctx.Logger()

	s, err := newStore(ctx)
	if err != nil {
		return err
	}

	elector, err := newElector(ctx)
	if err != nil {
		_ = s.Close()
		return err
	}
	defer elector.Close()

	app, err := newApplication(ctx, s, elector)
	if err != nil {
		_ = s.Close()
		return err
	}
	defer app.Close()

	srv := &http.Server{
		Addr:              ctx.String(flagHTTPAddr),
		Handler:           app.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("Starting server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
		}
	}()

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErr := make(chan error, 1)
	go func() {
		runErr <- app.Run(runCtx)
	}()

	select {
	case <-cmd.WaitForSignals():
		cancel()
		err = <-runErr
	case err = <-runErr:
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		logger.Error("error shutting down server", "error", serr)
	}

	if lerr := elector.Leave(); lerr != nil {
		logger.Error("error leaving cluster", "error", lerr)
	}

	return errors.Wrap(err, "node")
}

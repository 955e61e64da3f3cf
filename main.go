package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"

	"github.com/markis/cozeflow/internal/args"
	"github.com/markis/cozeflow/internal/client"
	"github.com/markis/cozeflow/internal/config"
	"github.com/markis/cozeflow/internal/logging"
	"github.com/markis/cozeflow/internal/proxy"
	"github.com/markis/cozeflow/internal/render"
	"github.com/markis/cozeflow/internal/stream"
)

// main function to parse arguments and run the workflow or the proxy.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx)
	stop()
	if errors.Is(err, args.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.LoadConfig(ctx)
	if err != nil {
		return err
	}

	a, err := args.ParseArgs(ctx, *cfg, os.Args[1:], os.Stdin)
	if err != nil {
		return err
	}

	opts := []logging.Option{
		logging.WithLevel(cfg.Log.Level),
		logging.WithDebug(a.Debug),
	}

	if a.Mode == args.ModeServe {
		opts = append(opts, logging.WithTimestamp(true), logging.WithPrefix("proxy"))
		return serve(ctx, cfg, a, logging.New(opts...))
	}
	return runWorkflow(ctx, cfg, a, logging.New(opts...))
}

func runWorkflow(ctx context.Context, cfg *config.Config, a args.Arguments, logger *log.Logger) error {
	renderer := render.NewTerminalRenderer(os.Stdout, a.UsePlainText)
	progress := render.NewProgress(renderer, logger)

	c := client.New(
		client.WithBaseURL(a.BaseURL),
		client.WithToken(a.Token),
		client.WithLogger(logger),
		client.WithDecoder(stream.NewDecoder(
			stream.WithResultMatcher(cfg.Matcher()),
			stream.WithLogger(logger),
		)),
	)

	if cfg.API.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.API.Timeout)
		defer cancel()
	}

	req := a.RunRequest()
	renderer.Status(render.StatusInfo, fmt.Sprintf("Running workflow %s...", req.WorkflowID))
	started := time.Now()

	result, err := c.StreamRun(ctx, req, progress)
	if err != nil {
		return err
	}
	if ctx.Err() != nil {
		logger.Warn("workflow run interrupted", "err", ctx.Err(), "events", progress.Events())
	}

	var summaryResult any
	if result != nil {
		summaryResult = result
	} else if last := progress.Last(); last != nil {
		summaryResult = last
	}
	if summaryResult == nil && len(progress.Logs()) == 0 {
		return errors.New("no workflow result received; check the API token and workflow id")
	}

	if err := renderer.Render(render.Summary{
		Result:   summaryResult,
		Logs:     progress.Logs(),
		Started:  started,
		Finished: time.Now(),
	}); err != nil {
		return err
	}
	renderer.Status(render.StatusSuccess, fmt.Sprintf("Workflow finished, %d events received", progress.Events()))
	return nil
}

func serve(ctx context.Context, cfg *config.Config, a args.Arguments, logger *log.Logger) error {
	p, err := proxy.New(proxy.Config{
		ListenAddr:  a.Listen,
		UpstreamURL: a.Upstream,
		Matcher:     cfg.Matcher(),
	}, logger)
	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down proxy server")
		if err := p.Close(); err != nil {
			logger.Error("proxy shutdown failed", "err", err)
		}
	}()

	return p.Run()
}

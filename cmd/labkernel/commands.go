package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"
	"golang.org/x/sync/errgroup"

	"go.labforge.io/labkernel/config"
	"go.labforge.io/labkernel/gateway"
	"go.labforge.io/labkernel/kernel"
	"go.labforge.io/labkernel/logging"
	"go.labforge.io/labkernel/module"
	"go.labforge.io/labkernel/utils"
)

func readConfig(c *cli.Context, logger logging.Logger) (*config.Config, error) {
	cfg, err := config.Read(c.Path(flagConfig), logger)
	if err != nil {
		return nil, err
	}
	if cfg.Global.LogLevel != "" && !c.Bool(flagDebug) {
		level, err := logging.LevelFromString(cfg.Global.LogLevel)
		if err != nil {
			return nil, err
		}
		logger.SetLevel(level)
	}
	return cfg, nil
}

func serveAction(c *cli.Context, logger logging.Logger) (err error) {
	ctx := c.Context

	cfg, err := readConfig(c, logger)
	if err != nil {
		return err
	}
	if cfg.Global.LogFile != "" {
		maxSize := cfg.Global.LogFileMaxSizeMB
		if maxSize == 0 {
			maxSize = config.DefaultLogFileMaxSizeMB
		}
		file := logging.NewFileAppender(cfg.Global.LogFile, maxSize)
		logger.AddAppender(file)
		defer func() {
			err = multierr.Combine(err, file.Close())
		}()
	}
	// both durations were checked when the config was read
	unlockTimeout, _ := cfg.Global.UnlockTimeoutDuration()
	idleTimeout, _ := cfg.Global.IdleTimeoutDuration()

	k := kernel.New(cfg, logger.Sublogger("kernel"), kernel.WithUnlockTimeout(unlockTimeout))
	defer func() {
		err = multierr.Combine(err, k.Close(context.Background()))
	}()
	if err := k.StartAll(ctx); err != nil {
		logger.Warnw("not every module started", "error", err)
	}
	fmt.Fprintln(c.App.Writer, k.StatusTable())

	lis, err := net.Listen("tcp", cfg.Global.Address())
	if err != nil {
		return errors.Wrap(err, "cannot listen for gateway connections")
	}
	srv := gateway.NewServer(k, logger.Sublogger("gateway"), gateway.WithIdleTimeout(idleTimeout))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Serve(lis)
	})
	g.Go(func() error {
		<-gctx.Done()
		return srv.Close(context.Background())
	})
	if c.Bool(flagWatch) {
		g.Go(func() error {
			return watchConfig(gctx, k, c.Path(flagConfig), logger)
		})
	}
	return g.Wait()
}

// watchConfig reconfigures k with every config the file is rewritten to, until ctx is done.
func watchConfig(ctx context.Context, k *kernel.Kernel, path string, logger logging.Logger) error {
	w, err := config.NewWatcher(ctx, path, config.DefaultWatchDebounce, logger.Sublogger("watcher"))
	if err != nil {
		return err
	}
	defer goutils.UncheckedErrorFunc(w.Close)

	for {
		select {
		case <-ctx.Done():
			return nil
		case cfg := <-w.Configs():
			if err := k.Reconfigure(ctx, cfg); err != nil {
				logger.Errorw("reconfiguration incomplete", "error", err)
			}
			logger.Infow("reconfigured", "modules", len(cfg.Declarations()))
		}
	}
}

func checkAction(c *cli.Context, logger logging.Logger) error {
	cfg, err := readConfig(c, logger)
	if err != nil {
		return err
	}
	res := kernel.Resolve(cfg)
	k := kernel.New(cfg, logger.Sublogger("kernel"))
	defer goutils.UncheckedErrorFunc(func() error { return k.Close(context.Background()) })

	fmt.Fprintln(c.App.Writer, k.StatusTable())
	if failed := res.FailedNames(); len(failed) > 0 {
		return errors.Wrapf(res.Err(), "%d of %d modules cannot start", len(failed), len(cfg.Declarations()))
	}
	fmt.Fprintf(c.App.Writer, "%d modules resolve\n", len(res.Order))
	return nil
}

func graphAction(c *cli.Context, logger logging.Logger) error {
	cfg, err := readConfig(c, logger)
	if err != nil {
		return err
	}
	k := kernel.New(cfg, logger.Sublogger("kernel"))
	defer goutils.UncheckedErrorFunc(func() error { return k.Close(context.Background()) })
	fmt.Fprint(c.App.Writer, k.GraphDOT())
	return nil
}

func dial(c *cli.Context, logger logging.Logger) (*gateway.Client, error) {
	client, err := gateway.Dial(c.Context, c.String(flagAddress), logger.Sublogger("client"))
	if err != nil {
		return nil, errors.Wrapf(err, "cannot reach kernel at %s", c.String(flagAddress))
	}
	return client, nil
}

func statusAction(c *cli.Context, logger logging.Logger) error {
	client, err := dial(c, logger)
	if err != nil {
		return err
	}
	defer goutils.UncheckedErrorFunc(client.Close)

	infos, err := client.List(c.Context)
	if err != nil {
		return err
	}
	t := table.NewWriter()
	t.AppendHeader(table.Row{"Name", "State"})
	for _, info := range infos {
		state := info.State
		if parsed, err := module.StateFromString(info.State); err == nil {
			state = kernel.ColorState(parsed)
		}
		t.AppendRow(table.Row{info.Name, state})
	}
	fmt.Fprintln(c.App.Writer, t.Render())
	return nil
}

func callAction(c *cli.Context, logger logging.Logger) error {
	var args utils.AttributeMap
	if raw := c.String(flagArgs); raw != "" {
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			return errors.Wrap(err, "arguments must be a JSON object")
		}
	}

	client, err := dial(c, logger)
	if err != nil {
		return err
	}
	defer goutils.UncheckedErrorFunc(client.Close)

	handle, err := client.Resolve(c.Context, c.String(flagModule))
	if err != nil {
		return err
	}
	res, err := module.Call(c.Context, handle, c.String(flagOp), args)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, string(out))
	return handle.Release(c.Context)
}

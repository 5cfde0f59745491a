package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hatlonely/backo/audit"
	"github.com/hatlonely/backo/datasource"
	"github.com/hatlonely/backo/engine"
	"github.com/hatlonely/backo/logx"
	"github.com/hatlonely/backo/schema"
	"github.com/hatlonely/backo/server"
)

func main() {
	configPath := flag.String("config", "config/app.yaml", "app config file path")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	config, err := schema.LoadAppConfig(configPath)
	if err != nil {
		return err
	}

	log, err := logx.NewSLogWithOptions(&logx.SLogOptions{
		Level:  config.Log.Level,
		Format: config.Log.Format,
		Output: config.Log.Output,
	})
	if err != nil {
		return err
	}
	logx.SetDefault(log)

	backoffices, err := schema.LoadBackoffices(config.BackofficeDir)
	if err != nil {
		return err
	}
	if len(backoffices) == 0 {
		log.Warn("no backoffice configs found", "dir", config.BackofficeDir)
	}

	var auditLogger *audit.Logger
	if config.AuditDir != "" {
		auditLogger, err = audit.NewLoggerWithOptions(&audit.LoggerOptions{Dir: config.AuditDir})
		if err != nil {
			return err
		}
	}

	// 任一后台的任一数据源不可用即启动失败
	engines := map[string]*engine.Engine{}
	var registries []*datasource.Registry
	defer func() {
		for _, registry := range registries {
			registry.CloseAll()
		}
	}()
	for _, bo := range backoffices {
		registry, err := datasource.NewRegistry(bo.DataSources)
		if err != nil {
			return err
		}
		registries = append(registries, registry)
		engines[bo.ID] = engine.NewEngine(bo, registry, auditLogger)
		log.Info("backoffice loaded", "id", bo.ID, "sections", len(bo.Sections), "data_sources", len(bo.DataSources))
	}

	srv := server.NewServerWithOptions(&server.Options{
		Host: config.Server.Host,
		Port: config.Server.Port,
	}, engines)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Run()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		log.Info("shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return err
	}
	return <-errCh
}

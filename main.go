package main

import (
	"context"
	"embed"
	"fmt"
	"net/http"
	"os"

	"github.com/wailsapp/wails/v2"
	"github.com/wailsapp/wails/v2/pkg/options"
	"github.com/wailsapp/wails/v2/pkg/options/assetserver"
	"go.uber.org/zap"

	"espdeck/internal/config"
	"espdeck/internal/esploader"
	"espdeck/internal/firmware"
	"espdeck/internal/flash"
	"espdeck/internal/logging"
	"espdeck/internal/transport"
)

//go:embed all:frontend/dist
var assets embed.FS

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run() error {
	path, explicit := config.Path()
	cfg, err := config.Load(path, explicit)
	if err != nil {
		return err
	}

	log, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer log.Sync()

	fetcher := flash.NewHTTPFetcher(&http.Client{Timeout: cfg.Firmware.FetchTimeout})
	opts := cfg.CatalogOptions(fetcher.Fetch)
	opts.Log = log.Named("firmware")
	catalog, err := firmware.Open(context.Background(), opts)
	if err != nil {
		return err
	}

	app := NewApp(
		transport.NewRegistry(cfg.Serial.PollInterval, log.Named("serial")),
		catalog,
		fetcher,
		func(l *zap.Logger) flash.LoaderFactory {
			return esploader.Factory(esploader.WithLogger(l))
		},
		cfg.Serial,
		log,
	)

	return wails.Run(&options.App{
		Title:  "espdeck",
		Width:  900,
		Height: 800,
		AssetServer: &assetserver.Options{
			Assets: assets,
		},
		BackgroundColour: &options.RGBA{R: 30, G: 30, B: 30, A: 1},
		OnStartup:        app.startup,
		OnShutdown:       app.shutdown,
		Bind: []any{
			app,
		},
	})
}

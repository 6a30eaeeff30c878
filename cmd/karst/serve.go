package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"
	"golang.org/x/time/rate"

	"github.com/karst-ml/karst/internal/api"
	"github.com/karst-ml/karst/internal/device"
	"github.com/karst-ml/karst/internal/logger"
	"github.com/karst-ml/karst/internal/model"
)

func serveCmd() *cli.Command {
	var (
		addr        string
		readTimeout time.Duration
		reqPerSec   float64
		burst       int64
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the embeddings API",
		Flags: append(append(commonModelFlags(), loggingFlags()...),
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       "127.0.0.1:8080",
				Destination: &addr,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Usage:       "read header timeout",
				Value:       30 * time.Second,
				Destination: &readTimeout,
			},
			&cli.Float64Flag{
				Name:        "rate",
				Usage:       "request rate limit per second (0 = unlimited)",
				Destination: &reqPerSec,
			},
			&cli.Int64Flag{
				Name:        "burst",
				Usage:       "request burst allowance",
				Value:       10,
				Destination: &burst,
			},
		),
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg := LoadConfig()
			applyCommonConfig(c, cfg)
			applyServeConfig(c, cfg, &addr)
			log := buildLogger()

			if modelPath == "" || tokenizerPath == "" {
				return cli.Exit("error: --model and --tokenizer are required", 1)
			}
			dev, err := device.ParseType(deviceName)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			m := model.New(tokenizerPath, modelPath, model.WithLogger(log))
			if err := m.Init(dev); err != nil {
				return cli.Exit(fmt.Sprintf("error: init model: %v", err), 1)
			}
			defer func() { _ = m.Close() }()

			server := api.NewServer(m, log)
			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			if reqPerSec > 0 {
				e.Use(api.RateLimit(rate.NewLimiter(rate.Limit(reqPerSec), int(burst))))
			}
			server.Register(e)

			log.Info("starting server", "address", addr, "device", dev.String())
			ctx = logger.WithContext(ctx, log)
			sc := echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = readTimeout
					logger.FromContext(ctx).Info("listening", "address", addr)
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/gofiber/fiber/v3/middleware/basicauth"
	"github.com/gofiber/fiber/v3/middleware/proxy"
	recoverer "github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/oarkflow/log"
	"github.com/valyala/fasthttp"
	"golang.org/x/crypto/bcrypt"

	"github.com/oarkflow/reqguard"
)

func main() {
	configPath := flag.String("config", "", "Path to the YAML config file")
	hashPassword := flag.String("hash-password", "", "Print the bcrypt hash of a password for admin.users and exit")
	flag.Parse()

	if *hashPassword != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(*hashPassword), bcrypt.DefaultCost)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println(string(hash))
		return
	}

	cfg, err := loadServerConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := reqguard.NewLogger(cfg.Log)
	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("reqguard stopped")
	}
}

func run(cfg serverConfig, logger *log.Logger) error {
	metrics := reqguard.NewPrometheusMetricsCollector()
	opts := []reqguard.Option{reqguard.WithLogger(logger), reqguard.WithMetrics(metrics)}

	if cfg.GeoDatabase != "" {
		geo, err := reqguard.OpenGeoReader(cfg.GeoDatabase)
		if err != nil {
			return err
		}
		defer geo.Close()
		opts = append(opts, reqguard.WithGeoReader(geo))
	}
	if cfg.CatalogFile != "" {
		catalog, err := reqguard.LoadCatalogFile(cfg.CatalogFile)
		if err != nil {
			return err
		}
		opts = append(opts, reqguard.WithCatalog(catalog))
	}

	engine, err := reqguard.NewEngine(cfg.Guard, opts...)
	if err != nil {
		return err
	}
	defer engine.Close()
	if err := engine.Start(); err != nil {
		return err
	}

	if cfg.CatalogFile != "" && cfg.WatchFile {
		watcher, err := reqguard.NewCatalogWatcher(engine, cfg.CatalogFile)
		if err != nil {
			return err
		}
		watcher.Start()
		defer watcher.Stop()
	}

	app := newApp(cfg, engine, metrics)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("listen", cfg.Listen).Str("upstream", cfg.Upstream).Msg("reqguard proxy running")
		errCh <- app.Listen(cfg.Listen, fiber.ListenConfig{DisableStartupMessage: true})
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info().Msg("shutting down")
	return app.ShutdownWithTimeout(10 * time.Second)
}

func newApp(cfg serverConfig, engine *reqguard.Engine, metrics *reqguard.PrometheusMetricsCollector) *fiber.App {
	app := fiber.New(fiber.Config{AppName: "reqguard"})
	app.Use(recoverer.New())

	app.Use(reqguard.FiberMiddleware(engine, reqguard.FiberConfig{
		ActionClass: func(c fiber.Ctx) reqguard.ActionClass {
			if isAdminPath(c.Path(), cfg.Admin.Prefix) {
				return reqguard.ActionAdmin
			}
			return ""
		},
	}))

	if len(cfg.Admin.Users) > 0 {
		admin := app.Group(cfg.Admin.Prefix, basicauth.New(basicauth.Config{
			Realm: "reqguard",
			Users: cfg.Admin.Users,
		}))
		registerAdmin(admin, engine, metrics)
	}
	// Admin paths never reach the upstream.
	app.Use(func(c fiber.Ctx) error {
		if isAdminPath(c.Path(), cfg.Admin.Prefix) {
			return c.SendStatus(fiber.StatusNotFound)
		}
		return c.Next()
	})

	client := &fasthttp.Client{
		ReadTimeout:              30 * time.Second,
		WriteTimeout:             30 * time.Second,
		MaxIdleConnDuration:      time.Minute,
		NoDefaultUserAgentHeader: true,
	}
	app.Use(func(c fiber.Ctx) error {
		return proxy.Do(c, cfg.Upstream+c.OriginalURL(), client)
	})
	return app
}

func isAdminPath(path, prefix string) bool {
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}

func registerAdmin(r fiber.Router, engine *reqguard.Engine, metrics *reqguard.PrometheusMetricsCollector) {
	r.Get("/status", func(c fiber.Ctx) error {
		return c.JSON(engine.Status())
	})
	r.Get("/detections", func(c fiber.Ctx) error {
		return c.JSON(engine.Ledger().Snapshot(time.Now()))
	})
	r.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))
	r.Delete("/bans/:identity", func(c fiber.Ctx) error {
		identity := reqguard.ClientIdentity(c.Params("identity"))
		if err := engine.Bans().Lift(identity); err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		engine.Aggregator().Reset(identity)
		engine.Logger().Info().Str("identity", string(identity)).Msg("ban lifted")
		return c.SendStatus(fiber.StatusNoContent)
	})
}

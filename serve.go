package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	"LIBRA-backend/internal/library/catalog"
	"LIBRA-backend/internal/library/circulation"
	"LIBRA-backend/internal/library/reporting"
	"LIBRA-backend/internal/library/settings"
	"LIBRA-backend/internal/library/students"
	"LIBRA-backend/internal/platform/auth"
	"LIBRA-backend/internal/platform/db"
	"LIBRA-backend/internal/platform/docs"
	"LIBRA-backend/internal/platform/errs"
	"LIBRA-backend/internal/platform/middleware"
)

func newServeCmd(configPath *string) *cobra.Command {
	var migrateFirst bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "API サーバを起動する",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(*configPath, prometheus.DefaultRegisterer)
			if err != nil {
				return err
			}
			defer a.Close()

			if migrateFirst {
				if err := db.Migrate(a.cfg.DB, a.log); err != nil {
					return err
				}
			}
			return serve(cmd.Context(), a)
		},
	}
	cmd.Flags().BoolVar(&migrateFirst, "migrate", false, "起動前にマイグレーションを適用する")
	return cmd
}

// newRouter の reg / g は HTTP メトリクスの登録先と /metrics の読み出し元
func newRouter(a *app, reg prometheus.Registerer, g prometheus.Gatherer) *gin.Engine {
	mode := a.cfg.Mode

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(
		middleware.RequestID(),
		middleware.AccessLog(a.log.With(slog.String("component", "http"))),
		middleware.NewHTTPMetrics(reg).Handler(),
		gin.Recovery(),
	)
	_ = r.SetTrustedProxies(nil)

	if mode == "dev" {
		// CORS（開発中のみ必要）
		origins := a.cfg.Server.AllowOrigins
		if len(origins) == 0 {
			origins = []string{"http://localhost:3000"}
		}
		r.Use(cors.New(cors.Config{
			AllowOrigins:     origins,
			AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", middleware.HeaderRequestID},
			ExposeHeaders:    []string{"Content-Length", middleware.HeaderRequestID},
			AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowCredentials: true,
		}))

		docs.SwaggerInfo.Version = a.cfg.Version
		r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	// ヘルス・メトリクス
	r.GET("/healthz", func(c *gin.Context) {
		if err := a.conn.PingContext(c.Request.Context()); err != nil {
			c.String(http.StatusServiceUnavailable, "db unavailable")
			return
		}
		c.String(http.StatusOK, "ok")
	})
	r.GET("/metrics", middleware.Expose(g))

	// /api/v1
	api := r.Group("/api/v1")
	auth.RegisterPublicRoutes(api, a.auth)

	protected := api.Group("", auth.RequireAuth(a.auth.Secret(), a.auth))
	auth.RegisterRoutes(protected, a.auth)
	settings.RegisterRoutes(protected, a.settings)
	catalog.RegisterRoutes(protected, a.catalog)
	students.RegisterRoutes(protected, a.students)
	circulation.RegisterRoutes(protected, a.engine, circulation.NewLogNotifier(a.log))
	reporting.RegisterRoutes(protected, a.reporting)

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, errs.Body(errs.CodeNotFound, "no such route"))
	})
	return r
}

func serve(ctx context.Context, a *app) error {
	srv := &http.Server{
		Addr:              a.cfg.Server.Addr,
		Handler:           newRouter(a, prometheus.DefaultRegisterer, prometheus.DefaultGatherer),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// TLS設定（cert が空なら平文。オフライン運用向け）
	var certFile, keyFile string
	if a.cfg.Certificate.Cert != "" {
		certFile = fmt.Sprintf("config/tls/%s/%s", a.cfg.Mode, a.cfg.Certificate.Cert)
		keyFile = fmt.Sprintf("config/tls/%s/%s", a.cfg.Mode, a.cfg.Certificate.Key)
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if certFile != "" {
			a.log.Info("listening", slog.String("addr", "https://"+srv.Addr), slog.String("mode", a.cfg.Mode))
			err = srv.ListenAndServeTLS(certFile, keyFile)
		} else {
			a.log.Info("listening", slog.String("addr", "http://"+srv.Addr), slog.String("mode", a.cfg.Mode))
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Graceful shutdown
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	a.log.Info("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

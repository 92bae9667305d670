package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/stoblyx/ranking/anomaly"
	"github.com/stoblyx/ranking/countstore"
	"github.com/stoblyx/ranking/ledger"
	"github.com/stoblyx/ranking/moderation"
	"github.com/stoblyx/ranking/settings"
	"github.com/stoblyx/ranking/stats"
	"github.com/stoblyx/ranking/tiers"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	slogecho "github.com/samber/slog-echo"
	"golang.org/x/time/rate"
)

type Server struct {
	echo   *echo.Echo
	httpd  *http.Server
	logger *slog.Logger

	ledger     *ledger.Ledger
	detector   *anomaly.Detector
	moderation *moderation.Service
	stats      *stats.Aggregator
	settings   settings.Store

	adminPassword string

	// log-scan admin endpoints are expensive; cap their rate independently
	// of everything else
	scanLimiter *rate.Limiter
}

type Config struct {
	Logger        *slog.Logger
	DatabaseURL   string
	DBMaxConns    int
	RedisURL      string
	Bind          string
	AdminPassword string
}

func NewServer(config Config) (*Server, error) {
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}

	db, err := SetupDatabase(config.DatabaseURL, config.DBMaxConns)
	if err != nil {
		return nil, err
	}

	var counters countstore.CountStore
	var cfgStore settings.Store
	if config.RedisURL != "" {
		counters, err = countstore.NewRedisCountStore(config.RedisURL)
		if err != nil {
			return nil, err
		}
		cfgStore, err = settings.NewRedisStore(config.RedisURL)
		if err != nil {
			return nil, err
		}
	} else {
		counters = countstore.NewMemCountStore()
		cfgStore = settings.NewMemStore()
	}

	ldgr := ledger.New(db, counters, cfgStore, logger)
	detector := anomaly.New(db, counters, cfgStore, logger)
	mod := moderation.New(db, ldgr, detector, cfgStore, logger)
	agg := stats.New(db, logger)

	e := echo.New()

	var (
		httpTimeout        = 1 * time.Minute
		httpMaxHeaderBytes = 1 * (1024 * 1024)
	)

	srv := &Server{
		echo:          e,
		logger:        logger,
		ledger:        ldgr,
		detector:      detector,
		moderation:    mod,
		stats:         agg,
		settings:      cfgStore,
		adminPassword: config.AdminPassword,
		scanLimiter:   rate.NewLimiter(rate.Limit(2), 5),
	}
	srv.httpd = &http.Server{
		Handler:        srv,
		Addr:           config.Bind,
		WriteTimeout:   httpTimeout,
		ReadTimeout:    httpTimeout,
		MaxHeaderBytes: httpMaxHeaderBytes,
	}

	e.HideBanner = true
	e.Use(slogecho.New(logger))
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit("1M"))
	e.HTTPErrorHandler = srv.errorHandler
	e.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		ContentTypeNosniff: "nosniff",
		XFrameOptions:      "SAMEORIGIN",
		HSTSMaxAge:         31536000, // 365 days
	}))

	e.GET("/_health", srv.HandleHealthCheck)

	e.POST("/ranking/activity", srv.HandleRecordActivity)
	e.GET("/ranking/users/:userId", srv.HandleGetUserScore)
	e.PUT("/ranking/users/:userId/score", srv.HandleSetUserScore)
	e.GET("/ranking/top", srv.HandleGetTopUsers)
	e.GET("/ranking/rank/:rankType", srv.HandleGetUsersByRank)

	admin := e.Group("/admin", srv.checkAdminAuth)

	// moderation
	admin.POST("/users/:userId/adjust", srv.handleAdminAdjustScore)
	admin.POST("/users/:userId/suspend", srv.handleAdminSuspendUser)
	admin.POST("/users/:userId/unsuspend", srv.handleAdminUnsuspendUser)
	admin.POST("/users/:userId/report", srv.handleAdminReportUser)
	admin.GET("/users/suspended", srv.handleAdminListSuspended)
	admin.POST("/users/decayInactive", srv.handleAdminDecayInactive)

	// anomaly scans (log scans are rate limited, counter reads are not)
	admin.GET("/anomaly/patterns", srv.handleAdminAbnormalPatterns, srv.limitScans)
	admin.GET("/anomaly/byIp", srv.handleAdminActivitiesByIP, srv.limitScans)
	admin.GET("/anomaly/suspicious", srv.handleAdminSuspiciousUsers, srv.limitScans)
	admin.POST("/anomaly/latch", srv.handleAdminLatchSuspicious, srv.limitScans)
	admin.GET("/anomaly/users/:userId/counters", srv.handleAdminUserCounters)
	admin.GET("/anomaly/ip/:ip/users", srv.handleAdminDistinctUsersForIP)

	// statistics
	admin.GET("/stats/ranking", srv.handleAdminRankingStatistics)
	admin.GET("/stats/activity", srv.handleAdminActivityBreakdown)
	admin.GET("/stats/activity/:userId", srv.handleAdminUserActivityBreakdown)
	admin.GET("/stats/hourly", srv.handleAdminHourlyHistogram)

	// runtime settings
	admin.GET("/settings", srv.handleAdminListSettings)
	admin.POST("/settings", srv.handleAdminUpdateSetting)

	return srv, nil
}

func (srv *Server) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	srv.echo.ServeHTTP(rw, req)
}

func (srv *Server) checkAdminAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(e echo.Context) error {
		authheader := e.Request().Header.Get("Authorization")
		pref := "Bearer "
		if !strings.HasPrefix(authheader, pref) {
			return echo.ErrForbidden
		}
		token := authheader[len(pref):]
		if srv.adminPassword == "" || token != srv.adminPassword {
			return echo.ErrForbidden
		}
		return next(e)
	}
}

func (srv *Server) limitScans(next echo.HandlerFunc) echo.HandlerFunc {
	return func(e echo.Context) error {
		if !srv.scanLimiter.Allow() {
			return e.JSON(http.StatusTooManyRequests, GenericError{
				Error:   "RateLimitExceeded",
				Message: "too many scan requests, slow down",
			})
		}
		return next(e)
	}
}

// errorHandler maps domain errors onto HTTP statuses; anything unrecognized
// is a 500.
func (srv *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var ve *ledger.ValidationError
	var httpErr *echo.HTTPError
	switch {
	case errors.As(err, &httpErr):
		c.JSON(httpErr.Code, GenericError{
			Error:   http.StatusText(httpErr.Code),
			Message: httpErr.Error(),
		})
	case errors.As(err, &ve):
		c.JSON(http.StatusBadRequest, GenericError{
			Error:   "InvalidRequest",
			Message: ve.Error(),
		})
	case errors.Is(err, tiers.ErrInvalidTable):
		c.JSON(http.StatusBadRequest, GenericError{
			Error:   "InvalidThresholdTable",
			Message: err.Error(),
		})
	case errors.Is(err, ledger.ErrNotFound):
		c.JSON(http.StatusNotFound, GenericError{
			Error:   "NotFound",
			Message: err.Error(),
		})
	case errors.Is(err, ledger.ErrConflict):
		c.JSON(http.StatusConflict, GenericError{
			Error:   "Conflict",
			Message: err.Error(),
		})
	case errors.Is(err, ledger.ErrStoreUnavailable):
		c.JSON(http.StatusServiceUnavailable, GenericError{
			Error:   "StoreUnavailable",
			Message: err.Error(),
		})
	default:
		srv.logger.Error("unhandled request error", "err", err, "path", c.Path())
		c.JSON(http.StatusInternalServerError, GenericError{
			Error:   "InternalError",
			Message: err.Error(),
		})
	}
}

func (srv *Server) RunAPI() error {
	srv.logger.Info("starting server", "bind", srv.httpd.Addr)
	go func() {
		if err := srv.httpd.ListenAndServe(); err != nil {
			if !errors.Is(err, http.ErrServerClosed) {
				slog.Error("HTTP server shutting down unexpectedly", "err", err)
			}
		}
	}()

	quit := make(chan struct{})
	exitSignals := make(chan os.Signal, 1)
	signal.Notify(exitSignals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-exitSignals
		srv.logger.Info("received OS exit signal", "signal", sig)
		if err := srv.Shutdown(); err != nil {
			slog.Error("HTTP server shutdown error", "err", err)
		}
		close(quit)
	}()
	<-quit
	srv.logger.Info("graceful shutdown complete")
	return nil
}

func (srv *Server) RunMetrics(listen string) error {
	http.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(listen, nil)
}

func (srv *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.httpd.Shutdown(ctx)
}

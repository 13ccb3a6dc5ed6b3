package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"hookd/internal/master/scheduler"
	"hookd/internal/metrics"
	"hookd/internal/registry"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog/log"
)

type RouterConfig struct {
	Registry *registry.Registry
	Selector *scheduler.Selector
	// 单个请求访问存储的超时，0 表示不限制
	RequestTimeout time.Duration
}

func NewRouter(cfg RouterConfig) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	SetupRouter(e, cfg)
	return e
}

func SetupRouter(e *echo.Echo, cfg RouterConfig) {
	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(requestLogger())
	e.Use(requestMetrics())
	if cfg.RequestTimeout > 0 {
		e.Use(requestTimeout(cfg.RequestTimeout))
	}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	h := NewNodeHandler(cfg.Registry, cfg.Selector)
	v1 := e.Group("/api/v1")

	v1.GET("/nodes", h.List)
	v1.POST("/nodes", h.Create)
	v1.GET("/nodes/next", h.Next)
	v1.POST("/dispatch", h.Dispatch)
	v1.GET("/nodes/:address", h.Get)
	v1.DELETE("/nodes/:address", h.Delete)
	v1.PUT("/nodes/:address/status", h.SetStatus)
	v1.POST("/nodes/:address/release", h.Release)
	v1.POST("/nodes/:address/score", h.AdjustScore)
	v1.POST("/nodes/:address/success", h.ReportSuccess)
	v1.POST("/nodes/:address/failure", h.ReportFailure)
}

func requestLogger() echo.MiddlewareFunc {
	return echomw.RequestLoggerWithConfig(echomw.RequestLoggerConfig{
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogValuesFunc: func(c echo.Context, v echomw.RequestLoggerValues) error {
			log.Debug().
				Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Str("request_id", v.RequestID).
				Msg("request")
			return nil
		},
	})
}

// requestMetrics 按路由模板记录延迟，/metrics 自身不计
func requestMetrics() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if c.Path() == "/metrics" {
				return next(c)
			}
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if err != nil {
				var he *echo.HTTPError
				if errors.As(err, &he) {
					status = he.Code
				} else {
					status = http.StatusInternalServerError
				}
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			metrics.ObserveSince(metrics.HTTPRequestSeconds.WithLabelValues(c.Request().Method, route, strconv.Itoa(status)), start)
			return err
		}
	}
}

func requestTimeout(d time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx, cancel := context.WithTimeout(c.Request().Context(), d)
			defer cancel()
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

// Serve 启动 HTTP 服务，ctx 结束后优雅关闭
func Serve(ctx context.Context, e *echo.Echo, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("api server listening")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

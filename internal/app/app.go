package app

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"riskguard/internal/config"
	"riskguard/internal/logger"
	"riskguard/internal/strategy/exit"
	"riskguard/internal/tools"
	toolshttp "riskguard/internal/transport/http/tools"
)

// App 负责应用级编排：加载配置→初始化依赖→启动工具服务与移动止损巡检。
type App struct {
	cfg        *config.Config
	controller *exit.Controller
	registry   *tools.Registry
	http       *toolshttp.Server
	monitor    *exit.Monitor
	closers    []func() error
	Summary    *StartupSummary
}

// NewApp 根据配置构建应用对象（不启动）。
func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	return NewAppBuilder(cfg).Build(ctx)
}

func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil {
		return fmt.Errorf("app not initialized")
	}
	defer a.Close()
	if a.Summary != nil {
		a.Summary.Print()
	}

	group, ctx := errgroup.WithContext(ctx)
	if a.http != nil {
		group.Go(func() error {
			if err := a.http.Start(ctx); err != nil {
				return fmt.Errorf("tools http server error: %w", err)
			}
			return nil
		})
	}
	if a.monitor != nil {
		group.Go(func() error {
			return a.monitor.Run(ctx)
		})
	}
	return group.Wait()
}

// Close 依次释放存储与缓存连接，可重复调用。
func (a *App) Close() {
	if a == nil {
		return
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if err := errors.Join(errs...); err != nil {
		logger.Warnf("app close: %v", err)
	}
}

// Registry 暴露工具注册表，供内嵌调用方直接调用工具。
func (a *App) Registry() *tools.Registry {
	if a == nil {
		return nil
	}
	return a.registry
}

func (a *App) Controller() *exit.Controller {
	if a == nil {
		return nil
	}
	return a.controller
}

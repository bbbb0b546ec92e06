package app

import (
	"context"
	"fmt"

	"backcast/internal/backtest"
	bccfg "backcast/internal/config"
	"backcast/internal/datasource"
	"backcast/internal/logger"

	"golang.org/x/sync/errgroup"
)

// App 负责应用级编排：加载配置→初始化依赖→启动 HTTP 与数据目录监听。
type App struct {
	cfg    *bccfg.Config
	local  *datasource.LocalCSVSource
	cache  *datasource.BarCache
	store  *backtest.RunStore
	svc    *backtest.Service
	server interface {
		Start(context.Context) error
	}
}

// NewApp 根据配置构建应用对象（不启动）。
func NewApp(cfg *bccfg.Config, opts ...AppBuilderOption) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)
	return NewAppBuilder(cfg, opts...).Build()
}

// Run 启动服务并阻塞，直到 ctx 取消或 HTTP 出错。
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil {
		return fmt.Errorf("app not initialized")
	}
	if err := a.local.StartWatcher(ctx); err != nil {
		logger.Warnf("数据目录监听启动失败（缓存退化为仅 mtime 校验）: %v", err)
	}
	logger.Infof("✓ backcast 启动：env=%s addr=%s data=%s", a.cfg.App.Env, a.cfg.App.HTTPAddr, a.cfg.Data.LocalDir)

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := a.server.Start(ctx); err != nil {
			return fmt.Errorf("http server error: %w", err)
		}
		return nil
	})
	err := group.Wait()

	a.svc.Wait()
	if cerr := a.store.Close(); cerr != nil {
		logger.Warnf("关闭运行存储失败: %v", cerr)
	}
	if cerr := a.cache.Close(); cerr != nil {
		logger.Warnf("关闭 K 线缓存失败: %v", cerr)
	}
	return err
}

// Service 暴露底层回测服务，回放与测试用。
func (a *App) Service() *backtest.Service {
	if a == nil {
		return nil
	}
	return a.svc
}

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/spf13/cobra"

	"github.com/mobile-inventory/inventory-cache/internal/config"
	"github.com/mobile-inventory/inventory-cache/internal/controller"
	"github.com/mobile-inventory/inventory-cache/internal/logging"
	"github.com/mobile-inventory/inventory-cache/internal/version"
)

const (
	configEnv       = "INVENTORY_CACHE_CONFIG"
	shutdownTimeout = 10 * time.Second
)

func newRootCmd() *cobra.Command {
	var configFlag string

	cmd := &cobra.Command{
		Use:   "inventory-cache",
		Short: "Offline cache proxy for the mobile inventory web app",
		Long: `inventory-cache sits in front of the inventory web app and keeps one
versioned cache namespace. On start it preloads the configured pages,
activates immediately and then answers requests with the configured
strategy (network-first or stale-while-revalidate).

Running without a subcommand is the same as "serve".`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version.Full(),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), resolveConfigPath(configFlag))
		},
	}
	cmd.SetVersionTemplate("{{.Version}}\n")
	cmd.PersistentFlags().StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 "+configEnv+" 覆盖）")

	configPath := func() string { return resolveConfigPath(configFlag) }
	cmd.AddCommand(newServeCmd(configPath))
	cmd.AddCommand(newInstallCmd(configPath))
	cmd.AddCommand(newActivateCmd(configPath))
	cmd.AddCommand(newCheckConfigCmd(configPath))
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// resolveConfigPath 按 flag > 环境变量 > 默认值 的顺序决定配置路径。
func resolveConfigPath(flagValue string) string {
	if path := strings.TrimSpace(flagValue); path != "" {
		return path
	}
	if path := strings.TrimSpace(os.Getenv(configEnv)); path != "" {
		return path
	}
	return "config.toml"
}

func newServeCmd(configPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Install, activate and start the HTTP proxy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), configPath())
		},
	}
}

func newInstallCmd(configPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "Preload the configured URLs into the current namespace and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := bootstrap(cmd.Context(), configPath())
			if err != nil {
				return err
			}
			defer rt.close()

			if err := rt.controller.HandleInstall(cmd.Context()); err != nil {
				return fmt.Errorf("安装失败: %w", err)
			}
			status := rt.controller.Status()
			fmt.Fprintf(stdOut, "installed %s (%d urls)\n", status.Version, len(status.Preload))
			return nil
		},
	}
}

func newActivateCmd(configPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "activate",
		Short: "Evict every namespace except the current one and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := bootstrap(cmd.Context(), configPath())
			if err != nil {
				return err
			}
			defer rt.close()

			if _, err := rt.controller.Resume(cmd.Context()); err != nil {
				return fmt.Errorf("恢复命名空间失败: %w", err)
			}
			if err := rt.controller.HandleActivate(cmd.Context()); err != nil {
				if errors.Is(err, controller.ErrNotInstalled) {
					return fmt.Errorf("激活失败: 命名空间 %s 尚未安装", rt.controller.Version())
				}
				return fmt.Errorf("激活失败: %w", err)
			}
			fmt.Fprintf(stdOut, "activated %s\n", rt.controller.Version())
			return nil
		},
	}
}

func newCheckConfigCmd(configPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration file and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := configPath()
			cfg, err := config.Load(path)
			if err != nil {
				return fmt.Errorf("加载配置失败: %w", err)
			}
			logger, err := logging.InitLogger(cfg.Global)
			if err != nil {
				return fmt.Errorf("初始化日志失败: %w", err)
			}

			fields := logging.BaseFields("check_config", path)
			for key, value := range logging.CacheFields(cfg.Cache.Version, cfg.Cache.Strategy) {
				fields[key] = value
			}
			fields["preload_count"] = len(cfg.Cache.Preload)
			fields["storage_driver"] = cfg.Global.StorageDriver
			fields["result"] = "ok"
			logger.WithFields(fields).Info("配置校验通过")
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(*cobra.Command, []string) {
			printVersion()
		},
	}
}

// runServe 遵循“配置 → 存储 → 控制器 install/activate → Fiber server”顺序启动，
// ctx 结束时优雅关闭并等待后台刷新完成。
func runServe(ctx context.Context, configPath string) error {
	rt, err := bootstrap(ctx, configPath)
	if err != nil {
		return err
	}
	defer rt.close()

	if err := rt.start(ctx); err != nil {
		return err
	}

	app, err := rt.newApp()
	if err != nil {
		return fmt.Errorf("HTTP 服务初始化失败: %w", err)
	}

	fields := logging.BaseFields("listen", configPath)
	fields["port"] = rt.cfg.Global.ListenPort
	fields["version"] = version.Full()
	rt.logger.WithFields(fields).Info("Fiber 服务启动")

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Listen(fmt.Sprintf(":%d", rt.cfg.Global.ListenPort), fiber.ListenConfig{
			DisableStartupMessage: true,
		})
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("HTTP 服务启动失败: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		rt.logger.WithFields(logging.BaseFields("shutdown", configPath)).Info("收到退出信号")
		return app.ShutdownWithContext(shutdownCtx)
	}
}

package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"reqsploit/internal/ca"
	"reqsploit/internal/config"
	"reqsploit/internal/control"
	"reqsploit/internal/logger"
	"reqsploit/internal/session"
	"reqsploit/internal/storage"
)

// main 显式构造并装配全部组件，不依赖任何全局单例
func main() {
	configPath := flag.String("config", "config.yaml", "配置文件路径")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		os.Stderr.WriteString("load config: " + err.Error() + "\n")
		os.Exit(1)
	}

	log := logger.New(logger.Options{
		Level:   cfg.Log.Level,
		Writers: cfg.Log.Writer,
		File:    cfg.Log.File,
	})

	if cfg.CA.ServerSecret == "" {
		log.Error("缺少 ca.serverSecret 配置")
		os.Exit(1)
	}

	db, err := storage.Open(cfg.Sqlite.Dsn, cfg.Sqlite.Prefix, log)
	if err != nil {
		log.Error("存储初始化失败", "error", err)
		os.Exit(1)
	}

	authority, err := ca.New(ca.Config{
		Repo:          storage.NewCertificateRepository(db),
		ServerSecret:  cfg.CA.ServerSecret,
		LeafCacheSize: cfg.CA.LeafCacheSize,
		Logger:        log,
	})
	if err != nil {
		log.Error("证书子系统初始化失败", "error", err)
		os.Exit(1)
	}

	hub := control.NewHub(log)
	manager := session.NewManager(session.Config{
		Authority:      authority,
		Repo:           storage.NewSessionRepository(db),
		Publisher:      hub,
		PortRangeStart: cfg.Proxy.PortRangeStart,
		PortRangeEnd:   cfg.Proxy.PortRangeEnd,
		Logger:         log,
	})
	hub.SetDispatcher(control.NewDispatcher(manager, log))

	ctx := context.Background()
	if err := manager.Reconcile(ctx); err != nil {
		log.Error("会话对账失败", "error", err)
		os.Exit(1)
	}
	manager.StartSweeper(ctx)

	mux := http.NewServeMux()
	control.NewAPI(hub, manager, authority).Routes(mux)
	server := &http.Server{Addr: cfg.Control.Addr, Handler: mux}

	go func() {
		log.Info("控制通道启动", "addr", cfg.Control.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("控制通道异常退出", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("收到退出信号，开始关停")
	shutdownCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	manager.Close(shutdownCtx)
	_ = server.Shutdown(shutdownCtx)
	log.Info("关停完成")
}

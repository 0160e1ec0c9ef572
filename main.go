package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"claude-proxy/internal/api"
	"claude-proxy/internal/config"
	"claude-proxy/internal/database"
	"claude-proxy/internal/logger"
	"claude-proxy/internal/openai"

	_ "time/tzdata" // 嵌入时区数据库，解决 Windows 下时区加载失败问题
)

// Version 版本号，通过 ldflags 注入
var Version = "dev"

func main() {
	// 解析命令行参数
	portFlag := flag.Int("port", 0, "服务器监听端口（优先级最高，0 表示使用配置文件或默认值）")
	flag.IntVar(portFlag, "p", 0, "服务器监听端口（-port 的简写）")
	configFlag := flag.String("config", "", "配置文件路径（不指定则按 config.yaml > config.yml > config.json 查找）")
	flag.Parse()

	// 初始化日志系统
	if err := logger.Init(); err != nil {
		log.Fatalf("初始化日志系统失败: %v", err)
	}
	defer logger.Close()

	// 加载配置
	cfg, err := loadConfig(*configFlag)
	if err != nil {
		logger.Error("加载配置失败: %v", err)
		os.Exit(1)
	}
	logger.SetDebugEnabled(cfg.Debug)

	if *portFlag != 0 {
		cfg.Server.Port = *portFlag
	}

	// 初始化数据库
	db, err := database.New(cfg)
	if err != nil {
		logger.Error("初始化数据库失败: %v", err)
		os.Exit(1)
	}
	defer db.Close()

	openai.Version = Version

	// 创建 API 服务器
	server := api.NewServer(cfg, db, Version)

	cleanupCtx, cancelCleanup := context.WithCancel(context.Background())
	defer cancelCleanup()
	server.StartLogCleanup(cleanupCtx)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:    addr,
		Handler: server.Router(),
		// 写超时要覆盖长流式响应
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 300 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("服务器启动 - 版本: %s, 监听: %s, 后端: %s",
			Version, addr, cfg.OpenAI.BaseURL)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("服务器启动失败: %v", err)
			os.Exit(1)
		}
	}()

	// 等待退出信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("收到退出信号，开始优雅关闭...")
	cancelCleanup()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("服务器关闭失败: %v", err)
	}

	// 排空日志队列后退出
	server.StopLogWorker()
	logger.Info("服务器已关闭")
}

// loadConfig 按命令行参数或默认位置加载配置
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.LoadConfig()
	}
	if len(path) > 5 && path[len(path)-5:] == ".json" {
		return config.LoadFromJSON(path)
	}
	return config.LoadFromYAML(path)
}

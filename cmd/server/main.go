package main

import (
	"fmt"
	"log"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"agenthub/internal/auth"
	"agenthub/internal/config"
	"agenthub/internal/rpc"
	"agenthub/internal/server"
	"agenthub/internal/socket"
	"agenthub/internal/sse"
	"agenthub/internal/store"
	hubsync "agenthub/internal/sync"
	"agenthub/internal/terminal"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal(err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	gin.SetMode(cfg.GinMode)

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		logger.Fatal("open store", zap.Error(err))
	}
	defer st.Close()

	tokenCfg := auth.TokenConfig{
		Secret: cfg.MasterSecret,
		Expiry: cfg.TokenExpiry,
		Issuer: "agenthub",
	}

	events := sse.NewManager(30*time.Second, logger)
	rpcRegistry := rpc.NewRegistry(cfg.RPCTimeout)
	terminals := terminal.NewRegistry(cfg.TerminalsPerSocket, cfg.TerminalsPerSession)

	engine := hubsync.NewEngine(hubsync.EngineOptions{
		Store:          st,
		Events:         events,
		RPC:            rpcRegistry,
		Logger:         logger,
		MessagePageMax: cfg.MessagePageMax,
	})

	sock := socket.NewServer(socket.Deps{
		Engine:      engine,
		RPC:         rpcRegistry,
		Terminals:   terminals,
		TokenConfig: tokenCfg,
		CLIToken:    cfg.CLIToken,
		Logger:      logger,
	})

	router := server.NewRouter(server.Deps{
		Store:       st,
		Engine:      engine,
		Events:      events,
		Socket:      sock,
		TokenConfig: tokenCfg,
		CLIToken:    cfg.CLIToken,
	})

	logger.Info("listening", zap.String("addr", fmt.Sprintf(":%d", cfg.Port)))
	if err := server.Run(cfg, router); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}

package main

import (
	"context"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"syncd/internal/auth"
	"syncd/internal/config"
	"syncd/internal/hub"
	"syncd/internal/server"
	"syncd/internal/store"
)

func main() {
	log := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	gin.SetMode(cfg.GinMode)

	st, err := store.Open(context.Background(), cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Msg("open store")
	}
	defer st.Close()

	mgr := hub.NewManager(st, log, hub.NopNotifier{})
	st.SetSink(mgr)

	tokenCfg := auth.TokenConfig{
		Secret: cfg.MasterSecret,
		Expiry: cfg.TokenExpiry,
		Issuer: "syncd",
	}

	router := server.NewRouter(server.Deps{
		Store:       st,
		Manager:     mgr,
		TokenConfig: tokenCfg,
		Log:         log,
		IdleTimeout: cfg.IdleTimeout,
	})

	log.Info().Int("port", cfg.Port).Msg("listening")
	if err := server.Run(cfg, router); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
}

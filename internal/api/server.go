package api

import (
	"magazyn-plikow/internal/config"
	"magazyn-plikow/internal/database"
	"magazyn-plikow/internal/drive"
	"magazyn-plikow/internal/websocket"

	"github.com/rs/zerolog"
)

type Server struct {
	config *config.Config
	store  *database.Store
	engine *drive.Engine
	wsHub  *websocket.Hub
	log    zerolog.Logger
}

func NewServer(cfg *config.Config, store *database.Store, engine *drive.Engine, wsHub *websocket.Hub, logger zerolog.Logger) *Server {
	return &Server{
		config: cfg,
		store:  store,
		engine: engine,
		wsHub:  wsHub,
		log:    logger.With().Str("component", "api").Logger(),
	}
}

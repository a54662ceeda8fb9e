package api

import (
	"magazyn-plikow/internal/auth"
	"magazyn-plikow/internal/websocket"
	"net/http"
)

// @Summary      Live change events
// @Description  Upgrades to a websocket that receives the user's change events as they happen.
// @Tags         events
// @Param        token  query  string  true  "Access token"
// @Success      101
// @Failure      401  {string}  string "Unauthorized"
// @Router       /ws [get]
func (s *Server) ServeWsHandler(w http.ResponseWriter, r *http.Request) {
	tokenString := r.URL.Query().Get("token")
	if tokenString == "" {
		http.Error(w, "Token required", http.StatusUnauthorized)
		return
	}

	claims, err := auth.VerifyJWT(tokenString, s.config.JWT.Secret)
	if err != nil {
		s.log.Debug().Err(err).Msg("websocket connection with invalid token")
		http.Error(w, "Invalid or expired token", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := websocket.NewClient(s.wsHub, conn, claims.UserID)
	s.wsHub.Register(client)

	go client.ReadPump()
	go client.WritePump()
}

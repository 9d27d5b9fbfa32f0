package server

import (
	"log"
	"net/http"
	"slices"

	"github.com/gorilla/handlers"
	"github.com/gorilla/websocket"

	"github.com/scenesync/scenesync/internal/config"
	"github.com/scenesync/scenesync/internal/stats"
	"github.com/scenesync/scenesync/internal/types"
)

// Handler exposes the websocket endpoint. Identity comes from the handshake
// query string, or from a signed token when the server has a signing key.
type Handler struct {
	log            *log.Logger
	cs             *CollabServer
	stats          stats.Provider
	signingKey     []byte
	allowedOrigins []string
}

func NewHandler(mux *http.ServeMux, logger *log.Logger, cs *CollabServer, sp stats.Provider, cfg *config.Config) *Handler {
	h := &Handler{
		log:            logger,
		cs:             cs,
		stats:          sp,
		signingKey:     cfg.SigningKey,
		allowedOrigins: cfg.AllowedOrigins,
	}
	mux.HandleFunc("GET /ws", h.serveWs)
	return h
}

// CORS wraps next with the CORS policy for the configured origins.
func (h *Handler) CORS(next http.Handler) http.Handler {
	return handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(h.allowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept"}),
		handlers.AllowCredentials(),
	)(next)
}

func (h *Handler) serveWs(w http.ResponseWriter, r *http.Request) {
	user, err := h.identityFromRequest(r)
	if err != nil {
		h.log.Println("handshake rejected:", err)
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || len(h.allowedOrigins) == 0 {
				return true
			}
			return slices.Contains(h.allowedOrigins, origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Println("error upgrading connection:", err)
		return
	}

	client := NewClient(user, conn, h.cs, h.log, h.stats)

	h.cs.RegisterClient(client)
	go client.Write()
	go client.Read()
}

func (h *Handler) identityFromRequest(r *http.Request) (types.User, error) {
	q := r.URL.Query()

	if len(h.signingKey) > 0 {
		return VerifyIdentityToken(h.signingKey, q.Get("token"))
	}

	user := types.User{
		Id:       q.Get("user_id"),
		Username: q.Get("username"),
		Color:    q.Get("color"),
	}
	if user.Id == "" {
		return types.User{}, errMissingIdentity
	}
	if user.Username == "" {
		user.Username = "user-" + user.Id
	}
	return user, nil
}

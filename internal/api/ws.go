package api

import (
	"net/http"

	"github.com/rs/zerolog"

	"github.com/quistapp/keygate/internal/license"
	"github.com/quistapp/keygate/internal/relay"
)

// handleWS upgrades first and refuses afterwards, so clients always receive
// a close code they can act on.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		zerolog.Ctx(r.Context()).Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	client := relay.NewClient(conn, relay.ClientOptions{
		MaxMessage:   s.cfg.RelayMaxMessage,
		PingInterval: s.cfg.RelayPingInterval,
	}, s.log)

	q := r.URL.Query()
	code := license.NormalizeCode(q.Get("key"))
	role, ok := relay.ParseRole(q.Get("role"))
	if code == "" || !ok {
		client.Close(relay.CloseMissingParams, "Missing key or role")
		return
	}
	if _, err := s.licenses.CheckUsable(r.Context(), code); err != nil {
		if _, denied := license.DenialReason(err); !denied {
			zerolog.Ctx(r.Context()).Error().Err(err).Msg("relay key check failed")
		}
		client.Close(relay.CloseInvalidKey, "Invalid or expired key")
		return
	}

	if !s.hub.Admit(code, role, client) {
		return
	}
	client.Run(func(data []byte) {
		s.hub.Relay(code, role, client, data)
	})
	s.hub.Depart(code, role, client)
}

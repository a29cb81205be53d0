package core

import (
	"encoding/hex"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// peerView is the JSON shape returned by GET /peers: PeerAddr with its
// pubkey hex-encoded instead of raw bytes.
type peerView struct {
	PubKey string `json:"pubkey"`
	Host   string `json:"host"`
	Port   uint16 `json:"port"`
}

// adminHandler serves the read-only status/peers surface the sync status
// and sync peers CLI commands poll, mirroring this codebase's practice of
// putting introspection behind a small chi router rather than a bespoke
// protocol.
func (l *Listener) adminHandler() http.Handler {
	r := chi.NewRouter()
	r.Get("/status", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(l.Stats())
	})
	r.Get("/peers", func(w http.ResponseWriter, req *http.Request) {
		snap := l.Registry().Snapshot()
		views := make([]peerView, 0, len(snap))
		for _, p := range snap {
			views = append(views, peerView{
				PubKey: hex.EncodeToString(p.Addr.PubKey[:]),
				Host:   p.Addr.Host.String(),
				Port:   p.Addr.Port,
			})
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(views)
	})
	return r
}

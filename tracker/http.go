package tracker

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/bobg/p2psync"
)

// NewHandler produces an HTTP handler exposing r as JSON:
//
//	GET  /               registry statistics
//	GET  /peers/{hash}   live peers for a hash
//	POST /announce       body {"addr": ..., "hashes": [...]}
func NewHandler(r *Registry) http.Handler {
	h := &handler{r: r}
	router := mux.NewRouter()
	router.HandleFunc("/", h.info).Methods(http.MethodGet)
	router.HandleFunc("/peers/{hash}", h.peers).Methods(http.MethodGet)
	router.HandleFunc("/announce", h.announce).Methods(http.MethodPost)
	return router
}

type handler struct {
	r *Registry
}

type infoResponse struct {
	Stats
	TTL string `json:"ttl"`
}

type peerJSON struct {
	Addr         string    `json:"addr"`
	LastAnnounce time.Time `json:"last_announce"`
}

type announceRequest struct {
	Addr   string   `json:"addr"`
	Hashes []string `json:"hashes"`
}

func (h *handler) info(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, infoResponse{Stats: h.r.Stats(), TTL: h.r.TTL().String()})
}

func (h *handler) peers(w http.ResponseWriter, req *http.Request) {
	hash, err := p2psync.HashFromHex(mux.Vars(req)["hash"])
	if err != nil {
		http.Error(w, "bad hash: "+err.Error(), http.StatusBadRequest)
		return
	}
	recs, err := h.r.Query(req.Context(), hash)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	result := make([]peerJSON, 0, len(recs))
	for _, rec := range recs {
		result = append(result, peerJSON{Addr: rec.Addr, LastAnnounce: rec.LastAnnounce})
	}
	writeJSON(w, result)
}

func (h *handler) announce(w http.ResponseWriter, req *http.Request) {
	var ar announceRequest
	if err := json.NewDecoder(req.Body).Decode(&ar); err != nil {
		http.Error(w, "decoding request: "+err.Error(), http.StatusBadRequest)
		return
	}
	hashes := make([]p2psync.Hash, 0, len(ar.Hashes))
	for _, s := range ar.Hashes {
		hash, err := p2psync.HashFromHex(s)
		if err != nil {
			http.Error(w, "bad hash "+s+": "+err.Error(), http.StatusBadRequest)
			return
		}
		hashes = append(hashes, hash)
	}
	if err := h.r.Announce(req.Context(), ar.Addr, hashes); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("ERROR encoding response: %s", err)
	}
}

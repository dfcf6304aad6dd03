package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/quietledger/gabriel/internal/model"
)

const (
	defaultAddressType = "p2pk"
	defaultNumBlocks   = 10
)

// latest serves GET /api/blocks/latest?address_type={p2pk|p2tr}&num_blocks=N.
func (h *handlers) latest(w http.ResponseWriter, r *http.Request) {
	kindParam := r.URL.Query().Get("address_type")
	if kindParam == "" {
		kindParam = defaultAddressType
	}
	kind, err := model.ParseScriptKind(kindParam)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	n := defaultNumBlocks
	if raw := r.URL.Query().Get("num_blocks"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, errInvalidNumBlocks)
			return
		}
		n = parsed
	}

	rows, err := h.store.Latest(r.Context(), kind, n)
	if err != nil {
		h.logger.Error("latest aggregates query failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

// byHash serves GET /api/block/hash/{hash}.
func (h *handlers) byHash(w http.ResponseWriter, r *http.Request) {
	hash := mux.Vars(r)["hash"]
	rows, err := h.store.ByHash(r.Context(), hash)
	if err != nil {
		h.logger.Error("by-hash aggregates query failed", zap.Error(err), zap.String("hash", hash))
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if len(rows) == 0 {
		writeError(w, http.StatusNotFound, errBlockNotFound)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

// byHeight serves GET /api/block/height/{height}.
func (h *handlers) byHeight(w http.ResponseWriter, r *http.Request) {
	raw := mux.Vars(r)["height"]
	height, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		writeError(w, http.StatusBadRequest, errInvalidHeight)
		return
	}

	rows, err := h.store.ByHeight(r.Context(), uint32(height))
	if err != nil {
		h.logger.Error("by-height aggregates query failed", zap.Error(err), zap.Uint64("height", height))
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if len(rows) == 0 {
		writeError(w, http.StatusNotFound, errBlockNotFound)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

// healthz reports liveness plus the current chain tip.
func (h *handlers) healthz(w http.ResponseWriter, r *http.Request) {
	tip, ok, err := h.index.ChainTip()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	resp := struct {
		Status   string          `json:"status"`
		ChainTip *model.ChainTip `json:"chain_tip,omitempty"`
	}{Status: "ok"}
	if ok {
		resp.ChainTip = &tip
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, struct {
		Error string `json:"error"`
	}{Error: err.Error()})
}

package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/quietledger/gabriel/internal/model"
)

// stream serves GET /api/blocks/stream: a Server-Sent Events feed of newly
// committed AggregateRows, filtered to P2PK unless address_type says
// otherwise. One subscriber goroutine per connected client drains its
// Subscriber Bus handle into the response writer until the client
// disconnects or the handle reports a dropped-for-slowness error.
func (h *handlers) stream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errStreamingUnsupported)
		return
	}

	kindParam := r.URL.Query().Get("address_type")
	if kindParam == "" {
		kindParam = defaultAddressType
	}
	kind, err := model.ParseScriptKind(kindParam)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	handle := h.bus.Subscribe()
	defer handle.Unsubscribe()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-handle.Errors:
			if ok {
				h.logger.Warn("sse subscriber dropped", zap.Error(err))
				fmt.Fprintf(w, "event: error\ndata: %s\n\n", err.Error())
				flusher.Flush()
			}
			return
		case row, ok := <-handle.Rows:
			if !ok {
				return
			}
			if row.ScriptKind != kind {
				continue
			}
			payload, err := json.Marshal(row)
			if err != nil {
				h.logger.Error("marshal sse row failed", zap.Error(err))
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
	}
}

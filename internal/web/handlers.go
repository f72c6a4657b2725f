package web

import (
	"encoding/json"
	"net/http"
	"strconv"

	"go.uber.org/zap"
)

const defaultTradeLimit = 50

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"state":            s.engine.State().String(),
		"position":         s.store.Position(),
		"stake_percentage": s.store.StakePercentage(),
		"account_balance":  s.store.AccountBalance(),
		"risk":             s.store.Risk(),
	}
	s.writeJSON(w, status)
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	limit := defaultTradeLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	trades, err := s.tradeRepo.ListTrades(r.Context(), limit)
	if err != nil {
		s.logger.Error("Failed to list trades", zap.Error(err))
		http.Error(w, "Failed to list trades", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, trades)
}

func (s *Server) handleLevels(w http.ResponseWriter, r *http.Request) {
	levels := s.store.Levels()
	if levels == nil {
		http.Error(w, "no level snapshot yet", http.StatusNotFound)
		return
	}
	s.writeJSON(w, levels)
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

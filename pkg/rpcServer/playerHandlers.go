package rpcServer

import (
	"errors"
	"net/http"

	"github.com/Layr-Labs/xp-ledger/pkg/ledger"
	"github.com/Layr-Labs/xp-ledger/pkg/storage"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type playerResponse struct {
	WalletAddress          string          `json:"walletAddress"`
	TotalXp                int64           `json:"totalXp"`
	Level                  int             `json:"level"`
	TotalActions           int64           `json:"totalActions"`
	TotalVolumeUsd         decimal.Decimal `json:"totalVolumeUsd"`
	AwardedRecurringBlocks int64           `json:"awardedRecurringBlocks"`
	AwardedTierKeys        []string        `json:"awardedTierKeys"`
}

// GetPlayer handles GET /players/{wallet}.
func (rpc *RpcServer) GetPlayer(w http.ResponseWriter, r *http.Request) {
	wallet := chi.URLParam(r, "wallet")
	player, ledgerRow, err := rpc.orchestrator.Ledger().GetPlayer(r.Context(), wallet)
	if err != nil {
		rpc.writeReadError(w, err)
		return
	}
	if player == nil && ledgerRow == nil {
		writeError(w, http.StatusNotFound, "player not found")
		return
	}

	res := &playerResponse{
		Level:           1,
		TotalVolumeUsd:  decimal.Zero,
		AwardedTierKeys: []string{},
	}
	if player != nil {
		res.WalletAddress = player.WalletAddress
		res.TotalXp = player.TotalXp
		res.Level = player.Level
		res.TotalActions = player.TotalActions
	}
	if ledgerRow != nil {
		res.WalletAddress = ledgerRow.WalletAddress
		res.TotalVolumeUsd = ledgerRow.TotalVolumeUsd
		res.AwardedRecurringBlocks = ledgerRow.AwardedRecurringBlocks
		res.AwardedTierKeys = append(res.AwardedTierKeys, ledgerRow.AwardedTierKeys...)
	}
	writeJSON(w, http.StatusOK, res)
}

// ListAwards handles GET /players/{wallet}/awards?limit=n, newest first.
func (rpc *RpcServer) ListAwards(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	awards, err := rpc.orchestrator.Ledger().ListAwards(r.Context(), chi.URLParam(r, "wallet"), limit)
	if err != nil {
		rpc.writeReadError(w, err)
		return
	}
	if awards == nil {
		awards = []*storage.AwardRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"awards": awards,
	})
}

func (rpc *RpcServer) writeReadError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrInvalidWallet):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, storage.ErrStoreUnavailable):
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
	default:
		rpc.Logger.Sugar().Errorw("Ledger read failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

package rpcServer

import (
	"errors"
	"net/http"

	"github.com/Layr-Labs/xp-ledger/pkg/awardOrchestrator"
	"github.com/Layr-Labs/xp-ledger/pkg/storage"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const duplicateSwapMessage = "Swap already recorded"

type awardSwapRequest struct {
	WalletAddress string          `json:"wallet_address"`
	SwapAmountUsd decimal.Decimal `json:"swap_amount_usd"`
	TxHash        string          `json:"tx_hash"`
	Source        string          `json:"source"`
	Network       string          `json:"network"`
}

type awardSwapResponse struct {
	Success          bool     `json:"success"`
	XpFromPer100     int64    `json:"xpFromPer100"`
	XpFromMilestones int64    `json:"xpFromMilestones"`
	TotalXp          int64    `json:"totalXp"`
	Multiplier       int64    `json:"multiplier"`
	Milestones       []string `json:"milestones,omitempty"`
	Credited         bool     `json:"credited"`
	Degraded         bool     `json:"degraded,omitempty"`
	RequestId        string   `json:"requestId"`
}

type awardRequest struct {
	WalletAddress       string `json:"wallet_address"`
	Xp                  int64  `json:"xp"`
	GameType            string `json:"game_type"`
	TxHash              string `json:"tx_hash"`
	Source              string `json:"source"`
	RequireVerification bool   `json:"require_verification"`
	Network             string `json:"network"`
}

type awardResponse struct {
	Success    bool   `json:"success"`
	Credited   bool   `json:"credited"`
	FinalXp    int64  `json:"finalXp"`
	TotalXp    int64  `json:"totalXp"`
	Multiplier int64  `json:"multiplier"`
	Degraded   bool   `json:"degraded,omitempty"`
	RequestId  string `json:"requestId"`
}

// swapSources are the clients allowed to report swaps.
var swapSources = map[storage.Source]bool{
	storage.Source_Web:       true,
	storage.Source_Farcaster: true,
	storage.Source_BaseApp:   true,
}

func parseSource(raw string, allowed map[storage.Source]bool) (storage.Source, error) {
	if raw == "" {
		return storage.Source_Web, nil
	}
	source, err := storage.ParseSource(raw)
	if err != nil {
		return "", err
	}
	if allowed != nil && !allowed[source] {
		return "", errors.New("source not allowed for this endpoint")
	}
	return source, nil
}

// writeOrchestratorError maps orchestrator failures onto status codes. Input and verification
// failures are the caller's to fix; everything else is ours.
func (rpc *RpcServer) writeOrchestratorError(w http.ResponseWriter, err error) {
	var inputErr *awardOrchestrator.InvalidInputError
	var verificationErr *awardOrchestrator.ChainVerificationError
	switch {
	case errors.As(err, &inputErr):
		writeError(w, http.StatusBadRequest, inputErr.Err.Error())
	case errors.As(err, &verificationErr):
		writeError(w, http.StatusBadRequest, verificationErr.Reason)
	default:
		rpc.Logger.Sugar().Errorw("Award request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// AwardSwap handles POST /award-swap.
func (rpc *RpcServer) AwardSwap(w http.ResponseWriter, r *http.Request) {
	var body awardSwapRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	source, err := parseSource(body.Source, swapSources)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := rpc.orchestrator.AwardSwap(r.Context(), &awardOrchestrator.SwapAwardRequest{
		WalletAddress: body.WalletAddress,
		TxHash:        body.TxHash,
		AmountUsd:     body.SwapAmountUsd,
		Source:        source,
		Network:       awardOrchestrator.Network(body.Network),
	})
	if err != nil {
		rpc.writeOrchestratorError(w, err)
		return
	}
	if res.Duplicate {
		writeError(w, http.StatusOK, duplicateSwapMessage)
		return
	}
	writeJSON(w, http.StatusOK, &awardSwapResponse{
		Success:          true,
		XpFromPer100:     res.XpFromPer100,
		XpFromMilestones: res.XpFromMilestones,
		TotalXp:          res.NewTotalXp,
		Multiplier:       res.Multiplier,
		Milestones:       res.Milestones,
		Credited:         res.Credited,
		Degraded:         res.Degraded,
		RequestId:        res.RequestId,
	})
}

// Award handles POST /award.
func (rpc *RpcServer) Award(w http.ResponseWriter, r *http.Request) {
	var body awardRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	source, err := parseSource(body.Source, nil)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	gameType, err := storage.ParseGameType(body.GameType)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := rpc.orchestrator.Award(r.Context(), &awardOrchestrator.AwardRequest{
		WalletAddress:       body.WalletAddress,
		TxHash:              body.TxHash,
		GameType:            gameType,
		BaseXp:              body.Xp,
		Source:              source,
		Network:             awardOrchestrator.Network(body.Network),
		RequireVerification: body.RequireVerification,
	})
	if err != nil {
		rpc.writeOrchestratorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, &awardResponse{
		Success:    true,
		Credited:   res.Credited,
		FinalXp:    res.FinalXp,
		TotalXp:    res.NewTotalXp,
		Multiplier: res.Multiplier,
		Degraded:   res.Degraded,
		RequestId:  res.RequestId,
	})
}

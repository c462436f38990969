package awardOrchestrator

import (
	"errors"
	"fmt"
	"time"

	"github.com/Layr-Labs/xp-ledger/pkg/receiptVerifier"
	"github.com/Layr-Labs/xp-ledger/pkg/storage"
	"github.com/shopspring/decimal"
)

type State string

const (
	State_Received    State = "received"
	State_Verifying   State = "verifying"
	State_Verified    State = "verified"
	State_Rejected    State = "rejected"
	State_Calculating State = "calculating"
	State_Recording   State = "recording"
	State_Completed   State = "completed"
	State_Failed      State = "failed"
)

// IsTerminal reports whether no further transition can follow s.
func (s State) IsTerminal() bool {
	return s == State_Rejected || s == State_Completed || s == State_Failed
}

type Transition struct {
	State  State     `json:"state"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason,omitempty"`
}

// Trace is the ordered list of states a request moved through.
type Trace struct {
	RequestId   string       `json:"request_id"`
	Transitions []Transition `json:"transitions"`
}

func newTrace(requestId string, now time.Time) *Trace {
	return &Trace{
		RequestId:   requestId,
		Transitions: []Transition{{State: State_Received, At: now}},
	}
}

func (t *Trace) to(state State, now time.Time, reason string) {
	t.Transitions = append(t.Transitions, Transition{State: state, At: now, Reason: reason})
}

func (t *Trace) Current() State {
	return t.Transitions[len(t.Transitions)-1].State
}

func (t *Trace) States() []State {
	states := make([]State, 0, len(t.Transitions))
	for _, tr := range t.Transitions {
		states = append(states, tr.State)
	}
	return states
}

type Network string

const (
	Network_Mainnet Network = "mainnet"
	Network_Testnet Network = "testnet"
)

// ParseNetwork accepts "", "mainnet" and "testnet". An empty network defers to the configured chain.
func ParseNetwork(s string) (Network, error) {
	switch Network(s) {
	case "", Network_Mainnet, Network_Testnet:
		return Network(s), nil
	}
	return "", fmt.Errorf("unsupported network %q", s)
}

var (
	ErrInvalidInput            = errors.New("invalid input")
	ErrChainVerificationFailed = errors.New("chain verification failed")
	ErrFallbackUnavailable     = errors.New("store unavailable and no fallback journal configured")
	errAlreadyCredited         = fmt.Errorf("award already credited: %w", storage.ErrDuplicate)
)

// InvalidInputError rejects a request before any verification or store work.
type InvalidInputError struct {
	Err error
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("invalid input: %v", e.Err)
}

func (e *InvalidInputError) Unwrap() error {
	return e.Err
}

func (e *InvalidInputError) Is(target error) bool {
	return target == ErrInvalidInput
}

// ChainVerificationError rejects a request whose transaction could not be confirmed on chain.
type ChainVerificationError struct {
	TxHash string
	Status receiptVerifier.Status
	Reason string
}

func (e *ChainVerificationError) Error() string {
	return fmt.Sprintf("chain verification failed for %s: %s", e.TxHash, e.Reason)
}

func (e *ChainVerificationError) Is(target error) bool {
	return target == ErrChainVerificationFailed
}

type SwapAwardRequest struct {
	WalletAddress    string
	TxHash           string
	AmountUsd        decimal.Decimal
	Source           storage.Source
	Network          Network
	NftCountOverride *uint64
}

type SwapAwardResult struct {
	RequestId        string
	XpFromPer100     int64
	XpFromMilestones int64
	NewTotalXp       int64
	Multiplier       int64
	RecurringBlocks  []int64
	Milestones       []string
	TotalVolumeUsd   decimal.Decimal
	Credited         bool
	// Duplicate is set when the swap hash was already recorded; nothing changed.
	Duplicate bool
	// Degraded is set when the store was unavailable and the swap was journaled for later replay.
	Degraded     bool
	Verification *receiptVerifier.VerificationResult
	Trace        *Trace
}

type AwardRequest struct {
	WalletAddress string
	TxHash        string
	GameType      storage.GameType
	BaseXp        int64
	Source        storage.Source
	Network       Network
	// RequireVerification forces an on-chain receipt check for the TxHash.
	RequireVerification bool
	NftCountOverride    *uint64
}

type AwardResult struct {
	RequestId    string
	NewTotalXp   int64
	FinalXp      int64
	Multiplier   int64
	Credited     bool
	Degraded     bool
	Verification *receiptVerifier.VerificationResult
	Trace        *Trace
}

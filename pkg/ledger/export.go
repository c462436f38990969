package ledger

import (
	"context"
	"io"
	"time"

	"github.com/gocarina/gocsv"
)

// AwardCsvRow is one exported award record.
type AwardCsvRow struct {
	Id            uint64 `csv:"id"`
	WalletAddress string `csv:"wallet_address"`
	TxHash        string `csv:"tx_hash"`
	GameType      string `csv:"game_type"`
	BaseXp        int64  `csv:"base_xp"`
	Multiplier    int64  `csv:"multiplier"`
	XpAmount      int64  `csv:"xp_amount"`
	Source        string `csv:"source"`
	CreatedAt     string `csv:"created_at"`
}

// ExportAwardsCsv writes the wallet's most recent awards to w as CSV with a header row and
// returns the number of rows written.
func (ls *LedgerService) ExportAwardsCsv(ctx context.Context, wallet string, limit int, w io.Writer) (int, error) {
	awards, err := ls.ListAwards(ctx, wallet, limit)
	if err != nil {
		return 0, err
	}

	rows := make([]*AwardCsvRow, 0, len(awards))
	for _, a := range awards {
		row := &AwardCsvRow{
			Id:            a.Id,
			WalletAddress: a.WalletAddress,
			GameType:      a.GameType.String(),
			BaseXp:        a.BaseXp,
			Multiplier:    a.Multiplier,
			XpAmount:      a.XpAmount,
			Source:        string(a.Source),
			CreatedAt:     a.CreatedAt.UTC().Format(time.RFC3339),
		}
		if a.TxHash != nil {
			row.TxHash = *a.TxHash
		}
		rows = append(rows, row)
	}

	if err := gocsv.Marshal(&rows, w); err != nil {
		return 0, err
	}
	return len(rows), nil
}

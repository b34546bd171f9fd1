package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dex_go/backtest"
	"dex_go/internal/infra"
)

func main() {
	defaultDB := filepath.Join(infra.GetWorkspaceDir(), "data", "events.db")
	dbPath := flag.String("db", defaultDB, "path to the event log")
	fromSeq := flag.Uint64("from", 1, "first sequence number to replay")
	flag.Parse()

	r, err := backtest.NewReplayer(*dbPath, slog.Default())
	if err != nil {
		slog.Error("open event log failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer r.Close()

	rep, err := r.Run(context.Background(), *fromSeq)
	if err != nil {
		slog.Error("replay failed", slog.Any("error", err))
		os.Exit(1)
	}

	fmt.Printf("events      %d (seq %d..%d, %d calls)\n", rep.Events, rep.FirstSeq, rep.LastSeq, rep.Calls)
	fmt.Printf("matches     %d (qty %d, fees %d)\n", rep.Matches, rep.MatchedQty, rep.FeesCharged)
	fmt.Printf("loans       %d opened, %d closed\n", rep.LoansOpened, rep.LoansRepaid)
	fmt.Printf("forced      %d liquidations, %d bankruptcies\n", rep.Liquidations, rep.Bankruptcies)
	fmt.Printf("flows       %d deposited, %d withdrawn\n", rep.Deposits, rep.Withdrawals)
	fmt.Printf("event gaps  mean %.1fus sd %.1fus max %dus\n", rep.GapMeanMicros, rep.GapSdMicros, rep.GapMaxMicros)
}

// Package reconcile rebuilds positions from the trade ledger and compares
// them against the stored rows.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"papertrader/internal/domain"
	"papertrader/pkg/db"
)

// Mismatch is one field whose stored value diverges from the replayed value.
type Mismatch struct {
	Symbol   string
	Field    string
	Stored   float64
	Replayed float64
}

// Report is the outcome of one reconciliation pass.
type Report struct {
	TradesReplayed int
	SymbolsChecked int
	Mismatches     []Mismatch
}

// OK reports whether the stored positions match the replay.
func (r Report) OK() bool { return len(r.Mismatches) == 0 }

// Reconciler replays trades chronologically.
type Reconciler struct {
	store *db.Store
	log   *slog.Logger
}

// New builds a reconciler.
func New(store *db.Store, log *slog.Logger) *Reconciler {
	if log == nil {
		log = slog.Default()
	}
	return &Reconciler{store: store, log: log.With("component", "reconcile")}
}

// replayState is the rebuilt position for one symbol.
type replayState struct {
	amount   float64
	entry    float64
	realized float64
}

// Run replays every trade in chronological order, applying buys as weighted
// entry updates and sells as realized pnl, then diffs against the stored
// positions within the balance tolerance.
func (r *Reconciler) Run(ctx context.Context) (Report, error) {
	trades, err := r.store.ListTradesChronological(ctx)
	if err != nil {
		return Report{}, err
	}

	orderCache := make(map[string]domain.Order)
	rebuilt := make(map[string]*replayState)
	for _, t := range trades {
		o, ok := orderCache[t.OrderID]
		if !ok {
			o, err = r.store.GetOrder(ctx, t.OrderID)
			if err != nil {
				return Report{}, fmt.Errorf("trade %d references order %s: %w", t.ID, t.OrderID, err)
			}
			orderCache[t.OrderID] = o
		}

		st := rebuilt[o.Symbol]
		if st == nil {
			st = &replayState{}
			rebuilt[o.Symbol] = st
		}
		switch o.Side {
		case domain.SideBuy:
			newAmount := st.amount + t.Amount
			st.entry = (st.entry*st.amount + t.Price*t.Amount) / newAmount
			st.amount = newAmount
		case domain.SideSell:
			st.realized += (t.Price - st.entry) * t.Amount
			st.amount -= t.Amount
			if st.amount < 0 {
				st.amount = 0
			}
		}
	}

	report := Report{TradesReplayed: len(trades)}

	stored, err := r.store.ListPositions(ctx)
	if err != nil {
		return Report{}, err
	}
	storedBySymbol := make(map[string]domain.Position, len(stored))
	for _, p := range stored {
		storedBySymbol[p.Symbol] = p
	}

	for symbol, st := range rebuilt {
		report.SymbolsChecked++
		p, ok := storedBySymbol[symbol]
		if !ok {
			p, err = r.store.GetPosition(ctx, symbol)
			if err != nil && !errors.Is(err, domain.ErrNotFound) {
				return Report{}, err
			}
		}
		delete(storedBySymbol, symbol)

		report.compare(symbol, "amount", p.Amount, st.amount)
		report.compare(symbol, "realized_pnl", p.RealizedPnL, st.realized)
		if st.amount > domain.Epsilon {
			report.compare(symbol, "entry_price", p.EntryPrice, st.entry)
		}
	}

	// Stored positions no trade ever touched must be flat.
	for symbol, p := range storedBySymbol {
		report.SymbolsChecked++
		report.compare(symbol, "amount", p.Amount, 0)
		report.compare(symbol, "realized_pnl", p.RealizedPnL, 0)
	}

	if report.OK() {
		r.log.Info("reconciliation clean", "trades", report.TradesReplayed, "symbols", report.SymbolsChecked)
	} else {
		for _, m := range report.Mismatches {
			r.log.Warn("reconciliation mismatch", "symbol", m.Symbol, "field", m.Field,
				"stored", m.Stored, "replayed", m.Replayed)
		}
	}
	return report, nil
}

func (r *Report) compare(symbol, field string, stored, replayed float64) {
	if math.Abs(stored-replayed) > domain.Epsilon {
		r.Mismatches = append(r.Mismatches, Mismatch{
			Symbol: symbol, Field: field, Stored: stored, Replayed: replayed,
		})
	}
}

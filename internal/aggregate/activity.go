package aggregate

import (
	"sort"

	"github.com/shopspring/decimal"

	"ledger-signals/internal/ledger"
)

// Alert levels of an activity summary.
const (
	LevelInfo     = "info"
	LevelWarning  = "warning"
	LevelCritical = "critical"
)

// Thresholds escalate an activity summary.
type Thresholds struct {
	Volume  decimal.Decimal
	Senders int
}

// DefaultThresholds: volume above 1,000,000 is critical, more than 50
// unique senders is a warning.
var DefaultThresholds = Thresholds{Volume: decimal.NewFromInt(1_000_000), Senders: 50}

// Activity summarises the transfers of a batch of sub-events.
type Activity struct {
	Transfers       int             `json:"transfers"`
	TotalVolume     decimal.Decimal `json:"total_volume"`
	UniqueSenders   int             `json:"unique_senders"`
	UniqueReceivers int             `json:"unique_receivers"`
	Level           string          `json:"level"`
	Message         string          `json:"message"`
}

// IsTransfer reports whether ev moves value between two parties.
func IsTransfer(ev ledger.SubEvent) bool {
	return ev.Kind == ledger.KindTransfer || ev.Kind == ledger.KindNativeTransfer
}

// Summarize tallies transfer sub-events and grades them against th. Zero
// fields of th fall back to DefaultThresholds.
func Summarize(events []ledger.SubEvent, th Thresholds) Activity {
	if th.Volume.IsZero() {
		th.Volume = DefaultThresholds.Volume
	}
	if th.Senders <= 0 {
		th.Senders = DefaultThresholds.Senders
	}

	senders := map[string]struct{}{}
	receivers := map[string]struct{}{}
	act := Activity{TotalVolume: decimal.Zero}
	for _, ev := range events {
		if !IsTransfer(ev) {
			continue
		}
		act.Transfers++
		act.TotalVolume = act.TotalVolume.Add(ev.Amount)
		senders[ev.Source] = struct{}{}
		receivers[ev.Destination] = struct{}{}
	}
	act.UniqueSenders = len(senders)
	act.UniqueReceivers = len(receivers)

	switch {
	case act.TotalVolume.GreaterThan(th.Volume):
		act.Level, act.Message = LevelCritical, "High transfer volume detected"
	case act.UniqueSenders > th.Senders:
		act.Level, act.Message = LevelWarning, "Many unique senders in recent transfers"
	default:
		act.Level, act.Message = LevelInfo, "Transfer activity within normal range"
	}
	return act
}

// Edge is the tally of transfers from one party to another.
type Edge struct {
	From   string          `json:"from"`
	To     string          `json:"to"`
	Count  int             `json:"count"`
	Volume decimal.Decimal `json:"volume"`
}

// TransferGraph groups transfers by (from, to), heaviest volume first.
func TransferGraph(events []ledger.SubEvent) []Edge {
	type key struct{ from, to string }
	idx := map[key]int{}
	var edges []Edge
	for _, ev := range events {
		if !IsTransfer(ev) {
			continue
		}
		k := key{ev.Source, ev.Destination}
		i, ok := idx[k]
		if !ok {
			i = len(edges)
			idx[k] = i
			edges = append(edges, Edge{From: ev.Source, To: ev.Destination, Volume: decimal.Zero})
		}
		edges[i].Count++
		edges[i].Volume = edges[i].Volume.Add(ev.Amount)
	}
	sort.SliceStable(edges, func(i, j int) bool {
		return edges[i].Volume.GreaterThan(edges[j].Volume)
	})
	return edges
}

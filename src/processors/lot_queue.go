package processors

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/username/cryptotax/src/models"
)

// LotSlice is the part of a lot consumed by one disposal.
type LotSlice struct {
	Lot      models.Lot
	Quantity decimal.Decimal
}

// LotQueue holds one asset's open lots, oldest first. The backing slice is
// reused: consumed lots are skipped via head and reclaimed on compaction.
type LotQueue struct {
	lots []models.Lot
	head int
}

func (q *LotQueue) Push(l models.Lot) {
	q.lots = append(q.lots, l)
}

// Consume removes up to qty from the front of the queue and returns the slices
// taken plus any quantity that could not be matched.
func (q *LotQueue) Consume(qty decimal.Decimal) ([]LotSlice, decimal.Decimal) {
	var taken []LotSlice
	remaining := qty
	for remaining.IsPositive() && q.head < len(q.lots) {
		front := &q.lots[q.head]
		matched := decimal.Min(remaining, front.Quantity)

		taken = append(taken, LotSlice{Lot: *front, Quantity: matched})
		remaining = remaining.Sub(matched)
		front.Quantity = front.Quantity.Sub(matched)

		if !front.Quantity.IsPositive() {
			q.lots[q.head] = models.Lot{}
			q.head++
		}
	}
	q.compact()
	return taken, remaining
}

func (q *LotQueue) compact() {
	if q.head == len(q.lots) {
		q.lots = q.lots[:0]
		q.head = 0
		return
	}
	if q.head > 0 && q.head*2 >= len(q.lots) {
		n := copy(q.lots, q.lots[q.head:])
		clear(q.lots[n:])
		q.lots = q.lots[:n]
		q.head = 0
	}
}

// Lots returns a copy of the open lots, oldest first.
func (q *LotQueue) Lots() []models.Lot {
	out := make([]models.Lot, len(q.lots)-q.head)
	copy(out, q.lots[q.head:])
	return out
}

func (q *LotQueue) Len() int { return len(q.lots) - q.head }

// Quantity is the total open quantity.
func (q *LotQueue) Quantity() decimal.Decimal {
	total := decimal.Zero
	for _, l := range q.lots[q.head:] {
		total = total.Add(l.Quantity)
	}
	return total
}

// Cost is the total acquisition cost of the open lots.
func (q *LotQueue) Cost() decimal.Decimal {
	total := decimal.Zero
	for _, l := range q.lots[q.head:] {
		total = total.Add(l.Quantity.Mul(l.UnitCost))
	}
	return total
}

// holdingDays counts calendar days between the UTC acquisition and disposal dates.
func holdingDays(acquired, disposed time.Time) int {
	a, b := utcDate(acquired), utcDate(disposed)
	if b.Before(a) {
		return 0
	}
	return int(b.Sub(a).Hours() / 24)
}

func utcDate(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

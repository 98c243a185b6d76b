package ledger

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// dialect captures the differences between the SQL backends that matter when
// building transaction queries.
type dialect struct {
	placeholder  func(n int) string
	amountColumn string
	amountArg    func(decimal.Decimal) any
	timeArg      func(time.Time) any
}

var postgresDialect = dialect{
	placeholder:  func(n int) string { return fmt.Sprintf("$%d", n) },
	amountColumn: "amount",
	amountArg:    func(d decimal.Decimal) any { return d.String() },
	timeArg:      func(t time.Time) any { return t },
}

var sqliteDialect = dialect{
	placeholder:  func(int) string { return "?" },
	amountColumn: "amount_units",
	amountArg:    func(d decimal.Decimal) any { return toUnits(d) },
	timeArg:      func(t time.Time) any { return t.UnixMicro() },
}

// unitScale is the fixed-point scale used by integer-backed stores.
const unitScale = 4

func toUnits(d decimal.Decimal) int64 {
	return d.Shift(unitScale).IntPart()
}

func fromUnits(u int64) decimal.Decimal {
	return decimal.New(u, -unitScale)
}

// transactionQuery accumulates a WHERE clause and its arguments.
type transactionQuery struct {
	d     dialect
	where []string
	args  []any
}

func (q *transactionQuery) add(cond string, args ...any) {
	for _, a := range args {
		q.args = append(q.args, a)
		cond = strings.Replace(cond, "%s", q.d.placeholder(len(q.args)), 1)
	}
	q.where = append(q.where, cond)
}

func buildTransactionQuery(d dialect, subjectID string, f TransactionFilter) *transactionQuery {
	q := &transactionQuery{d: d}
	q.add("(subject_id = %s OR counterparty_subject_id = %s)", subjectID, subjectID)

	if f.AccountID != "" {
		q.add("(from_account_id = %s OR to_account_id = %s)", f.AccountID, f.AccountID)
	}
	if f.Type != "" {
		q.add("txn_type = %s", string(f.Type))
	}
	if f.Status != "" {
		q.add("status = %s", string(f.Status))
	}
	if f.From != nil {
		q.add("created_at >= %s", d.timeArg(*f.From))
	}
	if f.To != nil {
		q.add("created_at <= %s", d.timeArg(*f.To))
	}
	if f.MinAmount != nil {
		q.add(d.amountColumn+" >= "+castAmount(d, "%s"), d.amountArg(*f.MinAmount))
	}
	if f.MaxAmount != nil {
		q.add(d.amountColumn+" <= "+castAmount(d, "%s"), d.amountArg(*f.MaxAmount))
	}
	return q
}

func castAmount(d dialect, ph string) string {
	if d.amountColumn == "amount" {
		return ph + "::numeric"
	}
	return ph
}

func (q *transactionQuery) whereClause() string {
	return " WHERE " + strings.Join(q.where, " AND ")
}

func (q *transactionQuery) orderClause(f TransactionFilter) string {
	col := "created_at"
	if f.SortBy == SortByAmount {
		col = q.d.amountColumn
	}
	dir := "DESC"
	if f.SortOrder == "asc" {
		dir = "ASC"
	}
	return fmt.Sprintf(" ORDER BY %s %s, id %s", col, dir, dir)
}

func (q *transactionQuery) pageClause(f TransactionFilter) string {
	if f.Limit <= 0 {
		return ""
	}
	q.args = append(q.args, f.Limit)
	limit := q.d.placeholder(len(q.args))
	q.args = append(q.args, f.Offset())
	offset := q.d.placeholder(len(q.args))
	return " LIMIT " + limit + " OFFSET " + offset
}

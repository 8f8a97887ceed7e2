package store

import (
	"fmt"
	"strings"
)

// Dialect selects the SQL flavour a query is rendered for.
type Dialect int

// Supported dialects.
const (
	DialectPostgres Dialect = iota
	DialectSQLite
)

const (
	defaultLimit = 50
	maxLimit     = 500

	// ExportLimit caps listing exports, which bypass maxLimit.
	ExportLimit = 10000

	OrderByLastSeen  = "last_seen_desc"
	OrderByPriceAsc  = "price_asc"
	OrderByPriceDesc = "price_desc"
	OrderByYearDesc  = "year_desc"
	OrderByYearAsc   = "year_asc"
)

// jsonText renders the text value at path inside the listing attributes.
func (d Dialect) jsonText(path ...string) string {
	if d == DialectSQLite {
		return fmt.Sprintf("json_extract(l.attributes, '$.%s')", strings.Join(path, "."))
	}
	expr := "l.attributes"
	for i, p := range path {
		if i == len(path)-1 {
			expr += "->>'" + p + "'"
		} else {
			expr += "->'" + p + "'"
		}
	}
	return expr
}

// numeric casts a text expression for numeric comparison.
func (d Dialect) numeric(expr string) string {
	if d == DialectSQLite {
		return "CAST(" + expr + " AS REAL)"
	}
	return "(" + expr + ")::numeric"
}

func (d Dialect) like() string {
	if d == DialectSQLite {
		return "LIKE"
	}
	return "ILIKE"
}

func (d Dialect) orderBy(key string) (string, bool) {
	price := d.numeric("p.amount")
	year := d.numeric(d.jsonText("vehicle", "year"))
	switch key {
	case OrderByLastSeen:
		return "l.last_seen_run DESC, l.last_updated_at DESC, l.item_id", true
	case OrderByPriceAsc:
		return price + " ASC NULLS LAST, l.item_id", true
	case OrderByPriceDesc:
		return price + " DESC NULLS LAST, l.item_id", true
	case OrderByYearDesc:
		return year + " DESC NULLS LAST, l.item_id", true
	case OrderByYearAsc:
		return year + " ASC NULLS LAST, l.item_id", true
	default:
		return "", false
	}
}

// ValidOrderBy reports whether key names a supported sort.
func ValidOrderBy(key string) bool {
	_, ok := DialectPostgres.orderBy(key)
	return ok
}

// ToSQL builds the WHERE clause, ORDER BY, LIMIT, and OFFSET for a listing query.
// It returns two SQL strings (one for the data query, one for the count query)
// and the positional parameters.
func (q *ListingQuery) ToSQL(d Dialect) (dataSQL, countSQL string, args []any) {
	return q.toSQL(d, maxLimit)
}

// ToExportSQL is ToSQL with the export row cap instead of the page cap.
func (q *ListingQuery) ToExportSQL(d Dialect) (dataSQL string, args []any) {
	dataSQL, _, args = q.toSQL(d, ExportLimit)
	return dataSQL, args
}

func (q *ListingQuery) toSQL(d Dialect, capLimit int) (dataSQL, countSQL string, args []any) {
	var conditions []string
	paramIdx := 1

	add := func(cond string, arg any) {
		conditions = append(conditions, strings.ReplaceAll(cond, "$?", fmt.Sprintf("$%d", paramIdx)))
		args = append(args, arg)
		paramIdx++
	}

	if q.Search != nil && strings.TrimSpace(*q.Search) != "" {
		op := d.like()
		add(fmt.Sprintf("(%s %s $? OR %s %s $?)",
			d.jsonText("title"), op, d.jsonText("description"), op,
		), "%"+strings.TrimSpace(*q.Search)+"%")
	}

	if q.CategoryHint != nil {
		add(d.jsonText("category_hint")+" = $?", *q.CategoryHint)
	}

	if q.MinPrice != nil {
		add(d.numeric("p.amount")+" >= $?", *q.MinPrice)
	}

	if q.MaxPrice != nil {
		add(d.numeric("p.amount")+" <= $?", *q.MaxPrice)
	}

	if q.Year != nil {
		add(d.numeric(d.jsonText("vehicle", "year"))+" = $?", *q.Year)
	}

	bbox := []struct {
		v    *float64
		path string
		op   string
	}{
		{q.MinLat, "latitude", ">="},
		{q.MaxLat, "latitude", "<="},
		{q.MinLon, "longitude", ">="},
		{q.MaxLon, "longitude", "<="},
	}
	for _, b := range bbox {
		if b.v != nil {
			add(d.numeric(d.jsonText(b.path))+" "+b.op+" $?", *b.v)
		}
	}

	var whereClause string
	if len(conditions) > 0 {
		whereClause = " WHERE " + strings.Join(conditions, " AND ")
	}

	// Order by
	orderClause, _ := d.orderBy(OrderByLastSeen)
	if q.OrderBy != "" {
		if col, ok := d.orderBy(q.OrderBy); ok {
			orderClause = col
		}
	}

	// Limit
	limit := q.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > capLimit {
		limit = capLimit
	}

	offset := max(q.Offset, 0)

	dataSQL = fmt.Sprintf(
		"%s%s ORDER BY %s LIMIT %d OFFSET %d",
		baseListingsSelect, whereClause, orderClause, limit, offset,
	)

	countSQL = countListingsSelect + whereClause

	return dataSQL, countSQL, args
}

// statsPriceSQL aggregates current prices per currency.
func statsPriceSQL(d Dialect) string {
	amount := "amount::float8"
	if d == DialectSQLite {
		amount = "CAST(amount AS REAL)"
	}
	return fmt.Sprintf(`SELECT currency, COUNT(*), MIN(%[1]s), MAX(%[1]s), AVG(%[1]s)
FROM current_prices
GROUP BY currency
ORDER BY currency`, amount)
}

// statsTopSQL counts listings by one attribute, most frequent first.
func statsTopSQL(d Dialect, path ...string) string {
	expr := d.jsonText(path...)
	if d == DialectSQLite {
		expr = "CAST(" + expr + " AS TEXT)"
	}
	return fmt.Sprintf(`SELECT %[1]s AS k, COUNT(*) AS n
FROM listings l
WHERE %[1]s IS NOT NULL AND %[1]s <> ''
GROUP BY k
ORDER BY n DESC, k
LIMIT %[2]d`, expr, statsTopN)
}

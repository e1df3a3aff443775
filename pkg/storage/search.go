package storage

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rubiojr/chainstream/pkg/core"
)

const (
	DefaultSearchLimit = 30
	MaxSearchLimit     = 1000
)

// SearchParams selects archived items. Every field is optional.
type SearchParams struct {
	// Query is an FTS5 match expression over the searchable text.
	Query         string
	Subscriptions []string
	Kinds         []core.Kind
	// Since and Until bound the observation time, inclusive.
	Since *time.Time
	Until *time.Time
	// Page is 1-based.
	Page  int
	Limit int
}

// SearchResults is one page of matches, newest first.
type SearchResults struct {
	Items   []core.StreamItem `json:"items"`
	Count   int               `json:"count"`
	HasMore bool              `json:"has_more"`
	Page    int               `json:"page"`
	Limit   int               `json:"limit"`
	Query   string            `json:"query,omitempty"`
}

func (p *SearchParams) normalize() {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.Limit < 1 {
		p.Limit = DefaultSearchLimit
	}
	if p.Limit > MaxSearchLimit {
		p.Limit = MaxSearchLimit
	}
}

// Search runs params against the archive.
func (s *Store) Search(params SearchParams) (*SearchResults, error) {
	params.normalize()

	var (
		conds []string
		args  []any
		from  = "items i"
	)
	if q := strings.TrimSpace(params.Query); q != "" {
		from = "items i JOIN items_fts fts ON i.rowid = fts.rowid"
		conds = append(conds, "items_fts MATCH ?")
		args = append(args, escapeFTS5Query(q))
	}
	if len(params.Subscriptions) > 0 {
		conds = append(conds, "i.subscription_id IN ("+placeholders(len(params.Subscriptions))+")")
		for _, id := range params.Subscriptions {
			args = append(args, id)
		}
	}
	if len(params.Kinds) > 0 {
		conds = append(conds, "i.kind IN ("+placeholders(len(params.Kinds))+")")
		for _, k := range params.Kinds {
			args = append(args, k.String())
		}
	}
	if params.Since != nil {
		conds = append(conds, "i.observed_at >= ?")
		args = append(args, params.Since.UTC())
	}
	if params.Until != nil {
		conds = append(conds, "i.observed_at <= ?")
		args = append(args, params.Until.UTC())
	}

	query := "SELECT " + itemColumns + " FROM " + from
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	// One extra row tells whether another page exists.
	query += " ORDER BY i.observed_at DESC, i.rowid DESC LIMIT ? OFFSET ?"
	args = append(args, params.Limit+1, (params.Page-1)*params.Limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying items: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			s.l.Warnf("failed to close rows: %v", err)
		}
	}()

	results := &SearchResults{
		Items: []core.StreamItem{},
		Page:  params.Page,
		Limit: params.Limit,
		Query: params.Query,
	}
	for rows.Next() {
		item, err := s.scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		results.Items = append(results.Items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(results.Items) > params.Limit {
		results.Items = results.Items[:params.Limit]
		results.HasMore = true
	}
	results.Count = len(results.Items)
	return results, nil
}

// ParseSearchParams reads search parameters from query values: q, page,
// limit, subscription (repeatable), kind (repeatable), since and until
// (RFC 3339 or YYYY-MM-DD; a bare until date covers the whole day).
func ParseSearchParams(v url.Values) (SearchParams, error) {
	params := SearchParams{
		Query:         v.Get("q"),
		Subscriptions: nonEmpty(v["subscription"]),
	}

	for _, k := range nonEmpty(v["kind"]) {
		kind, err := core.ParseKind(k)
		if err != nil {
			return params, err
		}
		params.Kinds = append(params.Kinds, kind)
	}

	if s := v.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			return params, fmt.Errorf("invalid limit %q", s)
		}
		params.Limit = n
	}
	if s := v.Get("page"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			return params, fmt.Errorf("invalid page %q", s)
		}
		params.Page = n
	}

	if s := v.Get("since"); s != "" {
		t, _, err := parseTime(s)
		if err != nil {
			return params, fmt.Errorf("invalid since: %w", err)
		}
		params.Since = &t
	}
	if s := v.Get("until"); s != "" {
		t, dateOnly, err := parseTime(s)
		if err != nil {
			return params, fmt.Errorf("invalid until: %w", err)
		}
		if dateOnly {
			t = t.Add(24*time.Hour - time.Nanosecond)
		}
		params.Until = &t
	}

	params.normalize()
	return params, nil
}

func parseTime(s string) (time.Time, bool, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, false, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	return t, true, err
}

func nonEmpty(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// escapeFTS5Query quotes terms FTS5 would reject as barewords (ids with
// dashes, dotted numbers). Other terms pass through so FTS5 syntax such as
// column filters (event:Transfer), prefixes and boolean operators keeps
// working; the query is bound as a parameter.
func escapeFTS5Query(query string) string {
	fields := strings.Fields(query)
	for i, f := range fields {
		if strings.ContainsAny(f, "-./") && !strings.ContainsAny(f, `"*^()`) {
			fields[i] = `"` + f + `"`
		}
	}
	return strings.Join(fields, " ")
}

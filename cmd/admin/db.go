package main

import (
	"database/sql"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "modernc.org/sqlite"
)

func dbCmd(args []string) {
	fs := flag.NewFlagSet("db", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	dbPath := fs.String("db", "", "sqlite db path (optional)")
	observer := fs.String("observer", "", "observer filter (optional)")
	limit := fs.Int("limit", 20, "result limit")
	_ = fs.Parse(args)

	q := "observers"
	if fs.NArg() > 0 {
		q = strings.TrimSpace(fs.Arg(0))
	}
	if *limit <= 0 {
		*limit = 20
	}

	path := strings.TrimSpace(*dbPath)
	if path == "" {
		path = filepath.Join(*dataDir, "index", "policies.sqlite")
	}
	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro")
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer db.Close()

	switch q {
	case "observers":
		err = queryObservers(db, *observer, *limit)
	case "decisions":
		err = queryDecisions(db, *observer, *limit)
	default:
		fmt.Fprintln(os.Stderr, "unknown query:", q, "(want observers|decisions)")
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "query:", err)
		os.Exit(1)
	}
}

func queryObservers(db *sql.DB, observer string, limit int) error {
	rows, err := db.Query(
		`SELECT observer, COALESCE(policy_json,''), culling_enabled, updated_at
		 FROM observer_settings WHERE (? = '' OR observer = ?)
		 ORDER BY updated_at DESC LIMIT ?`, observer, observer, limit)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id, policyJSON, updated string
			enabled                 sql.NullInt64
		)
		if err := rows.Scan(&id, &policyJSON, &enabled, &updated); err != nil {
			return err
		}
		toggle := "default"
		if enabled.Valid {
			toggle = strconv.FormatBool(enabled.Int64 != 0)
		}
		if policyJSON == "" {
			policyJSON = "-"
		}
		fmt.Printf("%s\tculling=%s\tupdated=%s\tpolicy=%s\n", id, toggle, updated, policyJSON)
	}
	return rows.Err()
}

func queryDecisions(db *sql.DB, observer string, limit int) error {
	rows, err := db.Query(
		`SELECT observer, COUNT(*), SUM(objects), SUM(groups_n), SUM(proxies), SUM(shown), SUM(async), MAX(at)
		 FROM decisions WHERE (? = '' OR observer = ?)
		 GROUP BY observer ORDER BY MAX(at) DESC LIMIT ?`, observer, observer, limit)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id, last                                    string
			batches, objects, groups, proxies, shown, n int64
		)
		if err := rows.Scan(&id, &batches, &objects, &groups, &proxies, &shown, &n, &last); err != nil {
			return err
		}
		fmt.Printf("%s\tbatches=%d\tobjects=%d\tgroups=%d\tproxies=%d\tshown=%d\tasync=%d\tlast=%s\n",
			id, batches, objects, groups, proxies, shown, n, last)
	}
	return rows.Err()
}

func parseInts(s string) ([3]int, error) {
	var out [3]int
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return out, fmt.Errorf("want x,y,z, got %q", s)
	}
	for i, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return out, err
		}
		out[i] = v
	}
	return out, nil
}

func parseFloats(s string) ([3]float64, error) {
	var out [3]float64
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return out, fmt.Errorf("want x,y,z, got %q", s)
	}
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return out, err
		}
		out[i] = v
	}
	return out, nil
}

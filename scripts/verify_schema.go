// Verifies that a database file carries the expected tables and the columns
// added by later migrations. Run against a copy before upgrading a live DB.
package main

import (
	"database/sql"
	"flag"
	"fmt"
	"log"
	"strings"

	_ "modernc.org/sqlite"
)

func main() {
	dbPath := flag.String("db", "./data/autotrader.db", "database file to verify")
	flag.Parse()
	fmt.Printf("Verifying database at: %s\n", *dbPath)

	db, err := sql.Open("sqlite", *dbPath)
	if err != nil {
		log.Fatalf("Failed to open DB: %v", err)
	}
	defer db.Close()

	tables := []string{"orders", "positions", "refill_progress", "job_runs", "daily_prices", "stock_info"}
	for _, table := range tables {
		rows, err := db.Query("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table)
		if err != nil {
			log.Fatalf("Query failed: %v", err)
		}
		if rows.Next() {
			fmt.Printf("✓ %s table exists\n", table)
		} else {
			fmt.Printf("❌ %s table MISSING\n", table)
		}
		rows.Close()
	}

	migrated := map[string]string{
		"orders":          "last_api_resp",
		"refill_progress": "last_error",
		"positions":       "entry_date",
	}
	for table, column := range migrated {
		var sqlSchema string
		err = db.QueryRow("SELECT sql FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&sqlSchema)
		if err != nil {
			log.Fatalf("Query failed: %v", err)
		}
		if strings.Contains(sqlSchema, column) {
			fmt.Printf("✓ %s.%s column exists\n", table, column)
		} else {
			fmt.Printf("❌ %s.%s column MISSING\n", table, column)
		}
	}
}

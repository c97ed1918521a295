// backfill-aggregates
//
// One-time script to rebuild daily_aggregates from chat_analysis over a date
// range. Useful after bulk force-reprocessing or after fixing aggregate bugs:
// aggregates are derived data and can always be recomputed from the detail
// rows.
//
// Usage:
//   DATABASE_URL=... go run ./scripts/backfill-aggregates -from 2026-01-01 -to 2026-01-31
//
// Flags:
//   -from       First date to recompute (YYYY-MM-DD, required)
//   -to         Last date to recompute (YYYY-MM-DD, default: -from)
//   -tz         Reporting timezone the dates are bucketed in
//   -dry-run    Print which dates would be recomputed without making changes

package main

import (
	"context"
	"flag"
	"log"
	"os"
	"time"

	"github.com/zsombor-n/open-webui/internal/db"
)

const dateLayout = "2006-01-02"

func main() {
	fromStr := flag.String("from", "", "First date to recompute (YYYY-MM-DD)")
	toStr := flag.String("to", "", "Last date to recompute (YYYY-MM-DD, default: -from)")
	tzStr := flag.String("tz", "Europe/Budapest", "Reporting timezone the dates are bucketed in")
	dryRun := flag.Bool("dry-run", false, "Print what would be recomputed without making changes")
	flag.Parse()

	// Dates must carry the reporting timezone so the recompute buckets
	// processed_at the same way scheduled runs do.
	tz, err := time.LoadLocation(*tzStr)
	if err != nil {
		log.Fatalf("Invalid -tz: %v", err)
	}

	if *fromStr == "" {
		log.Fatal("-from is required")
	}
	from, err := time.ParseInLocation(dateLayout, *fromStr, tz)
	if err != nil {
		log.Fatalf("Invalid -from date: %v", err)
	}

	to := from
	if *toStr != "" {
		to, err = time.ParseInLocation(dateLayout, *toStr, tz)
		if err != nil {
			log.Fatalf("Invalid -to date: %v", err)
		}
	}
	if to.Before(from) {
		log.Fatalf("-to (%s) is before -from (%s)", to.Format(dateLayout), from.Format(dateLayout))
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		log.Fatal("DATABASE_URL is required")
	}

	database, err := db.Connect(dbURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()
	log.Println("Connected to database")

	ctx := context.Background()

	// Only touch dates that actually have detail rows; recomputing an empty
	// date would just prune its aggregates, which -dry-run should surface.
	withData := make(map[string]bool)
	rows, err := database.Conn().QueryContext(ctx, `
		SELECT DISTINCT (processed_at AT TIME ZONE $3)::date
		FROM chat_analysis
		WHERE (processed_at AT TIME ZONE $3)::date BETWEEN $1::date AND $2::date
	`, from.Format(dateLayout), to.Format(dateLayout), tz.String())
	if err != nil {
		log.Fatalf("Failed to query analysis dates: %v", err)
	}
	for rows.Next() {
		var day time.Time
		if err := rows.Scan(&day); err != nil {
			log.Fatalf("Error scanning date: %v", err)
		}
		withData[day.Format(dateLayout)] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		log.Fatalf("Error reading analysis dates: %v", err)
	}

	totalRecomputed := 0
	totalEmpty := 0
	totalErrors := 0

	for day := from; !day.After(to); day = day.AddDate(0, 0, 1) {
		dayStr := day.Format(dateLayout)

		if !withData[dayStr] {
			totalEmpty++
			continue
		}

		if *dryRun {
			log.Printf("[DRY-RUN] Would recompute aggregates for %s", dayStr)
			totalRecomputed++
			continue
		}

		if err := database.RecomputeDailyAggregates(ctx, day); err != nil {
			log.Printf("Error recomputing %s: %v", dayStr, err)
			totalErrors++
			continue
		}
		totalRecomputed++
		log.Printf("Recomputed aggregates for %s", dayStr)
	}

	log.Println("========================================")
	log.Printf("Backfill complete:")
	if *dryRun {
		log.Printf("  Would recompute: %d", totalRecomputed)
	} else {
		log.Printf("  Recomputed: %d", totalRecomputed)
	}
	log.Printf("  Dates without analyses: %d", totalEmpty)
	log.Printf("  Errors: %d", totalErrors)
}

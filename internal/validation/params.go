// Package validation checks query parameters before they reach the
// analytics query layer.
package validation

import (
	"fmt"
	"time"
	"unicode/utf8"
)

// Validation limits for query parameters
const (
	MaxUserIDLength = 256
	MaxRangeDays    = 366 // longest selectable date range
	MaxTrendDays    = 365
	MaxPageSize     = 100
	MaxBreakdownTop = 100

	DateLayout = "2006-01-02"
)

// ParseDateRange parses optional start_date/end_date parameters. Missing
// values default to the trailing defaultDays window ending today.
func ParseDateRange(startStr, endStr string, defaultDays int, now time.Time) (time.Time, time.Time, error) {
	end := now
	if endStr != "" {
		parsed, err := time.Parse(DateLayout, endStr)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("end_date must be formatted as %s", DateLayout)
		}
		end = parsed
	}

	start := end.AddDate(0, 0, -defaultDays)
	if startStr != "" {
		parsed, err := time.Parse(DateLayout, startStr)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("start_date must be formatted as %s", DateLayout)
		}
		start = parsed
	}

	if start.After(end) {
		return time.Time{}, time.Time{}, fmt.Errorf("start_date must not be after end_date")
	}
	if end.Sub(start) > MaxRangeDays*24*time.Hour {
		return time.Time{}, time.Time{}, fmt.Errorf("date range must not exceed %d days", MaxRangeDays)
	}
	return start, end, nil
}

// ParseDays parses an optional positive integer day count with an upper bound.
func ParseDays(s string, def, max int) (int, error) {
	if s == "" {
		return def, nil
	}
	var days int
	if _, err := fmt.Sscanf(s, "%d", &days); err != nil {
		return 0, fmt.Errorf("days must be an integer")
	}
	if days < 1 || days > max {
		return 0, fmt.Errorf("days must be between 1 and %d", max)
	}
	return days, nil
}

// ParsePagination parses optional page/page_size parameters.
func ParsePagination(pageStr, sizeStr string) (int, int, error) {
	page := 1
	if pageStr != "" {
		if _, err := fmt.Sscanf(pageStr, "%d", &page); err != nil || page < 1 {
			return 0, 0, fmt.Errorf("page must be a positive integer")
		}
	}

	size := 20
	if sizeStr != "" {
		if _, err := fmt.Sscanf(sizeStr, "%d", &size); err != nil || size < 1 || size > MaxPageSize {
			return 0, 0, fmt.Errorf("page_size must be between 1 and %d", MaxPageSize)
		}
	}
	return page, size, nil
}

// ValidateUserID validates an optional user_id parameter.
func ValidateUserID(userID string) error {
	if userID == "" {
		return nil
	}
	if len(userID) > MaxUserIDLength {
		return fmt.Errorf("user_id must be at most %d characters", MaxUserIDLength)
	}
	if !utf8.ValidString(userID) {
		return fmt.Errorf("user_id must be valid UTF-8")
	}
	return nil
}

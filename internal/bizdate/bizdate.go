// Package bizdate maps instants to the shop's trading day.
package bizdate

import (
	"fmt"
	"time"
	_ "time/tzdata"
)

const Layout = "2006-01-02"

type Resolver interface {
	Date(at time.Time) string
}

// ZoneResolver buckets instants by calendar day in a fixed location. CutoffHour moves
// the day boundary, so a shop open past midnight can book 01:30 sales on the previous
// day.
type ZoneResolver struct {
	Location   *time.Location
	CutoffHour int
}

func NewZoneResolver(zone string, cutoffHour int) (*ZoneResolver, error) {
	if zone == "" {
		zone = "UTC"
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return nil, fmt.Errorf("load business timezone %q: %w", zone, err)
	}
	if cutoffHour < 0 || cutoffHour > 23 {
		return nil, fmt.Errorf("business day cutoff hour must be 0-23, got %d", cutoffHour)
	}
	return &ZoneResolver{Location: loc, CutoffHour: cutoffHour}, nil
}

func (r *ZoneResolver) Date(at time.Time) string {
	loc := r.Location
	if loc == nil {
		loc = time.UTC
	}
	local := at.In(loc)
	if r.CutoffHour > 0 {
		local = local.Add(-time.Duration(r.CutoffHour) * time.Hour)
	}
	return local.Format(Layout)
}

// Valid reports whether raw is a YYYY-MM-DD date.
func Valid(raw string) bool {
	_, err := time.Parse(Layout, raw)
	return err == nil
}

package schedule

import (
	"testing"
	"time"
)

func TestNextWeekdaySchedules(t *testing.T) {
	// Friday 2024-03-08 18:00 UTC.
	from := time.Date(2024, time.March, 8, 18, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		expr string
		want time.Time
	}{
		{
			name: "startup skips weekend",
			expr: "cron(0 5 ? * MON-FRI *)",
			want: time.Date(2024, time.March, 11, 5, 0, 0, 0, time.UTC),
		},
		{
			name: "shutdown skips weekend",
			expr: "cron(0 17 ? * MON-FRI *)",
			want: time.Date(2024, time.March, 11, 17, 0, 0, 0, time.UTC),
		},
		{
			name: "numeric day of week is sunday based",
			expr: "cron(30 6 ? * 2 *)",
			want: time.Date(2024, time.March, 11, 6, 30, 0, 0, time.UTC),
		},
		{
			name: "standard form",
			expr: "0 5 * * 1-5",
			want: time.Date(2024, time.March, 11, 5, 0, 0, 0, time.UTC),
		},
		{
			name: "rate",
			expr: "rate(2 hours)",
			want: time.Date(2024, time.March, 8, 20, 0, 0, 0, time.UTC),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Next(tt.expr, from)
			if err != nil {
				t.Fatalf("Next: %v", err)
			}
			if !got.Equal(tt.want) {
				t.Fatalf("Next=%s, want %s", got, tt.want)
			}
		})
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	for _, expr := range []string{
		"",
		"cron(0 5 * * MON-FRI *)",
		"cron(0 5 ? * MON-FRI 2030)",
		"cron(0 5 ? *)",
		"cron(0 5 ? * 9 *)",
		"rate(0 minutes)",
		"rate(5 weeks)",
		"every weekday",
	} {
		if _, err := Parse(expr); err == nil {
			t.Fatalf("expected error for %q", expr)
		}
	}
}

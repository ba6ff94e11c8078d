package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSchedule(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 30, 0, time.UTC)

	tests := []struct {
		expr    string
		next    time.Time
		wantErr bool
	}{
		{expr: "@every 1m", next: base.Add(time.Minute)},
		{expr: "*/5 * * * *", next: time.Date(2026, 3, 1, 10, 5, 0, 0, time.UTC)},
		{expr: "CRON_TZ=UTC @hourly", next: time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)},
		{expr: "  CRON_TZ=UTC 0 3 * * *  ", next: time.Date(2026, 3, 2, 3, 0, 0, 0, time.UTC)},
		{expr: "", wantErr: true},
		{expr: "every minute", wantErr: true},
		{expr: "* * * * * *", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			sched, err := ParseSchedule(tt.expr)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidSchedule)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.next, sched.Next(base))
		})
	}
}

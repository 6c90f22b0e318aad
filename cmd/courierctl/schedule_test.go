package main

import (
	"testing"
	"time"
)

func TestParseFireTime(t *testing.T) {
	now := time.Date(2026, time.January, 31, 9, 0, 0, 0, time.UTC)
	tests := []struct {
		in      string
		want    time.Time
		wantErr bool
	}{
		{"+90m", now.Add(90 * time.Minute), false},
		{"2026-02-01T08:00:00Z", time.Date(2026, time.February, 1, 8, 0, 0, 0, time.UTC), false},
		{"+soon", time.Time{}, true},
		{"tomorrow", time.Time{}, true},
	}
	for _, tt := range tests {
		got, err := parseFireTime(tt.in, now)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseFireTime(%q) err = %v", tt.in, err)
			continue
		}
		if !got.Equal(tt.want) {
			t.Errorf("parseFireTime(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

package redisstore

import "testing"

func TestEntryKey(t *testing.T) {
	tests := []struct {
		name string
		key  string
	}{
		{"demo", "superhydro:session:demo"},
		{"with:colon", "superhydro:session:with:colon"},
		{"", "superhydro:session:"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			if got := entryKey(tt.name); got != tt.key {
				t.Errorf("expected %s, got %s", tt.key, got)
			}
			if got := entryName(tt.key); got != tt.name {
				t.Errorf("expected %s, got %s", tt.name, got)
			}
		})
	}
}

package credit_test

import (
	"testing"

	"github.com/xraph/tally/credit"
)

func TestEntryRequested(t *testing.T) {
	tests := []struct {
		name  string
		entry credit.Entry
		want  int64
	}{
		{"no metadata", credit.Entry{Amount: 10}, 10},
		{"truncated grant", credit.Entry{Amount: 5, Metadata: map[string]string{credit.MetaRequested: "10"}}, 10},
		{"garbage metadata", credit.Entry{Amount: 3, Metadata: map[string]string{credit.MetaRequested: "ten"}}, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.entry.Requested(); got != tt.want {
				t.Errorf("Requested() = %d, want %d", got, tt.want)
			}
		})
	}
}

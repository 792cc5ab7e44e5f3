package fieldsync

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParsePriority(t *testing.T) {
	tests := []struct {
		in      string
		want    Priority
		wantErr bool
	}{
		{"client_wins", PriorityClientWins, false},
		{"client", PriorityClientWins, false},
		{"Server", PriorityServerWins, false},
		{" merge ", PriorityMerge, false},
		{"MANUAL", PriorityManual, false},
		{"newest", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParsePriority(tt.in)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidStrategy)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestParseOperation(t *testing.T) {
	op, err := ParseOperation("Update")
	require.NoError(t, err)
	require.Equal(t, OpUpdate, op)

	_, err = ParseOperation("upsert")
	require.ErrorIs(t, err, ErrInvalidChange)
}

func TestSyncStrategy_Validate(t *testing.T) {
	require.NoError(t, DefaultStrategy().Validate())

	tests := []struct {
		name   string
		mutate func(*SyncStrategy)
	}{
		{"unknown priority", func(s *SyncStrategy) { s.Priority = "latest" }},
		{"zero batch", func(s *SyncStrategy) { s.BatchSize = 0 }},
		{"huge batch", func(s *SyncStrategy) { s.BatchSize = 1001 }},
		{"negative retries", func(s *SyncStrategy) { s.RetryAttempts = -1 }},
		{"too many retries", func(s *SyncStrategy) { s.RetryAttempts = 21 }},
		{"short interval", func(s *SyncStrategy) { s.SyncIntervalMs = 999 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := DefaultStrategy()
			tt.mutate(&s)
			require.ErrorIs(t, s.Validate(), ErrInvalidStrategy)
		})
	}
}

func TestStrategyPatch_Apply(t *testing.T) {
	base := DefaultStrategy()
	require.Equal(t, base, StrategyPatch{}.Apply(base))

	p := PriorityServerWins
	retries := 0
	off := false
	got := StrategyPatch{Priority: &p, RetryAttempts: &retries, BackgroundSync: &off}.Apply(base)
	require.Equal(t, PriorityServerWins, got.Priority)
	require.Zero(t, got.RetryAttempts)
	require.False(t, got.BackgroundSync)
	require.Equal(t, base.BatchSize, got.BatchSize)
	require.Equal(t, base.SyncIntervalMs, got.SyncIntervalMs)
}

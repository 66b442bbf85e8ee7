package vault_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/luxfi/vaults/pkg/vault"
)

func at(day, hour, minute int) time.Time {
	return time.Date(2026, 3, day, hour, minute, 0, 0, time.UTC)
}

func TestWeeklySchedule(t *testing.T) {
	s := vault.WeeklySchedule()

	tests := []struct {
		name     string
		now      time.Time
		previous time.Time
		want     time.Time
	}{
		{"MondayToFriday", at(2, 12, 0), time.Time{}, at(6, 8, 0)},
		{"FridayBeforeAnchor", at(6, 7, 0), time.Time{}, at(6, 8, 0)},
		{"FridayAtAnchor", at(6, 8, 0), time.Time{}, at(13, 8, 0)},
		{"FollowsPreviousExpiry", at(6, 8, 1), at(6, 8, 0), at(13, 8, 0)},
		{"LateCommitStillNextFriday", at(9, 10, 0), at(6, 8, 0), at(13, 8, 0)},
		{"IdleVaultRestartsFromNow", at(18, 9, 0), at(6, 8, 0), at(20, 8, 0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, s.NextExpiry(tt.now, tt.previous))
		})
	}
}

func TestCustomSchedule(t *testing.T) {
	s := vault.Schedule{Period: 24 * time.Hour, AnchorHour: 8}

	assert.Equal(t, at(3, 8, 0), s.NextExpiry(at(2, 12, 0), time.Time{}))
	assert.Equal(t, at(4, 8, 0), s.NextExpiry(at(3, 8, 5), at(3, 8, 0)))

	t.Run("NeverInThePast", func(t *testing.T) {
		now := at(10, 9, 0)
		got := s.NextExpiry(now, at(9, 8, 0))
		assert.True(t, got.After(now))
		assert.Equal(t, 8, got.Hour())
	})
}

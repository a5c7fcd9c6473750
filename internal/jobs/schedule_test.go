package jobs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akrivos/helmsman/internal/domain"
)

func TestParseSchedule_Valid(t *testing.T) {
	raw := `{"days":{"monday":true,"wednesday":true,"sunday":false},"times":["09:30","16:00"]}`

	s, err := ParseSchedule(raw)
	require.NoError(t, err)
	assert.True(t, s.Days["monday"])
	assert.False(t, s.Days["sunday"])
	assert.Equal(t, []string{"09:30", "16:00"}, s.Times)
}

func TestParseSchedule_Errors(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"malformed JSON", `{"days":`},
		{"unknown day", `{"days":{"funday":true},"times":["09:00"]}`},
		{"no days enabled", `{"days":{"monday":false},"times":["09:00"]}`},
		{"no times", `{"days":{"monday":true},"times":[]}`},
		{"malformed time", `{"days":{"monday":true},"times":["9am"]}`},
		{"trailing garbage", `{"days":{"monday":true},"times":["09:30xx"]}`},
		{"signed component", `{"days":{"monday":true},"times":["10:-5"]}`},
		{"hour out of range", `{"days":{"monday":true},"times":["24:00"]}`},
		{"minute out of range", `{"days":{"monday":true},"times":["10:61"]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseSchedule(tt.raw)
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrValidation)
		})
	}
}

func TestCronSpecs(t *testing.T) {
	s, err := ParseSchedule(`{"days":{"wednesday":true,"monday":true},"times":["14:30","09:00"]}`)
	require.NoError(t, err)

	specs := s.CronSpecs()

	// Times are sorted, days follow weekday order regardless of input order.
	assert.Equal(t, []string{
		"0 0 9 * * MON,WED",
		"0 30 14 * * MON,WED",
	}, specs)
}

func TestCronSpecs_SingleDay(t *testing.T) {
	s, err := ParseSchedule(`{"days":{"friday":true},"times":["23:59"]}`)
	require.NoError(t, err)

	assert.Equal(t, []string{"0 59 23 * * FRI"}, s.CronSpecs())
}

package tuictransport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCongestionController(t *testing.T) {
	tests := []struct {
		in   string
		want CongestionController
	}{
		{"cubic", CongestionCubic},
		{"CUBIC", CongestionCubic},
		{"new_reno", CongestionNewReno},
		{"newreno", CongestionNewReno},
		{"NewReno", CongestionNewReno},
		{"bbr", CongestionBBR},
		{"  bbr  ", CongestionBBR},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseCongestionController(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseCongestionControllerRejectsUnknown(t *testing.T) {
	_, err := ParseCongestionController("reno2000")
	assert.Error(t, err)
}

func TestCongestionControllerString(t *testing.T) {
	assert.Equal(t, "cubic", CongestionCubic.String())
	assert.Equal(t, "new_reno", CongestionNewReno.String())
	assert.Equal(t, "bbr", CongestionBBR.String())
}

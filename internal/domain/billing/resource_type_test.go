package billing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResourceType_IsValid(t *testing.T) {
	for _, rt := range AllResourceTypes() {
		assert.True(t, rt.IsValid(), rt.String())
	}
	assert.False(t, ResourceType("INVALID").IsValid())
	assert.False(t, ResourceType("").IsValid())
}

func TestResourceType_Unit(t *testing.T) {
	tests := []struct {
		name     string
		rt       ResourceType
		expected Unit
	}{
		{"video is counted", ResourceVideo, UnitCount},
		{"storage is MiB", ResourceStorageDelta, UnitMebibytes},
		{"transcription is seconds", ResourceTranscriptionSeconds, UnitSeconds},
		{"ai tokens are tokens", ResourceAITokens, UnitTokens},
		{"search is counted", ResourceSearchQuery, UnitCount},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.rt.Unit())
		})
	}
}

func TestParseResourceType(t *testing.T) {
	rt, err := ParseResourceType("video")
	require.NoError(t, err)
	assert.Equal(t, ResourceVideo, rt)

	_, err = ParseResourceType("VIDEO")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "invalid resource type")
}

func TestUnit_FormatValue(t *testing.T) {
	assert.Equal(t, "512 MB", UnitMebibytes.FormatValue(512))
	assert.Equal(t, "5.00 GB", UnitMebibytes.FormatValue(5*1024))
	assert.Equal(t, "1h 30m", UnitSeconds.FormatValue(5400))
	assert.Equal(t, "2m 5s", UnitSeconds.FormatValue(125))
	assert.Equal(t, "42s", UnitSeconds.FormatValue(42))
	assert.Equal(t, "10 tokens", UnitTokens.FormatValue(10))
	assert.Equal(t, "7", UnitCount.FormatValue(7))
}

func TestBytesToMebibytes(t *testing.T) {
	assert.Equal(t, int64(0), BytesToMebibytes(0))
	assert.Equal(t, int64(0), BytesToMebibytes(-5))
	assert.Equal(t, int64(1), BytesToMebibytes(1))
	assert.Equal(t, int64(1), BytesToMebibytes(1<<20))
	assert.Equal(t, int64(2), BytesToMebibytes(1<<20+1))
}

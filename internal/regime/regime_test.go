package regime

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassifyHighVolTakesPriority(t *testing.T) {
	cfg := DefaultConfig()
	require.Equal(t, HighVol, Classify(cfg, 30, 2.5))
}

func TestClassifyTrending(t *testing.T) {
	cfg := DefaultConfig()
	require.Equal(t, Trending, Classify(cfg, 30, 0.5))
}

func TestClassifyChoppyByDefault(t *testing.T) {
	cfg := DefaultConfig()
	require.Equal(t, Choppy, Classify(cfg, 10, 0.1))
}

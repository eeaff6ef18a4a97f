package logging

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_LevelParsing(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, New("debug").GetLevel())
	assert.Equal(t, zerolog.WarnLevel, New("warn").GetLevel())
	assert.Equal(t, zerolog.InfoLevel, New("nonsense").GetLevel())
	assert.Equal(t, zerolog.InfoLevel, New("").GetLevel())
}

// Every sink receives every record, in order, as structured JSON.
func TestNew_FansOutToSinks(t *testing.T) {
	var a, b bytes.Buffer
	logger := New("info", &a, &b)

	logger.Info().Str("method", "GET").Str("url", "/hello").Msg("request received")
	logger.Info().Int("status", 200).Msg("request completed")

	for _, sink := range []*bytes.Buffer{&a, &b} {
		out := sink.String()
		require.Contains(t, out, `"message":"request received"`)
		require.Contains(t, out, `"message":"request completed"`)
		assert.Less(t,
			bytes.Index(sink.Bytes(), []byte("request received")),
			bytes.Index(sink.Bytes(), []byte("request completed")))
		assert.Contains(t, out, `"method":"GET"`)
	}
}

func TestNew_LevelFiltersSinks(t *testing.T) {
	var sink bytes.Buffer
	logger := New("warn", &sink)

	logger.Info().Msg("suppressed")
	logger.Warn().Msg("kept")

	assert.NotContains(t, sink.String(), "suppressed")
	assert.Contains(t, sink.String(), "kept")
}

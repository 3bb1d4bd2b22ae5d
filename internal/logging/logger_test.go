package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"qteams-bridge/internal/config"
)

func TestNewLogger_ContextFields(t *testing.T) {
	var buf bytes.Buffer
	log := newLogger(&buf, &config.Config{ServiceName: "qteams-bridge", Region: "us-east-1", IdPName: "entra", LogLevel: "debug"})

	log.Debug().Msg("hello")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, "qteams-bridge", entry["service"])
	require.Equal(t, "us-east-1", entry["region"])
	require.Equal(t, "entra", entry["idp"])
	require.Equal(t, "debug", entry["level"])
	require.NotEmpty(t, entry["time"])
}

func TestNewLogger_Level(t *testing.T) {
	cases := map[string]zerolog.Level{
		"":      zerolog.InfoLevel,
		"bogus": zerolog.InfoLevel,
		"warn":  zerolog.WarnLevel,
		"debug": zerolog.DebugLevel,
	}
	for in, want := range cases {
		log := newLogger(&bytes.Buffer{}, &config.Config{LogLevel: in})
		require.Equal(t, want, log.GetLevel(), "level %q", in)
	}
}

func TestNewLogger_OmitsEmptyFields(t *testing.T) {
	var buf bytes.Buffer
	log := newLogger(&buf, &config.Config{})
	log.Info().Msg("x")
	require.NotContains(t, buf.String(), `"service"`)
	require.NotContains(t, buf.String(), `"region"`)
}

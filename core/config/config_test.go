package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeworks/workq/core/config"
)

type sampleConfig struct {
	URL      string        `env:"SAMPLE_URL" envDefault:"redis://localhost:6379/0"`
	Attempts int           `env:"SAMPLE_ATTEMPTS" envDefault:"3"`
	Interval time.Duration `env:"SAMPLE_INTERVAL" envDefault:"2s"`
}

type requiredConfig struct {
	Token string `env:"SAMPLE_REQUIRED_TOKEN,required"`
}

func TestLoad(t *testing.T) {
	t.Run("defaults and overrides", func(t *testing.T) {
		config.Reset()
		t.Setenv("SAMPLE_ATTEMPTS", "7")

		var cfg sampleConfig
		require.NoError(t, config.Load(&cfg))
		assert.Equal(t, "redis://localhost:6379/0", cfg.URL)
		assert.Equal(t, 7, cfg.Attempts)
		assert.Equal(t, 2*time.Second, cfg.Interval)
	})

	t.Run("cached per type", func(t *testing.T) {
		config.Reset()
		t.Setenv("SAMPLE_ATTEMPTS", "1")

		var first sampleConfig
		require.NoError(t, config.Load(&first))

		t.Setenv("SAMPLE_ATTEMPTS", "9")
		var second sampleConfig
		require.NoError(t, config.Load(&second))
		assert.Equal(t, first, second)
	})

	t.Run("missing required variable", func(t *testing.T) {
		config.Reset()

		var cfg requiredConfig
		assert.Error(t, config.Load(&cfg))
		assert.Panics(t, func() { config.MustLoad(&cfg) })
	})
}

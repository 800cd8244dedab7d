package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
)

const (
	EnvSteamAPIKey   = "STEAM_API_KEY"
	EnvTelegramToken = "TELEGRAM_TOKEN"
	EnvDiscordToken  = "DISCORD_TOKEN"
)

// LoadDotEnv loads a .env file next to the config file into the process
// environment. Variables already set win; a missing file is not an error.
func LoadDotEnv(configPath string) error {
	p := filepath.Join(filepath.Dir(configPath), ".env")
	if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// ApplyEnv fills empty secrets from the environment.
func ApplyEnv(cfg *Config) {
	fill := func(dst *string, key string) {
		if strings.TrimSpace(*dst) != "" {
			return
		}
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	fill(&cfg.Steam.APIKey, EnvSteamAPIKey)
	fill(&cfg.Telegram.Token, EnvTelegramToken)
	fill(&cfg.Discord.Token, EnvDiscordToken)
}

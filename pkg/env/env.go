package env

import (
	"os"

	"github.com/joho/godotenv"
)

// LoadEnv loads .env files into the process environment. Variables that are
// already set win. It reports whether any file was loaded.
func LoadEnv(filenames ...string) bool {
	return godotenv.Load(filenames...) == nil
}

func GetEnv(key string, fallback string) string {
	if value, exist := os.LookupEnv(key); exist {
		return value
	}
	return fallback
}

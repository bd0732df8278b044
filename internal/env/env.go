// Package env provides environment configuration helpers for go-calmira commands.
package env

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Load reads a .env file into the process environment if one exists.
// Missing files are not an error; explicit environment always wins.
func Load() {
	_ = godotenv.Load()
}

// Get returns the value of key, or fallback if the variable is unset or empty.
func Get(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// GetInt returns the integer value of key, or fallback if unset or unparsable.
func GetInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

// Require returns the value of key or exits with a usage hint.
func Require(key string) string {
	v := os.Getenv(key)
	if v == "" {
		fmt.Fprintf(os.Stderr, "Error: %s environment variable is required\n", key)
		os.Exit(1)
	}
	return v
}

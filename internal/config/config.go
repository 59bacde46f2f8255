// Package config loads endpoint and server settings from the environment,
// an optional .env file, and fixed local defaults.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"

	"github.com/joho/godotenv"

	"github.com/blueprints-rt/blueprints/internal/session"
)

const (
	DefaultAPIBase = "http://localhost:3001"
	DefaultIOBase  = "http://localhost:3001"
)

// Client holds the endpoints a client connects to.
type Client struct {
	// APIBase serves /api/blueprints.
	APIBase string
	// StompBase serves the /ws-blueprints broker endpoint.
	StompBase string
	// IOBase serves /socket.io/.
	IOBase string
}

// Endpoints returns the realtime endpoints for session.NewFactory.
func (c Client) Endpoints() session.Endpoints {
	return session.Endpoints{TopicBroker: c.StompBase, RoomSocket: c.IOBase}
}

// Server holds the development server settings.
type Server struct {
	Port   string
	DBPath string
	// DrawRate is the number of draw events per second a socket may send.
	DrawRate float64
}

// LoadEnvFile reads path into the environment without overriding variables
// that are already set. A missing file is not an error.
func LoadEnvFile(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// LoadClient returns client settings.
func LoadClient() Client {
	api := getEnv("BLUEPRINTS_API_BASE", DefaultAPIBase)
	return Client{
		APIBase:   api,
		StompBase: getEnv("BLUEPRINTS_STOMP_BASE", api),
		IOBase:    getEnv("BLUEPRINTS_IO_BASE", DefaultIOBase),
	}
}

// LoadServer returns development server settings.
func LoadServer() (Server, error) {
	rate, err := strconv.ParseFloat(getEnv("DRAW_RATE", "60"), 64)
	if err != nil || rate <= 0 {
		return Server{}, fmt.Errorf("invalid DRAW_RATE %q", os.Getenv("DRAW_RATE"))
	}
	return Server{
		Port:     getEnv("PORT", "3001"),
		DBPath:   getEnv("DB_PATH", "data/blueprints.db"),
		DrawRate: rate,
	}, nil
}

// getEnv returns the value of an environment variable or a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// Command token mints a bearer token for the segmentation API.
package main

import (
	"flag"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"video-segmentation/internal/auth"
	"video-segmentation/internal/config"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	envFile := flag.String("env", ".env", "path to a .env file")
	owner := flag.String("owner", "", "owner the token is issued to")
	ttl := flag.Duration("ttl", 24*time.Hour, "token lifetime")
	flag.Parse()

	if *owner == "" {
		logrus.Fatal("-owner is required")
	}

	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}
	if cfg.JWTSecret == "" {
		logrus.Fatal("JWT_SECRET is not configured")
	}

	token, err := auth.NewTokenManager(cfg.JWTSecret, cfg.JWTIssuer, *ttl).GenerateToken(*owner)
	if err != nil {
		logrus.Fatalf("Failed to generate token: %v", err)
	}
	fmt.Println(token)
}

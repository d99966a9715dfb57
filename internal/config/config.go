// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads configuration from config.yaml and environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// BlobStoreConfig holds the connection settings for the blob-storage
// collaborator that issues pre-signed attachment upload URLs.
type BlobStoreConfig struct {
	BaseURL      string `yaml:"base_url"`
	PublicURL    string `yaml:"public_url"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	TokenURL     string `yaml:"token_url"`
}

// Config holds all configuration for the mailroom service.
type Config struct {
	// Postgres
	DatabaseURL string

	// Redis
	RedisURL        string
	InboundQueue    string
	DeadLetterQueue string
	NotifyChannel   string

	// Blob storage collaborator
	BlobStore BlobStoreConfig

	// Worker
	Workers          int
	JobTimeout       time.Duration
	MaxAttempts      int
	ArchiveRetention time.Duration

	// HTTP (health / ingress)
	Port int
}

// rawConfig mirrors the YAML structure for unmarshalling.
type rawConfig struct {
	Database struct {
		URL string `yaml:"url"`
	} `yaml:"database"`
	Redis struct {
		URL    string `yaml:"url"`
		Queues struct {
			Inbound    string `yaml:"inbound"`
			DeadLetter string `yaml:"dead_letter"`
		} `yaml:"queues"`
		NotifyChannel string `yaml:"notify_channel"`
	} `yaml:"redis"`
	BlobStore BlobStoreConfig `yaml:"blob_store"`
}

// Load reads configuration from config.yaml (with env var expansion) and
// environment variables for non-YAML settings.
func Load() (*Config, error) {
	configPath := envOrDefault("CONFIG_PATH", "/app/config/config.yaml")

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", configPath, err)
	}

	// Expand ${VAR} references in the YAML
	expanded := os.ExpandEnv(string(data))

	var raw rawConfig
	if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
		return nil, fmt.Errorf("parse config YAML: %w", err)
	}

	cfg := &Config{
		DatabaseURL:      firstNonEmpty(raw.Database.URL, envOrDefault("DATABASE_URL", "")),
		RedisURL:         firstNonEmpty(raw.Redis.URL, envOrDefault("REDIS_URL", "redis://localhost:6379/0")),
		InboundQueue:     firstNonEmpty(raw.Redis.Queues.Inbound, envOrDefault("INBOUND_QUEUE", "mailroom:inbound")),
		DeadLetterQueue:  firstNonEmpty(raw.Redis.Queues.DeadLetter, envOrDefault("DEAD_LETTER_QUEUE", "mailroom:dead")),
		NotifyChannel:    firstNonEmpty(raw.Redis.NotifyChannel, envOrDefault("NOTIFY_CHANNEL", "mailroom:events")),
		BlobStore:        raw.BlobStore,
		Workers:          envOrDefaultInt("WORKERS", 4),
		JobTimeout:       envOrDefaultDuration("JOB_TIMEOUT", 2*time.Minute),
		MaxAttempts:      envOrDefaultInt("MAX_ATTEMPTS", 5),
		ArchiveRetention: envOrDefaultDuration("ARCHIVE_RETENTION", 28*24*time.Hour),
		Port:             envOrDefaultInt("PORT", 8080),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("database URL is required — set database.url or DATABASE_URL")
	}

	if cfg.BlobStore.BaseURL == "" {
		return nil, fmt.Errorf("blob store base URL is required — set blob_store.base_url")
	}
	if cfg.BlobStore.PublicURL == "" {
		cfg.BlobStore.PublicURL = cfg.BlobStore.BaseURL
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrDefaultDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// Package cmn provides common low-level types and utilities shared by the
// cache engine, the metadata store and the protocol adapters.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package cmn

import (
	"flag"
	"os"
	"sync/atomic"
	"time"

	jsoniter "github.com/json-iterator/go"
)

// BackendKind identifies which object-store implementation backs a
// deployment's blob storage.
type BackendKind string

const (
	BackendS3    BackendKind = "s3"
	BackendAzure BackendKind = "azure"
	BackendFS    BackendKind = "fs"
)

type (
	ServerConfig struct {
		ListenAddr      string        `json:"listen_addr"`
		ReadTimeout     time.Duration `json:"read_timeout"`
		WriteTimeout    time.Duration `json:"write_timeout"`
		ShutdownTimeout time.Duration `json:"shutdown_timeout"`
	}

	MetadataConfig struct {
		DSN          string `json:"dsn"`
		MaxOpenConns int    `json:"max_open_conns"`
		MaxIdleConns int    `json:"max_idle_conns"`
	}

	BlobsConfig struct {
		Kind            BackendKind `json:"kind"`
		Bucket          string      `json:"bucket"`
		Region          string      `json:"region"`
		Endpoint        string      `json:"endpoint"`
		ForcePathStyle  bool        `json:"force_path_style"`
		AccessKeyID     string      `json:"access_key_id"`
		SecretAccessKey string      `json:"secret_access_key"`
		AzureAccount    string      `json:"azure_account"`
		AzureAccountKey string      `json:"azure_account_key"`
		FSRoot          string      `json:"fs_root"`
	}

	EvictionConfig struct {
		Interval  time.Duration `json:"interval"`
		BatchSize int           `json:"batch_size"`
		Workers   int           `json:"workers"`
	}

	SecretsConfig struct {
		EncryptionKey string `json:"encryption_key"` // 32 bytes, base64 or raw
	}

	// RepositoryConfig / GroupConfig are the declarative bootstrap shapes
	// reconciled into the metadata store at startup (spec: Repository
	// lifecycle is "created/updated from declarative configuration").
	RepositoryConfig struct {
		Name       string            `json:"name"`
		Format     string            `json:"format"`
		Type       string            `json:"type"`
		Upstream   string            `json:"upstream,omitempty"`
		User       string            `json:"user,omitempty"`
		Password   string            `json:"password,omitempty"`
		DefaultTTL time.Duration     `json:"default_ttl"`
		Enabled    bool              `json:"enabled"`
		Extra      map[string]string `json:"extra,omitempty"`
	}

	GroupMemberConfig struct {
		Repository string `json:"repository"`
		Priority   int    `json:"priority"`
	}

	GroupConfig struct {
		Name    string              `json:"name"`
		Format  string              `json:"format"`
		Members []GroupMemberConfig `json:"members"`
	}

	Config struct {
		Server       ServerConfig       `json:"server"`
		Metadata     MetadataConfig     `json:"metadata"`
		Blobs        BlobsConfig        `json:"blobs"`
		Eviction     EvictionConfig     `json:"eviction"`
		Secrets      SecretsConfig      `json:"secrets"`
		Repositories []RepositoryConfig `json:"repositories"`
		Groups       []GroupConfig      `json:"groups"`
	}
)

// DefaultConfig returns conservative defaults, overridden by the config file
// and then by CLI flags, in that order (teacher's three-layer precedence).
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:      ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    0, // streaming responses must not be capped
			ShutdownTimeout: 15 * time.Second,
		},
		Metadata: MetadataConfig{MaxOpenConns: 25, MaxIdleConns: 10},
		Eviction: EvictionConfig{Interval: time.Hour, BatchSize: 100, Workers: 8},
	}
}

// LoadConfig reads a JSON config file over DefaultConfig's values. An empty
// path returns the defaults unchanged (used by tests).
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, WrapInternal("open config file", err)
	}
	defer f.Close()
	if err := jsoniter.NewDecoder(f).Decode(cfg); err != nil {
		return nil, WrapInternal("parse config file", err)
	}
	return cfg, nil
}

// RegisterFlags binds CLI overrides for the handful of settings operators
// commonly pass at the command line (teacher: flag package, -config=, -role=).
func RegisterFlags(fs *flag.FlagSet, cfg *Config) {
	fs.StringVar(&cfg.Server.ListenAddr, "listen", cfg.Server.ListenAddr, "HTTP listen address")
	fs.StringVar(&cfg.Metadata.DSN, "metadata-dsn", cfg.Metadata.DSN, "metadata store DSN (postgres://...)")
	fs.StringVar((*string)(&cfg.Blobs.Kind), "blobs-kind", string(cfg.Blobs.Kind), "object store backend: s3|azure|fs")
}

// gco is the global config owner: an atomically-swapped pointer so request
// handlers always observe a consistent snapshot of Config even while an
// operator reload is in flight. Grounded on the teacher's cmn.GCO pattern
// (cmn/config.go), trimmed to this repo's single-process scope.
type globalConfigOwner struct {
	p atomic.Pointer[Config]
}

var gco globalConfigOwner

// GCO is the process-wide config owner, analogous to the teacher's cmn.GCO.
var GCO = &gco

func (g *globalConfigOwner) Get() *Config {
	c := g.p.Load()
	if c == nil {
		return DefaultConfig()
	}
	return c
}

func (g *globalConfigOwner) Put(c *Config) { g.p.Store(c) }

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/adwski/storyboard-relay/backend/client/relay"
	"github.com/adwski/storyboard-relay/backend/client/session"
	"github.com/adwski/storyboard-relay/backend/client/throttle"
	store "github.com/adwski/storyboard-relay/backend/storage/memory"
)

// Relay configures the relay server binary.
type Relay struct {
	APIListenAddr   string
	WSListenAddr    string
	LogLevel        string
	MaxParticipants int
	MaxMessageSize  int64
	ImagesDir       string
}

func DefaultRelay() Relay {
	return Relay{
		APIListenAddr:   ":8080",
		WSListenAddr:    ":8888",
		LogLevel:        "debug",
		MaxParticipants: store.DefaultMaxParticipants,
	}
}

type relayFile struct {
	APIListenAddr   string `toml:"api_listen_addr"`
	WSListenAddr    string `toml:"ws_listen_addr"`
	LogLevel        string `toml:"log_level"`
	MaxParticipants int    `toml:"max_participants"`
	MaxMessageSize  int64  `toml:"max_message_size"`
	ImagesDir       string `toml:"images_dir"`
}

// LoadRelay decodes path over the defaults. Keys absent from the file keep their default.
func LoadRelay(path string) (Relay, error) {
	cfg := DefaultRelay()

	var raw relayFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Relay{}, fmt.Errorf("load relay config: %w", err)
	}
	if meta.IsDefined("api_listen_addr") {
		cfg.APIListenAddr = strings.TrimSpace(raw.APIListenAddr)
	}
	if meta.IsDefined("ws_listen_addr") {
		cfg.WSListenAddr = strings.TrimSpace(raw.WSListenAddr)
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("max_participants") {
		if raw.MaxParticipants <= 0 {
			return Relay{}, fmt.Errorf("max_participants must be positive, got %d", raw.MaxParticipants)
		}
		cfg.MaxParticipants = raw.MaxParticipants
	}
	if meta.IsDefined("max_message_size") {
		cfg.MaxMessageSize = raw.MaxMessageSize
	}
	if meta.IsDefined("images_dir") {
		cfg.ImagesDir = strings.TrimSpace(raw.ImagesDir)
	}
	return cfg, nil
}

// Viewer configures a follower client.
type Viewer struct {
	APIURL         string
	SessionURL     string
	BaseURI        string
	PeerID         string
	LogLevel       string
	ConnectTimeout time.Duration
	FrameRate      int
	Restricted     []string
	Select         []string
}

func DefaultViewer() Viewer {
	return Viewer{
		APIURL:         "http://localhost:8080",
		SessionURL:     "ws://localhost:8888",
		BaseURI:        "http://localhost:8080",
		LogLevel:       "info",
		ConnectTimeout: session.DefaultConnectTimeout,
		FrameRate:      throttle.DefaultFrameRate,
		Restricted:     relay.DefaultRestricted,
		Select:         relay.DefaultSelect,
	}
}

// Rules builds the relay rules of the viewer.
func (v Viewer) Rules() relay.Rules {
	return relay.NewRules(v.Restricted, v.Select)
}

type viewerFile struct {
	APIURL         string `toml:"api_url"`
	SessionURL     string `toml:"session_url"`
	BaseURI        string `toml:"base_uri"`
	PeerID         string `toml:"peer_id"`
	LogLevel       string `toml:"log_level"`
	ConnectTimeout string `toml:"connect_timeout"`
	FrameRate      int    `toml:"frame_rate"`

	Relay struct {
		Restricted []string `toml:"restricted"`
		Select     []string `toml:"select"`
	} `toml:"relay"`
}

func LoadViewer(path string) (Viewer, error) {
	cfg := DefaultViewer()

	var raw viewerFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Viewer{}, fmt.Errorf("load viewer config: %w", err)
	}
	if meta.IsDefined("api_url") {
		cfg.APIURL = strings.TrimSpace(raw.APIURL)
	}
	if meta.IsDefined("session_url") {
		cfg.SessionURL = strings.TrimSpace(raw.SessionURL)
	}
	if meta.IsDefined("base_uri") {
		cfg.BaseURI = strings.TrimSpace(raw.BaseURI)
	}
	if meta.IsDefined("peer_id") {
		cfg.PeerID = strings.TrimSpace(raw.PeerID)
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("connect_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.ConnectTimeout))
		if err != nil {
			return Viewer{}, fmt.Errorf("parse connect_timeout: %w", err)
		}
		cfg.ConnectTimeout = d
	}
	if meta.IsDefined("frame_rate") {
		cfg.FrameRate = raw.FrameRate
	}
	if meta.IsDefined("relay", "restricted") {
		cfg.Restricted = raw.Relay.Restricted
	}
	if meta.IsDefined("relay", "select") {
		cfg.Select = raw.Relay.Select
	}
	return cfg, nil
}

/******************************************************************************
 *
 *  Description :
 *
 *    Server configuration: commented-JSON config file with environment
 *    overrides.
 *
 *****************************************************************************/

package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	jcr "github.com/tinode/jsonco"

	"encoding/json"
)

// Config is the decoded configuration file.
type Config struct {
	// Node identity; derived from hostname-pid-ts when empty.
	NodeID string `json:"node_id"`
	Host   string `json:"host"`
	Port   int    `json:"port"`

	// Redis URLs; may point at the same instance.
	BusURL   string `json:"bus_url"`
	StoreURL string `json:"store_url"`

	// HMAC key for token verification, min 32 bytes.
	AuthKey string `json:"auth_key"`

	// Development mode: skip token verification, mint guest identities.
	AllowAnonymous bool `json:"allow_anonymous"`

	MaxConcurrentSessions int   `json:"max_concurrent_sessions"`
	MaxPayloadBytes       int64 `json:"max_payload_bytes"`
	DDoSThreshold         int   `json:"ddos_threshold"`

	// Optional pre-connect filters.
	UABlocklist  []string `json:"ua_blocklist"`
	GeoAllowlist []string `json:"geo_allowlist"`
}

const (
	defaultPort                  = 6060
	defaultMaxConcurrentSessions = 5
	defaultMaxPayloadBytes       = 1 << 20
	defaultDDoSThreshold         = 100
)

func configLoad(path string) (*Config, error) {
	cfg := &Config{
		Host:                  "0.0.0.0",
		Port:                  defaultPort,
		MaxConcurrentSessions: defaultMaxConcurrentSessions,
		MaxPayloadBytes:       defaultMaxPayloadBytes,
		DDoSThreshold:         defaultDDoSThreshold,
	}

	if path != "" {
		file, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
		}
		defer file.Close()
		// jsonco strips comments so the config file can be annotated.
		jr := jcr.New(file)
		if err := json.NewDecoder(jr).Decode(cfg); err != nil {
			switch jerr := err.(type) {
			case *json.UnmarshalTypeError:
				lnum, cnum, _ := jr.LineAndChar(jerr.Offset)
				return nil, fmt.Errorf("config: unmarshall error in %s at %d:%d (offset %d bytes): %w",
					path, lnum, cnum, jerr.Offset, jerr)
			case *json.SyntaxError:
				lnum, cnum, _ := jr.LineAndChar(jerr.Offset)
				return nil, fmt.Errorf("config: syntax error in %s at %d:%d (offset %d bytes): %w",
					path, lnum, cnum, jerr.Offset, jerr)
			default:
				return nil, fmt.Errorf("config: failed to parse %s: %w", path, err)
			}
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("NODE_ID"); v != "" {
		c.NodeID = v
	}
	if v := os.Getenv("HOST"); v != "" {
		c.Host = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Port = p
		}
	}
	if v := os.Getenv("BUS_URL"); v != "" {
		c.BusURL = v
	}
	if v := os.Getenv("STORE_URL"); v != "" {
		c.StoreURL = v
	}
	if v := os.Getenv("ALLOW_ANONYMOUS"); v != "" {
		c.AllowAnonymous = v == "true"
	}
	if v := os.Getenv("DDOS_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.DDoSThreshold = n
		}
	}
	if v := os.Getenv("MAX_CONCURRENT_SESSIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxConcurrentSessions = n
		}
	}
	if v := os.Getenv("MAX_PAYLOAD_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.MaxPayloadBytes = n
		}
	}
}

func (c *Config) validate() error {
	if c.NodeID == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "node"
		}
		c.NodeID = fmt.Sprintf("%s-%d-%d", host, os.Getpid(), time.Now().Unix())
	}
	if c.Port <= 0 || c.Port > 65535 {
		return errors.New("config: invalid port")
	}
	if c.BusURL == "" {
		return errors.New("config: bus_url is required")
	}
	if c.StoreURL == "" {
		// A single redis instance may serve both roles.
		c.StoreURL = c.BusURL
	}
	if !c.AllowAnonymous && len(c.AuthKey) < 32 {
		return errors.New("config: auth_key missing or too short")
	}
	if c.MaxConcurrentSessions <= 0 || c.MaxPayloadBytes <= 0 || c.DDoSThreshold <= 0 {
		return errors.New("config: limits must be positive")
	}
	return nil
}

// listenAddr renders the host:port pair.
func (c *Config) listenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

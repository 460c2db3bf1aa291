// Package config holds the plugin settings: who may run code and how the
// ark bridge reaches the QQ bot.
package config

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/wyf7685/nonebot-plugin-exe-code-sub000/pkg/runtime"
	"github.com/wyf7685/nonebot-plugin-exe-code-sub000/pkg/state"
)

const DefaultQBotTimeout = 10 * time.Second

// Static settings read once at startup.
type Static struct {
	DataDir     string
	Debug       bool
	ConfigFile  string
	OneBotURL   string
	OneBotToken string
	Console     bool
	HTTPProxy   string
}

type Config struct {
	Static

	logPrefix string

	mu          sync.RWMutex
	superusers  map[string]struct{}
	users       map[string]struct{}
	groups      map[string]struct{}
	qbotID      string
	qbotTimeout time.Duration
}

// FromEnv reads EXE_CODE_* variables and, when EXE_CODE_CONFIG names a
// file, overlays it.
func FromEnv(logPrefix string) (*Config, error) {
	debug, err := runtime.EnvBool("EXE_CODE_DEBUG", false)
	if err != nil {
		return nil, err
	}
	console, err := runtime.EnvBool("EXE_CODE_CONSOLE", false)
	if err != nil {
		return nil, err
	}
	qbotTimeout, err := runtime.EnvSeconds("EXE_CODE_QBOT_TIMEOUT", DefaultQBotTimeout)
	if err != nil {
		return nil, err
	}

	c := &Config{
		Static: Static{
			DataDir:     runtime.EnvString("EXE_CODE_DATA_DIR", state.BaseDir()),
			Debug:       debug,
			ConfigFile:  runtime.EnvString("EXE_CODE_CONFIG", ""),
			OneBotURL:   runtime.EnvString("ONEBOT_WS_URL", ""),
			OneBotToken: runtime.EnvString("ONEBOT_ACCESS_TOKEN", ""),
			Console:     console,
			HTTPProxy:   runtime.EnvString("EXE_CODE_HTTP_PROXY", ""),
		},
		logPrefix:   logPrefix,
		superusers:  toSet(runtime.EnvList("EXE_CODE_SUPERUSERS")),
		users:       toSet(runtime.EnvList("EXE_CODE_USER")),
		groups:      toSet(runtime.EnvList("EXE_CODE_GROUP")),
		qbotID:      runtime.EnvString("EXE_CODE_QBOT_ID", ""),
		qbotTimeout: qbotTimeout,
	}
	if c.ConfigFile != "" {
		if err := c.Reload(); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// New builds a config from explicit values, used by tests and embedders.
func New(static Static, superusers, users, groups []string) *Config {
	return &Config{
		Static:      static,
		superusers:  toSet(superusers),
		users:       toSet(users),
		groups:      toSet(groups),
		qbotTimeout: DefaultQBotTimeout,
	}
}

func toSet(ids []string) map[string]struct{} {
	out := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out
}

// idList accepts ids written as JSON strings or numbers.
type idList []string

func (l *idList) UnmarshalJSON(b []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		id, err := decodeID(item)
		if err != nil {
			return err
		}
		out = append(out, id)
	}
	*l = out
	return nil
}

func decodeID(b []byte) (string, error) {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		return strings.TrimSpace(s), nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return "", fmt.Errorf("invalid id %s", b)
	}
	return n.String(), nil
}

type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
	id, err := decodeID(b)
	if err != nil {
		return err
	}
	*f = flexID(id)
	return nil
}

type fileConfig struct {
	Superusers  *idList  `json:"superusers"`
	User        *idList  `json:"user"`
	Group       *idList  `json:"group"`
	QBotID      *flexID  `json:"qbot_id"`
	QBotTimeout *float64 `json:"qbot_timeout"`
}

func parseFile(raw []byte) (fileConfig, error) {
	var cfg fileConfig
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return cfg, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return fileConfig{}, fmt.Errorf("invalid config JSON: %w", err)
	}
	if cfg.QBotTimeout != nil && *cfg.QBotTimeout <= 0 {
		return fileConfig{}, fmt.Errorf("qbot_timeout must be > 0")
	}
	return cfg, nil
}

// Reload re-reads ConfigFile. Fields missing from the file keep their
// current values.
func (c *Config) Reload() error {
	if c.ConfigFile == "" {
		return nil
	}
	raw, err := os.ReadFile(c.ConfigFile)
	if err != nil {
		return fmt.Errorf("read config %s: %w", c.ConfigFile, err)
	}
	fc, err := parseFile(raw)
	if err != nil {
		return fmt.Errorf("parse config %s: %w", c.ConfigFile, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if fc.Superusers != nil {
		c.superusers = toSet(*fc.Superusers)
	}
	if fc.User != nil {
		c.users = toSet(*fc.User)
	}
	if fc.Group != nil {
		c.groups = toSet(*fc.Group)
	}
	if fc.QBotID != nil {
		c.qbotID = string(*fc.QBotID)
	}
	if fc.QBotTimeout != nil {
		c.qbotTimeout = time.Duration(*fc.QBotTimeout * float64(time.Second))
	}
	return nil
}

// Watch reloads the config file whenever it changes. It blocks until ctx is
// done.
func (c *Config) Watch(ctx context.Context) error {
	if c.ConfigFile == "" {
		<-ctx.Done()
		return nil
	}
	return runtime.WatchFile(ctx, c.ConfigFile, c.logPrefix, func() {
		if err := c.Reload(); err != nil {
			log.Printf("%s config reload failed: %v", c.logPrefix, err)
			return
		}
		log.Printf("%s config reloaded from %s", c.logPrefix, c.ConfigFile)
	})
}

func (c *Config) IsSuperuser(userID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.superusers[userID]
	return ok
}

func (c *Config) UserAllowed(userID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.users[userID]
	return ok
}

func (c *Config) GroupAllowed(groupID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.groups[groupID]
	return ok
}

// SetUser adds or removes a user from the allow list.
func (c *Config) SetUser(userID string, allowed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if allowed {
		c.users[userID] = struct{}{}
	} else {
		delete(c.users, userID)
	}
}

func (c *Config) SetGroup(groupID string, allowed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if allowed {
		c.groups[groupID] = struct{}{}
	} else {
		delete(c.groups, groupID)
	}
}

func (c *Config) QBotID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.qbotID
}

func (c *Config) SetQBot(id string, timeout time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.qbotID = id
	if timeout > 0 {
		c.qbotTimeout = timeout
	}
}

func (c *Config) QBotTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.qbotTimeout <= 0 {
		return DefaultQBotTimeout
	}
	return c.qbotTimeout
}

func (c *Config) String() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return "superusers=" + strconv.Itoa(len(c.superusers)) +
		" users=" + strconv.Itoa(len(c.users)) +
		" groups=" + strconv.Itoa(len(c.groups)) +
		" qbot_id=" + c.qbotID +
		" qbot_timeout=" + c.qbotTimeout.String()
}

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultHTTPTimeout bounds backend, artifact store and ledger read calls.
const DefaultHTTPTimeout = 30 * time.Second

// Collectible categories known to the game. The set is fixed.
var Categories = []string{"item", "building", "vehicle", "land"}

// Config holds the YAML configuration.
type Config struct {
	Version   int          `yaml:"version"`
	Global    GlobalConfig `yaml:"global"`
	Networks  []Network    `yaml:"networks"`
	Backend   Backend      `yaml:"backend"`
	Artifacts Artifacts    `yaml:"artifacts"`
	Wallet    Wallet       `yaml:"wallet"`
	Rules     []Rule       `yaml:"rules"`
	Sinks     []Sink       `yaml:"sinks"`
}

type GlobalConfig struct {
	DBPath        string `yaml:"db_path"`
	DBURL         string `yaml:"db_url"`
	Network       string `yaml:"network"`
	Confirmations uint64 `yaml:"confirmations"`
	HTTPTimeout   string `yaml:"http_timeout"`
	PollInterval  string `yaml:"poll_interval"`
	ReorgDepth    uint64 `yaml:"reorg_depth"`
}

// Network is one ledger deployment: an RPC endpoint plus its contract set.
type Network struct {
	ID           string    `yaml:"id"`
	ChainID      uint64    `yaml:"chain_id"`
	RPCURL       string    `yaml:"rpc_url"`
	WSURL        string    `yaml:"ws_url"`
	NativeSymbol string    `yaml:"native_symbol"`
	StartBlock   string    `yaml:"start_block"`
	Contracts    Contracts `yaml:"contracts"`
}

type Contracts struct {
	Assets       map[string]string `yaml:"assets"`
	Collectibles map[string]string `yaml:"collectibles"`
	Marketplace  string            `yaml:"marketplace"`
	Rewards      string            `yaml:"rewards"`
	Governance   string            `yaml:"governance"`
}

type Backend struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Timeout string `yaml:"timeout"`
}

type Artifacts struct {
	Mode       string `yaml:"mode"`
	APIURL     string `yaml:"api_url"`
	GatewayURL string `yaml:"gateway_url"`
	JWT        string `yaml:"jwt"`
	Timeout    string `yaml:"timeout"`
}

type Wallet struct {
	PrivateKey string `yaml:"private_key"`
}

type Dedupe struct {
	Key string `yaml:"key"`
	TTL string `yaml:"ttl"`
}

type RateLimit struct {
	Capacity  float64 `yaml:"capacity"`
	PerSecond float64 `yaml:"per_second"`
}

// Rule routes matching normalized events to notification sinks.
type Rule struct {
	ID        string     `yaml:"id"`
	Event     string     `yaml:"event"`
	Contract  string     `yaml:"contract"`
	Where     []string   `yaml:"where"`
	Sinks     []string   `yaml:"sinks"`
	Dedupe    *Dedupe    `yaml:"dedupe,omitempty"`
	RateLimit *RateLimit `yaml:"rate_limit,omitempty"`
}

type Sink struct {
	ID         string `yaml:"id"`
	Type       string `yaml:"type"`
	WebhookURL string `yaml:"webhook_url"`
	Template   string `yaml:"template"`
	URL        string `yaml:"url"`
	Method     string `yaml:"method"`
}

var envPattern = regexp.MustCompile(`\${([A-Za-z_][A-Za-z0-9_]*)}`)

// Load reads, interpolates env vars, parses YAML, and validates.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}

	if err := loadDotEnv(path); err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	interpolated, err := interpolateEnv(string(raw))
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolated), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func loadDotEnv(configPath string) error {
	envPath := filepath.Join(filepath.Dir(configPath), ".env")
	if _, err := os.Stat(envPath); err == nil {
		if err := godotenv.Load(envPath); err != nil {
			return fmt.Errorf("load .env: %w", err)
		}
	}
	return nil
}

func interpolateEnv(input string) (string, error) {
	missing := []string{}
	out := envPattern.ReplaceAllStringFunc(input, func(match string) string {
		name := envPattern.FindStringSubmatch(match)[1]
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		missing = append(missing, name)
		return match
	})

	if len(missing) > 0 {
		return "", fmt.Errorf("missing environment variables: %s", strings.Join(dedup(missing), ", "))
	}
	return out, nil
}

// Validate performs small, direct schema checks.
func (c *Config) Validate() error {
	if c.Version == 0 {
		return errors.New("version is required")
	}
	if len(c.Networks) == 0 {
		return errors.New("at least one network is required")
	}

	networkIDs := map[string]struct{}{}
	chainIDs := map[uint64]struct{}{}
	for i := range c.Networks {
		n := &c.Networks[i]
		if _, exists := networkIDs[n.ID]; exists {
			return fmt.Errorf("duplicate network id: %s", n.ID)
		}
		networkIDs[n.ID] = struct{}{}
		if _, exists := chainIDs[n.ChainID]; exists {
			return fmt.Errorf("duplicate chain id: %d", n.ChainID)
		}
		chainIDs[n.ChainID] = struct{}{}
		if err := n.Validate(); err != nil {
			return fmt.Errorf("network %s: %w", n.ID, err)
		}
	}
	if c.Global.Network == "" {
		c.Global.Network = c.Networks[0].ID
	}
	if _, ok := networkIDs[c.Global.Network]; !ok {
		return fmt.Errorf("global.network: unknown network %s", c.Global.Network)
	}
	if c.Global.DBPath == "" && c.Global.DBURL == "" {
		c.Global.DBPath = "chainforge.db"
	}
	for _, d := range []struct{ name, value string }{
		{"global.http_timeout", c.Global.HTTPTimeout},
		{"global.poll_interval", c.Global.PollInterval},
		{"backend.timeout", c.Backend.Timeout},
		{"artifacts.timeout", c.Artifacts.Timeout},
	} {
		if d.value == "" {
			continue
		}
		if _, err := time.ParseDuration(d.value); err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
	}

	if err := c.Backend.Validate(); err != nil {
		return fmt.Errorf("backend: %w", err)
	}
	if err := c.Artifacts.Validate(); err != nil {
		return fmt.Errorf("artifacts: %w", err)
	}

	sinkIDs := map[string]*Sink{}
	for i := range c.Sinks {
		s := &c.Sinks[i]
		if _, exists := sinkIDs[s.ID]; exists {
			return fmt.Errorf("duplicate sink id: %s", s.ID)
		}
		sinkIDs[s.ID] = s
		if err := s.Validate(); err != nil {
			return fmt.Errorf("sink %s: %w", s.ID, err)
		}
	}

	ruleIDs := map[string]struct{}{}
	for i := range c.Rules {
		r := &c.Rules[i]
		if _, exists := ruleIDs[r.ID]; exists {
			return fmt.Errorf("duplicate rule id: %s", r.ID)
		}
		ruleIDs[r.ID] = struct{}{}
		if err := r.Validate(sinkIDs); err != nil {
			return fmt.Errorf("rule %s: %w", r.ID, err)
		}
	}

	return nil
}

// Active returns the network selected by global.network.
func (c *Config) Active() Network {
	n, _ := c.NetworkByID(c.Global.Network)
	return n
}

// NetworkByID looks a network up by its configured id.
func (c *Config) NetworkByID(id string) (Network, bool) {
	for _, n := range c.Networks {
		if n.ID == id {
			return n, true
		}
	}
	return Network{}, false
}

// NetworkByChainID looks a network up by chain id.
func (c *Config) NetworkByChainID(chainID uint64) (Network, bool) {
	for _, n := range c.Networks {
		if n.ChainID == chainID {
			return n, true
		}
	}
	return Network{}, false
}

// Duration parses a validated duration field, falling back to def when empty.
func Duration(value string, def time.Duration) time.Duration {
	if value == "" {
		return def
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func (n *Network) Validate() error {
	if n.ID == "" {
		return errors.New("id is required")
	}
	if n.ChainID == 0 {
		return errors.New("chain_id is required")
	}
	if n.RPCURL == "" {
		return errors.New("rpc_url is required")
	}
	if n.NativeSymbol == "" {
		n.NativeSymbol = "ETH"
	}
	for sym, addr := range n.Contracts.Assets {
		if strings.EqualFold(sym, n.NativeSymbol) {
			return fmt.Errorf("asset %s shadows the native symbol", sym)
		}
		if !common.IsHexAddress(addr) {
			return fmt.Errorf("asset %s: invalid address %q", sym, addr)
		}
	}
	for cat, addr := range n.Contracts.Collectibles {
		if !knownCategory(cat) {
			return fmt.Errorf("unknown collectible category: %s", cat)
		}
		if !common.IsHexAddress(addr) {
			return fmt.Errorf("collectible %s: invalid address %q", cat, addr)
		}
	}
	for _, c := range []struct{ name, value string }{
		{"marketplace", n.Contracts.Marketplace},
		{"rewards", n.Contracts.Rewards},
		{"governance", n.Contracts.Governance},
	} {
		if c.value != "" && !common.IsHexAddress(c.value) {
			return fmt.Errorf("%s: invalid address %q", c.name, c.value)
		}
	}
	return nil
}

func (b *Backend) Validate() error {
	if b.BaseURL == "" {
		return errors.New("base_url is required")
	}
	return nil
}

func (a *Artifacts) Validate() error {
	switch strings.ToLower(a.Mode) {
	case "", "node":
		a.Mode = "node"
		if a.APIURL == "" {
			a.APIURL = "http://127.0.0.1:5001"
		}
	case "pinning":
		if a.APIURL == "" {
			return errors.New("api_url is required for pinning mode")
		}
		if a.GatewayURL == "" {
			return errors.New("gateway_url is required for pinning mode")
		}
	default:
		return fmt.Errorf("unsupported mode: %s", a.Mode)
	}
	if a.GatewayURL == "" {
		a.GatewayURL = "https://ipfs.io"
	}
	return nil
}

func (r *Rule) Validate(sinkIDs map[string]*Sink) error {
	if r.ID == "" {
		return errors.New("id is required")
	}
	if r.Event == "" {
		return errors.New("event is required")
	}
	if r.Contract != "" && !common.IsHexAddress(r.Contract) {
		return fmt.Errorf("invalid contract address %q", r.Contract)
	}
	if len(r.Sinks) == 0 {
		return errors.New("at least one sink is required")
	}
	for _, sinkID := range r.Sinks {
		if _, ok := sinkIDs[sinkID]; !ok {
			return fmt.Errorf("unknown sink: %s", sinkID)
		}
	}
	if r.Dedupe != nil {
		if r.Dedupe.Key == "" || r.Dedupe.TTL == "" {
			return errors.New("dedupe.key and dedupe.ttl are required when dedupe is set")
		}
	}
	if r.RateLimit != nil && (r.RateLimit.Capacity <= 0 || r.RateLimit.PerSecond <= 0) {
		return errors.New("rate_limit.capacity and rate_limit.per_second must be positive")
	}
	return nil
}

func (s *Sink) Validate() error {
	if s.ID == "" {
		return errors.New("id is required")
	}
	if s.Type == "" {
		return errors.New("type is required")
	}

	switch strings.ToLower(s.Type) {
	case "slack", "teams":
		if s.WebhookURL == "" {
			return errors.New("webhook_url is required for slack/teams sinks")
		}
	case "webhook":
		if s.URL == "" {
			return errors.New("url is required for webhook sink")
		}
		if s.Method == "" {
			s.Method = "POST"
		}
	default:
		return fmt.Errorf("unsupported sink type: %s", s.Type)
	}
	return nil
}

func knownCategory(c string) bool {
	for _, k := range Categories {
		if k == c {
			return true
		}
	}
	return false
}

func dedup(values []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// Package config loads and validates the engine's rule-based transform
// configuration from TOML or JSON.
package config

import (
	"encoding/json"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"

	apperrors "github.com/havenwall/dpifrag/pkg/errors"
)

// Protocol names the transport protocol a rule's match criteria targets.
type Protocol string

const (
	ProtocolTCP  Protocol = "tcp"
	ProtocolUDP  Protocol = "udp"
	ProtocolICMP Protocol = "icmp"
)

// TransformType names one of the transform pipeline's registered stages.
// Reorder is declared for config/wire compatibility but has no registered
// implementation; a rule naming it is accepted and simply skipped at
// pipeline-apply time, logged once per occurrence.
type TransformType string

const (
	TransformFragment             TransformType = "fragment"
	TransformResegment            TransformType = "resegment"
	TransformPadding              TransformType = "padding"
	TransformJitter               TransformType = "jitter"
	TransformHeaderNormalization  TransformType = "header_normalization"
	TransformDecoy                TransformType = "decoy"
	TransformReorder              TransformType = "reorder"
)

// MatchCriteria selects which flows a Rule applies to. A zero-value
// MatchCriteria matches everything (see IsCatchAll).
type MatchCriteria struct {
	DstIP     []string   `toml:"dst_ip,omitempty" json:"dst_ip,omitempty"`
	SrcIP     []string   `toml:"src_ip,omitempty" json:"src_ip,omitempty"`
	DstPorts  []uint16   `toml:"dst_ports,omitempty" json:"dst_ports,omitempty"`
	SrcPorts  []uint16   `toml:"src_ports,omitempty" json:"src_ports,omitempty"`
	Protocols []Protocol `toml:"protocols,omitempty" json:"protocols,omitempty"`
	Domains   []string   `toml:"domains,omitempty" json:"domains,omitempty"`
	Process   string     `toml:"process,omitempty" json:"process,omitempty"`
}

// IsCatchAll reports whether this criteria imposes no restriction at all.
func (m MatchCriteria) IsCatchAll() bool {
	return len(m.DstIP) == 0 && len(m.SrcIP) == 0 && len(m.DstPorts) == 0 &&
		len(m.SrcPorts) == 0 && len(m.Protocols) == 0 && len(m.Domains) == 0 && m.Process == ""
}

func (m MatchCriteria) validate() error {
	for _, ip := range m.DstIP {
		if _, err := parseIPOrPrefix(ip); err != nil {
			return fmt.Errorf("dst_ip: invalid IP/CIDR: %s", ip)
		}
	}
	for _, ip := range m.SrcIP {
		if _, err := parseIPOrPrefix(ip); err != nil {
			return fmt.Errorf("src_ip: invalid IP/CIDR: %s", ip)
		}
	}
	return nil
}

func parseIPOrPrefix(s string) (netip.Prefix, error) {
	if p, err := netip.ParsePrefix(s); err == nil {
		return p, nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// Rule is one entry in the pipeline's rule table: if MatchCriteria matches
// a flow, Transforms is applied to it in order.
type Rule struct {
	Name          string                 `toml:"name" json:"name"`
	Enabled       bool                   `toml:"enabled" json:"enabled"`
	Priority      int                    `toml:"priority" json:"priority"`
	MatchCriteria MatchCriteria          `toml:"match_criteria" json:"match_criteria"`
	Transforms    []TransformType        `toml:"transforms" json:"transforms"`
	Overrides     map[string]interface{} `toml:"overrides,omitempty" json:"overrides,omitempty"`
}

func (r Rule) validate() error {
	if r.Name == "" {
		return fmt.Errorf("name: cannot be empty")
	}
	if len(r.Transforms) == 0 {
		return fmt.Errorf("transforms: must specify at least one transform")
	}
	return r.MatchCriteria.validate()
}

// rawRule mirrors Rule but with a pointer Enabled field, so the zero value
// (field omitted from the document) can be told apart from an explicit
// `enabled = false` and defaulted to true, matching the engine's behavior.
type rawRule struct {
	Name          string                 `toml:"name" json:"name"`
	Enabled       *bool                  `toml:"enabled" json:"enabled"`
	Priority      int                    `toml:"priority" json:"priority"`
	MatchCriteria MatchCriteria          `toml:"match_criteria" json:"match_criteria"`
	Transforms    []TransformType        `toml:"transforms" json:"transforms"`
	Overrides     map[string]interface{} `toml:"overrides,omitempty" json:"overrides,omitempty"`
}

func (r *rawRule) toRule() Rule {
	enabled := true
	if r.Enabled != nil {
		enabled = *r.Enabled
	}
	return Rule{
		Name:          r.Name,
		Enabled:       enabled,
		Priority:      r.Priority,
		MatchCriteria: r.MatchCriteria,
		Transforms:    r.Transforms,
		Overrides:     r.Overrides,
	}
}

// UnmarshalJSON defaults Enabled to true when the field is absent.
func (r *Rule) UnmarshalJSON(data []byte) error {
	var raw rawRule
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*r = raw.toRule()
	return nil
}

// UnmarshalTOML defaults Enabled to true when the field is absent.
func (r *Rule) UnmarshalTOML(v interface{}) error {
	m, ok := v.(map[string]interface{})
	if !ok {
		return fmt.Errorf("rule: expected a table")
	}
	encoded, err := json.Marshal(m)
	if err != nil {
		return err
	}
	var raw rawRule
	if err := json.Unmarshal(encoded, &raw); err != nil {
		return err
	}
	*r = raw.toRule()
	return nil
}

// GlobalConfig holds the engine-wide feature toggles and logging settings.
type GlobalConfig struct {
	Enabled                   bool   `toml:"enabled" json:"enabled"`
	EnableFragmentation       bool   `toml:"enable_fragmentation" json:"enable_fragmentation"`
	EnableJitter              bool   `toml:"enable_jitter" json:"enable_jitter"`
	EnablePadding             bool   `toml:"enable_padding" json:"enable_padding"`
	EnableHeaderNormalization bool   `toml:"enable_header_normalization" json:"enable_header_normalization"`
	LogLevel                  string `toml:"log_level" json:"log_level"`
	JSONLogging               bool   `toml:"json_logging" json:"json_logging"`
}

// DefaultGlobalConfig matches the engine's built-in defaults.
func DefaultGlobalConfig() GlobalConfig {
	return GlobalConfig{
		Enabled:                   true,
		EnableFragmentation:       true,
		EnableJitter:              false,
		EnablePadding:             true,
		EnableHeaderNormalization: true,
		LogLevel:                  "info",
		JSONLogging:               false,
	}
}

// FragmentParams configures the fragment transform.
type FragmentParams struct {
	MinSize       int  `toml:"min_size" json:"min_size"`
	MaxSize       int  `toml:"max_size" json:"max_size"`
	SplitAtOffset *int `toml:"split_at_offset,omitempty" json:"split_at_offset,omitempty"`
	Randomize     bool `toml:"randomize" json:"randomize"`
}

func defaultFragmentParams() FragmentParams {
	return FragmentParams{MinSize: 1, MaxSize: 40, Randomize: true}
}

// ResegmentParams configures the resegment transform.
type ResegmentParams struct {
	SegmentSize int `toml:"segment_size" json:"segment_size"`
	MaxSegments int `toml:"max_segments" json:"max_segments"`
}

func defaultResegmentParams() ResegmentParams {
	return ResegmentParams{SegmentSize: 16, MaxSegments: 8}
}

// PaddingParams configures the padding transform.
type PaddingParams struct {
	MinBytes int   `toml:"min_bytes" json:"min_bytes"`
	MaxBytes int   `toml:"max_bytes" json:"max_bytes"`
	FillByte *byte `toml:"fill_byte,omitempty" json:"fill_byte,omitempty"`
}

func defaultPaddingParams() PaddingParams {
	return PaddingParams{MinBytes: 0, MaxBytes: 64}
}

// JitterParams configures the jitter transform.
type JitterParams struct {
	MinMS uint64 `toml:"min_ms" json:"min_ms"`
	MaxMS uint64 `toml:"max_ms" json:"max_ms"`
}

func defaultJitterParams() JitterParams {
	return JitterParams{MinMS: 0, MaxMS: 50}
}

// HeaderParams configures the header-normalization transform.
type HeaderParams struct {
	NormalizeTTL    bool `toml:"normalize_ttl" json:"normalize_ttl"`
	TTLValue        byte `toml:"ttl_value" json:"ttl_value"`
	NormalizeWindow bool `toml:"normalize_window" json:"normalize_window"`
	RandomizeIPID   bool `toml:"randomize_ip_id" json:"randomize_ip_id"`
}

func defaultHeaderParams() HeaderParams {
	return HeaderParams{NormalizeTTL: false, TTLValue: 64, NormalizeWindow: false, RandomizeIPID: true}
}

// DecoyParams configures the decoy transform.
type DecoyParams struct {
	SendBefore  bool    `toml:"send_before" json:"send_before"`
	SendAfter   bool    `toml:"send_after" json:"send_after"`
	TTL         byte    `toml:"ttl" json:"ttl"`
	Probability float32 `toml:"probability" json:"probability"`
}

func defaultDecoyParams() DecoyParams {
	return DecoyParams{SendBefore: false, SendAfter: false, TTL: 1, Probability: 0.0}
}

// TransformParams bundles every transform's configuration together.
type TransformParams struct {
	Fragment  FragmentParams  `toml:"fragment" json:"fragment"`
	Resegment ResegmentParams `toml:"resegment" json:"resegment"`
	Padding   PaddingParams   `toml:"padding" json:"padding"`
	Jitter    JitterParams    `toml:"jitter" json:"jitter"`
	Header    HeaderParams    `toml:"header" json:"header"`
	Decoy     DecoyParams     `toml:"decoy" json:"decoy"`
}

// DefaultTransformParams matches the engine's built-in defaults.
func DefaultTransformParams() TransformParams {
	return TransformParams{
		Fragment:  defaultFragmentParams(),
		Resegment: defaultResegmentParams(),
		Padding:   defaultPaddingParams(),
		Jitter:    defaultJitterParams(),
		Header:    defaultHeaderParams(),
		Decoy:     defaultDecoyParams(),
	}
}

// Limits bounds resource usage and caps unsafe configuration values.
type Limits struct {
	MaxFlows       int    `toml:"max_flows" json:"max_flows"`
	MaxQueueSize   int    `toml:"max_queue_size" json:"max_queue_size"`
	MaxMemoryMB    int    `toml:"max_memory_mb" json:"max_memory_mb"`
	MaxJitterMS    uint64 `toml:"max_jitter_ms" json:"max_jitter_ms"`
	FlowTimeoutSec uint64 `toml:"flow_timeout_secs" json:"flow_timeout_secs"`
	LogRateLimit   uint32 `toml:"log_rate_limit" json:"log_rate_limit"`
}

// DefaultLimits matches the engine's built-in defaults.
func DefaultLimits() Limits {
	return Limits{
		MaxFlows:       10_000,
		MaxQueueSize:   1_000,
		MaxMemoryMB:    128,
		MaxJitterMS:    500,
		FlowTimeoutSec: 120,
		LogRateLimit:   100,
	}
}

// Config is the full, validated engine configuration.
type Config struct {
	Global     GlobalConfig    `toml:"global" json:"global"`
	Rules      []Rule          `toml:"rules" json:"rules"`
	Limits     Limits          `toml:"limits" json:"limits"`
	Transforms TransformParams `toml:"transforms" json:"transforms"`
}

// Default returns the engine's built-in default configuration.
func Default() Config {
	return Config{
		Global:     DefaultGlobalConfig(),
		Rules:      nil,
		Limits:     DefaultLimits(),
		Transforms: DefaultTransformParams(),
	}
}

// LoadFromFile loads and validates a Config from a .toml or .json file,
// selecting the format by extension.
func LoadFromFile(path string) (Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return Config{}, apperrors.NewConfigInvalid(fmt.Sprintf("cannot read %s: %v", path, err))
	}

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		cfg, err = FromTOML(string(content))
	} else {
		cfg, err = FromJSON(string(content))
	}
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// FromJSON parses and validates a Config from a JSON document.
func FromJSON(data string) (Config, error) {
	cfg := Default()
	if err := json.Unmarshal([]byte(data), &cfg); err != nil {
		return Config{}, apperrors.NewConfigInvalid(fmt.Sprintf("invalid JSON config: %v", err))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// FromTOML parses and validates a Config from a TOML document.
func FromTOML(data string) (Config, error) {
	cfg := Default()
	if err := toml.Unmarshal([]byte(data), &cfg); err != nil {
		return Config{}, apperrors.NewConfigInvalid(fmt.Sprintf("invalid TOML config: %v", err))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks invariants that the zero value / JSON decoder cannot
// enforce by construction: positive resource bounds, coherent fragment
// sizes, jitter within its safety limit, and well-formed rules.
func (c Config) Validate() error {
	if c.Limits.MaxFlows <= 0 {
		return apperrors.NewConfigInvalid("limits.max_flows: must be > 0")
	}
	if c.Limits.MaxQueueSize <= 0 {
		return apperrors.NewConfigInvalid("limits.max_queue_size: must be > 0")
	}
	if c.Limits.MaxMemoryMB <= 0 {
		return apperrors.NewConfigInvalid("limits.max_memory_mb: must be > 0")
	}
	if c.Transforms.Fragment.MinSize <= 0 {
		return apperrors.NewConfigInvalid("transforms.fragment.min_size: must be > 0")
	}
	if c.Transforms.Fragment.MaxSize < c.Transforms.Fragment.MinSize {
		return apperrors.NewConfigInvalid("transforms.fragment.max_size: must be >= min_size")
	}
	if c.Transforms.Jitter.MaxMS > c.Limits.MaxJitterMS {
		return apperrors.NewConfigInvalid(fmt.Sprintf(
			"transforms.jitter.max_ms: exceeds safety limit of %dms", c.Limits.MaxJitterMS))
	}
	if c.Transforms.Padding.MaxBytes > 1500 {
		return apperrors.NewConfigInvalid("transforms.padding.max_bytes: exceeds MTU (1500 bytes)")
	}
	for i, rule := range c.Rules {
		if err := rule.validate(); err != nil {
			return apperrors.NewConfigInvalid(fmt.Sprintf("rules[%d]: %v", i, err))
		}
	}
	return nil
}

// Merge replaces global/limits/transforms wholesale from other, and
// replaces the rule set only if other declares at least one rule.
func (c *Config) Merge(other Config) {
	if len(other.Rules) > 0 {
		c.Rules = other.Rules
	}
	c.Global = other.Global
	c.Limits = other.Limits
	c.Transforms = other.Transforms
}

package config

import (
	"strings"
	"testing"
)

const validYAML = `
general:
  current_provider: openai
providers:
  openai:
    model: gpt-4o-mini
    api_key: ${TEST_OPENAI_KEY}
    pricing:
      gpt-4o-mini:
        input_per_mtok: 0.15
        output_per_mtok: 0.60
personalities:
  directory: ./personalities
  default_personality_id: default
core_runtime:
  max_steps_per_plan: 10
  fail_fast: false
server:
  listen_addr: ":9090"
`

func TestParseExpandsEnvAndAppliesDefaults(t *testing.T) {
	t.Setenv("TEST_OPENAI_KEY", "sk-test-value")

	cfg, err := Parse([]byte(validYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if got := cfg.Providers["openai"].APIKey; got != "sk-test-value" {
		t.Errorf("api_key = %q", got)
	}
	if cfg.CoreRuntime.MaxStepsPerPlan != 10 {
		t.Errorf("max_steps_per_plan = %d", cfg.CoreRuntime.MaxStepsPerPlan)
	}
	if cfg.CoreRuntime.FailFast {
		t.Error("fail_fast should be overridden to false")
	}
	// Unspecified keys keep their defaults.
	if cfg.CoreRuntime.MaxTurnDurationSeconds != 120 {
		t.Errorf("max_turn_duration_seconds = %d", cfg.CoreRuntime.MaxTurnDurationSeconds)
	}
	if cfg.Server.ListenAddr != ":9090" {
		t.Errorf("listen_addr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Providers["openai"].Pricing["gpt-4o-mini"].OutputPerMTok != 0.60 {
		t.Errorf("pricing = %+v", cfg.Providers["openai"].Pricing)
	}
}

func TestParseFailsOnUnsetEnvVar(t *testing.T) {
	_, err := Parse([]byte(validYAML))
	if err == nil {
		t.Fatal("expected error for unset TEST_OPENAI_KEY")
	}
	if !strings.Contains(err.Error(), "TEST_OPENAI_KEY") {
		t.Errorf("error does not name the variable: %v", err)
	}
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	t.Setenv("TEST_OPENAI_KEY", "sk-test-value")
	yaml := validYAML + "\nunknown_section:\n  foo: bar\n"
	if _, err := Parse([]byte(yaml)); err == nil {
		t.Fatal("expected error for unknown top-level key")
	}
}

func TestValidate(t *testing.T) {
	t.Setenv("TEST_OPENAI_KEY", "sk-test-value")
	base, err := Parse([]byte(validYAML))
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing current provider", func(c *Config) { c.General.CurrentProvider = "" }, "current_provider"},
		{"unconfigured current provider", func(c *Config) { c.General.CurrentProvider = "groq" }, "groq"},
		{"missing api key", func(c *Config) {
			p := c.Providers["openai"]
			p.APIKey = ""
			c.Providers["openai"] = p
		}, "api_key"},
		{"missing model", func(c *Config) {
			p := c.Providers["openai"]
			p.Model = ""
			c.Providers["openai"] = p
		}, "model"},
		{"zero step budget", func(c *Config) { c.CoreRuntime.MaxStepsPerPlan = 0 }, "max_steps_per_plan"},
		{"redis enabled without url", func(c *Config) {
			c.Memory.RedisEnabled = true
			c.Redis.URL = ""
		}, "redis.url"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base
			cfg.Providers = map[string]ProviderConfig{"openai": base.Providers["openai"]}
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error = %v, want mention of %q", err, tc.want)
			}
		})
	}
}

func TestSerializeRoundTrip(t *testing.T) {
	t.Setenv("TEST_OPENAI_KEY", "sk-test-value")
	cfg, err := Parse([]byte(validYAML))
	if err != nil {
		t.Fatal(err)
	}

	data, err := Serialize(cfg)
	if err != nil {
		t.Fatal(err)
	}
	back, err := Parse(data)
	if err != nil {
		t.Fatalf("re-parse serialized config: %v", err)
	}
	if back.General.CurrentProvider != cfg.General.CurrentProvider {
		t.Errorf("current_provider = %q", back.General.CurrentProvider)
	}
	if back.Server.ListenAddr != cfg.Server.ListenAddr {
		t.Errorf("listen_addr = %q", back.Server.ListenAddr)
	}
	if back.CoreRuntime != cfg.CoreRuntime {
		t.Errorf("core_runtime = %+v, want %+v", back.CoreRuntime, cfg.CoreRuntime)
	}
}

func TestDurationFallbacks(t *testing.T) {
	var core CoreRuntimeConfig
	if core.MaxTurnDuration().Seconds() != 120 {
		t.Errorf("MaxTurnDuration = %v", core.MaxTurnDuration())
	}
	if core.StepTimeout().Seconds() != 60 {
		t.Errorf("StepTimeout = %v", core.StepTimeout())
	}
	var p ProviderConfig
	if p.RequestTimeout().Seconds() != 60 {
		t.Errorf("RequestTimeout = %v", p.RequestTimeout())
	}
}

package providers

import (
	"testing"

	"github.com/agentshell/agentshell/internal/config"
	"github.com/agentshell/agentshell/internal/observability"
)

func testFactory() *Factory {
	cfg := map[string]config.ProviderConfig{
		"openai":    {APIKey: "test-key", Model: "gpt-4o-mini"},
		"anthropic": {APIKey: "test-key", Model: "claude-sonnet-4-5"},
		"groq":      {APIKey: "test-key", Model: "llama-3.3-70b-versatile"},
	}
	return NewFactory(cfg, nil, observability.NewNopLogger())
}

func TestFactoryBuildsConfiguredProviders(t *testing.T) {
	f := testFactory()
	for _, name := range []string{"openai", "anthropic", "groq"} {
		a, err := f.Get(name)
		if err != nil {
			t.Fatalf("Get(%s): %v", name, err)
		}
		if a.Name() != name {
			t.Errorf("Name() = %q, want %q", a.Name(), name)
		}
	}
}

func TestFactoryCachesInstances(t *testing.T) {
	f := testFactory()
	a1, _ := f.Get("openai")
	a2, _ := f.Get("openai")
	if a1 != a2 {
		t.Error("factory returned distinct instances for same provider")
	}
}

func TestFactoryRejectsUnknownProvider(t *testing.T) {
	f := testFactory()
	if _, err := f.Get("cohere"); err == nil {
		t.Error("expected error for unconfigured provider")
	}
}

func TestFactoryNamesSorted(t *testing.T) {
	names := testFactory().Names()
	want := []string{"anthropic", "groq", "openai"}
	if len(names) != len(want) {
		t.Fatalf("Names() = %v", names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("Names()[%d] = %q, want %q", i, names[i], want[i])
		}
	}
}

func TestFactoryCloseAllClearsCache(t *testing.T) {
	f := testFactory()
	a1, _ := f.Get("openai")
	if err := f.CloseAll(); err != nil {
		t.Fatalf("CloseAll: %v", err)
	}
	a2, _ := f.Get("openai")
	if a1 == a2 {
		t.Error("cache not cleared by CloseAll")
	}
}

func TestPriceTableCost(t *testing.T) {
	table := NewPriceTable(map[string]config.ModelPricing{
		"gpt-4o": {InputPerMTok: 2.50, OutputPerMTok: 10.00},
	})

	got := table.Cost("gpt-4o", 1_000_000, 1_000_000)
	if got != 12.50 {
		t.Errorf("Cost = %v, want 12.50", got)
	}

	// Linear in both token counts.
	half := table.Cost("gpt-4o", 500_000, 500_000)
	if half != 6.25 {
		t.Errorf("Cost = %v, want 6.25", half)
	}

	if table.Cost("unknown-model", 1000, 1000) != 0 {
		t.Error("unpriced model should cost zero")
	}
	if table.Cost("gpt-4o", 0, 0) != 0 {
		t.Error("zero tokens should cost zero")
	}
}

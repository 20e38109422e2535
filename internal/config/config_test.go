package config

import (
	"strings"
	"testing"
)

func TestDefaultRoundTrip(t *testing.T) {
	cfg, err := FromYAML([]byte(GenerateDefault("coord-1")))
	if err != nil {
		t.Fatalf("parse default config: %v", err)
	}
	if cfg.Coordinator.ID != "coord-1" {
		t.Fatalf("coordinator id = %q", cfg.Coordinator.ID)
	}
	if len(cfg.Documents.Required) == 0 {
		t.Fatal("default config has no required documents")
	}
	for _, kind := range cfg.Documents.Required {
		if _, ok := cfg.Documents.Catalog[kind]; !ok {
			t.Fatalf("required kind %s missing from catalog", kind)
		}
	}
	if cfg.Projections.RetryBudget != 3 {
		t.Fatalf("retry budget = %d", cfg.Projections.RetryBudget)
	}
}

func TestValidateRejectsUncataloguedRequiredKind(t *testing.T) {
	yml := `coordinator:
  id: coord-1
documents:
  catalog:
    title.deed:
      description: "deed"
  required: [title.deed, parking.permit]
`
	_, err := FromYAML([]byte(yml))
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "parking.permit") {
		t.Fatalf("error does not name the offending kind: %v", err)
	}
}

func TestValidateRequiresCoordinatorID(t *testing.T) {
	_, err := FromYAML([]byte("documents:\n  required: []\n"))
	if err == nil {
		t.Fatal("expected validation error")
	}
}

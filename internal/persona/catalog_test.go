package persona

import "testing"

func TestCatalogLoads(t *testing.T) {
	all := All()
	if len(all) == 0 {
		t.Fatal("persona catalog is empty")
	}
	for i, p := range all {
		if p.Type == "" || p.Goal == "" {
			t.Fatalf("persona %d incomplete: %+v", i, p)
		}
	}
}

func TestRandomReturnsCatalogEntry(t *testing.T) {
	known := make(map[string]bool)
	for _, p := range All() {
		known[p.Type] = true
	}
	for i := 0; i < 20; i++ {
		if p := Random(); !known[p.Type] {
			t.Fatalf("Random returned unknown persona %+v", p)
		}
	}
}

func TestScenarioDescription(t *testing.T) {
	if _, ok := Scenarios()[DefaultScenario]; !ok {
		t.Fatalf("default scenario %q missing from catalog", DefaultScenario)
	}
	if got := ScenarioDescription(DefaultScenario); got == "" {
		t.Fatal("default scenario has no description")
	}
	if got := ScenarioDescription("no_such_scenario"); got != "일반적인 제품 상담" {
		t.Fatalf("fallback = %q", got)
	}
}

func TestAllReturnsCopy(t *testing.T) {
	first := All()
	first[0].Type = "mutated"
	if All()[0].Type == "mutated" {
		t.Fatal("All exposes internal catalog state")
	}
}

// Package persona holds the read-only customer persona and scenario
// catalogs used by the simulation engine. Both are embedded at build
// time and never mutated after load.
package persona

import (
	_ "embed"
	"encoding/json"
	"math/rand"

	"github.com/lxplabs/ai-fabric/internal/session"
)

//go:embed personas.json
var personasRaw []byte

//go:embed scenarios.json
var scenariosRaw []byte

// DefaultScenario describes a session started without an explicit
// scenario id.
const DefaultScenario = "intro_meeting"

const genericScenarioDescription = "일반적인 제품 상담"

var (
	personas  []session.Persona
	scenarios map[string]string
)

func init() {
	if err := json.Unmarshal(personasRaw, &personas); err != nil {
		panic("persona: bad embedded catalog: " + err.Error())
	}
	if err := json.Unmarshal(scenariosRaw, &scenarios); err != nil {
		panic("persona: bad embedded scenarios: " + err.Error())
	}
}

// All returns the full persona catalog.
func All() []session.Persona {
	out := make([]session.Persona, len(personas))
	copy(out, personas)
	return out
}

// Random picks a persona uniformly at random.
func Random() session.Persona {
	return personas[rand.Intn(len(personas))]
}

// Scenarios returns the scenario catalog keyed by id.
func Scenarios() map[string]string {
	out := make(map[string]string, len(scenarios))
	for k, v := range scenarios {
		out[k] = v
	}
	return out
}

// ScenarioDescription resolves a scenario id to its prompt text,
// falling back to a generic consultation for unknown ids.
func ScenarioDescription(id string) string {
	if desc, ok := scenarios[id]; ok {
		return desc
	}
	return genericScenarioDescription
}

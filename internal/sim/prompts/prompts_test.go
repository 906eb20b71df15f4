package prompts

import (
	"strings"
	"testing"
)

func testPersona() PersonaContext {
	return PersonaContext{
		Type:        "신중한 실용주의자",
		Gender:      "남성",
		AgeGroup:    "40대",
		Personality: "꼼꼼하고 비교를 좋아함",
		Tech:        "중간",
		Goal:        "세탁기 교체",
		Usage:       "가족용",
		Scenario:    "첫 방문 상담",
	}
}

func TestSystemPromptSubstitution(t *testing.T) {
	got, err := System(testPersona())
	if err != nil {
		t.Fatal(err)
	}
	for _, field := range []string{"신중한 실용주의자", "40대", "세탁기 교체", "첫 방문 상담"} {
		if !strings.Contains(got, field) {
			t.Fatalf("system prompt missing %q", field)
		}
	}
	if strings.Contains(got, "{{") {
		t.Fatal("unexpanded placeholder in system prompt")
	}
}

func TestGreetingPromptSubstitution(t *testing.T) {
	got, err := Greeting(testPersona())
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(got, "신중한 실용주의자") {
		t.Fatal("greeting prompt missing persona type")
	}
	if strings.Contains(got, "{{") {
		t.Fatal("unexpanded placeholder in greeting prompt")
	}
}

func TestAnalysisPromptIncludesTranscript(t *testing.T) {
	transcript := "판매자: 어서오세요\nAI: 네, 세탁기 보러 왔어요"
	got, err := Analysis(transcript)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(got, transcript) {
		t.Fatal("analysis prompt missing transcript")
	}
	if strings.Contains(got, "{{") {
		t.Fatal("unexpanded placeholder in analysis prompt")
	}
}

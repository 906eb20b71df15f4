package sim

import (
	"strings"
	"testing"

	"github.com/lxplabs/ai-fabric/internal/session"
)

func TestExtractScore(t *testing.T) {
	cases := []struct {
		name string
		text string
		want float64
	}{
		{"labeled total", "평가 결과입니다.\n총점: 85\n개선점: ...", 85},
		{"labeled total decimal", "총점 72.5", 72.5},
		{"score label", "점수: 64", 64},
		{"out of hundred", "최종 88/100 입니다", 88},
		{"points suffix", "이번 세션은 91점입니다", 91},
		{"over range ignored", "총점: 250", 0},
		{"no score", "점수를 매길 수 없습니다", 0},
		{"total beats points suffix", "총점: 80\n공감 능력 30점", 80},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ExtractScore(tc.text); got != tc.want {
				t.Fatalf("ExtractScore(%q) = %v, want %v", tc.text, got, tc.want)
			}
		})
	}
}

func TestStripReplyPrefixes(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"고객: 네, 좋아요", "네, 좋아요"},
		{"고객(나): 흠, 가격이 좀...", "흠, 가격이 좀..."},
		{"AI: 알겠습니다", "알겠습니다"},
		{"응답: 그건 좀 부담되네요", "그건 좀 부담되네요"},
		{"그냥 일반 답변", "그냥 일반 답변"},
	}
	for _, tc := range cases {
		if got := stripReplyPrefixes(tc.in); got != tc.want {
			t.Fatalf("stripReplyPrefixes(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestShouldAutoClose(t *testing.T) {
	seller := func(msg string) session.Turn { return session.Turn{Role: session.RoleSeller, Content: msg} }
	ai := func(msg string) session.Turn { return session.Turn{Role: session.RoleAI, Content: msg} }

	long := make([]session.Turn, 0, MinDialogueLength)
	for len(long) < MinDialogueLength-1 {
		long = append(long, seller("질문"), ai("답변"))
	}

	t.Run("too short", func(t *testing.T) {
		h := []session.Turn{seller("안녕하세요"), ai("네 " + EndPhrase)}
		if shouldAutoClose(h) {
			t.Fatal("closed a short conversation")
		}
	})

	t.Run("long without phrase", func(t *testing.T) {
		h := append(append([]session.Turn{}, long...), ai("계속 이야기해요"))
		if shouldAutoClose(h) {
			t.Fatal("closed without end phrase")
		}
	})

	t.Run("long with phrase", func(t *testing.T) {
		h := append(append([]session.Turn{}, long...), ai("오늘 상담 감사했습니다. "+EndPhrase))
		if !shouldAutoClose(h) {
			t.Fatal("did not close")
		}
	})

	t.Run("phrase from seller does not close", func(t *testing.T) {
		h := append(append([]session.Turn{}, long...), seller(EndPhrase))
		if shouldAutoClose(h) {
			t.Fatal("closed on a seller turn")
		}
	})
}

func TestTranscriptLabels(t *testing.T) {
	h := []session.Turn{
		{Role: session.RoleAI, Content: "어서오세요"},
		{Role: session.RoleSeller, Content: "무엇을 찾으세요?"},
	}
	got := Transcript(h)
	want := "AI: 어서오세요\n판매자: 무엇을 찾으세요?"
	if got != want {
		t.Fatalf("Transcript = %q, want %q", got, want)
	}
}

func TestStripQuotes(t *testing.T) {
	if got := stripQuotes(`"안녕하세요, 뭐 보러 오셨어요?"`); strings.ContainsAny(got, `"'`) {
		t.Fatalf("quotes left in %q", got)
	}
}

package indexer

import (
	"strings"
	"testing"
	"unicode/utf8"
)

// Payload text is predominantly Korean; the cap must land on a rune
// boundary, never inside a UTF-8 sequence.
func TestTruncateRunesKeepsBoundary(t *testing.T) {
	long := strings.Repeat("세", MaxPayloadText+7)
	got := truncateRunes(long, MaxPayloadText)
	if !utf8.ValidString(got) {
		t.Fatal("truncated text is not valid UTF-8")
	}
	if n := utf8.RuneCountInString(got); n != MaxPayloadText {
		t.Fatalf("rune count = %d, want %d", n, MaxPayloadText)
	}

	short := "짧은 텍스트"
	if truncateRunes(short, MaxPayloadText) != short {
		t.Fatal("short text must pass through unchanged")
	}
}

func TestDetectCSVKind(t *testing.T) {
	cases := []struct {
		name    string
		headers []string
		want    string
	}{
		{"course", []string{"course_id", "course_title", "topic"}, KindCourse},
		{"course mixed case", []string{"Course_ID", "Course_Title"}, KindCourse},
		{"user", []string{"user_id", "preferred_language", "age"}, KindUser},
		{"generic", []string{"name", "value"}, KindGeneric},
		{"user_id alone is generic", []string{"user_id", "name"}, KindGeneric},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := DetectCSVKind(tc.headers); got != tc.want {
				t.Fatalf("DetectCSVKind(%v) = %q, want %q", tc.headers, got, tc.want)
			}
		})
	}
}

func TestParseCSV(t *testing.T) {
	data := []byte("course_id,course_title,topic\nc1,Intro to Go,programming\nc2,Advanced SQL,databases\n")
	rows, err := ParseCSV(data)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d", len(rows))
	}
	if rows[0]["course_title"] != "Intro to Go" || rows[1]["topic"] != "databases" {
		t.Fatalf("rows = %v", rows)
	}
}

func TestParseCSVShortRow(t *testing.T) {
	data := []byte("a,b,c\n1,2\n")
	rows, err := ParseCSV(data)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows = %d", len(rows))
	}
	if rows[0]["a"] != "1" || rows[0]["b"] != "2" {
		t.Fatalf("row = %v", rows[0])
	}
	if _, ok := rows[0]["c"]; ok {
		t.Fatal("missing cell should be absent, not empty")
	}
}

func TestParseCSVHeaderOnly(t *testing.T) {
	rows, err := ParseCSV([]byte("a,b,c\n"))
	if err != nil {
		t.Fatal(err)
	}
	if rows != nil {
		t.Fatalf("rows = %v", rows)
	}
}

func TestRowTextCourse(t *testing.T) {
	row := map[string]string{
		"course_id":    "c1",
		"course_title": "Intro to Go",
		"topic":        "programming",
		"difficulty":   "",
	}
	text := RowText(KindCourse, row)
	if !strings.Contains(text, "course title: Intro to Go") {
		t.Fatalf("text = %q", text)
	}
	if !strings.Contains(text, "topic: programming") {
		t.Fatalf("text = %q", text)
	}
	// course_id is payload-only, empty fields are skipped
	if strings.Contains(text, "c1") || strings.Contains(text, "difficulty") {
		t.Fatalf("text = %q", text)
	}
}

func TestRowTextGeneric(t *testing.T) {
	row := map[string]string{"name": "widget", "blank": " "}
	text := RowText(KindGeneric, row)
	if text != "name: widget" {
		t.Fatalf("text = %q", text)
	}
}

func TestRowPayload(t *testing.T) {
	row := map[string]string{
		"course_id":    "c1",
		"course_title": "Intro to Go",
		"instructor":   "someone",
	}
	payload := RowPayload(KindCourse, row)
	if payload["type"] != KindCourse {
		t.Fatalf("type = %v", payload["type"])
	}
	if payload["course_id"] != "c1" {
		t.Fatalf("payload = %v", payload)
	}
	if _, ok := payload["instructor"]; ok {
		t.Fatal("unlisted column leaked into payload")
	}

	generic := RowPayload(KindGeneric, row)
	if len(generic) != 1 || generic["type"] != KindGeneric {
		t.Fatalf("generic payload = %v", generic)
	}
}

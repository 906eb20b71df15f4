package envelope

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestTaskValidate(t *testing.T) {
	valid := Task{
		JobID:       NewJobID(),
		UserID:      "u1",
		Function:    FunctionAssist,
		SubFunction: "qa",
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid task rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Task)
	}{
		{"missing job_id", func(tk *Task) { tk.JobID = "" }},
		{"missing user_id", func(tk *Task) { tk.UserID = "" }},
		{"unknown function", func(tk *Task) { tk.Function = "rewrite" }},
		{"unknown sub_function", func(tk *Task) { tk.SubFunction = "rewrite" }},
		{"sub_function from other function", func(tk *Task) { tk.SubFunction = "ko-en" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tk := valid
			tc.mutate(&tk)
			if err := tk.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestTaskRoutingKey(t *testing.T) {
	tk := Task{Function: FunctionTranslate, SubFunction: "ko-en"}
	if got := tk.RoutingKey(); got != "translate.ko-en" {
		t.Fatalf("routing key = %q", got)
	}
}

func TestNewJobIDShape(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewJobID()
		if len(id) != 32 {
			t.Fatalf("job id length = %d, want 32", len(id))
		}
		if strings.ToLower(id) != id {
			t.Fatalf("job id not lowercase hex: %q", id)
		}
		if seen[id] {
			t.Fatalf("duplicate job id %q", id)
		}
		seen[id] = true
	}
}

func TestDecodeTaskRejectsUnknownFunction(t *testing.T) {
	if _, err := DecodeTask([]byte(`{"job_id":"a","user_id":"u","function":"nope"}`)); err == nil {
		t.Fatal("expected unknown function error")
	}
	if _, err := DecodeTask([]byte(`{not json`)); err == nil {
		t.Fatal("expected json error")
	}
}

func TestDecodeTaskKeepsExtensions(t *testing.T) {
	body := []byte(`{"job_id":"a","user_id":"u","function":"assist","sub_function":"qa","extensions":{"trace":"\"abc\""}}`)
	tk, err := DecodeTask(body)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := tk.Extensions["trace"]; !ok {
		t.Fatal("extensions dropped on decode")
	}
}

func TestResultRoutingKey(t *testing.T) {
	if got := ResultRoutingKey(FunctionAssist, EventSucceeded); got != "assist.succeeded" {
		t.Fatalf("routing key = %q", got)
	}
	if got := ResultRoutingKey("", EventFailed); got != "task.failed" {
		t.Fatalf("routing key without function = %q", got)
	}
}

func TestDecodeResultRequiresCorrelation(t *testing.T) {
	if _, err := DecodeResult([]byte(`{"event":"message","seq":0}`)); err == nil {
		t.Fatal("expected missing correlation error")
	}
	r, err := DecodeResult([]byte(`{"session_id":"s1","event":"message","seq":3,"data":"hi"}`))
	if err != nil {
		t.Fatal(err)
	}
	if r.SessionID != "s1" || r.Seq != 3 || r.Chunk != "hi" {
		t.Fatalf("decoded result = %+v", r)
	}
}

func TestMarshalCanonicalSortsKeys(t *testing.T) {
	a, err := MarshalCanonical(map[string]int{"zeta": 1, "alpha": 2, "mid": 3})
	if err != nil {
		t.Fatal(err)
	}
	if string(a) != `{"alpha":2,"mid":3,"zeta":1}` {
		t.Fatalf("canonical output = %s", a)
	}
}

func TestMarshalCanonicalNoHTMLEscape(t *testing.T) {
	out, err := MarshalCanonical(map[string]string{"p": "<대화 종료>"})
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Contains(out, []byte("<대화 종료>")) {
		t.Fatalf("angle brackets escaped: %s", out)
	}
}

func TestMarshalCanonicalStable(t *testing.T) {
	tk := Task{
		JobID:       "j",
		UserID:      "u",
		Function:    FunctionCoach,
		SubFunction: "plan",
		Params:      map[string]interface{}{"b": 1, "a": 2},
		CreatedAt:   time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	first, err := MarshalCanonical(tk)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		again, err := MarshalCanonical(tk)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(first, again) {
			t.Fatalf("output not stable:\n%s\n%s", first, again)
		}
	}
}

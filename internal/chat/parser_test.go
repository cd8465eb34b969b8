package chat

import (
	"errors"
	"reflect"
	"testing"
)

func TestParseReplyScenario(t *testing.T) {
	reply, err := ParseReply("안녕!\n1. 잘 지냈어?\n2. 밥 먹었어?\n3. 뭐해?\n다른 이야기를 해보고 싶어-")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if reply.Message != "안녕!" {
		t.Fatalf("unexpected message %q", reply.Message)
	}
	want := []string{"잘 지냈어?", "밥 먹었어?", "뭐해?", "다른 이야기를 해보고 싶어-"}
	if !reflect.DeepEqual(reply.Choices, want) {
		t.Fatalf("unexpected choices %q", reply.Choices)
	}
}

func TestParseReplyEmpty(t *testing.T) {
	for _, raw := range []string{"", "\n\n", "  \n\t\n"} {
		reply, err := ParseReply(raw)
		if !errors.Is(err, ErrEmptyResponse) {
			t.Fatalf("%q: expected ErrEmptyResponse, got %v", raw, err)
		}
		if reply.Message != "" || len(reply.Choices) != 0 {
			t.Fatalf("%q: expected nothing emitted, got %+v", raw, reply)
		}
	}
}

func TestParseReplyDropsBlankAndExtraLines(t *testing.T) {
	raw := "반가워\r\n\r\n1.첫째\n\n2.   둘째  \n3. 셋째\n4. 넷째\n5. 다섯째\n여섯째"
	reply, err := ParseReply(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if reply.Message != "반가워" {
		t.Fatalf("unexpected message %q", reply.Message)
	}
	want := []string{"첫째", "둘째", "셋째", "넷째"}
	if !reflect.DeepEqual(reply.Choices, want) {
		t.Fatalf("unexpected choices %q", reply.Choices)
	}
}

func TestParseReplyMessageOnly(t *testing.T) {
	reply, err := ParseReply("  혼자 말하기  ")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if reply.Message != "  혼자 말하기  " {
		t.Fatalf("message should be verbatim, got %q", reply.Message)
	}
	if len(reply.Choices) != 0 {
		t.Fatalf("expected no choices, got %q", reply.Choices)
	}
}

func TestParseReplyKeepsEnumerationOnlySlot(t *testing.T) {
	reply, err := ParseReply("안녕!\n1. 잘 지냈어?\n2.\n3. 뭐해?")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := []string{"잘 지냈어?", "", "뭐해?"}
	if !reflect.DeepEqual(reply.Choices, want) {
		t.Fatalf("unexpected choices %q", reply.Choices)
	}

	set := choiceSet{texts: reply.Choices, selected: -1, offered: true}
	if _, err := set.resolve(1, ""); !errors.Is(err, ErrChoiceUnavailable) {
		t.Fatalf("empty slot should not be selectable, got %v", err)
	}
	if text, err := set.resolve(2, ""); err != nil || text != "뭐해?" {
		t.Fatalf("expected third choice to keep its index, got %q %v", text, err)
	}
}

package protocol

import (
	"errors"
	"testing"
)

func TestParseClientMessageTurn(t *testing.T) {
	raw := []byte(`{"type":"client_turn","session_id":"s1","text":"what is a fraction","duration_ms":900,"confidence":0.9,"end_of_speech":true,"ts_ms":123}`)
	msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}

	turn, ok := msg.(ClientTurn)
	if !ok {
		t.Fatalf("message type = %T, want ClientTurn", msg)
	}
	if turn.SessionID != "s1" || turn.Text != "what is a fraction" {
		t.Fatalf("unexpected turn: %+v", turn)
	}
	if !turn.EndOfSpeech {
		t.Fatalf("EndOfSpeech = false, want true")
	}
	if turn.DurationMS != 900 {
		t.Fatalf("DurationMS = %d, want 900", turn.DurationMS)
	}
}

func TestParseClientMessageControl(t *testing.T) {
	raw := []byte(`{"type":"client_control","session_id":"s1","action":"cancel"}`)
	msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}

	control, ok := msg.(ClientControl)
	if !ok {
		t.Fatalf("message type = %T, want ClientControl", msg)
	}
	if control.SessionID != "s1" || control.Action != "cancel" {
		t.Fatalf("unexpected client control: %+v", control)
	}
}

func TestParseClientMessageRejectsUnknownType(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"wat"}`))
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("error = %v, want ErrUnsupportedType", err)
	}
}

func TestParseClientMessageRejectsMissingSession(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"client_turn","text":"hi"}`))
	if err == nil {
		t.Fatalf("ParseClientMessage accepted turn without session_id")
	}
}

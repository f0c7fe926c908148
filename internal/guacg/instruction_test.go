package guacg

import "testing"

func TestIsGuacg(t *testing.T) {
	connect := New(OpConnect, map[string]any{"hostname": "h"}).Encode()
	if !IsGuacg(connect) {
		t.Errorf("expected guacg instruction to be recognized")
	}
	mouse := []byte("5.mouse,3.100,3.200,1.1;")
	if IsGuacg(mouse) {
		t.Errorf("native instruction misclassified as guacg")
	}
	if IsGuacg([]byte("not an instruction at all")) {
		t.Errorf("garbage misclassified as guacg")
	}
}

func TestEncodeParseRoundTrip(t *testing.T) {
	orig := New(NotifySessionStarted, map[string]any{"sessionId": "S"})
	wire := orig.Encode()

	got, err := Parse(wire)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got.Opcode != orig.Opcode {
		t.Errorf("opcode = %q, want %q", got.Opcode, orig.Opcode)
	}
	if got.JSONArgs["sessionId"] != "S" {
		t.Errorf("jsonArgs = %v", got.JSONArgs)
	}
}

func TestParseMalformedJSONYieldsEmptyArgs(t *testing.T) {
	raw := []byte("5.guacg,5.pause,8.not-json;")
	got, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got.Opcode != "pause" {
		t.Fatalf("opcode = %q", got.Opcode)
	}
	if len(got.JSONArgs) != 0 {
		t.Errorf("jsonArgs = %v, want empty", got.JSONArgs)
	}
}

func TestParseRejectsNonGuacg(t *testing.T) {
	if _, err := Parse([]byte("5.mouse,3.100,3.200,1.1;")); err == nil {
		t.Error("expected error parsing non-guacg instruction")
	}
}

func TestAllowedOpcodes(t *testing.T) {
	for _, op := range []string{OpPause, OpControl, OpApprove, OpReject, OpRemove} {
		if !Allowed(op) {
			t.Errorf("%s should be allowed", op)
		}
	}
	for _, op := range []string{OpConnect, "mouse", "size", ""} {
		if Allowed(op) {
			t.Errorf("%s should not be in the browser allow-list", op)
		}
	}
}

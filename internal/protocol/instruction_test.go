package protocol

import "testing"

func TestEncodeParseRoundTrip(t *testing.T) {
	cases := []struct {
		opcode string
		args   []string
	}{
		{"sync", []string{"12345"}},
		{"size", []string{"1024", "768"}},
		{"connect", nil},
		{"notify", []string{`{"sessionId":"S"}`}},
		// multi-byte UTF-8 argument: length prefix must count characters.
		{"notify", []string{`{"msg":"héllo wörld 日本語"}`}},
	}

	for _, c := range cases {
		wire := Encode(c.opcode, c.args...)
		got, n, err := ParseOne(wire)
		if err != nil {
			t.Fatalf("ParseOne(%q): %v", wire, err)
		}
		if n != len(wire) {
			t.Fatalf("ParseOne(%q) consumed %d bytes, want %d", wire, n, len(wire))
		}
		if got.Opcode != c.opcode {
			t.Errorf("opcode = %q, want %q", got.Opcode, c.opcode)
		}
		if len(got.Args) != len(c.args) {
			t.Fatalf("args = %v, want %v", got.Args, c.args)
		}
		for i := range c.args {
			if got.Args[i] != c.args[i] {
				t.Errorf("arg[%d] = %q, want %q", i, got.Args[i], c.args[i])
			}
		}
	}
}

func TestParseOneIncomplete(t *testing.T) {
	full := Encode("sync", "100")
	for n := 0; n < len(full); n++ {
		if _, _, err := ParseOne(full[:n]); err != ErrIncomplete {
			t.Errorf("ParseOne(%q) = %v, want ErrIncomplete", full[:n], err)
		}
	}
}

func TestParseOneConsumesOnlyFirstInstruction(t *testing.T) {
	wire := append(Encode("sync", "1"), Encode("size", "800", "600")...)
	instr, n, err := ParseOne(wire)
	if err != nil {
		t.Fatalf("ParseOne: %v", err)
	}
	if instr.Opcode != "sync" {
		t.Fatalf("opcode = %q, want sync", instr.Opcode)
	}
	rest := wire[n:]
	instr2, _, err := ParseOne(rest)
	if err != nil {
		t.Fatalf("ParseOne(rest): %v", err)
	}
	if instr2.Opcode != "size" || len(instr2.Args) != 2 {
		t.Fatalf("second instruction = %+v", instr2)
	}
}

func TestParseOneMalformedLengthPrefix(t *testing.T) {
	if _, _, err := ParseOne([]byte("abc.opcode;")); err == nil {
		t.Fatal("expected error for non-numeric length prefix")
	}
}

func TestStatusString(t *testing.T) {
	if StatusResourceNotFound.String() != "516_RESOURCE_NOT_FOUND" {
		t.Errorf("got %q", StatusResourceNotFound.String())
	}
	if got := Status(9999).String(); got != "9999_UNKNOWN" {
		t.Errorf("got %q", got)
	}
}

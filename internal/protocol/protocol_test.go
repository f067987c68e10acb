package protocol

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeBodyRoundTrip(t *testing.T) {
	cases := [][]byte{
		nil,
		[]byte(""),
		[]byte("hello world"),
		[]byte("utf8 ✓ text"),
		{0xff, 0xfe, 0x00, 0x80}, // invalid UTF-8
	}

	for _, in := range cases {
		value, enc := EncodeBody(in)
		out, err := DecodeBody(value, enc)
		if err != nil {
			t.Fatalf("DecodeBody(%q, %q): %v", value, enc, err)
		}
		if !bytes.Equal(out, in) && !(len(out) == 0 && len(in) == 0) {
			t.Fatalf("round trip mismatch: in=%v out=%v", in, out)
		}
	}
}

func TestEncodeBodyEncodingTag(t *testing.T) {
	if _, enc := EncodeBody([]byte("pong")); enc != "" {
		t.Fatalf("expected no encoding tag for valid UTF-8, got %q", enc)
	}
	if _, enc := EncodeBody([]byte{0xff, 0xfe}); enc != base64Tag {
		t.Fatalf("expected base64 tag for invalid UTF-8, got %q", enc)
	}
}

func TestDecodeUnknownType(t *testing.T) {
	_, err := Decode([]byte(`{"type":"bogus_frame"}`))
	if err == nil {
		t.Fatal("expected error for unknown frame type")
	}
	if _, ok := err.(*MalformedFrameError); !ok {
		t.Fatalf("expected *MalformedFrameError, got %T", err)
	}
}

func TestDecodeMissingRequiredField(t *testing.T) {
	_, err := Decode([]byte(`{"type":"tunnel_request","method":"GET"}`))
	if err == nil {
		t.Fatal("expected error for missing request_id")
	}
}

func TestDecodeTunnelRequest(t *testing.T) {
	raw := []byte(`{"type":"tunnel_request","request_id":"r1","tunnel_id":"t1","method":"GET","path":"/hi","query_string":"","headers":[["accept","*/*"]]}`)
	msg, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	req, ok := msg.(TunnelRequest)
	if !ok {
		t.Fatalf("expected TunnelRequest, got %T", msg)
	}
	if req.RequestId != "r1" || req.Method != "GET" {
		t.Fatalf("unexpected fields: %+v", req)
	}
	body, present, err := req.DecodedBody()
	if err != nil || present || body != nil {
		t.Fatalf("expected absent body, got body=%v present=%v err=%v", body, present, err)
	}
}

func TestDecodeTcpDataBestEffort(t *testing.T) {
	in := TcpDataIn{Data: "not-valid-base64!!!", DataEncoding: "base64"}
	if chunk := in.DecodedChunk(); chunk != nil {
		t.Fatalf("expected nil chunk on decode failure, got %v", chunk)
	}
}

func TestWsCloseDefaults(t *testing.T) {
	out := NewWsCloseOut("w1", 0, "")
	if out.Code != 1000 {
		t.Fatalf("expected default close code 1000, got %d", out.Code)
	}
}

func TestTcpDataOutAlwaysBase64(t *testing.T) {
	out := NewTcpDataOut("c1", []byte("ABC"))
	if out.DataEncoding != base64Tag {
		t.Fatalf("tcp_data must always be base64 tagged, got %q", out.DataEncoding)
	}
}

func TestWsFrameOutBinaryPingPongAlwaysBase64(t *testing.T) {
	// spec §4.3: unlike "text", binary/ping/pong are always base64-tagged,
	// even when the payload happens to be valid UTF-8 or empty.
	cases := []struct {
		opcode  string
		payload []byte
	}{
		{"binary", []byte(`{"valid":"utf8 json"}`)},
		{"binary", nil},
		{"ping", nil},
		{"ping", []byte("utf8 ping payload")},
		{"pong", nil},
		{"pong", []byte("utf8 pong payload")},
	}
	for _, c := range cases {
		out := NewWsFrameOut("w1", c.opcode, c.payload)
		if out.DataEncoding != base64Tag {
			t.Fatalf("opcode %q must always be base64 tagged, got %q", c.opcode, out.DataEncoding)
		}
		decoded, err := DecodeBody(out.Data, out.DataEncoding)
		if err != nil {
			t.Fatalf("opcode %q: decoding round trip: %v", c.opcode, err)
		}
		if !bytes.Equal(decoded, c.payload) && !(len(decoded) == 0 && len(c.payload) == 0) {
			t.Fatalf("opcode %q: round trip mismatch: in=%v out=%v", c.opcode, c.payload, decoded)
		}
	}
}

func TestWsFrameOutTextStillUsesUtf8ConditionalRule(t *testing.T) {
	out := NewWsFrameOut("w1", "text", []byte("hi"))
	if out.DataEncoding != "" {
		t.Fatalf("expected no encoding tag for valid UTF-8 text, got %q", out.DataEncoding)
	}
	out = NewWsFrameOut("w1", "text", []byte{0xff, 0xfe})
	if out.DataEncoding != base64Tag {
		t.Fatalf("expected base64 tag for invalid UTF-8 text, got %q", out.DataEncoding)
	}
}

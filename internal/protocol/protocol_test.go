package protocol

import (
	"bytes"
	"io"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	req := Request{
		Script:        "print('hi')",
		Mounts:        []Mount{{Guest: "/data", Perm: "ro"}, {Guest: "out", Perm: "rw"}},
		TimeoutMillis: 1500,
	}
	if err := WriteFrame(&buf, req); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	var got Request
	if err := ReadFrame(&buf, &got); err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if got.Script != req.Script || len(got.Mounts) != 2 || got.Mounts[1].Perm != "rw" || got.TimeoutMillis != 1500 {
		t.Errorf("got %+v", got)
	}
}

func TestEncodingIsDeterministic(t *testing.T) {
	resp := Response{Failure: &Failure{Kind: "runtime", Message: "boom"}}
	a, err := Marshal(resp)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := Marshal(resp)
	if !bytes.Equal(a, b) {
		t.Error("same frame encoded differently")
	}

	var back Response
	if err := Unmarshal(a, &back); err != nil {
		t.Fatal(err)
	}
	if back.Failure == nil || back.Failure.Message != "boom" || back.Output != "" || back.Fault != "" {
		t.Errorf("decoded %+v", back)
	}
}

func TestReadFrameTruncated(t *testing.T) {
	data, _ := Marshal(Request{Script: "1 + 1"})
	var req Request
	err := ReadFrame(bytes.NewReader(data[:len(data)-2]), &req)
	if err == nil {
		t.Fatal("expected error for truncated frame")
	}
	if err := ReadFrame(bytes.NewReader(nil), &req); err != io.EOF {
		t.Errorf("empty stream error = %v, want io.EOF", err)
	}
}

package wirecodec

import (
	"bufio"
	"bytes"
	"errors"
	"testing"

	"github.com/overlaynet/overlaynode/errs"
)

func TestLengthPrefixedRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	codec := LengthPrefixed{}
	payload := []byte("hello overlay")
	if err := codec.Encode(&buf, payload); err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := codec.Decode(bufio.NewReader(&buf))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("expected %q, got %q", payload, got)
	}
}

func TestLengthPrefixedEncodeRejectsOversizedFrame(t *testing.T) {
	var buf bytes.Buffer
	codec := LengthPrefixed{}
	oversized := make([]byte, MaxFrameSize+1)
	err := codec.Encode(&buf, oversized)
	if !errors.Is(err, errs.ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
}

func TestLengthPrefixedDecodeRejectsOversizedFrame(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0xff, 0xff})
	codec := LengthPrefixed{}
	_, err := codec.Decode(bufio.NewReader(&buf))
	if !errors.Is(err, errs.ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
}

func TestLengthPrefixedDecodeMultipleFrames(t *testing.T) {
	var buf bytes.Buffer
	codec := LengthPrefixed{}
	if err := codec.Encode(&buf, []byte("first")); err != nil {
		t.Fatalf("encode first: %v", err)
	}
	if err := codec.Encode(&buf, []byte("second")); err != nil {
		t.Fatalf("encode second: %v", err)
	}
	r := bufio.NewReader(&buf)
	first, err := codec.Decode(r)
	if err != nil {
		t.Fatalf("decode first: %v", err)
	}
	if string(first) != "first" {
		t.Errorf("expected first, got %q", first)
	}
	second, err := codec.Decode(r)
	if err != nil {
		t.Fatalf("decode second: %v", err)
	}
	if string(second) != "second" {
		t.Errorf("expected second, got %q", second)
	}
}

func TestLengthPrefixedDecodeEmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	codec := LengthPrefixed{}
	if err := codec.Encode(&buf, nil); err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := codec.Decode(bufio.NewReader(&buf))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected empty payload, got %q", got)
	}
}

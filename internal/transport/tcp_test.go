package transport

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/gorelay/gorelayd/internal/stunmsg"
)

func TestReadFrameSTUNMessage(t *testing.T) {
	b := stunmsg.NewBuilder(nil, stunmsg.Type{Method: stunmsg.MethodBinding, Class: stunmsg.ClassRequest}, [12]byte{1})
	msg := b.Finish()

	l := &TCPListener{}
	br := bufio.NewReader(bytes.NewReader(append(append([]byte(nil), msg...), 0xAA, 0xBB)))
	frame, err := l.readFrame(br)
	if err != nil {
		t.Fatalf("readFrame failed: %v", err)
	}
	if !bytes.Equal(frame, msg) {
		t.Fatalf("frame mismatch: got %d bytes, want %d", len(frame), len(msg))
	}
	rest, _ := br.Peek(2)
	if !bytes.Equal(rest, []byte{0xAA, 0xBB}) {
		t.Fatalf("expected trailing bytes preserved, got %v", rest)
	}
}

func TestReadFrameChannelDataTCPPadding(t *testing.T) {
	payload := []byte("hi")
	frame := stunmsg.EncodeChannelData(nil, 0x4001, payload, true)
	if len(frame)%4 != 0 {
		t.Fatalf("expected padded frame, got length %d", len(frame))
	}

	l := &TCPListener{}
	br := bufio.NewReader(bytes.NewReader(append(append([]byte(nil), frame...), 0xFF)))
	got, err := l.readFrame(br)
	if err != nil {
		t.Fatalf("readFrame failed: %v", err)
	}
	cd, err := stunmsg.DecodeChannelData(got)
	if err != nil {
		t.Fatalf("DecodeChannelData failed: %v", err)
	}
	if cd.Number != 0x4001 || !bytes.Equal(cd.Data, payload) {
		t.Fatalf("unexpected decode: %+v", cd)
	}
	rest, _ := br.Peek(1)
	if !bytes.Equal(rest, []byte{0xFF}) {
		t.Fatalf("expected trailing byte preserved, got %v", rest)
	}
}

func TestReadFrameUnknownDiscardsOneByte(t *testing.T) {
	l := &TCPListener{}
	br := bufio.NewReader(bytes.NewReader(make([]byte, 20)))
	if _, err := l.readFrame(br); err != errUnknownFrame {
		t.Fatalf("expected errUnknownFrame, got %v", err)
	}
}

package relayerr

import (
	"errors"
	"testing"
)

func TestError_UnwrapAndIsKind(t *testing.T) {
	cause := errors.New("ice failed")
	err := NewConnection("room1", "peer1", "Dial", cause)

	if !errors.Is(err, cause) {
		t.Fatalf("expected errors.Is to find the wrapped cause")
	}
	if !errors.Is(err, ErrConnection) {
		t.Fatalf("expected errors.Is to match the KindConnection sentinel")
	}
	if errors.Is(err, ErrTimeout) {
		t.Fatalf("expected no match against an unrelated kind sentinel")
	}
}

func TestError_MessageIncludesLabel(t *testing.T) {
	err := NewNotFound("room1", "peer1", "GetPeer")
	msg := err.Error()
	if msg == "" {
		t.Fatalf("expected a non-empty error message")
	}
}

func TestError_KindString(t *testing.T) {
	cases := map[Kind]string{
		KindClosed:       "closed",
		KindNotFound:     "not_found",
		KindConnection:   "connection",
		KindInvalidState: "invalid_state",
		KindMarshal:      "marshal",
		KindTimeout:      "timeout",
	}
	for k, want := range cases {
		if got := k.String(); got != want {
			t.Fatalf("Kind(%d).String() = %q, want %q", k, got, want)
		}
	}
}

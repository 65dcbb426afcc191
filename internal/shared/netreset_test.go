package shared

import (
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
	"testing"
)

func TestIsConnectionReset(t *testing.T) {
	wrapped := &net.OpError{Op: "read", Net: "tcp", Err: os.NewSyscallError("read", syscall.ECONNRESET)}
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"syscall", syscall.ECONNRESET, true},
		{"net op error", fmt.Errorf("gateway: %w", wrapped), true},
		{"message only", errors.New("read tcp: connection reset by peer"), true},
		{"lua message", errors.New("ECONNRESET while fetching"), true},
		{"other", errors.New("timeout"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsConnectionReset(tc.err); got != tc.want {
				t.Fatalf("IsConnectionReset(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

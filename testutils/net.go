package testutils

import (
	"context"
	"errors"
	"net"
	"time"
)

var waitDur = 5 * time.Second

// WaitSuccessfulDial waits for a dial attempt to succeed.
func WaitSuccessfulDial(address string) error {
	ctx, cancel := context.WithTimeout(context.Background(), waitDur)
	lastErr := errors.New("timed out dialing")
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return lastErr
		default:
		}
		var conn net.Conn
		conn, lastErr = net.Dial("tcp", address)
		if lastErr == nil {
			return conn.Close()
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// Eventually polls cond until it holds or the wait duration passes.
func Eventually(cond func() bool) bool {
	deadline := time.Now().Add(waitDur)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

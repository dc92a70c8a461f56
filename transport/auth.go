package transport

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// authExternal performs the SASL EXTERNAL handshake on a freshly
// connected socket.
//
// Over unix sockets the bus authenticates the caller from the
// socket's peer credentials, so the whole exchange is a fixed
// preamble: send AUTH EXTERNAL with our uid, ask for fd passing,
// BEGIN, and check that the two response lines have the expected
// happy-path shape.
func authExternal(fd int, ctx context.Context) error {
	if deadline, ok := ctx.Deadline(); ok {
		tv := unix.NsecToTimeval(time.Until(deadline).Nanoseconds())
		unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv)
		defer unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &unix.Timeval{})
	}

	uid := hex.EncodeToString([]byte(strconv.Itoa(os.Getuid())))
	preamble := "\x00AUTH EXTERNAL " + uid + "\r\nNEGOTIATE_UNIX_FD\r\nBEGIN\r\n"
	if err := writeAll(fd, []byte(preamble)); err != nil {
		return err
	}

	// The responses arrive before any message data, so reading them
	// bytewise cannot swallow protocol bytes.
	resp, err := readLine(fd)
	if err != nil {
		return err
	}
	if !strings.HasPrefix(resp, "OK ") {
		return fmt.Errorf("AUTH EXTERNAL failed, server said %q", strings.TrimSpace(resp))
	}
	resp, err = readLine(fd)
	if err != nil {
		return err
	}
	if resp != "AGREE_UNIX_FD\r\n" {
		return fmt.Errorf("NEGOTIATE_UNIX_FD failed, server said %q", strings.TrimSpace(resp))
	}
	return nil
}

func writeAll(fd int, bs []byte) error {
	for len(bs) > 0 {
		n, err := unix.Write(fd, bs)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return err
		}
		bs = bs[n:]
	}
	return nil
}

func readLine(fd int) (string, error) {
	var b strings.Builder
	var one [1]byte
	for {
		n, err := unix.Read(fd, one[:])
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return "", err
		}
		if n == 0 {
			return "", fmt.Errorf("connection closed during auth")
		}
		b.WriteByte(one[0])
		if one[0] == '\n' {
			return b.String(), nil
		}
		if b.Len() > 4096 {
			return "", fmt.Errorf("auth line too long")
		}
	}
}

package dbus

import "os"

// A UnixFd is an owned file descriptor passed through the bus.
//
// Descriptors move, they are never copied: encoding a UnixFd
// transfers ownership into the outgoing message, and decoding one
// transfers ownership to the receiver, which is then responsible for
// closing it.
type UnixFd struct {
	file *os.File
}

// NewUnixFd wraps f for transfer over the bus. The UnixFd takes
// ownership of f.
func NewUnixFd(f *os.File) UnixFd { return UnixFd{file: f} }

// File returns the underlying file, or nil if the descriptor has been
// moved away.
func (fd UnixFd) File() *os.File { return fd.file }

// Close closes the descriptor if it is still held.
func (fd *UnixFd) Close() error {
	if fd.file == nil {
		return nil
	}
	err := fd.file.Close()
	fd.file = nil
	return err
}

// take moves the descriptor out of fd.
func (fd *UnixFd) take() *os.File {
	f := fd.file
	fd.file = nil
	return f
}

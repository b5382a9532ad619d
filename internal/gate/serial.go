package gate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"

	"wash-kiosk-backend/config"
)

// maxStaleLines bounds how many replies for other codes are skipped while
// waiting for the answer to a request.
const maxStaleLines = 4

var errReadTimeout = errors.New("gate read timed out")

// SerialSource reads gate signals over a line protocol: the request
// "R<code>\r\n" is answered with "<code>=<value>\r\n".
type SerialSource struct {
	open func() (io.ReadWriteCloser, error)

	mu      sync.Mutex
	port    io.ReadWriteCloser
	pending []byte

	// unanswered is set while a request has no matching reply yet. Its reply
	// may still arrive and must not answer a later request.
	unanswered bool
}

// NewSerialSource creates a source for the configured serial port. The port
// is opened lazily on the first read and reopened after I/O errors.
func NewSerialSource(cfg config.GateConfig) *SerialSource {
	return newSource(func() (io.ReadWriteCloser, error) {
		mode := &serial.Mode{
			BaudRate: cfg.BaudRate,
			DataBits: 8,
			Parity:   serial.NoParity,
			StopBits: serial.OneStopBit,
		}
		port, err := serial.Open(cfg.SerialPort, mode)
		if err != nil {
			return nil, fmt.Errorf("open gate port %s: %w", cfg.SerialPort, err)
		}
		if err := port.SetReadTimeout(time.Duration(cfg.ReadTimeoutMs) * time.Millisecond); err != nil {
			port.Close()
			return nil, fmt.Errorf("set read timeout on %s: %w", cfg.SerialPort, err)
		}
		return port, nil
	})
}

func newSource(open func() (io.ReadWriteCloser, error)) *SerialSource {
	return &SerialSource{open: open}
}

// Read requests the current value of signal code.
func (s *SerialSource) Read(ctx context.Context, code int) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.port == nil {
		port, err := s.open()
		if err != nil {
			return 0, err
		}
		s.port = port
		s.pending = nil
		s.unanswered = false
	}

	value, err := s.exchange(code)
	if err != nil && !errors.Is(err, errReadTimeout) {
		// Drop the port so the next read reconnects.
		s.closeLocked()
	}
	return value, err
}

// Close releases the serial port.
func (s *SerialSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeLocked()
}

func (s *SerialSource) closeLocked() error {
	if s.port == nil {
		return nil
	}
	err := s.port.Close()
	s.port = nil
	s.pending = nil
	return err
}

func (s *SerialSource) exchange(code int) (int, error) {
	// Nothing received before the request is written can answer it.
	s.pending = nil
	if s.unanswered {
		if err := s.discardInput(); err != nil {
			return 0, fmt.Errorf("discard late replies: %w", err)
		}
	}
	s.unanswered = true

	if _, err := fmt.Fprintf(s.port, "R%d\r\n", code); err != nil {
		return 0, fmt.Errorf("write request %d: %w", code, err)
	}

	for i := 0; i <= maxStaleLines; i++ {
		line, err := s.readLine()
		if err != nil {
			return 0, fmt.Errorf("read reply %d: %w", code, err)
		}
		got, value, err := parseReply(line)
		if err != nil {
			log.Printf("Warning: gate reply %q: %v", line, err)
			continue
		}
		if got != code {
			continue
		}
		s.unanswered = false
		return value, nil
	}
	return 0, fmt.Errorf("no reply for signal %d", code)
}

// discardInput drops replies that arrived after their request gave up. Ports
// that can flush their input buffer do so; others are read until the read
// timeout expires.
func (s *SerialSource) discardInput() error {
	s.pending = nil
	if r, ok := s.port.(interface{ ResetInputBuffer() error }); ok {
		return r.ResetInputBuffer()
	}
	buf := make([]byte, 64)
	for {
		n, err := s.port.Read(buf)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
	}
}

// readLine returns the next newline-terminated line without its line ending.
// The port returns zero bytes without error when its read timeout expires.
func (s *SerialSource) readLine() (string, error) {
	buf := make([]byte, 64)
	for {
		if i := bytes.IndexByte(s.pending, '\n'); i >= 0 {
			line := strings.TrimRight(string(s.pending[:i]), "\r")
			s.pending = s.pending[i+1:]
			return line, nil
		}
		n, err := s.port.Read(buf)
		s.pending = append(s.pending, buf[:n]...)
		if err != nil {
			return "", err
		}
		if n == 0 {
			return "", errReadTimeout
		}
	}
}

// parseReply splits "<code>=<value>".
func parseReply(line string) (int, int, error) {
	codeStr, valueStr, ok := strings.Cut(strings.TrimSpace(line), "=")
	if !ok {
		return 0, 0, errors.New("missing '='")
	}
	code, err := strconv.Atoi(strings.TrimSpace(codeStr))
	if err != nil {
		return 0, 0, fmt.Errorf("bad code: %w", err)
	}
	value, err := strconv.Atoi(strings.TrimSpace(valueStr))
	if err != nil {
		return 0, 0, fmt.Errorf("bad value: %w", err)
	}
	return code, value, nil
}

package file

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/norasector/spiacq/pkg/acq/device"
	"github.com/rs/zerolog/log"
)

// Transport replays a raw capture (as written by the raw output) in place of a real bridge.
// Bus and address are ignored.
type Transport struct {
	path     string
	readSize int
	loop     bool

	mu       sync.Mutex
	commands [][]byte
}

// NewFileTransport replays path. readSize caps each read below the worker's packet size when > 0,
// which exercises reassembly across polls. With loop set the capture restarts at EOF.
func NewFileTransport(path string, readSize int, loop bool) (*Transport, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	return &Transport{
		path:     path,
		readSize: readSize,
		loop:     loop,
	}, nil
}

func (t *Transport) Open(bus, address int) (device.Handle, error) {
	f, err := os.Open(t.path)
	if err != nil {
		return nil, err
	}
	log.Debug().Str("device", "file").Str("path", t.path).Msg("playback opened")
	return &handle{t: t, f: f}, nil
}

// Commands returns every payload written to any handle so far, in order.
func (t *Transport) Commands() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([][]byte, len(t.commands))
	copy(out, t.commands)
	return out
}

type handle struct {
	t   *Transport
	f   *os.File
	eof bool
}

func (h *handle) Write(ctx context.Context, p []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cmd := make([]byte, len(p))
	copy(cmd, p)

	h.t.mu.Lock()
	h.t.commands = append(h.t.commands, cmd)
	h.t.mu.Unlock()

	log.Debug().Str("device", "file").Str("data", hex.EncodeToString(p)).Msg("command written")
	return nil
}

func (h *handle) Read(ctx context.Context, max int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if h.t.readSize > 0 && h.t.readSize < max {
		max = h.t.readSize
	}
	if h.eof {
		return nil, nil
	}

	buf := make([]byte, max)
	n, err := h.f.Read(buf)
	switch {
	case errors.Is(err, io.EOF):
		if h.t.loop {
			if _, err := h.f.Seek(0, io.SeekStart); err != nil {
				return nil, fmt.Errorf("file device: rewind: %w", err)
			}
			return buf[:n], nil
		}
		h.eof = true
		log.Info().Str("device", "file").Str("path", h.t.path).Msg("playback finished")
		return buf[:n], nil
	case err != nil:
		return nil, err
	}
	return buf[:n], nil
}

func (h *handle) Close() error {
	return h.f.Close()
}

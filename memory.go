package wasmdrive

import (
	"bytes"

	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasm-drive/errors"
)

// MaxCStringLen bounds the scan for a NUL terminator in guest memory.
const MaxCStringLen uint32 = 4096

// Memory is the slice of WASM linear memory the bridge touches
type Memory interface {
	// View returns a window onto [offset, offset+length). Writes through
	// the returned slice land in guest memory.
	View(offset, length uint32) ([]byte, error)
	Write(offset uint32, data []byte) error
	CString(offset uint32) (string, error)
	Size() uint32
}

// WrapMemory adapts a wazero memory. It returns nil for a nil memory.
func WrapMemory(mem api.Memory) Memory {
	if mem == nil {
		return nil
	}
	return &wazeroMemory{mem: mem}
}

type wazeroMemory struct {
	mem api.Memory
}

func (m *wazeroMemory) View(offset, length uint32) ([]byte, error) {
	data, ok := m.mem.Read(offset, length)
	if !ok {
		return nil, errors.OutOfBounds(errors.PhaseRead, offset, length)
	}
	return data, nil
}

func (m *wazeroMemory) Write(offset uint32, data []byte) error {
	if !m.mem.Write(offset, data) {
		return errors.OutOfBounds(errors.PhaseRead, offset, uint32(len(data)))
	}
	return nil
}

// CString reads a NUL-terminated string starting at offset.
func (m *wazeroMemory) CString(offset uint32) (string, error) {
	size := m.mem.Size()
	if offset >= size {
		return "", errors.OutOfBounds(errors.PhaseOpen, offset, 1)
	}

	span := size - offset
	if span > MaxCStringLen {
		span = MaxCStringLen
	}
	data, ok := m.mem.Read(offset, span)
	if !ok {
		return "", errors.OutOfBounds(errors.PhaseOpen, offset, span)
	}

	end := bytes.IndexByte(data, 0)
	if end < 0 {
		return "", errors.InvalidInput(errors.PhaseOpen, "string is not NUL-terminated")
	}
	return string(data[:end]), nil
}

func (m *wazeroMemory) Size() uint32 {
	return m.mem.Size()
}

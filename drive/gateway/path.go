package gateway

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/wippyai/wasm-drive/errors"
)

// Kind is the first segment of a drive path.
type Kind string

const (
	KindData  Kind = "data"  // raw transaction data
	KindTx    Kind = "tx"    // transaction header JSON
	KindBlock Kind = "block" // block JSON by height
)

const maxIDLen = 64

// Path is a parsed drive filename such as /data/<txid> or /block/<height>.
type Path struct {
	Kind Kind
	ID   string
}

// ParsePath validates filename. The leading slash is optional.
func ParsePath(filename string) (Path, error) {
	kind, id, ok := strings.Cut(strings.TrimPrefix(filename, "/"), "/")
	if !ok || id == "" || strings.Contains(id, "/") {
		return Path{}, errors.InvalidInput(errors.PhaseOpen, fmt.Sprintf("malformed drive path %q", filename))
	}

	p := Path{Kind: Kind(kind), ID: id}
	switch p.Kind {
	case KindData, KindTx:
		if !validTxID(id) {
			return Path{}, errors.InvalidInput(errors.PhaseOpen, fmt.Sprintf("malformed transaction id %q", id))
		}
	case KindBlock:
		if _, err := strconv.ParseUint(id, 10, 64); err != nil {
			return Path{}, errors.InvalidInput(errors.PhaseOpen, fmt.Sprintf("malformed block height %q", id))
		}
	default:
		return Path{}, errors.InvalidInput(errors.PhaseOpen, fmt.Sprintf("unknown drive path kind %q", kind))
	}
	return p, nil
}

// validTxID accepts base64url identifiers.
func validTxID(id string) bool {
	if len(id) > maxIDLen {
		return false
	}
	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return false
		}
	}
	return true
}

// Height returns the block height of a block path.
func (p Path) Height() uint64 {
	h, _ := strconv.ParseUint(p.ID, 10, 64)
	return h
}

// Remote is the gateway URL path serving p.
func (p Path) Remote() string {
	switch p.Kind {
	case KindTx:
		return "tx/" + p.ID
	case KindBlock:
		return "block/height/" + p.ID
	default:
		return p.ID
	}
}

// CacheName is where p is kept in the local cache.
func (p Path) CacheName() string {
	return string(p.Kind) + "/" + p.ID
}

func (p Path) String() string {
	return "/" + p.CacheName()
}

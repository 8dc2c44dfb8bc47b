// Package snapshot saves and restores the advisory market state: prices,
// volatility, liquidity pressure, balances, holdings and pending orders.
// Positions and trade history live in the store and are not part of it.
package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/atmx/market-sim/internal/market"
)

const version = 1

// Document is the on-disk layout.
type Document struct {
	Version int          `json:"version"`
	SavedAt time.Time    `json:"saved_at"`
	State   market.State `json:"state"`
}

// Compressed reports whether path selects zstd framing.
func Compressed(path string) bool {
	return strings.HasSuffix(path, ".zst")
}

// Save writes state to path through a temp file and rename, so readers never
// observe a partial document.
func Save(path string, state market.State, savedAt time.Time) error {
	data, err := json.Marshal(Document{Version: version, SavedAt: savedAt.UTC(), State: state})
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if Compressed(path) {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return err
		}
		data = enc.EncodeAll(data, nil)
		_ = enc.Close()
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Load reads a document from path. A missing file returns os.ErrNotExist
// wrapped, so callers can treat it as a cold start.
func Load(path string) (Document, error) {
	var doc Document
	data, err := os.ReadFile(path)
	if err != nil {
		return doc, err
	}
	if Compressed(path) {
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return doc, err
		}
		defer dec.Close()
		if data, err = dec.DecodeAll(data, nil); err != nil {
			return doc, fmt.Errorf("decompress snapshot: %w", err)
		}
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return doc, fmt.Errorf("decode snapshot: %w", err)
	}
	if doc.Version != version {
		return doc, fmt.Errorf("snapshot version %d not supported", doc.Version)
	}
	return doc, nil
}

// Restore loads path into m. It returns the number of accounts restored and
// zero without error when no snapshot exists yet.
func Restore(path string, m *market.Market) (int, time.Time, error) {
	doc, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, time.Time{}, nil
	}
	if err != nil {
		return 0, time.Time{}, err
	}
	return m.Import(doc.State), doc.SavedAt, nil
}

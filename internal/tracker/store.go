package tracker

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"krakenbotzyn/internal/logger"
	"krakenbotzyn/internal/types"
)

// storeFile is the on-disk shape of the position store. Plain JSON so an
// operator can inspect or hand-edit it while the process is stopped.
type storeFile struct {
	Positions map[string]types.Position `json:"positions"`
	UpdatedAt time.Time                 `json:"updated_at"`
}

// loadStore reads the position file. A missing file yields an empty store.
// A corrupt file also yields an empty store but flags it, so the caller can
// trigger a reconciliation pass against the exchange instead of silently
// forgetting positions.
func loadStore(path string) (map[string]types.Position, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]types.Position{}, false, nil
		}
		return nil, false, err
	}
	var f storeFile
	if err := json.Unmarshal(data, &f); err != nil {
		logger.Errorf("position store %s is corrupt, starting empty: %v", path, err)
		return map[string]types.Position{}, true, nil
	}
	if f.Positions == nil {
		f.Positions = map[string]types.Position{}
	}
	return f.Positions, false, nil
}

// saveStore writes the store atomically: temp file in the same directory,
// fsync, then rename over the target.
func saveStore(path string, positions map[string]types.Position) error {
	f := storeFile{Positions: positions, UpdatedAt: time.Now().UTC()}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("persist positions: %w", err)
	}
	return nil
}

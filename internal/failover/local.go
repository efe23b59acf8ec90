package failover

import (
	"os"
	"path/filepath"

	"github.com/silverbrook-labs/tradecore/internal/config"
)

func joinStateDir(cfg *config.Config, name string) string {
	return filepath.Join(cfg.StateDir, name)
}

func readLocal(path string) ([]byte, error) {
	return os.ReadFile(path)
}

// writeLocal installs data at path via write-temp-then-rename, matching the
// atomicity discipline internal/store.WriteJSONAtomic uses for every other
// state file.
func writeLocal(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, path)
}

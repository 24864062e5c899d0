// ABOUTME: End-to-end encryption setup for the Matrix frontend.
// ABOUTME: Wires mautrix cryptohelper with a per-user store and device-ID mismatch recovery.

package matrix

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/crypto/cryptohelper"
)

// E2EEConfig enables encryption. PickleKey encrypts the local crypto store;
// StorePath is the directory holding the per-user crypto database.
type E2EEConfig struct {
	Enabled   bool
	PickleKey string
	StorePath string
}

// CryptoManager owns the E2EE helper's lifecycle.
type CryptoManager struct {
	helper *cryptohelper.CryptoHelper
	logger *slog.Logger
}

// SetupCrypto initializes E2EE for the client. A device ID mismatch in the
// stored crypto database (new login, stale store) resets the database
// before initialization.
func SetupCrypto(ctx context.Context, client *mautrix.Client, cfg E2EEConfig, logger *slog.Logger) (*CryptoManager, error) {
	if cfg.PickleKey == "" {
		return nil, fmt.Errorf("e2ee pickle key is required")
	}
	storePath := cfg.StorePath
	if storePath == "" {
		storePath = "."
	}
	if err := os.MkdirAll(storePath, 0700); err != nil {
		return nil, fmt.Errorf("creating crypto store directory: %w", err)
	}

	dbPath := filepath.Join(storePath, fmt.Sprintf("crypto-%s.db", slugify(client.UserID.String())))
	logger.Info("setting up encryption", "db", dbPath)

	if needsReset, err := checkDeviceIDMismatch(dbPath, client.DeviceID.String()); err != nil {
		logger.Debug("could not check stored device ID", "error", err)
	} else if needsReset {
		logger.Warn("device ID mismatch detected, resetting crypto database")
		if err := os.Remove(dbPath); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("removing stale crypto database: %w", err)
		}
		_ = os.Remove(dbPath + "-wal")
		_ = os.Remove(dbPath + "-shm")
	}

	helper, err := cryptohelper.NewCryptoHelper(client, []byte(cfg.PickleKey), dbPath)
	if err != nil {
		return nil, fmt.Errorf("creating crypto helper: %w", err)
	}
	if err := helper.Init(ctx); err != nil {
		return nil, fmt.Errorf("initializing crypto helper: %w", err)
	}

	// Outgoing messages to encrypted rooms are now encrypted transparently.
	client.Crypto = helper

	logger.Info("encryption initialized")
	return &CryptoManager{helper: helper, logger: logger}, nil
}

// Close releases the crypto store.
func (cm *CryptoManager) Close() error {
	if cm.helper != nil {
		return cm.helper.Close()
	}
	return nil
}

// slugify converts a Matrix user ID to a filesystem-safe string.
// Example: @relay:matrix.org -> relay_matrix.org
func slugify(userID string) string {
	s := userID
	if len(s) > 0 && s[0] == '@' {
		s = s[1:]
	}
	result := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '.' || c == '-' || c == '_':
			result = append(result, c)
		case c == ':':
			result = append(result, '_')
		}
	}
	return string(result)
}

// checkDeviceIDMismatch reports whether the crypto database exists and was
// created for a different device ID than the client's current one.
func checkDeviceIDMismatch(dbPath, currentDeviceID string) (bool, error) {
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return false, nil
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return false, err
	}
	defer db.Close()

	var storedDeviceID string
	err = db.QueryRow("SELECT device_id FROM crypto_account LIMIT 1").Scan(&storedDeviceID)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, err
	}

	return storedDeviceID != currentDeviceID, nil
}

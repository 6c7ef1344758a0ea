package push

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/academy/internal/logger"
)

// VAPIDKeys — пара ключей Web Push; публичный отдаётся браузеру через /api/config/push.
type VAPIDKeys struct {
	PublicKey  string `json:"public_key"`
	PrivateKey string `json:"private_key"`
}

const defaultVAPIDKeysPath = "config/vapid.json"

var errIncompleteKeys = errors.New("vapid keys incomplete")

// generateVAPIDKeys подменяется в тестах.
var generateVAPIDKeys = func() (*VAPIDKeys, error) {
	priv, pub, err := webpush.GenerateVAPIDKeys()
	if err != nil {
		return nil, fmt.Errorf("generate vapid keys: %w", err)
	}
	return &VAPIDKeys{PublicKey: pub, PrivateKey: priv}, nil
}

// VAPIDKeysPath: явный путь, затем VAPID_KEYS_FILE, затем config/vapid.json.
func VAPIDKeysPath(path string) string {
	if path != "" {
		return path
	}
	if env := os.Getenv("VAPID_KEYS_FILE"); env != "" {
		return env
	}
	return defaultVAPIDKeysPath
}

// EnsureVAPIDKeys читает ключи из файла, при отсутствии генерирует и сохраняет.
// Ошибка записи не фатальна: сгенерированные ключи возвращаются, но после рестарта будут другими.
func EnsureVAPIDKeys(path string) (*VAPIDKeys, error) {
	path = VAPIDKeysPath(path)
	if keys, err := readVAPIDKeys(path); err == nil {
		return keys, nil
	} else if !errors.Is(err, os.ErrNotExist) && !errors.Is(err, errIncompleteKeys) {
		logger.Warnf("push: vapid keys in %s are unreadable, regenerating: %v", path, err)
	}
	keys, err := generateVAPIDKeys()
	if err != nil {
		return nil, err
	}
	if err := writeVAPIDKeys(path, keys); err != nil {
		logger.Errorf("push: vapid keys not saved to %s: %v", path, err)
		return keys, nil
	}
	logger.Infof("push: vapid keys generated and saved to %s", path)
	return keys, nil
}

func readVAPIDKeys(path string) (*VAPIDKeys, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var keys VAPIDKeys
	if err := json.Unmarshal(data, &keys); err != nil {
		return nil, err
	}
	if keys.PublicKey == "" || keys.PrivateKey == "" {
		return nil, errIncompleteKeys
	}
	return &keys, nil
}

// writeVAPIDKeys пишет через временный файл, чтобы два процесса не оставили обрезанный json.
func writeVAPIDKeys(path string, keys *VAPIDKeys) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(keys, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

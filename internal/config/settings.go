// Package config exposes typed accessors over the key/value settings store,
// following internal/config/settings.go's parse-or-default getter idiom.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"strconv"
	"strings"

	"tachyon/internal/storage"
)

// Setting keys, extended from the teacher's AI-interface keys with the
// download/reconnect/storage/log keys spec.md §6 names.
const (
	KeyEnableAIInterface    = "enable_ai_interface"
	KeyAIToken              = "ai_token"
	KeyEnableIntegrityCheck = "enable_integrity_check"
	KeyAIPort               = "ai_port"
	KeyAIMaxConcurrent      = "ai_max_concurrent"
	KeyUserAgent            = "user_agent"

	KeyDownloadMaxDownloads   = "download.max_downloads"
	KeyDownloadStartTime      = "download.start_time"
	KeyDownloadEndTime        = "download.end_time"
	KeyGeneralStorageFolder   = "general.storage_folder"
	KeyGeneralMinFreeSpace    = "general.min_free_space"
	KeyGeneralFolderPerPkg    = "general.folder_per_package"
	KeyReconnectEnabled       = "reconnect.enabled"
	KeyReconnectScript        = "reconnect.script"
	KeyReconnectStartTime     = "reconnect.start_time"
	KeyReconnectEndTime       = "reconnect.end_time"
	KeyLogFilelogFolder       = "log.filelog_folder"
	KeyBandwidthLimitBytes    = "download.limit_speed"
)

type Manager struct {
	storage *storage.Storage
}

func NewManager(s *storage.Storage) *Manager {
	return &Manager{storage: s}
}

func (c *Manager) getString(key, def string) string {
	val, err := c.storage.GetString(key)
	if err != nil || val == "" {
		return def
	}
	return val
}

func (c *Manager) getInt(key string, def int) int {
	val, err := c.storage.GetString(key)
	if err != nil || val == "" {
		return def
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return def
	}
	return n
}

func (c *Manager) getInt64(key string, def int64) int64 {
	val, err := c.storage.GetString(key)
	if err != nil || val == "" {
		return def
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func (c *Manager) getBool(key string, def bool) bool {
	val, err := c.storage.GetString(key)
	if err != nil || val == "" {
		return def
	}
	return val == "true"
}

func (c *Manager) setString(key, val string) error { return c.storage.SetString(key, val) }

// --- AI / RPC interface ---

func (c *Manager) GetAIPort() int                { return c.getInt(KeyAIPort, 4444) }
func (c *Manager) SetAIPort(port int) error      { return c.setString(KeyAIPort, strconv.Itoa(port)) }
func (c *Manager) GetAIMaxConcurrent() int       { return c.getInt(KeyAIMaxConcurrent, 5) }
func (c *Manager) SetAIMaxConcurrent(n int) error { return c.setString(KeyAIMaxConcurrent, strconv.Itoa(n)) }
func (c *Manager) GetEnableAI() bool             { return c.getBool(KeyEnableAIInterface, true) }
func (c *Manager) SetEnableAI(enabled bool) error {
	return c.setString(KeyEnableAIInterface, strconv.FormatBool(enabled))
}

func (c *Manager) GetAIToken() string {
	val, err := c.storage.GetString(KeyAIToken)
	if err != nil || val == "" {
		token := generateSecureToken()
		c.storage.SetString(KeyAIToken, token)
		return token
	}
	return val
}

func (c *Manager) GetEnableIntegrityCheck() bool { return c.getBool(KeyEnableIntegrityCheck, true) }
func (c *Manager) SetEnableIntegrityCheck(e bool) error {
	return c.setString(KeyEnableIntegrityCheck, strconv.FormatBool(e))
}

func (c *Manager) GetUserAgent() string { return c.getString(KeyUserAgent, "") }
func (c *Manager) SetUserAgent(ua string) error { return c.setString(KeyUserAgent, ua) }

// --- download scheduling (spec.md §4.1, §6) ---

func (c *Manager) GetMaxDownloads() int { return c.getInt(KeyDownloadMaxDownloads, 3) }
func (c *Manager) SetMaxDownloads(n int) error {
	return c.setString(KeyDownloadMaxDownloads, strconv.Itoa(n))
}

// GetDownloadWindow returns "HH:MM" start/end strings; empty means "always on".
func (c *Manager) GetDownloadWindow() (start, end string) {
	return c.getString(KeyDownloadStartTime, ""), c.getString(KeyDownloadEndTime, "")
}

func (c *Manager) SetDownloadWindow(start, end string) error {
	if err := c.setString(KeyDownloadStartTime, start); err != nil {
		return err
	}
	return c.setString(KeyDownloadEndTime, end)
}

func (c *Manager) GetStorageFolder() string { return c.getString(KeyGeneralStorageFolder, "downloads") }
func (c *Manager) SetStorageFolder(p string) error { return c.setString(KeyGeneralStorageFolder, p) }

func (c *Manager) GetMinFreeSpace() int64 { return c.getInt64(KeyGeneralMinFreeSpace, 200*1024*1024) }
func (c *Manager) SetMinFreeSpace(bytes int64) error {
	return c.setString(KeyGeneralMinFreeSpace, strconv.FormatInt(bytes, 10))
}

func (c *Manager) GetFolderPerPackage() bool { return c.getBool(KeyGeneralFolderPerPkg, true) }
func (c *Manager) SetFolderPerPackage(v bool) error {
	return c.setString(KeyGeneralFolderPerPkg, strconv.FormatBool(v))
}

// --- reconnect (spec.md §4.2, §6) ---

func (c *Manager) GetReconnectEnabled() bool { return c.getBool(KeyReconnectEnabled, false) }
func (c *Manager) SetReconnectEnabled(v bool) error {
	return c.setString(KeyReconnectEnabled, strconv.FormatBool(v))
}

func (c *Manager) GetReconnectScript() string { return c.getString(KeyReconnectScript, "") }
func (c *Manager) SetReconnectScript(path string) error {
	return c.setString(KeyReconnectScript, path)
}

func (c *Manager) GetReconnectWindow() (start, end string) {
	return c.getString(KeyReconnectStartTime, ""), c.getString(KeyReconnectEndTime, "")
}

func (c *Manager) SetReconnectWindow(start, end string) error {
	if err := c.setString(KeyReconnectStartTime, start); err != nil {
		return err
	}
	return c.setString(KeyReconnectEndTime, end)
}

// --- bandwidth ---

func (c *Manager) GetBandwidthLimit() int64 { return c.getInt64(KeyBandwidthLimitBytes, 0) }
func (c *Manager) SetBandwidthLimit(bps int64) error {
	return c.setString(KeyBandwidthLimitBytes, strconv.FormatInt(bps, 10))
}

// --- logging ---

func (c *Manager) GetFilelogFolder() string { return c.getString(KeyLogFilelogFolder, "logs") }
func (c *Manager) SetFilelogFolder(p string) error { return c.setString(KeyLogFilelogFolder, p) }

func generateSecureToken() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "tachyon-fallback-token-change-me"
	}
	return hex.EncodeToString(b)
}

// FactoryReset clears every known key back to its default.
func (c *Manager) FactoryReset() error {
	keys := []string{
		KeyEnableAIInterface, KeyAIToken, KeyEnableIntegrityCheck, KeyAIPort,
		KeyAIMaxConcurrent, KeyUserAgent, KeyDownloadMaxDownloads,
		KeyDownloadStartTime, KeyDownloadEndTime, KeyGeneralStorageFolder,
		KeyGeneralMinFreeSpace, KeyGeneralFolderPerPkg, KeyReconnectEnabled,
		KeyReconnectScript, KeyReconnectStartTime, KeyReconnectEndTime,
		KeyLogFilelogFolder, KeyBandwidthLimitBytes,
	}
	for _, key := range keys {
		if err := c.storage.SetString(key, ""); err != nil {
			return err
		}
	}
	return nil
}

// ParseTimeWindow turns "HH:MM" into a cron expression pair the way
// internal/core/scheduler.go's specFromHour did for whole hours, generalized
// to minute granularity.
func ParseTimeWindow(hhmm string) (hour, minute int, ok bool) {
	parts := strings.SplitN(hhmm, ":", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	h, err1 := strconv.Atoi(parts[0])
	m, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil || h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, 0, false
	}
	return h, m, true
}

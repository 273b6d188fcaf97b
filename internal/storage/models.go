package storage

import (
	"time"

	"gorm.io/gorm"
)

// Package groups a set of related Files (spec.md §3 Data Model). Packages
// carry the folder-per-package and order fields the scheduler's assignment
// algorithm and the RPC adapter's listing endpoints rely on.
type Package struct {
	ID          string `gorm:"primaryKey" json:"id"`
	Name        string `gorm:"index" json:"name"`
	Folder      string `json:"folder"`
	Order       int    `gorm:"default:0;index" json:"order"`
	Password    string `json:"password"`
	SizeTotal   int64  `json:"size_total"`
	SizeDone    int64  `json:"size_done"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (Package) TableName() string { return "packages" }

// File status values, mirroring the source's STATUSMAP/spec.md §3 state set.
const (
	FileStatusQueued     = "queued"
	FileStatusOffline     = "offline"
	FileStatusOnline      = "online"
	FileStatusDownloading = "downloading"
	FileStatusDecrypting  = "decrypting"
	FileStatusWaiting     = "waiting"
	FileStatusTempOffline = "temp_offline"
	FileStatusPaused      = "paused"
	FileStatusFinished    = "finished"
	FileStatusFailed      = "failed"
	FileStatusAborted     = "aborted"
	FileStatusSkipped     = "skipped"
)

// File is a single downloadable entity belonging to a Package (spec.md §3).
type File struct {
	ID            string `gorm:"primaryKey" json:"id"`
	PackageID     string `gorm:"index" json:"package_id"`
	Name          string `json:"name"`
	URL           string `json:"url"`
	PluginName    string `gorm:"index" json:"plugin_name"`
	Status        string `gorm:"index" json:"status"`
	StatusMsg     string `json:"status_msg"`
	Order         int    `gorm:"default:0;index" json:"order"`
	Priority      int    `gorm:"default:0" json:"priority"` // higher sorts first
	Size          int64  `json:"size"`
	Downloaded    int64  `json:"downloaded"`
	SavePath      string `json:"save_path"`
	ExpectedHash  string `json:"expected_hash"`
	HashAlgorithm string `json:"hash_algorithm"`
	Headers       string `json:"headers"` // JSON-encoded map[string]string
	Cookies       string `json:"cookies"`
	Error         int    `gorm:"default:0" json:"error_count"`
	Notified      bool   `json:"notified"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
	DeletedAt     gorm.DeletedAt `gorm:"index" json:"-"`
}

func (File) TableName() string { return "files" }

// ChunkInfo persists the per-chunk layout for a resumable download (spec.md
// §3, §6 chunk sidecar format). Size is stored as int64 — spec.md §9 flags
// the source's string-typed size as a possibly-buggy behavior not to carry
// forward; DESIGN.md records this decision.
type ChunkInfo struct {
	ID        uint  `gorm:"primaryKey" json:"id"`
	FileID    string `gorm:"index" json:"file_id"`
	Index     int    `json:"index"`
	Start     int64  `json:"start"`
	End       int64  `json:"end"`
	Size      int64  `json:"size"`
	Done      int64  `json:"done"`
	Completed bool   `json:"completed"`
}

func (ChunkInfo) TableName() string { return "chunk_infos" }

// OnlineProbe is the cached outcome of an Info/Result Cache probe (spec.md §4.5).
type OnlineProbe struct {
	ID         string `gorm:"primaryKey" json:"id"`
	URL        string `gorm:"index" json:"url"`
	PluginName string `json:"plugin_name"`
	Name       string `json:"name"`
	Size       int64  `json:"size"`
	Status     string `json:"status"` // online, offline, temp_offline, unknown
	Error      string `json:"error"`
	FetchedAt  time.Time
}

func (OnlineProbe) TableName() string { return "online_probes" }

// CaptchaTask persists the Captcha Task Broker's state machine (spec.md §4.4).
type CaptchaTask struct {
	ID          int64  `gorm:"primaryKey;autoIncrement" json:"id"`
	PluginName  string `json:"plugin_name"`
	Data        []byte `json:"data"`
	Type        string `json:"type"` // "positional" or "textual"
	ResultType  string `json:"result_type"`
	Result      string `json:"result"`
	State       string `gorm:"index" json:"state"` // init, waiting, user, shared-user, done, error
	CreatedAt   time.Time
	WaitingSince time.Time
}

func (CaptchaTask) TableName() string { return "captcha_tasks" }

// DownloadLocation stores saved download locations with nicknames.
type DownloadLocation struct {
	Path     string `gorm:"primaryKey" json:"path"`
	Nickname string `json:"nickname"`
}

func (DownloadLocation) TableName() string { return "download_locations" }

// DailyStat tracks daily download statistics for analytics.
type DailyStat struct {
	Date  string `gorm:"primaryKey"`
	Bytes int64  `gorm:"default:0"`
	Files int64  `gorm:"default:0"`
}

func (DailyStat) TableName() string { return "daily_stats" }

// AppSetting stores key-value application settings.
type AppSetting struct {
	Key   string `gorm:"primaryKey"`
	Value string
}

func (AppSetting) TableName() string { return "app_settings" }

// SpeedTestHistory stores past speed test results.
type SpeedTestHistory struct {
	ID             uint    `gorm:"primaryKey" json:"id"`
	DownloadSpeed  float64 `json:"download_mbps"`
	UploadSpeed    float64 `json:"upload_mbps"`
	Ping           int64   `json:"ping_ms"`
	Jitter         int64   `json:"jitter_ms"`
	ISP            string  `json:"isp"`
	ServerName     string  `json:"server_name"`
	ServerLocation string  `json:"server_location"`
	Timestamp      string  `json:"timestamp"`
}

func (SpeedTestHistory) TableName() string { return "speed_test_history" }

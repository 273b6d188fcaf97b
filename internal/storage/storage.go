// Package storage persists the Package/File/ChunkInfo/CaptchaTask/OnlineProbe
// data model (spec.md §3) with gorm over glebarez/sqlite, following the
// teacher's own storage layer shape (gorm models + TableName()).
package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

var (
	ErrPackageNotFound = errors.New("package does not exist")
	ErrFileNotFound    = errors.New("file does not exist")
)

// Storage wraps the gorm handle plus the in-memory jobCache the Scheduler's
// assignment algorithm uses to avoid re-scanning File rows for Occupied sets
// it has already exhausted this tick (spec.md §4.1 step 5).
type Storage struct {
	DB *gorm.DB

	cacheMu  sync.Mutex
	jobCache map[string]bool // occupied-set signature -> "nothing available"
}

// NewStorage opens (or creates) the sqlite database at dbPath and runs
// AutoMigrate for every model, matching engine_test.go's createTempDB idiom
// generalized to a real on-disk path.
func NewStorage(dbPath string) (*Storage, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	if err := db.AutoMigrate(
		&Package{}, &File{}, &ChunkInfo{}, &OnlineProbe{}, &CaptchaTask{},
		&DownloadLocation{}, &DailyStat{}, &AppSetting{}, &SpeedTestHistory{},
	); err != nil {
		return nil, fmt.Errorf("migrate storage: %w", err)
	}

	return &Storage{DB: db, jobCache: make(map[string]bool)}, nil
}

func (s *Storage) Checkpoint() error {
	return s.DB.Exec("PRAGMA wal_checkpoint(TRUNCATE)").Error
}

// --- settings ---

func (s *Storage) GetString(key string) (string, error) {
	var setting AppSetting
	if err := s.DB.First(&setting, "key = ?", key).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", nil
		}
		return "", err
	}
	return setting.Value, nil
}

func (s *Storage) SetString(key, value string) error {
	return s.DB.Save(&AppSetting{Key: key, Value: value}).Error
}

// --- packages ---

func (s *Storage) CreatePackage(p *Package) error {
	if p.Order == 0 {
		var maxOrder int
		s.DB.Model(&Package{}).Select("COALESCE(MAX(`order`), 0)").Scan(&maxOrder)
		p.Order = maxOrder + 1
	}
	return s.DB.Create(p).Error
}

func (s *Storage) GetPackage(id string) (*Package, error) {
	var p Package
	if err := s.DB.First(&p, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPackageNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (s *Storage) ListPackages() ([]Package, error) {
	var pkgs []Package
	err := s.DB.Order("`order` asc").Find(&pkgs).Error
	return pkgs, err
}

func (s *Storage) DeletePackage(id string) error {
	if err := s.DB.Where("package_id = ?", id).Delete(&File{}).Error; err != nil {
		return err
	}
	return s.DB.Delete(&Package{}, "id = ?", id).Error
}

// OrderPackage reassigns package.Order, mirroring the original's
// orderPackage O(n²) collision-disambiguation while loop (DESIGN.md Open
// Question #3: preserved intentionally rather than rewritten as a single
// deterministic pass).
func (s *Storage) OrderPackage(id string, newOrder int) error {
	var pkgs []Package
	if err := s.DB.Order("`order` asc").Find(&pkgs).Error; err != nil {
		return err
	}

	var target *Package
	for i := range pkgs {
		if pkgs[i].ID == id {
			target = &pkgs[i]
			break
		}
	}
	if target == nil {
		return ErrPackageNotFound
	}

	target.Order = newOrder
	for {
		collision := -1
		for i := range pkgs {
			if pkgs[i].ID != target.ID && pkgs[i].Order == target.Order {
				collision = i
				break
			}
		}
		if collision == -1 {
			break
		}
		pkgs[collision].Order++
	}

	for i := range pkgs {
		if err := s.DB.Model(&Package{}).Where("id = ?", pkgs[i].ID).Update("order", pkgs[i].Order).Error; err != nil {
			return err
		}
	}
	return nil
}

// --- files ---

func (s *Storage) CreateFile(f *File) error {
	if f.Order == 0 {
		var maxOrder int
		s.DB.Model(&File{}).Where("package_id = ?", f.PackageID).
			Select("COALESCE(MAX(`order`), 0)").Scan(&maxOrder)
		f.Order = maxOrder + 1
	}
	s.invalidateJobCache()
	return s.DB.Create(f).Error
}

func (s *Storage) GetFile(id string) (*File, error) {
	var f File
	if err := s.DB.First(&f, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrFileNotFound
		}
		return nil, err
	}
	return &f, nil
}

func (s *Storage) UpdateFile(f *File) error {
	s.invalidateJobCache()
	return s.DB.Save(f).Error
}

func (s *Storage) ListFilesByPackage(packageID string) ([]File, error) {
	var files []File
	err := s.DB.Where("package_id = ?", packageID).Order("`order` asc").Find(&files).Error
	return files, err
}

func (s *Storage) DeleteFile(id string) error {
	s.invalidateJobCache()
	return s.DB.Delete(&File{}, "id = ?", id).Error
}

// OrderFile mirrors OrderPackage's collision-disambiguation semantics at
// file scope (spec.md §9 Design Notes / DESIGN.md Open Question #3).
func (s *Storage) OrderFile(id string, newOrder int) error {
	var f File
	if err := s.DB.First(&f, "id = ?", id).Error; err != nil {
		return ErrFileNotFound
	}

	var files []File
	if err := s.DB.Where("package_id = ?", f.PackageID).Order("`order` asc").Find(&files).Error; err != nil {
		return err
	}

	var target *File
	for i := range files {
		if files[i].ID == id {
			target = &files[i]
			break
		}
	}
	target.Order = newOrder
	for {
		collision := -1
		for i := range files {
			if files[i].ID != target.ID && files[i].Order == target.Order {
				collision = i
				break
			}
		}
		if collision == -1 {
			break
		}
		files[collision].Order++
	}

	for i := range files {
		if err := s.DB.Model(&File{}).Where("id = ?", files[i].ID).Update("order", files[i].Order).Error; err != nil {
			return err
		}
	}
	s.invalidateJobCache()
	return nil
}

// NextJob implements the ordering function spec.md §4.1 step 3 and §5
// "Ordering guarantees" designate as authoritative: the highest-priority
// queued (or decrypting) file whose plugin is not in occupied. A per-
// Occupied-set cache records "nothing available" so repeated scheduler
// ticks against the same Occupied set don't re-scan (spec.md §4.1 step 5).
func (s *Storage) NextJob(occupied []string) (*File, error) {
	sig := occupiedSignature(occupied)

	s.cacheMu.Lock()
	if empty := s.jobCache[sig]; empty {
		s.cacheMu.Unlock()
		return nil, nil
	}
	s.cacheMu.Unlock()

	var candidates []File
	err := s.DB.Where("status IN ?", []string{FileStatusQueued, FileStatusDecrypting}).
		Order("priority desc, `order` asc").Find(&candidates).Error
	if err != nil {
		return nil, err
	}

	occupiedSet := make(map[string]bool, len(occupied))
	for _, name := range occupied {
		occupiedSet[name] = true
	}

	for i := range candidates {
		if !occupiedSet[candidates[i].PluginName] {
			return &candidates[i], nil
		}
	}

	s.cacheMu.Lock()
	s.jobCache[sig] = true
	s.cacheMu.Unlock()
	return nil, nil
}

// invalidateJobCache must run on every write that could make a previously
// "nothing available" Occupied set newly satisfiable.
func (s *Storage) invalidateJobCache() {
	s.cacheMu.Lock()
	s.jobCache = make(map[string]bool)
	s.cacheMu.Unlock()
}

func occupiedSignature(occupied []string) string {
	cp := append([]string(nil), occupied...)
	sort.Strings(cp)
	return strings.Join(cp, "\x00")
}

// --- chunk info ---

func (s *Storage) SaveChunks(fileID string, chunks []ChunkInfo) error {
	return s.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("file_id = ?", fileID).Delete(&ChunkInfo{}).Error; err != nil {
			return err
		}
		for i := range chunks {
			chunks[i].FileID = fileID
			if err := tx.Create(&chunks[i]).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Storage) LoadChunks(fileID string) ([]ChunkInfo, error) {
	var chunks []ChunkInfo
	err := s.DB.Where("file_id = ?", fileID).Order("`index` asc").Find(&chunks).Error
	return chunks, err
}

func (s *Storage) UpdateChunkProgress(fileID string, index int, done int64, completed bool) error {
	return s.DB.Model(&ChunkInfo{}).
		Where("file_id = ? AND `index` = ?", fileID, index).
		Updates(map[string]interface{}{"done": done, "completed": completed}).Error
}

// --- online probes ---

func (s *Storage) SaveProbe(p *OnlineProbe) error {
	return s.DB.Save(p).Error
}

func (s *Storage) GetProbe(url string) (*OnlineProbe, error) {
	var p OnlineProbe
	if err := s.DB.Where("url = ?", url).Order("fetched_at desc").First(&p).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &p, nil
}

// --- captcha ---

func (s *Storage) CreateCaptchaTask(t *CaptchaTask) error {
	return s.DB.Create(t).Error
}

func (s *Storage) GetCaptchaTask(id int64) (*CaptchaTask, error) {
	var t CaptchaTask
	if err := s.DB.First(&t, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &t, nil
}

func (s *Storage) UpdateCaptchaTask(t *CaptchaTask) error {
	return s.DB.Save(t).Error
}

func (s *Storage) ListCaptchaTasksByState(state string) ([]CaptchaTask, error) {
	var tasks []CaptchaTask
	err := s.DB.Where("state = ?", state).Find(&tasks).Error
	return tasks, err
}

// --- speed test history ---

func (s *Storage) SaveSpeedTest(r *SpeedTestHistory) error {
	return s.DB.Create(r).Error
}

func (s *Storage) ListSpeedTests(limit int) ([]SpeedTestHistory, error) {
	var rows []SpeedTestHistory
	q := s.DB.Order("id desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&rows).Error
	return rows, err
}

// --- saved download locations ---

func (s *Storage) SaveDownloadLocation(loc *DownloadLocation) error {
	return s.DB.Save(loc).Error
}

func (s *Storage) ListDownloadLocations() ([]DownloadLocation, error) {
	var rows []DownloadLocation
	err := s.DB.Find(&rows).Error
	return rows, err
}

func (s *Storage) DeleteDownloadLocation(path string) error {
	return s.DB.Delete(&DownloadLocation{}, "path = ?", path).Error
}

// --- stats ---

func (s *Storage) IncrementStat(date string, bytes int64, files int64) error {
	var stat DailyStat
	err := s.DB.First(&stat, "date = ?", date).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return s.DB.Create(&DailyStat{Date: date, Bytes: bytes, Files: files}).Error
	} else if err != nil {
		return err
	}
	stat.Bytes += bytes
	stat.Files += files
	return s.DB.Save(&stat).Error
}

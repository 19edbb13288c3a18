package storage

import (
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"hostvisor/internal/domain"
)

const (
	DefaultPortRangeStart = 25565
	DefaultPortRangeEnd   = 25600
)

type Instance struct {
	ID            string `gorm:"primaryKey"`
	TemplateID    string
	Name          string
	Dir           string
	Executable    string
	Args          []string          `gorm:"serializer:json"`
	Env           map[string]string `gorm:"serializer:json"`
	StopCommand   string
	Config        map[string]string `gorm:"serializer:json"`
	Ports         map[string]int    `gorm:"serializer:json"`
	Status        string
	AutoRestart   bool
	LastStartedAt time.Time
	CreatedAt     time.Time
}

type Backup struct {
	ID         string `gorm:"primaryKey"`
	InstanceID string `gorm:"index"`
	Name       string
	Path       string
	Size       int64
	CreatedAt  time.Time
}

type Setting struct {
	Key   string `gorm:"primaryKey"`
	Value string
}

// GormStore persists instances, backup records and settings in SQLite.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens (creating if needed) the database at path, which may
// be ":memory:" for tests. The port range settings are seeded with start and
// end when absent.
func NewGormStore(path string, portStart, portEnd int, logger zerolog.Logger) (*GormStore, error) {
	newLogger := gormlogger.New(
		log.New(logger, "", 0),
		gormlogger.Config{
			IgnoreRecordNotFoundError: true,
			LogLevel:                  gormlogger.Error,
		},
	)

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: newLogger})
	if err != nil {
		return nil, err
	}
	if path == ":memory:" {
		// Every pooled connection would otherwise get its own empty database.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}

	err = db.AutoMigrate(&Instance{}, &Backup{}, &Setting{})
	if err != nil {
		return nil, fmt.Errorf("error migrating database: %w", err)
	}

	store := &GormStore{db: db}

	if portStart <= 0 || portEnd <= 0 {
		portStart, portEnd = DefaultPortRangeStart, DefaultPortRangeEnd
	}
	if err := store.initDefaultSettings(portStart, portEnd); err != nil {
		return nil, fmt.Errorf("error initializing settings: %w", err)
	}

	return store, nil
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *GormStore) initDefaultSettings(start, end int) error {
	defaults := map[string]string{
		"port_range_start": strconv.Itoa(start),
		"port_range_end":   strconv.Itoa(end),
	}

	for key, value := range defaults {
		var setting Setting
		result := s.db.First(&setting, "key = ?", key)
		if result.Error != nil {
			if errors.Is(result.Error, gorm.ErrRecordNotFound) {
				if err := s.db.Create(&Setting{Key: key, Value: value}).Error; err != nil {
					return err
				}
			} else {
				return result.Error
			}
		}
	}

	return nil
}

func toModel(inst *domain.Instance) *Instance {
	return &Instance{
		ID:            inst.ID,
		TemplateID:    inst.TemplateID,
		Name:          inst.Name,
		Dir:           inst.Dir,
		Executable:    inst.Executable,
		Args:          inst.Args,
		Env:           inst.Env,
		StopCommand:   inst.StopCommand,
		Config:        inst.Config,
		Ports:         inst.Ports,
		Status:        string(inst.Status),
		AutoRestart:   inst.AutoRestart,
		LastStartedAt: inst.LastStartedAt,
		CreatedAt:     inst.CreatedAt,
	}
}

func (m Instance) toDomain() domain.Instance {
	return domain.Instance{
		ID:            m.ID,
		TemplateID:    m.TemplateID,
		Name:          m.Name,
		Dir:           m.Dir,
		Executable:    m.Executable,
		Args:          m.Args,
		Env:           m.Env,
		StopCommand:   m.StopCommand,
		Config:        m.Config,
		Ports:         m.Ports,
		Status:        domain.Status(m.Status),
		AutoRestart:   m.AutoRestart,
		LastStartedAt: m.LastStartedAt,
		CreatedAt:     m.CreatedAt,
	}
}

// SaveInstance inserts or fully replaces inst. Live fields (pid, resources)
// are not persisted.
func (s *GormStore) SaveInstance(inst *domain.Instance) error {
	return s.db.Save(toModel(inst)).Error
}

func (s *GormStore) ListInstances() ([]domain.Instance, error) {
	var models []Instance
	if err := s.db.Order("created_at, id").Find(&models).Error; err != nil {
		return nil, err
	}

	instances := make([]domain.Instance, 0, len(models))
	for _, m := range models {
		instances = append(instances, m.toDomain())
	}
	return instances, nil
}

func (s *GormStore) GetInstance(id string) (*domain.Instance, error) {
	var m Instance
	result := s.db.First(&m, "id = ?", id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, domain.ErrInstanceNotFound
		}
		return nil, fmt.Errorf("error querying instance: %w", result.Error)
	}
	inst := m.toDomain()
	return &inst, nil
}

// DeleteInstance removes the instance. Its backup records are kept so they
// can still be restored into another instance.
func (s *GormStore) DeleteInstance(id string) error {
	return s.db.Delete(&Instance{}, "id = ?", id).Error
}

func (s *GormStore) UpdateStatus(id string, status domain.Status) error {
	return s.db.Model(&Instance{}).Where("id = ?", id).Update("status", string(status)).Error
}

func (s *GormStore) SaveBackup(rec *domain.BackupRecord) error {
	return s.db.Create(&Backup{
		ID:         rec.ID,
		InstanceID: rec.InstanceID,
		Name:       rec.Name,
		Path:       rec.Path,
		Size:       rec.Size,
		CreatedAt:  rec.CreatedAt,
	}).Error
}

func (b Backup) toDomain() domain.BackupRecord {
	return domain.BackupRecord{
		ID:         b.ID,
		InstanceID: b.InstanceID,
		Name:       b.Name,
		Path:       b.Path,
		Size:       b.Size,
		CreatedAt:  b.CreatedAt,
	}
}

func (s *GormStore) GetBackup(id string) (*domain.BackupRecord, error) {
	var b Backup
	result := s.db.First(&b, "id = ?", id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, domain.ErrBackupNotFound
		}
		return nil, fmt.Errorf("error querying backup: %w", result.Error)
	}
	rec := b.toDomain()
	return &rec, nil
}

// ListBackups returns the backups of instanceID, newest first, or of every
// instance when instanceID is empty.
func (s *GormStore) ListBackups(instanceID string) ([]domain.BackupRecord, error) {
	query := s.db.Order("created_at desc, id")
	if instanceID != "" {
		query = query.Where("instance_id = ?", instanceID)
	}

	var models []Backup
	if err := query.Find(&models).Error; err != nil {
		return nil, err
	}

	records := make([]domain.BackupRecord, 0, len(models))
	for _, b := range models {
		records = append(records, b.toDomain())
	}
	return records, nil
}

func (s *GormStore) DeleteBackup(id string) error {
	result := s.db.Delete(&Backup{}, "id = ?", id)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrBackupNotFound
	}
	return nil
}

func (s *GormStore) GetSetting(key string) (string, error) {
	var setting Setting
	result := s.db.First(&setting, "key = ?", key)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return "", fmt.Errorf("setting not found: %s", key)
		}
		return "", result.Error
	}
	return setting.Value, nil
}

func (s *GormStore) SetSetting(key string, value string) error {
	return s.db.Save(&Setting{Key: key, Value: value}).Error
}

func (s *GormStore) GetPortRange() (int, int, error) {
	startStr, err := s.GetSetting("port_range_start")
	if err != nil {
		return 0, 0, err
	}

	endStr, err := s.GetSetting("port_range_end")
	if err != nil {
		return 0, 0, err
	}

	start, err := strconv.Atoi(startStr)
	if err != nil {
		return 0, 0, fmt.Errorf("error parsing port_range_start: %w", err)
	}

	end, err := strconv.Atoi(endStr)
	if err != nil {
		return 0, 0, fmt.Errorf("error parsing port_range_end: %w", err)
	}

	return start, end, nil
}

func (s *GormStore) SetPortRange(start int, end int) error {
	if start <= 0 || end <= 0 || start > end || end > 65535 {
		return fmt.Errorf("%w: invalid port range: %d-%d", domain.ErrInvalidRequest, start, end)
	}

	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Save(&Setting{Key: "port_range_start", Value: strconv.Itoa(start)}).Error; err != nil {
			return err
		}
		return tx.Save(&Setting{Key: "port_range_end", Value: strconv.Itoa(end)}).Error
	})
}

var _ domain.Repository = (*GormStore)(nil)

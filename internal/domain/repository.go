package domain

type InstanceRepository interface {
	ListInstances() ([]Instance, error)
	GetInstance(id string) (*Instance, error)
	SaveInstance(inst *Instance) error
	DeleteInstance(id string) error
}

type BackupRepository interface {
	SaveBackup(rec *BackupRecord) error
	GetBackup(id string) (*BackupRecord, error)
	ListBackups(instanceID string) ([]BackupRecord, error)
	DeleteBackup(id string) error
}

type SettingRepository interface {
	GetSetting(key string) (string, error)
	SetSetting(key string, value string) error
	GetPortRange() (int, int, error)
	SetPortRange(start int, end int) error
}

type Repository interface {
	InstanceRepository
	BackupRepository
	SettingRepository
}

package web

import (
	"errors"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/rockenbf/oxen/lib/oxerr"
)

// RepoRecord is one hosted repository in the registry database.
type RepoRecord struct {
	ID        string `gorm:"primaryKey"`
	Namespace string `gorm:"index:idx_ns_name,unique"`
	Name      string `gorm:"index:idx_ns_name,unique"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Registry tracks the repositories this server hosts in a sqlite database
// next to the data root.
type Registry struct {
	db *gorm.DB
}

// OpenRegistry opens (creating if needed) the registry database.
func OpenRegistry(dataRoot string) (*Registry, error) {
	db, err := gorm.Open(sqlite.Open(filepath.Join(dataRoot, "registry.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, oxerr.Wrap(oxerr.Io, err, "could not open registry db")
	}
	if err := db.AutoMigrate(&RepoRecord{}); err != nil {
		return nil, oxerr.Wrap(oxerr.Io, err, "could not migrate registry db")
	}
	return &Registry{db: db}, nil
}

// Get looks a repo up by namespace and name.
func (r *Registry) Get(namespace, name string) (*RepoRecord, error) {
	var record RepoRecord
	err := r.db.Where("namespace = ? AND name = ?", namespace, name).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, oxerr.Newf(oxerr.NotFound, "repo %s/%s not found", namespace, name)
	}
	if err != nil {
		return nil, oxerr.Wrap(oxerr.Io, err, "could not query registry")
	}
	return &record, nil
}

// Create registers a new repo.
func (r *Registry) Create(namespace, name string) (*RepoRecord, error) {
	if _, err := r.Get(namespace, name); err == nil {
		return nil, oxerr.Newf(oxerr.AlreadyExists, "repo %s/%s already exists", namespace, name)
	}
	record := &RepoRecord{ID: uuid.NewString(), Namespace: namespace, Name: name}
	if err := r.db.Create(record).Error; err != nil {
		return nil, oxerr.Wrap(oxerr.Io, err, "could not create repo record")
	}
	return record, nil
}

// Delete removes a repo record.
func (r *Registry) Delete(namespace, name string) error {
	result := r.db.Where("namespace = ? AND name = ?", namespace, name).Delete(&RepoRecord{})
	if result.Error != nil {
		return oxerr.Wrap(oxerr.Io, result.Error, "could not delete repo record")
	}
	if result.RowsAffected == 0 {
		return oxerr.Newf(oxerr.NotFound, "repo %s/%s not found", namespace, name)
	}
	return nil
}

// Transfer moves a repo to another namespace.
func (r *Registry) Transfer(namespace, name, newNamespace string) (*RepoRecord, error) {
	record, err := r.Get(namespace, name)
	if err != nil {
		return nil, err
	}
	if _, err := r.Get(newNamespace, name); err == nil {
		return nil, oxerr.Newf(oxerr.AlreadyExists, "repo %s/%s already exists", newNamespace, name)
	}
	record.Namespace = newNamespace
	if err := r.db.Save(record).Error; err != nil {
		return nil, oxerr.Wrap(oxerr.Io, err, "could not transfer repo record")
	}
	return record, nil
}

// List returns every hosted repo.
func (r *Registry) List() ([]RepoRecord, error) {
	var records []RepoRecord
	if err := r.db.Order("namespace, name").Find(&records).Error; err != nil {
		return nil, oxerr.Wrap(oxerr.Io, err, "could not list repos")
	}
	return records, nil
}

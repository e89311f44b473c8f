package database

import (
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
	"moul.io/zapgorm2"

	"github.com/alanbriolat/movie-archiver/generic"
	"github.com/alanbriolat/movie-archiver/movie"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

var (
	ErrNotFound    = errors.New("no such row")
	ErrUnknownLink = errors.New("no link with that URL")
	ErrNoMediaURL  = errors.New("detail has no media URL")
)

const busyTimeout = 5 * time.Second

type Database struct {
	db  *gorm.DB
	log *zap.SugaredLogger
}

// Open opens (creating if necessary) the SQLite database at path in WAL mode, so other processes can read while a
// stage is writing.
func Open(path string, logger *zap.Logger) (*Database, error) {
	if logger == nil {
		logger = zap.L()
	}
	gormLogger := zapgorm2.New(logger.Named("gorm"))
	gormLogger.IgnoreRecordNotFoundError = true
	gormLogger.LogLevel = gormlogger.Warn
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=%d", path, busyTimeout.Milliseconds())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormLogger})
	if err != nil {
		return nil, fmt.Errorf("failed to open database %v: %w", path, err)
	}
	return &Database{db: db, log: logger.Named("database").Sugar()}, nil
}

func (d *Database) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Initialize creates missing tables, then adds any optional columns that an older schema lacks. It is safe to call
// on every start.
func (d *Database) Initialize() error {
	if err := d.migrate(); err != nil {
		return err
	}
	return d.ensureColumns()
}

func (d *Database) migrate() error {
	d.log.Debug("running database migrations")
	fs, err := iofs.New(embedMigrations, "migrations")
	if err != nil {
		return err
	}
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	driver, err := sqlite3.WithInstance(sqlDB, &sqlite3.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", fs, "sqlite3", driver)
	if err != nil {
		return err
	}
	err = m.Up()
	switch {
	case err == nil:
		d.log.Info("database migration complete")
	case errors.Is(err, migrate.ErrNoChange):
		d.log.Debug("no database migration required")
	default:
		return fmt.Errorf("database migration failed: %w", err)
	}
	return nil
}

func (d *Database) ensureColumns() error {
	existing, err := d.columns(Detail{}.TableName())
	if err != nil {
		return fmt.Errorf("failed to inspect %v: %w", Detail{}.TableName(), err)
	}
	for _, column := range detailColumns {
		if existing.Contains(column) {
			continue
		}
		d.log.Infof("adding missing column %v.%v", Detail{}.TableName(), column)
		if err := d.db.Migrator().AddColumn(&Detail{}, column); err != nil {
			return fmt.Errorf("failed to add column %v: %w", column, err)
		}
	}
	return nil
}

func (d *Database) columns(table string) (generic.Set[string], error) {
	var names []string
	if err := d.db.Raw("SELECT name FROM pragma_table_info(?)", table).Scan(&names).Error; err != nil {
		return nil, err
	}
	return generic.NewSet(names...), nil
}

// ResetLinks deletes every link, ahead of a fresh crawl.
func (d *Database) ResetLinks() error {
	return d.db.Where("1 = 1").Delete(&Link{}).Error
}

func (d *Database) ResetDetails() error {
	return d.db.Where("1 = 1").Delete(&Detail{}).Error
}

// ResetProcessedFlags marks every link unprocessed so the next extraction run revisits it. Details are untouched.
func (d *Database) ResetProcessedFlags() error {
	return d.db.Model(&Link{}).Where("1 = 1").Update("processed", false).Error
}

// InsertLinksIgnoringDuplicates adds each URL that is not already known, returning how many were new.
func (d *Database) InsertLinksIgnoringDuplicates(urls []string) (int64, error) {
	if len(urls) == 0 {
		return 0, nil
	}
	links := make([]Link, 0, len(urls))
	for _, url := range urls {
		links = append(links, Link{URL: url})
	}
	res := d.db.Clauses(clause.OnConflict{DoNothing: true}).CreateInBatches(&links, 500)
	if res.Error != nil {
		return 0, fmt.Errorf("failed to insert links: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (d *Database) ListUnprocessedLinks() ([]string, error) {
	var urls []string
	if err := d.db.Model(&Link{}).Where("processed = ?", false).Pluck("url", &urls).Error; err != nil {
		return nil, err
	}
	return urls, nil
}

// UpsertDetail saves the details for a known link, replacing any previous row for the same URL (which resets its
// download state), and marks the link processed. Both happen in one transaction.
func (d *Database) UpsertDetail(details *movie.Details) (RowID, error) {
	if err := details.Validate(); err != nil {
		return NullRowID, err
	}
	row := NewDetail(details)
	var id RowID
	err := d.db.Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&Link{}).Where("url = ?", row.URL).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return fmt.Errorf("%w: %v", ErrUnknownLink, row.URL)
		}
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "url"}},
			DoUpdates: clause.AssignmentColumns(detailColumns),
		}).Create(&row).Error
		if err != nil {
			return fmt.Errorf("failed to save detail: %w", err)
		}
		var ids []RowID
		if err := tx.Model(&Detail{}).Where("url = ?", row.URL).Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return fmt.Errorf("%w: detail for %v", ErrNotFound, row.URL)
		}
		id = ids[0]
		return tx.Model(&Link{}).Where("url = ?", row.URL).Update("processed", true).Error
	})
	if err != nil {
		return NullRowID, err
	}
	return id, nil
}

// ListPendingDownloads returns every detail not yet downloaded, including those without a media URL.
func (d *Database) ListPendingDownloads() ([]PendingDownload, error) {
	var pending []PendingDownload
	err := d.db.Model(&Detail{}).
		Select("id, COALESCE(api_url, '') AS api_url").
		Where("download_status = ?", false).
		Order("id").
		Scan(&pending).Error
	if err != nil {
		return nil, err
	}
	return pending, nil
}

func (d *Database) MarkDownloaded(id RowID, path string) error {
	return d.db.Transaction(func(tx *gorm.DB) error {
		var found []PendingDownload
		err := tx.Model(&Detail{}).
			Select("id, COALESCE(api_url, '') AS api_url").
			Where("id = ?", id).
			Scan(&found).Error
		if err != nil {
			return err
		}
		if len(found) == 0 {
			return fmt.Errorf("%w: detail %d", ErrNotFound, id)
		}
		if found[0].APIURL == "" {
			return fmt.Errorf("%w: detail %d", ErrNoMediaURL, id)
		}
		return tx.Model(&Detail{}).Where("id = ?", id).Updates(map[string]any{
			"downloaded_path": path,
			"download_status": true,
		}).Error
	})
}

// GetDetailByURL returns (nil, nil) if the error is only that no such row exists.
func (d *Database) GetDetailByURL(url string) (*Detail, error) {
	var rows []Detail
	if err := d.db.Where("url = ?", url).Limit(1).Find(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func (d *Database) Stats() (Stats, error) {
	var stats Stats
	counts := []struct {
		target *int64
		query  *gorm.DB
	}{
		{&stats.Links, d.db.Model(&Link{})},
		{&stats.ProcessedLinks, d.db.Model(&Link{}).Where("processed = ?", true)},
		{&stats.Details, d.db.Model(&Detail{})},
		{&stats.WithMediaURL, d.db.Model(&Detail{}).Where("COALESCE(api_url, '') != ''")},
		{&stats.DownloadedFiles, d.db.Model(&Detail{}).Where("download_status = ?", true)},
	}
	for _, c := range counts {
		if err := c.query.Count(c.target).Error; err != nil {
			return stats, err
		}
	}
	return stats, nil
}

package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/pgvector/pgvector-go"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/face-attendance/internal/gallery"
	"github.com/example/face-attendance/internal/logging"
	"github.com/example/face-attendance/internal/retry"
)

// IdentityRecord is an enrolled person.
type IdentityRecord struct {
	ID         string           `gorm:"primaryKey;size:64"`
	Name       string           `gorm:"column:name;not null"`
	RollNumber string           `gorm:"column:roll_number;uniqueIndex;size:64"`
	Branch     string           `gorm:"column:branch;size:128"`
	Year       string           `gorm:"column:year;size:16"`
	Email      string           `gorm:"column:email;uniqueIndex;size:256"`
	Templates  []TemplateRecord `gorm:"foreignKey:IdentityID;constraint:OnDelete:CASCADE"`
	CreatedAt  time.Time        `gorm:"column:created_at"`
	UpdatedAt  time.Time        `gorm:"column:updated_at"`
}

// TableName overrides the default table name.
func (IdentityRecord) TableName() string {
	return "identities"
}

// TemplateRecord is one enrolled embedding. The column is an unsized vector
// so rows of a different dimensionality can exist; the matcher skips them.
type TemplateRecord struct {
	ID         uint            `gorm:"primaryKey"`
	IdentityID string          `gorm:"column:identity_id;index;size:64;not null"`
	Embedding  pgvector.Vector `gorm:"column:embedding;type:vector"`
	CreatedAt  time.Time       `gorm:"column:created_at"`
	UpdatedAt  time.Time       `gorm:"column:updated_at"`
}

// TableName overrides the default table name.
func (TemplateRecord) TableName() string {
	return "identity_templates"
}

// IdentityRepository reads the gallery from PostgreSQL.
type IdentityRepository struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewIdentityRepository creates a new repository instance.
func NewIdentityRepository(db *gorm.DB, logger *zap.Logger) *IdentityRepository {
	return &IdentityRepository{
		db:             db,
		logger:         logger.Named("identity_repository"),
		retryAttempts:  retry.DefaultPolicy.Attempts,
		initialBackoff: retry.DefaultPolicy.InitialBackoff,
		maxBackoff:     retry.DefaultPolicy.MaxBackoff,
	}
}

// touchStatements stamp updated_at on every insert and update, including
// writes that bypass gorm, so Revision observes them.
var touchStatements = []string{
	`CREATE OR REPLACE FUNCTION faceattend_touch_updated_at() RETURNS trigger AS $$
	BEGIN
		NEW.updated_at = clock_timestamp();
		RETURN NEW;
	END
	$$ LANGUAGE plpgsql`,
	`DROP TRIGGER IF EXISTS identities_touch_updated_at ON identities`,
	`CREATE TRIGGER identities_touch_updated_at BEFORE INSERT OR UPDATE ON identities
	FOR EACH ROW EXECUTE FUNCTION faceattend_touch_updated_at()`,
	`DROP TRIGGER IF EXISTS identity_templates_touch_updated_at ON identity_templates`,
	`CREATE TRIGGER identity_templates_touch_updated_at BEFORE INSERT OR UPDATE ON identity_templates
	FOR EACH ROW EXECUTE FUNCTION faceattend_touch_updated_at()`,
}

// AutoMigrate ensures the vector extension, the schema and the updated_at
// triggers are available.
func (r *IdentityRepository) AutoMigrate(ctx context.Context) error {
	db := r.db.WithContext(ctx)
	if err := db.Exec("CREATE EXTENSION IF NOT EXISTS vector").Error; err != nil {
		return fmt.Errorf("create vector extension: %w", err)
	}
	if err := db.AutoMigrate(&IdentityRecord{}, &TemplateRecord{}); err != nil {
		return err
	}
	for _, stmt := range touchStatements {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("install updated_at trigger: %w", err)
		}
	}
	return nil
}

// SaveIdentity inserts or replaces an identity together with its templates.
func (r *IdentityRepository) SaveIdentity(ctx context.Context, ident gallery.Identity) error {
	record := IdentityRecord{
		ID:         ident.ID,
		Name:       ident.Profile.Name,
		RollNumber: ident.Profile.RollNumber,
		Branch:     ident.Profile.Branch,
		Year:       ident.Profile.Year,
		Email:      ident.Profile.Email,
	}
	for _, tpl := range ident.Templates {
		record.Templates = append(record.Templates, TemplateRecord{Embedding: pgvector.NewVector(toFloat32(tpl))})
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("identity_id = ?", ident.ID).Delete(&TemplateRecord{}).Error; err != nil {
			return err
		}
		return tx.Save(&record).Error
	})
}

// Identities loads every identity and its templates. Templates whose stored
// value cannot be parsed are counted on the identity instead of failing the load.
func (r *IdentityRepository) Identities(ctx context.Context) ([]gallery.Identity, error) {
	requestID := logging.RequestIDFrom(ctx)

	var records []IdentityRecord
	err := r.executeWithRetry(ctx, "repository.list_identities", requestID, func() error {
		records = records[:0]
		return r.db.WithContext(ctx).Order("created_at, id").Find(&records).Error
	})
	if err != nil {
		return nil, err
	}

	var templates map[string]*decodedTemplates
	err = r.executeWithRetry(ctx, "repository.list_templates", requestID, func() error {
		var loadErr error
		templates, loadErr = r.loadTemplates(ctx)
		return loadErr
	})
	if err != nil {
		return nil, err
	}

	out := make([]gallery.Identity, 0, len(records))
	for _, rec := range records {
		ident := gallery.Identity{
			ID: rec.ID,
			Profile: gallery.Profile{
				Name:       rec.Name,
				RollNumber: rec.RollNumber,
				Branch:     rec.Branch,
				Year:       rec.Year,
				Email:      rec.Email,
			},
		}
		if t, ok := templates[rec.ID]; ok {
			ident.Templates = t.vectors
			ident.Malformed = t.malformed
		}
		out = append(out, ident)
	}
	return out, nil
}

type decodedTemplates struct {
	vectors   [][]float64
	malformed int
}

func (r *IdentityRepository) loadTemplates(ctx context.Context) (map[string]*decodedTemplates, error) {
	rows, err := r.db.WithContext(ctx).
		Model(&TemplateRecord{}).
		Select("identity_id, embedding::text").
		Order("identity_id, id").
		Rows()
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]*decodedTemplates)
	for rows.Next() {
		var identityID string
		var raw sql.NullString
		if err := rows.Scan(&identityID, &raw); err != nil {
			return nil, err
		}
		t, ok := out[identityID]
		if !ok {
			t = &decodedTemplates{}
			out[identityID] = t
		}
		vec, ok := decodeVector(raw)
		if !ok {
			t.malformed++
			continue
		}
		t.vectors = append(t.vectors, vec)
	}
	return out, rows.Err()
}

// Revision changes whenever an identity or template is added, removed or
// updated. Row triggers keep updated_at current for writes made outside gorm.
func (r *IdentityRepository) Revision(ctx context.Context) (string, error) {
	var rev struct {
		Identities int64
		Templates  int64
		LastChange time.Time
	}
	err := r.executeWithRetry(ctx, "repository.revision", logging.RequestIDFrom(ctx), func() error {
		return r.db.WithContext(ctx).Raw(`
			SELECT
				(SELECT COUNT(*) FROM identities) AS identities,
				(SELECT COUNT(*) FROM identity_templates) AS templates,
				GREATEST(
					(SELECT COALESCE(MAX(updated_at), 'epoch'::timestamptz) FROM identities),
					(SELECT COALESCE(MAX(updated_at), 'epoch'::timestamptz) FROM identity_templates)
				) AS last_change
		`).Scan(&rev).Error
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("i%d.t%d.%d", rev.Identities, rev.Templates, rev.LastChange.UnixNano()), nil
}

func (r *IdentityRepository) executeWithRetry(ctx context.Context, operation, requestID string, fn func() error) error {
	policy := retry.Policy{
		Attempts:       r.retryAttempts,
		InitialBackoff: r.initialBackoff,
		MaxBackoff:     r.maxBackoff,
	}
	return retry.Do(ctx, r.logger, policy, operation, requestID, fn)
}

func decodeVector(raw sql.NullString) ([]float64, bool) {
	if !raw.Valid || len(raw.String) < 2 {
		return nil, false
	}
	var v pgvector.Vector
	if err := v.Scan(raw.String); err != nil {
		return nil, false
	}
	src := v.Slice()
	if len(src) == 0 {
		return nil, false
	}
	out := make([]float64, len(src))
	for i, x := range src {
		out[i] = float64(x)
	}
	return out, true
}

func toFloat32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	return out
}

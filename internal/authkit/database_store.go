package authkit

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	sqliteDialector "github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

var (
	// ErrUnsupportedDialect indicates that no GORM dialector is available for the scheme.
	ErrUnsupportedDialect = errors.New("credential_store.unsupported_dialect")

	errEmptyDatabaseURL    = errors.New("credential_store.empty_database_url")
	errSQLiteEmptyPath     = errors.New("credential_store.sqlite.empty_path")
	errSQLiteInvalidURL    = errors.New("credential_store.sqlite.invalid_url")
	errUnsupportedNoScheme = errors.New("credential_store.unsupported_no_scheme")
	errDuplicateSuccessor  = errors.New("refresh_store.duplicate_successor")
)

// DatabaseCredentialStore persists users and refresh-token allow-lists using GORM.
type DatabaseCredentialStore struct {
	db          *gorm.DB
	driverLabel string
	clock       Clock
}

// Driver exposes the selected database driver label.
func (store *DatabaseCredentialStore) Driver() string {
	return store.driverLabel
}

type userRecord struct {
	ID           string    `gorm:"column:id;primaryKey"`
	Email        string    `gorm:"column:email;uniqueIndex;not null"`
	PasswordHash string    `gorm:"column:password_hash;not null"`
	FullName     string    `gorm:"column:full_name;not null;default:''"`
	ImageURL     string    `gorm:"column:image_url;not null;default:''"`
	CreatedAt    time.Time `gorm:"column:created_at;not null"`
	UpdatedAt    time.Time `gorm:"column:updated_at;not null"`
}

func (userRecord) TableName() string {
	return "users"
}

func (record userRecord) toUser() User {
	return User{
		ID:           record.ID,
		Email:        record.Email,
		PasswordHash: record.PasswordHash,
		FullName:     record.FullName,
		ImageURL:     record.ImageURL,
		CreatedAt:    record.CreatedAt.UTC(),
		UpdatedAt:    record.UpdatedAt.UTC(),
	}
}

type refreshTokenRecord struct {
	TokenHash         string `gorm:"column:token_hash;primaryKey"`
	UserID            string `gorm:"column:user_id;index;not null"`
	IssuedAtUnix      int64  `gorm:"column:issued_at_unix;not null"`
	RevokedAtUnix     int64  `gorm:"column:revoked_at_unix;not null;default:0"`
	RevokedReason     string `gorm:"column:revoked_reason;not null;default:''"`
	PreviousTokenHash string `gorm:"column:previous_token_hash;not null;default:''"`
}

func (refreshTokenRecord) TableName() string {
	return "refresh_tokens"
}

// NewDatabaseCredentialStore opens databaseURL (postgres:// or sqlite://) and migrates the schema.
func NewDatabaseCredentialStore(ctx context.Context, databaseURL string) (*DatabaseCredentialStore, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("credential_store.open: %w", errEmptyDatabaseURL)
	}
	dialector, driverLabel, err := resolveDialector(databaseURL)
	if err != nil {
		return nil, err
	}
	gormDB, openErr := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if openErr != nil {
		return nil, fmt.Errorf("credential_store.open.%s: %w", driverLabel, openErr)
	}
	if driverLabel == "sqlite" {
		sqlDB, poolErr := gormDB.DB()
		if poolErr != nil {
			return nil, fmt.Errorf("credential_store.open.%s: %w", driverLabel, poolErr)
		}
		sqlDB.SetMaxOpenConns(1)
	}
	if migrateErr := gormDB.WithContext(ctx).AutoMigrate(&userRecord{}, &refreshTokenRecord{}); migrateErr != nil {
		return nil, fmt.Errorf("credential_store.migrate.%s: %w", driverLabel, migrateErr)
	}
	return &DatabaseCredentialStore{
		db:          gormDB,
		driverLabel: driverLabel,
		clock:       NewSystemClock(),
	}, nil
}

// WithClock stamps user creation and update times from clock.
func (store *DatabaseCredentialStore) WithClock(clock Clock) *DatabaseCredentialStore {
	if clock != nil {
		store.clock = clock
	}
	return store
}

// Close releases the underlying connection pool.
func (store *DatabaseCredentialStore) Close() error {
	sqlDB, err := store.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// FindByEmail returns the user registered with email.
func (store *DatabaseCredentialStore) FindByEmail(ctx context.Context, email string) (User, error) {
	var record userRecord
	err := store.db.WithContext(ctx).Where("email = ?", email).Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return User{}, fmt.Errorf("user_store.find_by_email.%s: %w", store.driverLabel, ErrUserNotFound)
		}
		return User{}, fmt.Errorf("user_store.find_by_email.%s: %w", store.driverLabel, err)
	}
	return record.toUser(), nil
}

// FindByID returns the user with the given identifier.
func (store *DatabaseCredentialStore) FindByID(ctx context.Context, userID string) (User, error) {
	var record userRecord
	err := store.db.WithContext(ctx).Where("id = ?", userID).Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return User{}, fmt.Errorf("user_store.find_by_id.%s: %w", store.driverLabel, ErrUserNotFound)
		}
		return User{}, fmt.Errorf("user_store.find_by_id.%s: %w", store.driverLabel, err)
	}
	return record.toUser(), nil
}

// Create inserts user with a new identifier.
func (store *DatabaseCredentialStore) Create(ctx context.Context, user User) (User, error) {
	if strings.TrimSpace(user.Email) == "" {
		return User{}, fmt.Errorf("user_store.create.%s: %w", store.driverLabel, errEmptyEmail)
	}
	now := store.clock.Now().UTC()
	record := userRecord{
		ID:           NewUserID(),
		Email:        user.Email,
		PasswordHash: user.PasswordHash,
		FullName:     user.FullName,
		ImageURL:     user.ImageURL,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	err := store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing int64
		if countErr := tx.Model(&userRecord{}).Where("email = ?", user.Email).Count(&existing).Error; countErr != nil {
			return countErr
		}
		if existing > 0 {
			return ErrEmailTaken
		}
		return tx.Create(&record).Error
	})
	if err != nil {
		if errors.Is(err, ErrEmailTaken) || errors.Is(err, gorm.ErrDuplicatedKey) {
			return User{}, fmt.Errorf("user_store.create.%s: %w", store.driverLabel, ErrEmailTaken)
		}
		return User{}, fmt.Errorf("user_store.create.%s: %w", store.driverLabel, err)
	}
	return record.toUser(), nil
}

// Save updates the password hash and profile fields of an existing user.
func (store *DatabaseCredentialStore) Save(ctx context.Context, user User) (User, error) {
	result := store.db.WithContext(ctx).Model(&userRecord{}).
		Where("id = ?", user.ID).
		Updates(map[string]interface{}{
			"password_hash": user.PasswordHash,
			"full_name":     user.FullName,
			"image_url":     user.ImageURL,
			"updated_at":    store.clock.Now().UTC(),
		})
	if result.Error != nil {
		return User{}, fmt.Errorf("user_store.save.%s: %w", store.driverLabel, result.Error)
	}
	if result.RowsAffected == 0 {
		return User{}, fmt.Errorf("user_store.save.%s: %w", store.driverLabel, ErrUserNotFound)
	}
	return store.FindByID(ctx, user.ID)
}

// Append allow-lists token for userID.
func (store *DatabaseCredentialStore) Append(ctx context.Context, userID string, token string, issuedAt time.Time) error {
	if strings.TrimSpace(token) == "" {
		return fmt.Errorf("refresh_store.append.%s: %w", store.driverLabel, ErrRefreshTokenEmpty)
	}
	record := refreshTokenRecord{
		TokenHash:    HashRefreshToken(token),
		UserID:       userID,
		IssuedAtUnix: issuedAt.Unix(),
	}
	if err := store.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&record).Error; err != nil {
		return fmt.Errorf("refresh_store.append.%s: %w", store.driverLabel, err)
	}
	return nil
}

// Rotate revokes previousToken and inserts nextToken in a single transaction. The
// conditional update makes concurrent rotations of the same token race on one row.
func (store *DatabaseCredentialStore) Rotate(ctx context.Context, userID string, previousToken string, nextToken string, at time.Time) error {
	if strings.TrimSpace(previousToken) == "" || strings.TrimSpace(nextToken) == "" {
		return fmt.Errorf("refresh_store.rotate.%s: %w", store.driverLabel, ErrRefreshTokenEmpty)
	}
	previousHash := HashRefreshToken(previousToken)
	err := store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&refreshTokenRecord{}).
			Where("token_hash = ? AND user_id = ? AND revoked_at_unix = 0", previousHash, userID).
			Updates(map[string]interface{}{
				"revoked_at_unix": at.Unix(),
				"revoked_reason":  string(RevocationRotated),
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			var record refreshTokenRecord
			findErr := tx.Where("token_hash = ? AND user_id = ?", previousHash, userID).Take(&record).Error
			if errors.Is(findErr, gorm.ErrRecordNotFound) {
				return ErrRefreshTokenNotFound
			}
			if findErr != nil {
				return findErr
			}
			return &RevokedTokenError{
				Reason:    RevocationReason(record.RevokedReason),
				RevokedAt: time.Unix(record.RevokedAtUnix, 0).UTC(),
			}
		}
		successor := refreshTokenRecord{
			TokenHash:         HashRefreshToken(nextToken),
			UserID:            userID,
			IssuedAtUnix:      at.Unix(),
			PreviousTokenHash: previousHash,
		}
		if createErr := tx.Create(&successor).Error; createErr != nil {
			if errors.Is(createErr, gorm.ErrDuplicatedKey) {
				return errDuplicateSuccessor
			}
			return createErr
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("refresh_store.rotate.%s: %w", store.driverLabel, err)
	}
	return nil
}

// Remove revokes token when it is allow-listed for userID.
func (store *DatabaseCredentialStore) Remove(ctx context.Context, userID string, token string, at time.Time) error {
	result := store.db.WithContext(ctx).Model(&refreshTokenRecord{}).
		Where("token_hash = ? AND user_id = ? AND revoked_at_unix = 0", HashRefreshToken(token), userID).
		Updates(map[string]interface{}{
			"revoked_at_unix": at.Unix(),
			"revoked_reason":  string(RevocationLogout),
		})
	if result.Error != nil {
		return fmt.Errorf("refresh_store.remove.%s: %w", store.driverLabel, result.Error)
	}
	return nil
}

// Clear revokes all allow-listed tokens for userID.
func (store *DatabaseCredentialStore) Clear(ctx context.Context, userID string, at time.Time) (int64, error) {
	result := store.db.WithContext(ctx).Model(&refreshTokenRecord{}).
		Where("user_id = ? AND revoked_at_unix = 0", userID).
		Updates(map[string]interface{}{
			"revoked_at_unix": at.Unix(),
			"revoked_reason":  string(RevocationReuseDetected),
		})
	if result.Error != nil {
		return 0, fmt.Errorf("refresh_store.clear.%s: %w", store.driverLabel, result.Error)
	}
	return result.RowsAffected, nil
}

// Contains reports whether token is currently allow-listed for userID.
func (store *DatabaseCredentialStore) Contains(ctx context.Context, userID string, token string) (bool, error) {
	var active int64
	err := store.db.WithContext(ctx).Model(&refreshTokenRecord{}).
		Where("token_hash = ? AND user_id = ? AND revoked_at_unix = 0", HashRefreshToken(token), userID).
		Count(&active).Error
	if err != nil {
		return false, fmt.Errorf("refresh_store.contains.%s: %w", store.driverLabel, err)
	}
	return active > 0, nil
}

// Count returns the size of userID's allow-list.
func (store *DatabaseCredentialStore) Count(ctx context.Context, userID string) (int64, error) {
	var active int64
	err := store.db.WithContext(ctx).Model(&refreshTokenRecord{}).
		Where("user_id = ? AND revoked_at_unix = 0", userID).
		Count(&active).Error
	if err != nil {
		return 0, fmt.Errorf("refresh_store.count.%s: %w", store.driverLabel, err)
	}
	return active, nil
}

func resolveDialector(databaseURL string) (gorm.Dialector, string, error) {
	parsed, err := url.Parse(databaseURL)
	if err != nil {
		return nil, "", fmt.Errorf("credential_store.parse_url: %w", err)
	}
	if parsed.Scheme == "" {
		return nil, "", fmt.Errorf("credential_store.dialect: %w", errUnsupportedNoScheme)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "postgres", "postgresql":
		return postgres.Open(databaseURL), "postgres", nil
	case "sqlite", "sqlite3":
		dsn, dsnErr := buildSQLiteDSN(parsed)
		if dsnErr != nil {
			return nil, "", fmt.Errorf("credential_store.sqlite: %w", dsnErr)
		}
		return sqliteDialector.Open(dsn), "sqlite", nil
	default:
		return nil, "", fmt.Errorf("credential_store.dialect.%s: %w", strings.ToLower(parsed.Scheme), ErrUnsupportedDialect)
	}
}

func buildSQLiteDSN(parsed *url.URL) (string, error) {
	if parsed == nil {
		return "", errSQLiteInvalidURL
	}
	var builder strings.Builder
	switch {
	case parsed.Opaque != "":
		builder.WriteString(parsed.Opaque)
	case parsed.Host != "":
		builder.WriteString(parsed.Host)
		if parsed.Path != "" {
			if !strings.HasPrefix(parsed.Path, "/") {
				builder.WriteString("/")
			}
			builder.WriteString(parsed.Path)
		}
	default:
		builder.WriteString(parsed.Path)
	}
	if builder.Len() == 0 {
		return "", errSQLiteEmptyPath
	}
	if parsed.RawQuery != "" {
		builder.WriteString("?")
		builder.WriteString(parsed.RawQuery)
	}
	return builder.String(), nil
}

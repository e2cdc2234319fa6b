// Package store is the document store behind presence, call cleanup and push
// subscriptions. It runs on SQLite through gorm.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tariel-x/callsignal/internal/models"
)

var (
	ErrUserNotFound = errors.New("user not found")
)

type Store struct {
	db *gorm.DB
}

func Open(dbPath string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.AutoMigrate(
		&models.User{},
		&models.Call{},
		&models.PushSubscription{},
	); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) DB() *gorm.DB {
	return s.db
}

func (s *Store) CreateUser(ctx context.Context, u *models.User) error {
	return s.db.WithContext(ctx).Create(u).Error
}

func (s *Store) GetUser(ctx context.Context, userID string) (models.User, error) {
	var u models.User
	err := s.db.WithContext(ctx).Where("id = ?", userID).First(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.User{}, ErrUserNotFound
	}
	if err != nil {
		return models.User{}, fmt.Errorf("get user %s: %w", userID, err)
	}
	return u, nil
}

func (s *Store) IsBusy(ctx context.Context, userID string) (bool, error) {
	u, err := s.GetUser(ctx, userID)
	if err != nil {
		return false, err
	}
	return u.IsBusy, nil
}

// SetBusy writes the isBusy flag. A request to clear it is turned into a set
// while the user is still the callee of a ringing or answered call.
func (s *Store) SetBusy(ctx context.Context, userID string, busy bool) error {
	db := s.db.WithContext(ctx)

	if !busy {
		inCall, err := s.hasLiveIncomingCall(db, userID)
		if err != nil {
			return err
		}
		busy = inCall
	}

	res := db.Model(&models.User{}).Where("id = ?", userID).Update("is_busy", busy)
	if res.Error != nil {
		return fmt.Errorf("update is_busy for %s: %w", userID, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (s *Store) hasLiveIncomingCall(db *gorm.DB, userID string) (bool, error) {
	var n int64
	err := db.Model(&models.Call{}).
		Where("callee_id = ? AND status IN ?", userID, []models.CallStatus{models.CallStatusRinging, models.CallStatusAnswered}).
		Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("query live calls for %s: %w", userID, err)
	}
	return n > 0, nil
}

func (s *Store) CreateCall(ctx context.Context, c *models.Call) error {
	return s.db.WithContext(ctx).Create(c).Error
}

func (s *Store) GetCall(ctx context.Context, callID string) (models.Call, error) {
	var c models.Call
	if err := s.db.WithContext(ctx).Where("id = ?", callID).First(&c).Error; err != nil {
		return models.Call{}, fmt.Errorf("get call %s: %w", callID, err)
	}
	return c, nil
}

// EndStaleAnsweredCalls marks answered calls created before cutoff as ended.
func (s *Store) EndStaleAnsweredCalls(ctx context.Context, cutoff, now time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Model(&models.Call{}).
		Where("status = ? AND created_at < ?", models.CallStatusAnswered, cutoff).
		Updates(map[string]any{
			"status":   models.CallStatusEnded,
			"ended_at": now,
		})
	if res.Error != nil {
		return 0, fmt.Errorf("end stale calls: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// ReplacePushSubscription stores sub as the only subscription of its user.
func (s *Store) ReplacePushSubscription(ctx context.Context, sub *models.PushSubscription) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ?", sub.UserID).Delete(&models.PushSubscription{}).Error; err != nil {
			return fmt.Errorf("delete old subscriptions: %w", err)
		}
		if err := tx.Create(sub).Error; err != nil {
			return fmt.Errorf("create subscription: %w", err)
		}
		return nil
	})
}

func (s *Store) PushSubscriptions(ctx context.Context, userID string) ([]models.PushSubscription, error) {
	var subs []models.PushSubscription
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Find(&subs).Error; err != nil {
		return nil, fmt.Errorf("list subscriptions for %s: %w", userID, err)
	}
	return subs, nil
}

func (s *Store) DeletePushSubscription(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Where("id = ?", id).Delete(&models.PushSubscription{}).Error
}

package repository

import (
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"pingx/internal/models"
)

var (
	// ErrInsufficientFunds is returned by Debit when the wallet cannot cover the amount.
	ErrInsufficientFunds = errors.New("insufficient wallet balance")
	// ErrInvalidAmount is returned for negative debit or credit amounts.
	ErrInvalidAmount = errors.New("invalid amount")
)

// UserRepository handles users and their wallets.
type UserRepository struct {
	db *gorm.DB
}

func NewUserRepository(db *gorm.DB) *UserRepository {
	return &UserRepository{db: db}
}

// FindAll returns users with pagination and an optional username/id search.
func (r *UserRepository) FindAll(limit, page int, query string) ([]models.User, int64, error) {
	var users []models.User
	var total int64

	db := r.db.Model(&models.User{})
	if query != "" {
		search := "%" + query + "%"
		db = db.Where("CAST(id AS CHAR) LIKE ? OR username LIKE ? OR first_name LIKE ?", search, search, search)
	}
	if err := db.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	limit, offset := pageBounds(limit, page)
	if err := db.Limit(limit).Offset(offset).Order("created_at DESC").Find(&users).Error; err != nil {
		return nil, 0, err
	}
	return users, total, nil
}

// FindByID finds a user by Telegram id.
func (r *UserRepository) FindByID(id int64) (*models.User, error) {
	var user models.User
	if err := r.db.Where("id = ?", id).First(&user).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

// Upsert creates the user or refreshes its profile fields. The wallet is never touched.
func (r *UserRepository) Upsert(user *models.User) error {
	return r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"username", "first_name", "last_name"}),
	}).Omit("wallet").Create(user).Error
}

// UpdateStep stores the conversation step of a user.
func (r *UserRepository) UpdateStep(id int64, step string) error {
	return r.db.Model(&models.User{}).Where("id = ?", id).Update("step", step).Error
}

// Balance returns the wallet balance; unknown users have 0.
func (r *UserRepository) Balance(id int64) (int64, error) {
	var user models.User
	err := r.db.Select("wallet").Where("id = ?", id).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return user.Wallet, nil
}

// Debit atomically subtracts amount. The balance is compared and written in
// one conditional statement so concurrent debits cannot overdraw the wallet.
func (r *UserRepository) Debit(id, amount int64) error {
	if amount < 0 {
		return ErrInvalidAmount
	}
	if amount == 0 {
		return nil
	}
	return r.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.User{}).
			Where("id = ? AND wallet >= ?", id, amount).
			Update("wallet", gorm.Expr("wallet - ?", amount))
		if res.Error != nil {
			return fmt.Errorf("debit wallet: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrInsufficientFunds
		}
		return nil
	})
}

// Credit atomically adds amount, creating the user row if needed.
func (r *UserRepository) Credit(id, amount int64) error {
	if amount < 0 {
		return ErrInvalidAmount
	}
	if amount == 0 {
		return nil
	}
	return r.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&models.User{ID: id}).Error; err != nil {
			return fmt.Errorf("ensure user: %w", err)
		}
		if err := tx.Model(&models.User{}).Where("id = ?", id).
			Update("wallet", gorm.Expr("wallet + ?", amount)).Error; err != nil {
			return fmt.Errorf("credit wallet: %w", err)
		}
		return nil
	})
}

func pageBounds(limit, page int) (int, int) {
	if limit <= 0 {
		limit = 50
	}
	if page <= 0 {
		page = 1
	}
	return limit, (page - 1) * limit
}

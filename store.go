package main

import (
	"errors"
	"strings"

	"cfauth/models"

	"gorm.io/gorm"
)

var errUserNotFound = errors.New("user not found")

// userStore is the credential-store surface the handlers need. The gorm
// implementation is wired in initDB; tests plug in an in-memory one.
type userStore interface {
	FindByID(id uint) (*models.User, error)
	FindByUsername(username string) (*models.User, error)
	FindByEmail(email string) (*models.User, error)
	Create(u *models.User) error
	SaveImg(id uint, img string) error
	// BumpTokenVersion is the revocation operation: it invalidates every
	// outstanding token of the user in O(1).
	BumpTokenVersion(id uint) error
}

type gormStore struct {
	db *gorm.DB
}

func (s *gormStore) FindByID(id uint) (*models.User, error) {
	var u models.User
	if err := s.db.First(&u, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errUserNotFound
		}
		return nil, err
	}
	return &u, nil
}

func (s *gormStore) FindByUsername(username string) (*models.User, error) {
	var u models.User
	if err := s.db.Where("username = ?", username).First(&u).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errUserNotFound
		}
		return nil, err
	}
	return &u, nil
}

func (s *gormStore) FindByEmail(email string) (*models.User, error) {
	var u models.User
	if err := s.db.Where("email = ?", email).First(&u).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errUserNotFound
		}
		return nil, err
	}
	return &u, nil
}

func (s *gormStore) Create(u *models.User) error {
	return s.db.Create(u).Error
}

func (s *gormStore) SaveImg(id uint, img string) error {
	return s.db.Model(&models.User{}).Where("id = ?", id).Update("img", img).Error
}

func (s *gormStore) BumpTokenVersion(id uint) error {
	res := s.db.Model(&models.User{}).Where("id = ?", id).
		UpdateColumn("token_version", gorm.Expr("token_version + 1"))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errUserNotFound
	}
	return nil
}

func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "duplicate key") || strings.Contains(s, "unique constraint") || strings.Contains(s, "already exists")
}

package main

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"gorm.io/gorm"
)

// UserTagModel maps a wallet to its short transfer tag. Tags let users
// address transfers without pasting hex addresses.
type UserTagModel struct {
	Wallet string `gorm:"column:wallet;primaryKey"`
	Tag    string `gorm:"column:tag;uniqueIndex;not null"`
}

func (UserTagModel) TableName() string {
	return "user_tags"
}

// GenerateOrRetrieveUserTag returns the wallet's tag, generating and
// storing a fresh one on first use. Tag collisions are retried up to 10
// times; each attempt is its own insert so a unique violation does not
// poison a surrounding transaction.
func GenerateOrRetrieveUserTag(db *gorm.DB, wallet string) (*UserTagModel, error) {
	var existingUserTag UserTagModel
	err := db.Where("wallet = ?", wallet).First(&existingUserTag).Error
	if err == nil {
		return &existingUserTag, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to check existing user tag: %w", err)
	}

	var lastErr error
	for range 10 {
		model := &UserTagModel{
			Wallet: wallet,
			Tag:    GenerateRandomAlphanumericTag(),
		}

		if err := db.Create(model).Error; err != nil {
			lastErr = err
			continue
		}

		return model, nil
	}

	return nil, fmt.Errorf("failed to generate a unique tag after multiple attempts: %w", lastErr)
}

// GetUserTagByWallet retrieves the user tag associated with a given wallet address.
func GetUserTagByWallet(db *gorm.DB, wallet string) (string, error) {
	if wallet == "" {
		return "", fmt.Errorf("wallet address cannot be empty")
	}

	var model UserTagModel
	if err := db.Where("wallet = ?", wallet).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", err
		}
		return "", fmt.Errorf("failed to retrieve record: %w", err)
	}
	return model.Tag, nil
}

// GetWalletByTag retrieves the wallet address associated with a given user tag.
func GetWalletByTag(db *gorm.DB, tag string) (UserTagModel, error) {
	if tag == "" {
		return UserTagModel{}, fmt.Errorf("tag cannot be empty")
	}

	tag = strings.ToUpper(tag)

	var model UserTagModel
	if err := db.Where("tag = ?", tag).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return UserTagModel{}, fmt.Errorf("no associated wallet for tag: %s", tag)
		}
		return UserTagModel{}, fmt.Errorf("failed to retrieve record: %w", err)
	}
	return model, nil
}

// GenerateRandomAlphanumericTag produces a 6-character uppercase
// alphanumeric tag from a cryptographically secure source.
func GenerateRandomAlphanumericTag() string {
	const charset = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	result := make([]byte, 6)
	charsetLen := big.NewInt(int64(len(charset)))

	for i := range result {
		randomIndex, err := rand.Int(rand.Reader, charsetLen)
		if err != nil {
			// Without a secure source there is no safe fallback.
			panic(fmt.Sprintf("failed to generate secure random number: %v", err))
		}
		result[i] = charset[randomIndex.Int64()]
	}
	return string(result)
}

package credentials

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"

	"trade-execution-core/internal/database"
	"trade-execution-core/internal/exchange"
	"trade-execution-core/internal/vault"
)

// ErrNoCredential is returned when no usable credential exists for a
// user and venue.
var ErrNoCredential = errors.New("credentials: no credential found")

// Repo is the encrypted database backend for credential rows.
type Repo interface {
	UpsertUserCredential(ctx context.Context, c *database.UserCredential) error
	GetUserCredential(ctx context.Context, userID, exchange string) (*database.UserCredential, error)
	ListUserCredentials(ctx context.Context, exchange string) ([]*database.UserCredential, error)
	DeleteUserCredential(ctx context.Context, userID, exchange string) error
}

// Service resolves exchange credentials. Vault is the primary backend;
// the encrypted database rows are the fallback so a Vault outage does
// not halt order flow.
type Service struct {
	vault         *vault.Client
	repo          Repo
	encryptionKey []byte
	logger        zerolog.Logger
}

// NewService creates a new credential service
func NewService(vaultClient *vault.Client, repo Repo, logger zerolog.Logger) *Service {
	encryptionKey := os.Getenv("ENCRYPTION_KEY")
	if encryptionKey == "" {
		encryptionKey = "trade-execution-core-default-encryption-key!"
	}

	key := []byte(encryptionKey)
	if len(key) < 32 {
		padding := make([]byte, 32-len(key))
		key = append(key, padding...)
	} else if len(key) > 32 {
		key = key[:32]
	}

	return &Service{
		vault:         vaultClient,
		repo:          repo,
		encryptionKey: key,
		logger:        logger.With().Str("component", "Credentials").Logger(),
	}
}

// Get resolves the credential for one user on one venue
func (s *Service) Get(ctx context.Context, userID, venue string) (exchange.Credentials, error) {
	if s.vault != nil && s.vault.IsEnabled() {
		data, err := s.vault.GetCredential(ctx, userID, venue)
		if err == nil {
			return exchange.Credentials{
				UserID:     userID,
				Venue:      venue,
				APIKey:     data.APIKey,
				APISecret:  data.APISecret,
				Passphrase: data.Passphrase,
			}, nil
		}
		s.logger.Warn().Err(err).
			Str("user_id", userID).
			Str("venue", venue).
			Msg("Vault lookup failed, falling back to database")
	}

	row, err := s.repo.GetUserCredential(ctx, userID, venue)
	if errors.Is(err, database.ErrNotFound) {
		return exchange.Credentials{}, ErrNoCredential
	}
	if err != nil {
		return exchange.Credentials{}, fmt.Errorf("credential lookup: %w", err)
	}

	return s.decryptRow(row)
}

// ListForVenue returns every enabled credential for a venue, the
// candidate set handed to the health manager for fallback ordering.
func (s *Service) ListForVenue(ctx context.Context, venue string) ([]exchange.Credentials, error) {
	rows, err := s.repo.ListUserCredentials(ctx, venue)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}

	creds := make([]exchange.Credentials, 0, len(rows))
	for _, row := range rows {
		c, err := s.decryptRow(row)
		if err != nil {
			s.logger.Error().Err(err).
				Str("user_id", row.UserID).
				Str("venue", row.Exchange).
				Msg("Skipping undecryptable credential row")
			continue
		}
		creds = append(creds, c)
	}
	return creds, nil
}

// Store persists a credential to Vault (when enabled) and always to
// the database as the encrypted fallback copy.
func (s *Service) Store(ctx context.Context, creds exchange.Credentials) error {
	if s.vault != nil && s.vault.IsEnabled() {
		err := s.vault.StoreCredential(ctx, creds.UserID, vault.CredentialData{
			APIKey:     creds.APIKey,
			APISecret:  creds.APISecret,
			Passphrase: creds.Passphrase,
			Venue:      creds.Venue,
		})
		if err != nil {
			return fmt.Errorf("vault store: %w", err)
		}
	}

	apiKey, err := s.encrypt(creds.APIKey)
	if err != nil {
		return fmt.Errorf("encrypt api key: %w", err)
	}
	apiSecret, err := s.encrypt(creds.APISecret)
	if err != nil {
		return fmt.Errorf("encrypt api secret: %w", err)
	}

	row := &database.UserCredential{
		UserID:             creds.UserID,
		Exchange:           creds.Venue,
		APIKeyEncrypted:    apiKey,
		APISecretEncrypted: apiSecret,
		Enabled:            true,
	}
	if creds.Passphrase != "" {
		passphrase, err := s.encrypt(creds.Passphrase)
		if err != nil {
			return fmt.Errorf("encrypt passphrase: %w", err)
		}
		row.PassphraseEncrypted = &passphrase
	}

	return s.repo.UpsertUserCredential(ctx, row)
}

// Delete removes a credential from Vault and the database fallback.
// ErrNoCredential reports that neither backend held one.
func (s *Service) Delete(ctx context.Context, userID, venue string) error {
	if s.vault != nil {
		if err := s.vault.DeleteCredential(ctx, userID, venue); err != nil {
			return fmt.Errorf("vault delete: %w", err)
		}
	}

	err := s.repo.DeleteUserCredential(ctx, userID, venue)
	if errors.Is(err, database.ErrNotFound) {
		return ErrNoCredential
	}
	if err != nil {
		return fmt.Errorf("delete credential row: %w", err)
	}

	s.logger.Info().Str("user_id", userID).Str("venue", venue).Msg("Credential deleted")
	return nil
}

// Health reports whether the Vault backend is reachable and unsealed.
// With Vault disabled the database fallback carries everything, so the
// backend counts as healthy.
func (s *Service) Health(ctx context.Context) error {
	if s.vault == nil {
		return nil
	}
	return s.vault.Health(ctx)
}

func (s *Service) decryptRow(row *database.UserCredential) (exchange.Credentials, error) {
	apiKey, err := s.decrypt(row.APIKeyEncrypted)
	if err != nil {
		return exchange.Credentials{}, fmt.Errorf("decrypt api key: %w", err)
	}
	apiSecret, err := s.decrypt(row.APISecretEncrypted)
	if err != nil {
		return exchange.Credentials{}, fmt.Errorf("decrypt api secret: %w", err)
	}

	creds := exchange.Credentials{
		UserID:    row.UserID,
		Venue:     row.Exchange,
		APIKey:    apiKey,
		APISecret: apiSecret,
	}
	if row.PassphraseEncrypted != nil {
		passphrase, err := s.decrypt(*row.PassphraseEncrypted)
		if err != nil {
			return exchange.Credentials{}, fmt.Errorf("decrypt passphrase: %w", err)
		}
		creds.Passphrase = passphrase
	}
	return creds, nil
}

// encrypt produces base64(nonce || AES-256-GCM ciphertext)
func (s *Service) encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(s.encryptionKey)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// decrypt reverses encrypt
func (s *Service) decrypt(ciphertext string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("failed to decode base64: %w", err)
	}

	block, err := aes.NewCipher(s.encryptionKey)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertextBytes := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertextBytes, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}

	return string(plaintext), nil
}

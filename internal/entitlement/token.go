package entitlement

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// TokenStore хранит одноразовые токены скачивания.
type TokenStore interface {
	// Issue сохраняет токен с привязанным путём файла на время ttl.
	Issue(ctx context.Context, tokenID, filePath string, ttl time.Duration) error
	// Redeem атомарно извлекает и удаляет токен. Повторный вызов для того же
	// токена возвращает ErrTokenUsed.
	Redeem(ctx context.Context, tokenID string) (string, error)
}

// RedisTokenStore — хранилище токенов на Redis. Атомарность одноразового
// использования обеспечивается командой GETDEL.
type RedisTokenStore struct {
	client *redis.Client
}

// NewRedisTokenStore создаёт хранилище токенов поверх клиента Redis.
func NewRedisTokenStore(client *redis.Client) *RedisTokenStore {
	return &RedisTokenStore{client: client}
}

func tokenKey(tokenID string) string {
	return "download:token:" + tokenID
}

// Issue сохраняет токен. SET NX защищает от коллизии идентификаторов.
func (s *RedisTokenStore) Issue(ctx context.Context, tokenID, filePath string, ttl time.Duration) error {
	ok, err := s.client.SetNX(ctx, tokenKey(tokenID), filePath, ttl).Result()
	if err != nil {
		return fmt.Errorf("store download token: %w", err)
	}
	if !ok {
		return fmt.Errorf("download token collision: %s", tokenID)
	}
	return nil
}

// Redeem извлекает и удаляет токен одной командой.
func (s *RedisTokenStore) Redeem(ctx context.Context, tokenID string) (string, error) {
	filePath, err := s.client.GetDel(ctx, tokenKey(tokenID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrTokenUsed
	}
	if err != nil {
		return "", fmt.Errorf("redeem download token: %w", err)
	}
	return filePath, nil
}

// Signer подписывает токены скачивания. Формат токена:
// "<id>.<expires-unix>.<hex(hmac-sha256)>". Подпись покрывает идентификатор
// и срок действия, содержимое (путь файла) живёт только в хранилище токенов.
type Signer struct {
	secret []byte
}

// NewSigner создаёт подписанта с указанным секретом.
func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret)}
}

// Sign выпускает новый подписанный токен со сроком действия expiresAt.
// Возвращает токен целиком и его идентификатор для хранилища.
func (s *Signer) Sign(expiresAt time.Time) (token, id string) {
	id = uuid.NewString()
	payload := id + "." + strconv.FormatInt(expiresAt.Unix(), 10)
	return payload + "." + s.signature(payload), id
}

// Verify проверяет подпись и срок действия токена и возвращает его
// идентификатор.
func (s *Signer) Verify(token string, now time.Time) (string, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return "", ErrTokenInvalid
	}

	payload := parts[0] + "." + parts[1]
	if !hmac.Equal([]byte(s.signature(payload)), []byte(parts[2])) {
		return "", ErrTokenInvalid
	}

	expiresAt, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return "", ErrTokenInvalid
	}
	if !now.Before(time.Unix(expiresAt, 0)) {
		return "", ErrTokenExpired
	}

	return parts[0], nil
}

func (s *Signer) signature(payload string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

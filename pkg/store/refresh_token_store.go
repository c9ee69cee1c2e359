package store

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrInvalidRefreshToken = errors.New("invalid refresh token")
	// ErrRefreshTokenReplay means an already rotated token was presented; the
	// whole family is revoked when this is returned.
	ErrRefreshTokenReplay = errors.New("refresh token replay detected")
)

// RefreshTokenStore issues opaque refresh tokens grouped in families. Each
// rotation replaces the family's current token; presenting a superseded one
// revokes the family.
type RefreshTokenStore interface {
	NewToken(userID string, ttl time.Duration) (string, error)
	RotateToken(token string, ttl time.Duration) (userID, next string, err error)
	DeleteToken(token string) error
	RevokeUserRefreshTokens(userID string) error
}

type family struct {
	userID  string
	current string
	expires time.Time
	hashes  []string
}

type MemoryRefreshTokenStore struct {
	mu       sync.Mutex
	families map[string]*family
	byHash   map[string]string              // token hash -> family id
	byUser   map[string]map[string]struct{} // user id -> family ids
}

func NewMemoryRefreshTokenStore() *MemoryRefreshTokenStore {
	return &MemoryRefreshTokenStore{
		families: make(map[string]*family),
		byHash:   make(map[string]string),
		byUser:   make(map[string]map[string]struct{}),
	}
}

func (s *MemoryRefreshTokenStore) NewToken(userID string, ttl time.Duration) (string, error) {
	token, hash, err := newOpaqueToken()
	if err != nil {
		return "", err
	}
	famID, _, err := newOpaqueToken()
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.families[famID] = &family{userID: userID, current: hash, expires: time.Now().Add(ttl), hashes: []string{hash}}
	s.byHash[hash] = famID
	if s.byUser[userID] == nil {
		s.byUser[userID] = make(map[string]struct{})
	}
	s.byUser[userID][famID] = struct{}{}
	return token, nil
}

func (s *MemoryRefreshTokenStore) RotateToken(token string, ttl time.Duration) (string, string, error) {
	hash := hashToken(token)
	s.mu.Lock()
	defer s.mu.Unlock()

	famID, ok := s.byHash[hash]
	if !ok {
		return "", "", ErrInvalidRefreshToken
	}
	fam := s.families[famID]
	if fam == nil || time.Now().After(fam.expires) {
		s.dropLocked(famID)
		return "", "", ErrInvalidRefreshToken
	}
	if fam.current != hash {
		s.dropLocked(famID)
		return "", "", ErrRefreshTokenReplay
	}
	next, nextHash, err := newOpaqueToken()
	if err != nil {
		return "", "", err
	}
	fam.current = nextHash
	fam.expires = time.Now().Add(ttl)
	fam.hashes = append(fam.hashes, nextHash)
	s.byHash[nextHash] = famID
	return fam.userID, next, nil
}

func (s *MemoryRefreshTokenStore) DeleteToken(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if famID, ok := s.byHash[hashToken(token)]; ok {
		s.dropLocked(famID)
	}
	return nil
}

func (s *MemoryRefreshTokenStore) RevokeUserRefreshTokens(userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for famID := range s.byUser[userID] {
		s.dropLocked(famID)
	}
	return nil
}

func (s *MemoryRefreshTokenStore) dropLocked(famID string) {
	fam := s.families[famID]
	if fam == nil {
		return
	}
	for _, h := range fam.hashes {
		delete(s.byHash, h)
	}
	delete(s.families, famID)
	if fams := s.byUser[fam.userID]; fams != nil {
		delete(fams, famID)
		if len(fams) == 0 {
			delete(s.byUser, fam.userID)
		}
	}
}

// RedisRefreshTokenStore keeps families in Redis. Rotation runs as one Lua
// script, so concurrent rotations of the same token cannot both succeed.
type RedisRefreshTokenStore struct {
	rdb    redis.UniversalClient
	prefix string
}

func NewRedisRefreshTokenStore(rdb redis.UniversalClient) *RedisRefreshTokenStore {
	return &RedisRefreshTokenStore{rdb: rdb, prefix: "whatsgonow:refresh:"}
}

func (s *RedisRefreshTokenStore) tokenKey(hash string) string { return s.prefix + "tok:" + hash }
func (s *RedisRefreshTokenStore) familyKey(id string) string  { return s.prefix + "fam:" + id }
func (s *RedisRefreshTokenStore) userKey(id string) string    { return s.prefix + "user:" + id }

func (s *RedisRefreshTokenStore) NewToken(userID string, ttl time.Duration) (string, error) {
	token, hash, err := newOpaqueToken()
	if err != nil {
		return "", err
	}
	famID, _, err := newOpaqueToken()
	if err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, s.tokenKey(hash), famID, ttl)
		p.HSet(ctx, s.familyKey(famID), "user", userID, "current", hash)
		p.PExpire(ctx, s.familyKey(famID), ttl)
		p.SAdd(ctx, s.userKey(userID), famID)
		p.PExpire(ctx, s.userKey(userID), ttl)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("store refresh token: %w", err)
	}
	return token, nil
}

// KEYS[1] token key. ARGV: presented hash, next hash, ttl ms, key prefix.
// Returns {0} unknown, {-1} replay (family dropped), {1, user} rotated.
var rotateScript = redis.NewScript(`
local fam = redis.call("GET", KEYS[1])
if not fam then return {0} end
local famKey = ARGV[4] .. "fam:" .. fam
local cur = redis.call("HGET", famKey, "current")
local user = redis.call("HGET", famKey, "user")
if (not cur) or (not user) then return {0} end
if cur ~= ARGV[1] then
  redis.call("DEL", famKey)
  redis.call("SREM", ARGV[4] .. "user:" .. user, fam)
  return {-1}
end
redis.call("HSET", famKey, "current", ARGV[2])
redis.call("PEXPIRE", famKey, ARGV[3])
redis.call("SET", ARGV[4] .. "tok:" .. ARGV[2], fam, "PX", ARGV[3])
redis.call("PEXPIRE", ARGV[4] .. "user:" .. user, ARGV[3])
return {1, user}
`)

func (s *RedisRefreshTokenStore) RotateToken(token string, ttl time.Duration) (string, string, error) {
	next, nextHash, err := newOpaqueToken()
	if err != nil {
		return "", "", err
	}
	hash := hashToken(token)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	res, err := rotateScript.Run(ctx, s.rdb, []string{s.tokenKey(hash)},
		hash, nextHash, ttl.Milliseconds(), s.prefix).Slice()
	if err != nil {
		return "", "", fmt.Errorf("rotate refresh token: %w", err)
	}
	code, _ := res[0].(int64)
	switch code {
	case 1:
		userID, _ := res[1].(string)
		return userID, next, nil
	case -1:
		return "", "", ErrRefreshTokenReplay
	default:
		return "", "", ErrInvalidRefreshToken
	}
}

// DeleteToken drops the family the token belongs to. Unknown tokens are ignored.
func (s *RedisRefreshTokenStore) DeleteToken(token string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	famID, err := s.rdb.Get(ctx, s.tokenKey(hashToken(token))).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return err
	}
	userID, err := s.rdb.HGet(ctx, s.familyKey(famID), "user").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	return s.dropFamily(ctx, famID, userID)
}

func (s *RedisRefreshTokenStore) RevokeUserRefreshTokens(userID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	famIDs, err := s.rdb.SMembers(ctx, s.userKey(userID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	for _, famID := range famIDs {
		if err := s.dropFamily(ctx, famID, userID); err != nil {
			return err
		}
	}
	return nil
}

// Token keys of a dropped family expire on their own; rotation treats a
// missing family as invalid.
func (s *RedisRefreshTokenStore) dropFamily(ctx context.Context, famID, userID string) error {
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, s.familyKey(famID))
		if userID != "" {
			p.SRem(ctx, s.userKey(userID), famID)
		}
		return nil
	})
	return err
}

func newOpaqueToken() (token, hash string, err error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", err
	}
	token = hex.EncodeToString(buf)
	return token, hashToken(token), nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/crypto/bcrypt"

	"labtasker/internal/apierr"
	"labtasker/internal/models"
)

// authCacheSize bounds the verified-credential cache. bcrypt is deliberately
// slow, and workers authenticate on every heartbeat, so verified pairs are
// remembered until evicted or invalidated by a password change.
const authCacheSize = 1024

type authCache struct {
	cache *lru.Cache[string, string]
}

func newAuthCache() *authCache {
	// Only errors on size <= 0.
	c, _ := lru.New[string, string](authCacheSize)
	return &authCache{cache: c}
}

func authCacheKey(queueID, password, pepper string) string {
	sum := sha256.Sum256([]byte(queueID + "\x00" + password + "\x00" + pepper))
	return hex.EncodeToString(sum[:])
}

func (e *Engine) hashPassword(password string) (string, error) {
	cost := e.bcryptCost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	h, err := bcrypt.GenerateFromPassword([]byte(password+e.pepper), cost)
	if err != nil {
		return "", internal("hash password", err)
	}
	return string(h), nil
}

func (e *Engine) verifyPassword(queueID, hash, password string) bool {
	key := authCacheKey(queueID, password, e.pepper)
	if cached, ok := e.authCache.cache.Get(key); ok && cached == hash {
		return true
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password+e.pepper)) != nil {
		return false
	}
	e.authCache.cache.Add(key, hash)
	return true
}

// Authenticate resolves Basic auth credentials to a queue. The username may
// be either the queue name or the queue id. Failures are uniformly 401 so
// probes cannot distinguish a wrong password from a missing queue.
func (e *Engine) Authenticate(ctx context.Context, user, password string) (*models.Queue, error) {
	q, err := e.getQueueByNameOrID(ctx, user)
	if err != nil {
		if apierr.StatusOf(err) == 404 {
			return nil, apierr.Unauthorized("invalid queue credentials")
		}
		return nil, err
	}
	if !e.verifyPassword(q.QueueID, q.Password, password) {
		return nil, apierr.Unauthorized("invalid queue credentials")
	}
	return q, nil
}

// Package revocation tracks revoked auth cookies so a signed-out cookie can never
// authenticate again, across every server sharing the database.
package revocation

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rstudio/rstudio-sub009/internal/revocation/domain"
	"github.com/rstudio/rstudio-sub009/internal/revocation/repository"
)

// sweepInterval throttles how often expired entries are purged during lookups.
const sweepInterval = 5 * time.Second

// sweepDBTimeout bounds the database deletes performed during a sweep.
const sweepDBTimeout = 2 * time.Second

const (
	legacyLockAttempts = 30
	legacyLockDelay    = time.Second
)

// ExpiryFunc extracts the expiry a cookie encodes. It must verify the cookie's
// signature but must not reject a cookie merely because it is already expired.
type ExpiryFunc func(cookie string) (time.Time, error)

// Broadcaster tells sibling servers about a revocation. May be nil.
type Broadcaster interface {
	Broadcast(ctx context.Context, c *domain.RevokedCookie) error
	Close() error
}

// Registry is the in-memory view of the revoked-cookie table. Lookups never
// block on the database; the database keeps the registry durable and shared
// across nodes.
type Registry struct {
	repo        repository.Repository
	expiry      ExpiryFunc
	fallbackTTL time.Duration
	broadcaster Broadcaster

	// OnRemoteRevoke, when set, is called for revocations that arrive from
	// other nodes so locally tracked user state can be invalidated too.
	OnRemoteRevoke func(cookie string)

	mu        sync.Mutex
	byCookie  map[string]time.Time
	byExpiry  []*domain.RevokedCookie // ascending expiration
	lastSweep time.Time
}

// NewRegistry creates a registry backed by repo. Cookies whose expiry cannot
// be read are retained for fallbackTTL so revocation stays conservative.
func NewRegistry(repo repository.Repository, expiry ExpiryFunc, fallbackTTL time.Duration) *Registry {
	return &Registry{
		repo:        repo,
		expiry:      expiry,
		fallbackTTL: fallbackTTL,
		byCookie:    make(map[string]time.Time),
	}
}

// SetBroadcaster attaches the cluster broadcast hook. Call before serving traffic.
func (r *Registry) SetBroadcaster(b Broadcaster) { r.broadcaster = b }

// Load populates the registry from the database and, if legacyPath names an
// old file-based revocation list, migrates its entries into the database
// first. Call once at startup before the registry is shared.
func (r *Registry) Load(ctx context.Context, legacyPath string) error {
	if legacyPath != "" {
		if err := r.migrateLegacyFile(ctx, legacyPath); err != nil {
			return fmt.Errorf("revocation: migrate legacy list: %w", err)
		}
	}
	list, err := r.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("revocation: load: %w", err)
	}
	r.mu.Lock()
	for _, c := range list {
		r.addLocked(c)
	}
	r.mu.Unlock()
	r.sweep(r.collectExpired(time.Now()))
	return nil
}

// Revoke marks the cookie revoked locally, persists it, and broadcasts it to
// sibling servers. Revoking a cookie that is already past its expiry is a
// no-op: it cannot authenticate anyway and the write would be wasted. A
// database failure is logged, not returned: the in-memory entry still
// protects this node.
func (r *Registry) Revoke(ctx context.Context, cookie string) {
	if cookie == "" {
		return
	}
	now := time.Now()
	exp, err := r.expiry(cookie)
	if err != nil {
		exp = now.Add(r.fallbackTTL)
	} else if !exp.After(now) {
		return
	}
	c := &domain.RevokedCookie{CookieData: cookie, Expiration: exp}

	r.mu.Lock()
	r.addLocked(c)
	r.mu.Unlock()

	if err := r.repo.Insert(ctx, c); err != nil {
		log.Printf("revocation: persist failed, entry kept in memory: %v", err)
	}
	if r.broadcaster != nil {
		if err := r.broadcaster.Broadcast(ctx, c); err != nil {
			log.Printf("revocation: broadcast failed: %v", err)
		}
	}
}

// ApplyRemote records a revocation announced by another server. It does not
// persist or re-broadcast; the originating node already did both.
func (r *Registry) ApplyRemote(c *domain.RevokedCookie) {
	if c == nil || c.CookieData == "" {
		return
	}
	r.mu.Lock()
	r.addLocked(c)
	r.mu.Unlock()
	if r.OnRemoteRevoke != nil {
		r.OnRemoteRevoke(c.CookieData)
	}
}

// IsRevoked reports whether the cookie has been revoked. An empty cookie is
// always treated as already invalid. At most once per sweepInterval, expired
// entries are also purged as a side effect.
func (r *Registry) IsRevoked(cookie string) bool {
	if cookie == "" {
		return true
	}
	now := time.Now()

	r.mu.Lock()
	var expired []string
	if now.Sub(r.lastSweep) >= sweepInterval {
		r.lastSweep = now
		expired = r.expiredLocked(now)
	}
	exp, ok := r.byCookie[cookie]
	r.mu.Unlock()

	r.sweep(expired)
	return ok && exp.After(now)
}

// Len returns the number of tracked entries. Intended for admin reporting.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byCookie)
}

func (r *Registry) collectExpired(now time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastSweep = now
	return r.expiredLocked(now)
}

// expiredLocked returns the cookies whose expiration has passed. The sorted
// slice lets the scan stop at the first live entry.
func (r *Registry) expiredLocked(now time.Time) []string {
	var out []string
	for _, c := range r.byExpiry {
		if c.Expiration.After(now) {
			break
		}
		out = append(out, c.CookieData)
	}
	return out
}

// sweep deletes expired entries from the database, then drops from memory
// only those whose delete succeeded. On a database failure the remaining
// entries stay in memory and are retried on the next sweep, so a transient
// outage defers the cleanup but never loses it.
func (r *Registry) sweep(expired []string) {
	if len(expired) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), sweepDBTimeout)
	defer cancel()

	var dropped []string
	for _, cookie := range expired {
		if err := r.repo.Delete(ctx, cookie); err != nil {
			log.Printf("revocation: sweep delete failed, will retry: %v", err)
			break
		}
		dropped = append(dropped, cookie)
	}
	if len(dropped) == 0 {
		return
	}
	r.mu.Lock()
	for _, cookie := range dropped {
		delete(r.byCookie, cookie)
		r.removeSortedLocked(cookie)
	}
	r.mu.Unlock()
}

func (r *Registry) addLocked(c *domain.RevokedCookie) {
	if old, ok := r.byCookie[c.CookieData]; ok {
		if !c.Expiration.After(old) {
			return
		}
		r.removeSortedLocked(c.CookieData)
	}
	r.byCookie[c.CookieData] = c.Expiration
	i := sort.Search(len(r.byExpiry), func(i int) bool {
		return r.byExpiry[i].Expiration.After(c.Expiration)
	})
	r.byExpiry = append(r.byExpiry, nil)
	copy(r.byExpiry[i+1:], r.byExpiry[i:])
	r.byExpiry[i] = c
}

func (r *Registry) removeSortedLocked(cookie string) {
	for i, c := range r.byExpiry {
		if c.CookieData == cookie {
			r.byExpiry = append(r.byExpiry[:i], r.byExpiry[i+1:]...)
			return
		}
	}
}

// migrateLegacyFile imports a pre-database revocation list, one cookie per
// line, into the database and removes the file. A lock file serializes the
// migration when several servers start against the same shared directory.
func (r *Registry) migrateLegacyFile(ctx context.Context, path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	lockPath := path + ".lock"
	unlock, err := acquireFileLock(lockPath)
	if err != nil {
		return err
	}
	defer unlock()

	// Another server may have finished the migration while we waited on the lock.
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		cookie := strings.TrimSpace(scanner.Text())
		if cookie == "" {
			continue
		}
		exp, err := r.expiry(cookie)
		if err != nil {
			exp = time.Now().Add(r.fallbackTTL)
		}
		c := &domain.RevokedCookie{CookieData: cookie, Expiration: exp}
		if err := r.repo.Insert(ctx, c); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return os.Remove(path)
}

// acquireFileLock takes an exclusive create-based lock, retrying for up to
// legacyLockAttempts seconds so concurrently starting servers queue up rather
// than both importing the same file.
func acquireFileLock(lockPath string) (func(), error) {
	for attempt := 0; attempt < legacyLockAttempts; attempt++ {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
		if err == nil {
			f.Close()
			return func() { _ = os.Remove(lockPath) }, nil
		}
		if !os.IsExist(err) {
			return nil, err
		}
		time.Sleep(legacyLockDelay)
	}
	return nil, fmt.Errorf("revocation: could not lock %s after %d attempts", lockPath, legacyLockAttempts)
}

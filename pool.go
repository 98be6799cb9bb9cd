package main

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// account is one pool member: its tokens, cooldown state, and sticky
// bookkeeping. Guarded by the pool's mutex; callers never lock an account
// directly, matching the teacher's pattern of a single authoritative lock
// around account mutation (pool.go's poolState).
type account struct {
	name       string
	accountDir string

	tokens TokenPair

	cooldownUntil       time.Time
	consecutiveFailures int
	lastError           string
}

func (a *account) onCooldown(now time.Time) bool {
	return !a.cooldownUntil.IsZero() && now.Before(a.cooldownUntil)
}

// Pool is the Account Pool of spec.md §4.2: ordered selection with cooldown
// gating, sticky session-key assignment, and coalesced token refresh.
// Grounded on the teacher's poolState (pool.go), trimmed to a single
// provider and generalized to an injected AccountStore and OAuthRefresher.
type Pool struct {
	mu       sync.RWMutex
	accounts []*account
	sticky   map[string]string // session key -> account name

	store     AccountStore
	refresher *Refresher

	refreshGroup singleflight.Group
}

func NewPool(store AccountStore, refresher *Refresher) *Pool {
	return &Pool{
		store:     store,
		refresher: refresher,
		sticky:    make(map[string]string),
	}
}

// Load populates the pool from the account store, in the order
// LoadOrderedAccounts returns (default account first). Accounts whose
// tokens can't be loaded are skipped with a log line, per spec.md §3's
// "accounts without a refresh token are dropped at load time".
func (p *Pool) Load() error {
	ordered, err := p.store.LoadOrderedAccounts()
	if err != nil {
		return fmt.Errorf("load accounts: %w", err)
	}
	var loaded []*account
	for _, sa := range ordered {
		tokens, ok, err := p.store.LoadTokens(sa.AccountDir)
		if err != nil {
			log.Printf("pool: skipping account %s: %v", sa.Name, err)
			continue
		}
		if !ok {
			log.Printf("pool: skipping account %s: no usable refresh token", sa.Name)
			continue
		}
		loaded = append(loaded, &account{
			name:       sa.Name,
			accountDir: sa.AccountDir,
			tokens:     tokens,
		})
	}
	p.mu.Lock()
	p.accounts = loaded
	p.mu.Unlock()
	if len(loaded) == 0 {
		return fmt.Errorf("no usable accounts found")
	}
	return nil
}

func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.accounts)
}

// Selection is what Pick/Sticky hand back to the router: enough to build
// the upstream request and later report the outcome.
type Selection struct {
	Name       string
	AccountDir string
	Tokens     TokenPair
}

// Sticky returns the account previously assigned to sessionKey, if it is
// still in the pool, not excluded for this request, and not on cooldown,
// per spec.md §4.2's sticky(session_key) contract.
func (p *Pool) Sticky(sessionKey string, excluded map[string]bool, now time.Time) (Selection, bool) {
	if sessionKey == "" {
		return Selection{}, false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	name, ok := p.sticky[sessionKey]
	if !ok {
		return Selection{}, false
	}
	if excluded[name] {
		return Selection{}, false
	}
	for _, a := range p.accounts {
		if a.name == name {
			if a.onCooldown(now) {
				return Selection{}, false
			}
			return Selection{Name: a.name, AccountDir: a.accountDir, Tokens: a.tokens}, true
		}
	}
	return Selection{}, false
}

// Pick walks the pool in load order (default account first) and returns
// the first account that isn't in excluded and isn't on cooldown, per
// spec.md §4.2.
func (p *Pool) Pick(excluded map[string]bool, now time.Time) (Selection, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, a := range p.accounts {
		if excluded[a.name] {
			continue
		}
		if a.onCooldown(now) {
			continue
		}
		return Selection{Name: a.name, AccountDir: a.accountDir, Tokens: a.tokens}, true
	}
	return Selection{}, false
}

// Assign records that sessionKey now sticks to accountName.
func (p *Pool) Assign(sessionKey, accountName string) {
	if sessionKey == "" {
		return
	}
	p.mu.Lock()
	p.sticky[sessionKey] = accountName
	p.mu.Unlock()
}

// ClearAssignment drops a sticky mapping, used when the assigned account
// turns out to be unusable and the router must fall back to Pick.
func (p *Pool) ClearAssignment(sessionKey string) {
	if sessionKey == "" {
		return
	}
	p.mu.Lock()
	delete(p.sticky, sessionKey)
	p.mu.Unlock()
}

func (p *Pool) find(name string) *account {
	for _, a := range p.accounts {
		if a.name == name {
			return a
		}
	}
	return nil
}

// MarkAttempt records that an attempt against name has started.
func (p *Pool) MarkAttempt(name string) {
	p.store.RecordStatus(name, StatusPatch{Attempted: true})
}

// MarkSuccess clears cooldown/failure state on a successful response.
func (p *Pool) MarkSuccess(name string) {
	p.mu.Lock()
	if a := p.find(name); a != nil {
		a.cooldownUntil = time.Time{}
		a.consecutiveFailures = 0
		a.lastError = ""
	}
	p.mu.Unlock()
	p.store.RecordStatus(name, StatusPatch{Succeeded: true})
}

// MarkQuota puts the account on cooldown until resetsAt (or cooldownSeconds
// from now if resetsAt is unset or already past), per spec.md §4.2's
// mark_quota: cooldown_until = max(cooldown_until, resets_at if resets_at >
// now else now + cooldown_s*1000). cooldown_until never moves backwards.
func (p *Pool) MarkQuota(name string, resetsAt time.Time, cooldownSeconds int) {
	now := time.Now()
	candidate := now.Add(time.Duration(cooldownSeconds) * time.Second)
	if !resetsAt.IsZero() && resetsAt.After(now) {
		candidate = resetsAt
	}
	p.mu.Lock()
	var until time.Time
	if a := p.find(name); a != nil {
		until = a.cooldownUntil
		if candidate.After(until) {
			until = candidate
		}
		a.cooldownUntil = until
		a.consecutiveFailures++
		a.lastError = "usage_limit_reached"
	}
	p.mu.Unlock()
	p.store.RecordStatus(name, StatusPatch{Quota: true, CooldownUntil: until})
}

// authFailureCooldown is the fixed cooldown applied after an auth failure
// that survives a token refresh retry, per spec.md §4.4.
const authFailureCooldown = 60 * time.Second

// MarkAuthFailure puts the account on a short cooldown; an auth failure is
// usually transient credential corruption rather than exhausted quota, so
// the cooldown is much shorter than the quota one.
func (p *Pool) MarkAuthFailure(name, reason string) {
	until := time.Now().Add(authFailureCooldown)
	p.mu.Lock()
	if a := p.find(name); a != nil {
		if until.After(a.cooldownUntil) {
			a.cooldownUntil = until
		}
		a.consecutiveFailures++
		a.lastError = reason
	}
	p.mu.Unlock()
	p.store.RecordStatus(name, StatusPatch{AuthFailure: true, CooldownUntil: until})
}

// permanentRefreshFailureCooldown parks an account much longer than a
// transient auth failure when the OAuth endpoint itself reports the refresh
// token is no longer valid (401/403): retrying sooner can't help since the
// account needs a human to re-authenticate.
const permanentRefreshFailureCooldown = 24 * time.Hour

// MarkRefreshFailure puts the account on cooldown after ensure_access_token
// fails (spec.md §4.5 step 5.b). A permanent refresh error (the refresh
// token itself rejected) gets the long cooldown above; anything else (a
// network hiccup, a 5xx from the token endpoint) gets the same short
// cooldown as an upstream auth failure, since it may well clear on its own.
func (p *Pool) MarkRefreshFailure(name string, err error) {
	cooldown := authFailureCooldown
	if rerr, ok := err.(*refreshError); ok && rerr.isPermanent() {
		cooldown = permanentRefreshFailureCooldown
	}
	until := time.Now().Add(cooldown)
	p.mu.Lock()
	if a := p.find(name); a != nil {
		if until.After(a.cooldownUntil) {
			a.cooldownUntil = until
		}
		a.consecutiveFailures++
		a.lastError = "missing_access_token"
	}
	p.mu.Unlock()
	p.store.RecordStatus(name, StatusPatch{AuthFailure: true, CooldownUntil: until})
}

// UpdateTokens persists a freshly refreshed token set both in memory and
// via the account store.
func (p *Pool) UpdateTokens(name string, tokens TokenPair) error {
	p.mu.Lock()
	a := p.find(name)
	if a != nil {
		a.tokens = tokens
	}
	dir := ""
	if a != nil {
		dir = a.accountDir
	}
	p.mu.Unlock()
	if a == nil {
		return fmt.Errorf("unknown account %s", name)
	}
	return p.store.SaveTokens(dir, tokens)
}

// tokenFreshnessBuffer is how much headroom an access token must have left
// to be used without a refresh, per spec.md §4.2.
const tokenFreshnessBuffer = 90 * time.Second

// EnsureAccessToken returns a fresh access token for name, refreshing it
// first if needed. Concurrent callers for the same account coalesce onto a
// single in-flight refresh via singleflight, grounded on viant-agently's
// auth resolver (internal/auth/resolver/resolver.go).
func (p *Pool) EnsureAccessToken(ctx context.Context, name string) (TokenPair, error) {
	p.mu.RLock()
	a := p.find(name)
	p.mu.RUnlock()
	if a == nil {
		return TokenPair{}, fmt.Errorf("unknown account %s", name)
	}

	p.mu.RLock()
	tokens := a.tokens
	p.mu.RUnlock()

	if isFresh(tokens.Details.ExpiresAt, tokenFreshnessBuffer) && tokens.AccessToken != "" {
		return tokens, nil
	}

	v, err, _ := p.refreshGroup.Do(name, func() (any, error) {
		p.mu.RLock()
		cur := a.tokens
		p.mu.RUnlock()
		if isFresh(cur.Details.ExpiresAt, tokenFreshnessBuffer) && cur.AccessToken != "" {
			return cur, nil
		}
		refreshed, err := p.refresher.Refresh(ctx, cur.RefreshToken)
		if err != nil {
			return TokenPair{}, err
		}
		if refreshed.RefreshToken == "" {
			refreshed.RefreshToken = cur.RefreshToken
		}
		if refreshed.AccountID == "" {
			refreshed.AccountID = cur.AccountID
		}
		refreshed.Details = deriveTokenDetails(refreshed.AccessToken, refreshed.IDToken)
		if err := p.UpdateTokens(name, refreshed); err != nil {
			log.Printf("pool: failed to persist refreshed tokens for %s: %v", name, err)
		}
		return refreshed, nil
	})
	if err != nil {
		return TokenPair{}, err
	}
	return v.(TokenPair), nil
}

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.etcd.io/bbolt"
)

// TokenPair is the on-disk/in-memory shape of one account's OAuth material,
// per spec.md §3.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	IDToken      string
	AccountID    string

	Details TokenDetails
}

// authJSON is the on-disk shape of <pool-dir>/<name>/auth.json, modeled on
// the teacher's CodexAuthJSON/TokenData (pool.go).
type authJSON struct {
	Tokens      *tokenData `json:"tokens"`
	LastRefresh *time.Time `json:"last_refresh"`
}

type tokenData struct {
	AccessToken  string  `json:"access_token"`
	RefreshToken string  `json:"refresh_token"`
	IDToken      string  `json:"id_token"`
	AccountID    *string `json:"account_id"`
}

// registryFile names the pool's default account and the order accounts
// should be considered in, per spec.md §4.2's selection order.
type registryFile struct {
	Default string   `json:"default"`
	Order   []string `json:"order"`
}

// AccountStore is the contract the core consumes, per spec.md §6. The core
// never reasons about on-disk layout beyond this interface.
type AccountStore interface {
	LoadOrderedAccounts() ([]storedAccount, error)
	LoadTokens(accountDir string) (TokenPair, bool, error)
	SaveTokens(accountDir string, tokens TokenPair) error
	RecordStatus(name string, patch StatusPatch)
}

type storedAccount struct {
	Name       string
	AccountDir string
	IsDefault  bool
}

// StatusPatch is the best-effort attempt/success/quota/cooldown counter
// update spec.md §6 calls optional. Losing one must never fail a request.
type StatusPatch struct {
	Attempted    bool
	Succeeded    bool
	Quota        bool
	AuthFailure  bool
	CooldownUntil time.Time
}

// fileAccountStore reads/writes per-account token files under a pool
// directory and keeps a best-effort bbolt-backed status side-channel,
// grounded on the teacher's loadPool/saveAccount (pool.go) and usageStore
// (storage.go), repurposed from token-usage accounting to account status.
type fileAccountStore struct {
	dir string
	db  *bbolt.DB
}

const statusBucket = "account_status"

func newFileAccountStore(dir, dbPath string) (*fileAccountStore, error) {
	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open status db %s: %w", dbPath, err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, e := tx.CreateBucketIfNotExists([]byte(statusBucket))
		return e
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &fileAccountStore{dir: dir, db: db}, nil
}

func (s *fileAccountStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// LoadOrderedAccounts reads registry.json (if present) for the default
// account and ordering, then falls back to lexical directory order for any
// account directory the registry doesn't mention.
func (s *fileAccountStore) LoadOrderedAccounts() ([]storedAccount, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read pool dir %s: %w", s.dir, err)
	}

	present := map[string]bool{}
	var dirNames []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		present[e.Name()] = true
		dirNames = append(dirNames, e.Name())
	}

	reg, _ := loadRegistry(filepath.Join(s.dir, "registry.json"))

	var ordered []string
	seen := map[string]bool{}
	if reg != nil {
		for _, name := range reg.Order {
			if present[name] && !seen[name] {
				ordered = append(ordered, name)
				seen[name] = true
			}
		}
	}
	for _, name := range dirNames {
		if !seen[name] {
			ordered = append(ordered, name)
			seen[name] = true
		}
	}

	def := ""
	if reg != nil {
		def = reg.Default
	}
	if def == "" && len(ordered) > 0 {
		def = ordered[0]
	}

	// The default account leads the returned order regardless of where the
	// registry placed it, per spec.md §4.2 ("the default account first").
	out := make([]storedAccount, 0, len(ordered))
	if def != "" && seen[def] {
		out = append(out, storedAccount{Name: def, AccountDir: filepath.Join(s.dir, def), IsDefault: true})
	}
	for _, name := range ordered {
		if name == def {
			continue
		}
		out = append(out, storedAccount{Name: name, AccountDir: filepath.Join(s.dir, name)})
	}
	return out, nil
}

func loadRegistry(path string) (*registryFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var reg registryFile
	if err := json.Unmarshal(data, &reg); err != nil {
		return nil, err
	}
	return &reg, nil
}

func authPath(accountDir string) string {
	return filepath.Join(accountDir, "auth.json")
}

// LoadTokens reads <accountDir>/auth.json. Returns ok=false if the file is
// missing, unparsable, or lacks a refresh token — per spec.md §3's invariant
// that accounts without a refresh token are dropped at load time.
func (s *fileAccountStore) LoadTokens(accountDir string) (TokenPair, bool, error) {
	raw, err := os.ReadFile(authPath(accountDir))
	if err != nil {
		if os.IsNotExist(err) {
			return TokenPair{}, false, nil
		}
		return TokenPair{}, false, err
	}
	var aj authJSON
	if err := json.Unmarshal(raw, &aj); err != nil {
		return TokenPair{}, false, fmt.Errorf("parse %s: %w", authPath(accountDir), err)
	}
	if aj.Tokens == nil || aj.Tokens.RefreshToken == "" {
		return TokenPair{}, false, nil
	}
	tp := TokenPair{
		AccessToken:  aj.Tokens.AccessToken,
		RefreshToken: aj.Tokens.RefreshToken,
		IDToken:      aj.Tokens.IDToken,
	}
	if aj.Tokens.AccountID != nil {
		tp.AccountID = strings.TrimSpace(*aj.Tokens.AccountID)
	}
	tp.Details = deriveTokenDetails(tp.AccessToken, tp.IDToken)
	return tp, true, nil
}

// SaveTokens writes the token fields back into auth.json, preserving any
// unknown top-level or tokens.* fields already on disk — grounded on the
// teacher's saveCodexAccount, which fails closed rather than clobber
// user-provided content it can't parse.
func (s *fileAccountStore) SaveTokens(accountDir string, tokens TokenPair) error {
	path := authPath(accountDir)
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var root map[string]any
	if err := json.Unmarshal(raw, &root); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	tokensAny, _ := root["tokens"].(map[string]any)
	if tokensAny == nil {
		tokensAny = map[string]any{}
		root["tokens"] = tokensAny
	}
	if tokens.AccessToken != "" {
		tokensAny["access_token"] = tokens.AccessToken
	}
	if tokens.RefreshToken != "" {
		tokensAny["refresh_token"] = tokens.RefreshToken
	}
	if tokens.IDToken != "" {
		tokensAny["id_token"] = tokens.IDToken
	}
	if tokens.AccountID != "" {
		tokensAny["account_id"] = tokens.AccountID
	}
	root["last_refresh"] = time.Now().UTC().Format(time.RFC3339Nano)

	return atomicWriteJSON(path, root)
}

func atomicWriteJSON(path string, data any) error {
	updated, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(updated); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// RecordStatus is best-effort: a failed write never fails the caller's
// request, per spec.md §6.
func (s *fileAccountStore) RecordStatus(name string, patch StatusPatch) {
	if s == nil || s.db == nil {
		return
	}
	_ = s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(statusBucket))
		var agg accountStatusAgg
		if raw := b.Get([]byte(name)); raw != nil {
			_ = json.Unmarshal(raw, &agg)
		}
		now := time.Now().UTC()
		if patch.Attempted {
			agg.Attempts++
			agg.LastAttempt = now
		}
		if patch.Succeeded {
			agg.Successes++
			agg.LastSuccess = now
		}
		if patch.Quota {
			agg.QuotaHits++
		}
		if patch.AuthFailure {
			agg.AuthFailures++
		}
		if !patch.CooldownUntil.IsZero() {
			agg.LastCooldownUntil = patch.CooldownUntil
		}
		enc, err := json.Marshal(&agg)
		if err != nil {
			return nil
		}
		return b.Put([]byte(name), enc)
	})
}

type accountStatusAgg struct {
	Attempts          int64     `json:"attempts"`
	Successes         int64     `json:"successes"`
	QuotaHits         int64     `json:"quota_hits"`
	AuthFailures      int64     `json:"auth_failures"`
	LastAttempt       time.Time `json:"last_attempt"`
	LastSuccess       time.Time `json:"last_success"`
	LastCooldownUntil time.Time `json:"last_cooldown_until"`
}

package accounts

import (
	"fmt"
	"net/netip"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// ConfigError marks a fatal-at-load, recoverable-at-reload problem with the
// accounts file: malformed YAML, a missing file, or duplicate tokens.
type ConfigError struct {
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("accounts: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("accounts: %s", e.Reason)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// fileAccounts is the top-level shape of the YAML accounts file.
type fileAccounts struct {
	Accounts []fileAccount `yaml:"accounts"`
}

type fileAccount struct {
	Name       string   `yaml:"name"`
	Token      string   `yaml:"token"`
	Reuse      bool     `yaml:"reuse"`
	Routes     []string `yaml:"routes"`
	AllowedIPs []string `yaml:"allowedIps"`
}

// generation is one immutable snapshot of the account store, replaced
// wholesale on reload via an atomic pointer swap.
type generation struct {
	accounts []*Account
	byToken  map[string]*Account
	routes   map[string]struct{}
}

func newGeneration(raw *fileAccounts) (*generation, error) {
	gen := &generation{
		byToken: make(map[string]*Account, len(raw.Accounts)),
		routes:  make(map[string]struct{}),
	}

	for i, fa := range raw.Accounts {
		if fa.Token == "" {
			return nil, &ConfigError{Reason: fmt.Sprintf("account[%d] %q: empty token", i, fa.Name)}
		}
		if _, dup := gen.byToken[fa.Token]; dup {
			return nil, &ConfigError{Reason: fmt.Sprintf("duplicate token for account %q", fa.Name)}
		}

		routes := make(map[string]struct{}, len(fa.Routes))
		for _, r := range fa.Routes {
			routes[r] = struct{}{}
			gen.routes[r] = struct{}{}
		}

		prefixes := make([]netip.Prefix, 0, len(fa.AllowedIPs))
		for _, entry := range fa.AllowedIPs {
			prefix, err := parseCIDROrIP(entry)
			if err != nil {
				return nil, &ConfigError{Reason: fmt.Sprintf("account %q: invalid allowedIps entry %q", fa.Name, entry), Err: err}
			}
			prefixes = append(prefixes, prefix)
		}

		acc := &Account{
			Name:       fa.Name,
			Token:      fa.Token,
			Reuse:      fa.Reuse,
			Routes:     routes,
			AllowedIPs: prefixes,
		}
		gen.accounts = append(gen.accounts, acc)
		gen.byToken[fa.Token] = acc
	}

	return gen, nil
}

// parseCIDROrIP accepts either a bare IP ("127.0.0.1") or a CIDR range
// ("172.16.0.0/16").
func parseCIDROrIP(entry string) (netip.Prefix, error) {
	if prefix, err := netip.ParsePrefix(entry); err == nil {
		return prefix, nil
	}
	addr, err := netip.ParseAddr(entry)
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// Store is the Account Store & Authenticator (C1). Safe for concurrent use:
// Authenticate is read-only against a generation snapshot; Lease/Release
// serialize per-account via an internal mutex.
type Store struct {
	path string
	log  zerolog.Logger

	gen atomic.Pointer[generation]

	leaseMu sync.Mutex
	leases  map[*Account]int

	stopOnce sync.Once
	stopCh   chan struct{}
}

// Load reads and parses the accounts file at path, returning a ready Store.
func Load(path string, log zerolog.Logger) (*Store, error) {
	s := &Store{
		path:   path,
		log:    log.With().Str("component", "accounts").Logger(),
		leases: make(map[*Account]int),
		stopCh: make(chan struct{}),
	}
	if err := s.reloadFrom(path); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) reloadFrom(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return &ConfigError{Reason: "read accounts file", Err: err}
	}

	var raw fileAccounts
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return &ConfigError{Reason: "parse accounts YAML", Err: err}
	}

	gen, err := newGeneration(&raw)
	if err != nil {
		return err
	}

	s.gen.Store(gen)
	return nil
}

// Reload re-parses the accounts file. On malformed YAML, a missing file, or
// duplicate tokens, the current generation is left intact and the error is
// only logged: callers get best-effort refresh, never a torn-down store.
func (s *Store) Reload() {
	if err := s.reloadFrom(s.path); err != nil {
		s.log.Error().Err(err).Str("path", s.path).Msg("accounts reload failed, keeping previous generation")
	}
}

// StartAutoReload starts a background goroutine that reloads the accounts
// file every interval until the Store is stopped.
func (s *Store) StartAutoReload(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.Reload()
			}
		}
	}()
}

// Stop terminates the auto-reload goroutine, if running.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// Authenticate reports the account owning token if it is also permitted for
// route and clientIP, or nil otherwise. No error is distinguished from "no
// match"; failures are only logged at debug.
func (s *Store) Authenticate(token, route string, clientIP netip.Addr) *Account {
	gen := s.gen.Load()
	acc, ok := gen.byToken[token]
	if !ok {
		s.log.Debug().Str("route", route).Msg("authenticate: unknown token")
		return nil
	}
	if !acc.hasRoute(route) {
		s.log.Debug().Str("account", acc.Name).Str("route", route).Msg("authenticate: route not allowed")
		return nil
	}
	if !acc.allowsIP(clientIP) {
		s.log.Debug().Str("account", acc.Name).Str("client_ip", clientIP.String()).Msg("authenticate: IP not allowed")
		return nil
	}
	return acc
}

// ContainsRoute reports whether any account in the current generation has
// the given route, regardless of which account authenticated the request.
func (s *Store) ContainsRoute(route string) bool {
	gen := s.gen.Load()
	_, ok := gen.routes[route]
	return ok
}

// Lease records an active lease for account a. Returns false without
// recording anything if a is already leased and a.Reuse is false.
func (s *Store) Lease(a *Account) bool {
	s.leaseMu.Lock()
	defer s.leaseMu.Unlock()

	if s.leases[a] > 0 && !a.Reuse {
		return false
	}
	s.leases[a]++
	return true
}

// Release removes one occurrence of a's lease. Returns whether a removal
// happened.
func (s *Store) Release(a *Account) bool {
	s.leaseMu.Lock()
	defer s.leaseMu.Unlock()

	if s.leases[a] <= 0 {
		return false
	}
	s.leases[a]--
	if s.leases[a] == 0 {
		delete(s.leases, a)
	}
	return true
}

// Package store is the directory of domains, users, DKIM keys and per-user
// statistics, kept in a bstore database.
package store

import (
	"context"
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mjl-/bstore"

	"github.com/mjl-/hookmta/dns"
	"github.com/mjl-/hookmta/hookmta-"
	"github.com/mjl-/hookmta/mlog"
	"github.com/mjl-/hookmta/smtp"
)

var (
	ErrUnknownDomain = errors.New("store: unknown domain")
	ErrUnknownUser   = errors.New("store: unknown user")
	ErrNoDKIMKey     = errors.New("store: no dkim key for domain")
	ErrExists        = errors.New("store: already exists")
)

// DomainStatus is the lifecycle state of a domain, managed by the
// administrative application.
type DomainStatus string

const (
	StatusPending  DomainStatus = "pending"
	StatusActive   DomainStatus = "active"
	StatusVerified DomainStatus = "verified"
	StatusFailed   DomainStatus = "failed"
)

// Valid returns whether s is a known status.
func (s DomainStatus) Valid() bool {
	switch s {
	case StatusPending, StatusActive, StatusVerified, StatusFailed:
		return true
	}
	return false
}

// Local returns whether mail for a domain with this status is delivered
// locally.
func (s DomainStatus) Local() bool {
	return s == StatusPending || s == StatusActive || s == StatusVerified
}

// Domain is a domain hosted by this system.
type Domain struct {
	ID           int64
	Name         string       `bstore:"nonzero,unique"` // Lower-case ASCII (IDNA A-labels).
	Status       DomainStatus `bstore:"nonzero"`
	DKIMSelector string
	SPFRecord    string
	DMARCPolicy  string

	// Users of domains with the same non-empty organization may send as each
	// other's domains.
	Organization string `bstore:"index"`

	Created     time.Time `bstore:"default now"`
	Updated     time.Time `bstore:"default now"`
	LastChecked time.Time
}

// User is an account that can authenticate and receive mail.
type User struct {
	ID             int64
	Email          string `bstore:"nonzero,unique"` // Lower-case localpart@asciidomain.
	CredentialHash string // bcrypt.
	Domain         string `bstore:"nonzero,index"`
	Quota          string // Daily sending limit, see ParseQuota.
	Enabled        bool
	MailboxPath    string // If empty, a path under the configured mailbox root is used.
	LastLogin      time.Time
	Created        time.Time `bstore:"default now"`
}

// DKIMKey is a private key for signing messages from a domain.
type DKIMKey struct {
	ID         int64
	Domain     string    `bstore:"nonzero,unique Domain+Selector"`
	Selector   string    `bstore:"nonzero"`
	PrivateKey []byte    `bstore:"nonzero"` // PKCS#8 DER.
	Created    time.Time `bstore:"default now"`
}

// Signer parses the private key.
func (k DKIMKey) Signer() (crypto.Signer, error) {
	key, err := x509.ParsePKCS8PrivateKey(k.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %v", err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("private key of type %T is not a signer", key)
	}
	return signer, nil
}

// DBTypes are the types stored in the directory database. Exported for
// verifydata.
var DBTypes = []any{Domain{}, User{}, DKIMKey{}, Stats{}, StatsDay{}}

// Directory gives access to the directory database.
type Directory struct {
	DB  *bstore.DB
	log mlog.Log
}

// Open opens the directory database at path, creating it if needed.
func Open(ctx context.Context, log mlog.Log, path string) (*Directory, error) {
	log = log.WithPkg("store")
	os.MkdirAll(filepath.Dir(path), 0770)
	opts := bstore.Options{Timeout: 5 * time.Second, Perm: 0660, RegisterLogger: hookmta.RegisterLogger(path, log.Logger)}
	db, err := bstore.Open(ctx, path, &opts, DBTypes...)
	if err != nil {
		return nil, fmt.Errorf("open directory database: %w", err)
	}
	return &Directory{db, log}, nil
}

// Close closes the database.
func (d *Directory) Close() error {
	return d.DB.Close()
}

// UserKey returns the key under which the user for addr is stored.
func UserKey(addr smtp.Address) string {
	return addr.Key()
}

// Domain returns the record for domain, or ErrUnknownDomain.
func (d *Directory) Domain(ctx context.Context, domain dns.Domain) (Domain, error) {
	r, err := bstore.QueryDB[Domain](ctx, d.DB).FilterNonzero(Domain{Name: domain.ASCII}).Get()
	if err == bstore.ErrAbsent {
		return Domain{}, fmt.Errorf("%w: %s", ErrUnknownDomain, domain)
	}
	return r, err
}

// User returns the user for addr, or ErrUnknownUser.
func (d *Directory) User(ctx context.Context, addr smtp.Address) (User, error) {
	u, err := bstore.QueryDB[User](ctx, d.DB).FilterNonzero(User{Email: UserKey(addr)}).Get()
	if err == bstore.ErrAbsent {
		return User{}, fmt.Errorf("%w: %s", ErrUnknownUser, addr)
	}
	return u, err
}

// TouchLogin records a successful login.
func (d *Directory) TouchLogin(ctx context.Context, addr smtp.Address, tm time.Time) error {
	n, err := bstore.QueryDB[User](ctx, d.DB).FilterNonzero(User{Email: UserKey(addr)}).UpdateField("LastLogin", tm)
	if err == nil && n == 0 {
		err = fmt.Errorf("%w: %s", ErrUnknownUser, addr)
	}
	return err
}

// DomainChecked sets the time the domain was last evaluated for mail. It is
// the only change to domain records made while handling mail.
func (d *Directory) DomainChecked(ctx context.Context, domain dns.Domain, tm time.Time) error {
	n, err := bstore.QueryDB[Domain](ctx, d.DB).FilterNonzero(Domain{Name: domain.ASCII}).UpdateField("LastChecked", tm)
	if err == nil && n == 0 {
		err = fmt.Errorf("%w: %s", ErrUnknownDomain, domain)
	}
	return err
}

// DKIMKey returns the key for the configured selector of domain. If the domain
// has no selector or no key for it, ErrNoDKIMKey is returned.
func (d *Directory) DKIMKey(ctx context.Context, domain dns.Domain) (key DKIMKey, rerr error) {
	rerr = d.DB.Read(ctx, func(tx *bstore.Tx) error {
		dom, err := bstore.QueryTx[Domain](tx).FilterNonzero(Domain{Name: domain.ASCII}).Get()
		if err == bstore.ErrAbsent {
			return fmt.Errorf("%w: %s", ErrUnknownDomain, domain)
		} else if err != nil {
			return err
		}
		if dom.DKIMSelector == "" {
			return fmt.Errorf("%w: no selector configured for %s", ErrNoDKIMKey, domain)
		}
		key, err = bstore.QueryTx[DKIMKey](tx).FilterNonzero(DKIMKey{Domain: dom.Name, Selector: dom.DKIMSelector}).Get()
		if err == bstore.ErrAbsent {
			return fmt.Errorf("%w: selector %s for %s", ErrNoDKIMKey, dom.DKIMSelector, domain)
		}
		return err
	})
	return
}

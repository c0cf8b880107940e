package store

import (
	"context"
	"crypto"
	"crypto/x509"
	"fmt"
	"log/slog"
	"time"

	"github.com/mjl-/bstore"

	"github.com/mjl-/hookmta/dns"
	"github.com/mjl-/hookmta/smtp"
)

// Changes to the directory are normally made by the administrative
// application. These functions are used by the command-line tooling and tests.

// AddDomain adds a domain.
func (d *Directory) AddDomain(ctx context.Context, dom Domain) error {
	if !dom.Status.Valid() {
		return fmt.Errorf("invalid status %q", dom.Status)
	}
	name, err := dns.ParseDomain(dom.Name)
	if err != nil {
		return fmt.Errorf("parsing domain: %v", err)
	}
	dom.Name = name.ASCII
	err = d.DB.Write(ctx, func(tx *bstore.Tx) error {
		exists, err := bstore.QueryTx[Domain](tx).FilterNonzero(Domain{Name: dom.Name}).Exists()
		if err != nil {
			return err
		} else if exists {
			return fmt.Errorf("%w: domain %s", ErrExists, dom.Name)
		}
		return tx.Insert(&dom)
	})
	if err == nil {
		d.log.Info("domain added", slog.String("domain", dom.Name), slog.Any("status", dom.Status))
	}
	return err
}

// SetDomainStatus changes the status of a domain.
func (d *Directory) SetDomainStatus(ctx context.Context, domain dns.Domain, status DomainStatus) error {
	if !status.Valid() {
		return fmt.Errorf("invalid status %q", status)
	}
	n, err := bstore.QueryDB[Domain](ctx, d.DB).FilterNonzero(Domain{Name: domain.ASCII}).UpdateFields(map[string]any{"Status": status, "Updated": time.Now()})
	if err == nil && n == 0 {
		err = fmt.Errorf("%w: %s", ErrUnknownDomain, domain)
	}
	return err
}

// RemoveDomain removes a domain with its users and keys.
func (d *Directory) RemoveDomain(ctx context.Context, domain dns.Domain) error {
	return d.DB.Write(ctx, func(tx *bstore.Tx) error {
		n, err := bstore.QueryTx[Domain](tx).FilterNonzero(Domain{Name: domain.ASCII}).Delete()
		if err != nil {
			return err
		} else if n == 0 {
			return fmt.Errorf("%w: %s", ErrUnknownDomain, domain)
		}
		if _, err := bstore.QueryTx[User](tx).FilterNonzero(User{Domain: domain.ASCII}).Delete(); err != nil {
			return fmt.Errorf("removing users: %w", err)
		}
		if _, err := bstore.QueryTx[DKIMKey](tx).FilterNonzero(DKIMKey{Domain: domain.ASCII}).Delete(); err != nil {
			return fmt.Errorf("removing dkim keys: %w", err)
		}
		return nil
	})
}

// Domains returns all domains, sorted by name.
func (d *Directory) Domains(ctx context.Context) ([]Domain, error) {
	return bstore.QueryDB[Domain](ctx, d.DB).SortAsc("Name").List()
}

// AddUser adds a user to an existing domain. The password is stored as bcrypt
// hash. Users without password cannot authenticate, but can receive mail.
func (d *Directory) AddUser(ctx context.Context, addr smtp.Address, password, quota, mailboxPath string) error {
	if _, _, err := ParseQuota(quota); err != nil {
		return err
	}
	var hash string
	if password != "" {
		var err error
		hash, err = HashPassword(password)
		if err != nil {
			return fmt.Errorf("hashing password: %v", err)
		}
	}
	key := UserKey(addr)
	err := d.DB.Write(ctx, func(tx *bstore.Tx) error {
		exists, err := bstore.QueryTx[Domain](tx).FilterNonzero(Domain{Name: addr.Domain.ASCII}).Exists()
		if err != nil {
			return err
		} else if !exists {
			return fmt.Errorf("%w: %s", ErrUnknownDomain, addr.Domain)
		}
		exists, err = bstore.QueryTx[User](tx).FilterNonzero(User{Email: key}).Exists()
		if err != nil {
			return err
		} else if exists {
			return fmt.Errorf("%w: user %s", ErrExists, key)
		}
		u := User{
			Email:          key,
			CredentialHash: hash,
			Domain:         addr.Domain.ASCII,
			Quota:          quota,
			Enabled:        true,
			MailboxPath:    mailboxPath,
		}
		return tx.Insert(&u)
	})
	if err == nil {
		d.log.Info("user added", slog.String("email", key))
	}
	return err
}

func (d *Directory) updateUser(ctx context.Context, addr smtp.Address, fields map[string]any) error {
	n, err := bstore.QueryDB[User](ctx, d.DB).FilterNonzero(User{Email: UserKey(addr)}).UpdateFields(fields)
	if err == nil && n == 0 {
		err = fmt.Errorf("%w: %s", ErrUnknownUser, addr)
	}
	return err
}

// SetPassword replaces the credential hash of a user.
func (d *Directory) SetPassword(ctx context.Context, addr smtp.Address, password string) error {
	hash, err := HashPassword(password)
	if err != nil {
		return fmt.Errorf("hashing password: %v", err)
	}
	return d.updateUser(ctx, addr, map[string]any{"CredentialHash": hash})
}

// SetUserEnabled enables or disables a user.
func (d *Directory) SetUserEnabled(ctx context.Context, addr smtp.Address, enabled bool) error {
	return d.updateUser(ctx, addr, map[string]any{"Enabled": enabled})
}

// SetQuota sets the daily sending quota of a user.
func (d *Directory) SetQuota(ctx context.Context, addr smtp.Address, quota string) error {
	if _, _, err := ParseQuota(quota); err != nil {
		return err
	}
	return d.updateUser(ctx, addr, map[string]any{"Quota": quota})
}

// RemoveUser removes a user and its statistics.
func (d *Directory) RemoveUser(ctx context.Context, addr smtp.Address) error {
	key := UserKey(addr)
	return d.DB.Write(ctx, func(tx *bstore.Tx) error {
		n, err := bstore.QueryTx[User](tx).FilterNonzero(User{Email: key}).Delete()
		if err != nil {
			return err
		} else if n == 0 {
			return fmt.Errorf("%w: %s", ErrUnknownUser, addr)
		}
		if err := tx.Delete(&Stats{Email: key}); err != nil && err != bstore.ErrAbsent {
			return err
		}
		_, err = bstore.QueryTx[StatsDay](tx).FilterNonzero(StatsDay{Email: key}).Delete()
		return err
	})
}

// Users returns the users, of a single domain if domain is not zero.
func (d *Directory) Users(ctx context.Context, domain dns.Domain) ([]User, error) {
	q := bstore.QueryDB[User](ctx, d.DB)
	if !domain.IsZero() {
		q.FilterNonzero(User{Domain: domain.ASCII})
	}
	return q.SortAsc("Email").List()
}

// AddDKIMKey stores a private key for domain under selector, and makes it the
// selector used for signing.
func (d *Directory) AddDKIMKey(ctx context.Context, domain, selector dns.Domain, key crypto.Signer) error {
	buf, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return fmt.Errorf("marshal private key: %v", err)
	}
	return d.DB.Write(ctx, func(tx *bstore.Tx) error {
		dom, err := bstore.QueryTx[Domain](tx).FilterNonzero(Domain{Name: domain.ASCII}).Get()
		if err == bstore.ErrAbsent {
			return fmt.Errorf("%w: %s", ErrUnknownDomain, domain)
		} else if err != nil {
			return err
		}
		exists, err := bstore.QueryTx[DKIMKey](tx).FilterNonzero(DKIMKey{Domain: dom.Name, Selector: selector.ASCII}).Exists()
		if err != nil {
			return err
		} else if exists {
			return fmt.Errorf("%w: dkim selector %s for %s", ErrExists, selector, domain)
		}
		if err := tx.Insert(&DKIMKey{Domain: dom.Name, Selector: selector.ASCII, PrivateKey: buf}); err != nil {
			return err
		}
		dom.DKIMSelector = selector.ASCII
		dom.Updated = time.Now()
		return tx.Update(&dom)
	})
}

// DKIMKeys returns all keys for domain.
func (d *Directory) DKIMKeys(ctx context.Context, domain dns.Domain) ([]DKIMKey, error) {
	return bstore.QueryDB[DKIMKey](ctx, d.DB).FilterNonzero(DKIMKey{Domain: domain.ASCII}).SortAsc("Selector").List()
}

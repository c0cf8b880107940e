package dkim

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"fmt"
)

// TXTRecord returns the DNS TXT record value to publish at
// <selector>._domainkey.<domain> for the public key.
//
// Example:
//
//	v=DKIM1;k=ed25519;p=ln5zd/JEX4Jy60WAhUOv33IYm2YZMyTQAdr9stML504=
func TXTRecord(pub crypto.PublicKey) (string, error) {
	var k string
	var buf []byte
	switch key := pub.(type) {
	case *rsa.PublicKey:
		k = "rsa"
		var err error
		buf, err = x509.MarshalPKIXPublicKey(key)
		if err != nil {
			return "", fmt.Errorf("marshal public key: %v", err)
		}
	case ed25519.PublicKey:
		k = "ed25519"
		buf = []byte(key)
	default:
		return "", fmt.Errorf("%w: %T", ErrKeyType, pub)
	}
	return fmt.Sprintf("v=DKIM1;k=%s;p=%s", k, base64.StdEncoding.EncodeToString(buf)), nil
}

// Package traefik reads TLS certificates from a traefik acme.json store.
package traefik

import (
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"slices"

	"github.com/ohler55/ojg/jp"
	"github.com/ohler55/ojg/oj"
)

var ErrDomainNotFound = errors.New("domain not found")

type storedCert struct {
	Domain struct {
		Main string   `json:"main"`
		Sans []string `json:"sans"`
	} `json:"domain"`
	Certificate string `json:"certificate"`
	Key         string `json:"key"`
}

// LoadFile reads the acme.json file and returns the key pair for domain
func LoadFile(file, domain string) (tls.Certificate, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("could not read %s: %w", file, err)
	}
	return Parse(string(data), domain)
}

// Parse looks up domain in the acme.json content. A domain matches either as
// main domain or as one of the SANs of a certificate.
func Parse(jsonData, domain string) (tls.Certificate, error) {
	certData, keyData, err := lookup(jsonData, domain)
	if err != nil {
		return tls.Certificate{}, err
	}
	certPEM, err := base64.StdEncoding.DecodeString(certData)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("certificate of %s: %w", domain, err)
	}
	keyPEM, err := base64.StdEncoding.DecodeString(keyData)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("key of %s: %w", domain, err)
	}
	return tls.X509KeyPair(certPEM, keyPEM)
}

func lookup(jsonData, domain string) (cert, key string, err error) {
	obj, err := oj.ParseString(jsonData)
	if err != nil {
		return "", "", err
	}
	// one entry per resolver
	path, err := jp.ParseString(`$..Certificates[*]`)
	if err != nil {
		return "", "", err
	}
	var sanMatch *storedCert
	for _, item := range path.Get(obj) {
		data := storedCert{}
		if err := oj.Unmarshal([]byte(oj.JSON(item)), &data); err != nil {
			return "", "", err
		}
		if data.Domain.Main == domain {
			return data.Certificate, data.Key, nil
		}
		if sanMatch == nil && slices.Contains(data.Domain.Sans, domain) {
			sanMatch = &data
		}
	}
	if sanMatch != nil {
		return sanMatch.Certificate, sanMatch.Key, nil
	}
	return "", "", fmt.Errorf("%s: %w", domain, ErrDomainNotFound)
}

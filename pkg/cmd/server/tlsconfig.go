package server

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/mpapenbr/kartrace-service-manager-go/log"
	"github.com/mpapenbr/kartrace-service-manager-go/pkg/utils/certs/traefik"
)

var errNoCertSource = errors.New("no certificate source configured")

// CertSource names where the server certificate comes from.
// A traefik store takes precedence over cert/key files.
type CertSource struct {
	CertFile      string
	KeyFile       string
	CAFile        string
	TraefikCerts  string
	TraefikDomain string
}

func (s CertSource) configured() bool {
	return (s.TraefikCerts != "" && s.TraefikDomain != "") ||
		(s.CertFile != "" && s.KeyFile != "")
}

type certs struct {
	ctx  context.Context
	src  CertSource
	log  *log.Logger
	cert *tls.Certificate
	mu   sync.RWMutex
}

// NewTLSConfig returns a TLS config whose certificate is reloaded whenever
// one of the source files changes. Returns nil if src is not configured.
func NewTLSConfig(ctx context.Context, src CertSource) (*tls.Config, error) {
	if !src.configured() {
		return nil, nil
	}
	c := &certs{
		ctx: ctx,
		src: src,
		log: log.GetFromContext(ctx).Named("server.certs"),
	}
	if err := c.loadCert(); err != nil {
		return nil, err
	}
	ret := &tls.Config{
		GetCertificate: func(chi *tls.ClientHelloInfo) (*tls.Certificate, error) {
			c.mu.RLock()
			defer c.mu.RUnlock()
			return c.cert, nil
		},
		MinVersion: tls.VersionTLS13,
	}
	if src.CAFile != "" {
		c.log.Info("Loading ca cert", log.String("file", src.CAFile))
		caCert, err := os.ReadFile(src.CAFile)
		if err != nil {
			return nil, fmt.Errorf("could not read TLS root CA: %w", err)
		}
		caCertPool := x509.NewCertPool()
		if ok := caCertPool.AppendCertsFromPEM(caCert); !ok {
			return nil, fmt.Errorf("no certificates found in %s", src.CAFile)
		}
		ret.ClientCAs = caCertPool
		ret.ClientAuth = tls.VerifyClientCertIfGiven
	}
	watcher, err := c.newWatcher()
	if err != nil {
		return nil, err
	}
	go c.watchAndReloadCerts(watcher)
	return ret, nil
}

func (c *certs) newWatcher() (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("could not create fsnotify watcher: %w", err)
	}
	for _, file := range []string{c.src.CertFile, c.src.KeyFile, c.src.TraefikCerts} {
		if file == "" {
			continue
		}
		if err := watcher.Add(file); err != nil {
			c.log.Error("could not watch file", log.String("file", file), log.ErrorField(err))
		}
	}
	return watcher, nil
}

func (c *certs) watchAndReloadCerts(watcher *fsnotify.Watcher) {
	defer watcher.Close()
	for {
		select {
		case <-c.ctx.Done():
			c.log.Info("context done, stopping cert reload")
			return
		case event, ok := <-watcher.Events:
			if !ok {
				c.log.Info("watcher events channel closed, stopping cert reload")
				return
			}
			c.log.Debug("change detected",
				log.String("file", event.Name), log.Any("event", event))
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Chmod) {
				c.log.Info("cert file changed, reloading cert",
					log.String("file", event.Name))
				// keep serving the previous cert if the new one is broken
				if err := c.loadCert(); err != nil {
					c.log.Error("could not reload cert", log.ErrorField(err))
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				c.log.Info("watcher errors channel closed, stopping cert reload")
				return
			}
			c.log.Error("watcher error", log.ErrorField(err))
		}
	}
}

func (c *certs) loadCert() error {
	var (
		cert tls.Certificate
		err  error
	)
	switch {
	case c.src.TraefikCerts != "" && c.src.TraefikDomain != "":
		c.log.Info("Looking up traefik certs",
			log.String("file", c.src.TraefikCerts),
			log.String("domain", c.src.TraefikDomain))
		cert, err = traefik.LoadFile(c.src.TraefikCerts, c.src.TraefikDomain)
	case c.src.CertFile != "" && c.src.KeyFile != "":
		c.log.Info("Loading cert",
			log.String("key", c.src.KeyFile),
			log.String("cert", c.src.CertFile))
		cert, err = tls.LoadX509KeyPair(c.src.CertFile, c.src.KeyFile)
	default:
		return errNoCertSource
	}
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cert = &cert
	return nil
}

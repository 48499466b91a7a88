// Package certwatch reloads the client TLS certificate named by
// tls.client_cert_name/tls.nssdb without a process restart, so a
// renewed certificate takes effect the moment it is written to disk.
package certwatch

import (
	"crypto/tls"
	"fmt"
	"sync"

	"github.com/fsnotify/fsnotify"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("certwatch")

// Watcher holds the currently loaded certificate and reloads it whenever
// the backing cert/key files change.
type Watcher struct {
	certPath string
	keyPath  string

	watcher *fsnotify.Watcher
	closed  chan struct{}

	mu   sync.RWMutex
	cert tls.Certificate
}

// New loads certPath/keyPath and starts watching both for changes.
func New(certPath, keyPath string) (*Watcher, error) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("certwatch: initial load: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("certwatch: create watcher: %w", err)
	}
	if err := fw.Add(certPath); err != nil {
		fw.Close()
		return nil, fmt.Errorf("certwatch: watch cert: %w", err)
	}
	if err := fw.Add(keyPath); err != nil {
		fw.Close()
		return nil, fmt.Errorf("certwatch: watch key: %w", err)
	}

	w := &Watcher{
		certPath: certPath,
		keyPath:  keyPath,
		watcher:  fw,
		cert:     cert,
		closed:   make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

// Current returns the most recently loaded certificate, for use in a
// tls.Config's GetCertificate/GetClientCertificate callback.
func (w *Watcher) Current() *tls.Certificate {
	w.mu.RLock()
	defer w.mu.RUnlock()
	c := w.cert
	return &c
}

// GetClientCertificate satisfies tls.Config.GetClientCertificate.
func (w *Watcher) GetClientCertificate(*tls.CertificateRequestInfo) (*tls.Certificate, error) {
	return w.Current(), nil
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.closed:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				w.reload()
			}
			// Some editors/cert managers replace the file via rename,
			// which drops the inode from the watch; re-add defensively.
			if event.Op&fsnotify.Remove != 0 {
				_ = w.watcher.Add(event.Name)
				w.reload()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warnf("certwatch: watcher error: %v", err)
		}
	}
}

func (w *Watcher) reload() {
	cert, err := tls.LoadX509KeyPair(w.certPath, w.keyPath)
	if err != nil {
		log.Warnf("certwatch: reload failed, keeping previous certificate: %v", err)
		return
	}
	w.mu.Lock()
	w.cert = cert
	w.mu.Unlock()
	log.Infof("certwatch: reloaded certificate from %s", w.certPath)
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	select {
	case <-w.closed:
		return nil
	default:
		close(w.closed)
	}
	return w.watcher.Close()
}

package kalamari

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// CertRotator reloads the interception CA from disk at runtime, so the
// root can be rolled without restarting the proxy. The leaf cache is
// flushed on every rotation because cached certificates were signed by
// the previous root; handshakes already in flight keep the certificate
// they obtained.
type CertRotator struct {
	// Certs is the manager whose CA is swapped in place.
	Certs *CertManager

	// CertPath and KeyPath locate the PEM files to reload.
	CertPath string
	KeyPath  string

	// Logger for rotation events. Defaults to slog.Default.
	Logger *slog.Logger

	// OnRotate is called after a successful rotation with the new root's
	// subject common name.
	OnRotate func(subject string)
}

// NewCertRotator creates a CertRotator for the given manager and paths.
func NewCertRotator(cm *CertManager, certPath, keyPath string) *CertRotator {
	return &CertRotator{
		Certs:    cm,
		CertPath: certPath,
		KeyPath:  keyPath,
	}
}

// Rotate reloads the CA key pair from disk and swaps it into the
// manager.
func (cr *CertRotator) Rotate() error {
	certPEM, err := os.ReadFile(cr.CertPath)
	if err != nil {
		return fmt.Errorf("rotate CA: %w", err)
	}
	keyPEM, err := os.ReadFile(cr.KeyPath)
	if err != nil {
		return fmt.Errorf("rotate CA: %w", err)
	}

	if err := cr.Certs.Rotate(certPEM, keyPEM); err != nil {
		return fmt.Errorf("rotate CA: %w", err)
	}

	if cr.OnRotate != nil {
		cr.OnRotate(cr.Certs.Subject())
	}
	return nil
}

// Watch rotates the CA whenever the cert or key file changes on disk.
// The parent directories are watched so atomic renames are seen. Returns
// a cancel function.
func (cr *CertRotator) Watch(ctx context.Context) (context.CancelFunc, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch CA files: %w", err)
	}

	dirs := map[string]struct{}{
		filepath.Dir(cr.CertPath): {},
		filepath.Dir(cr.KeyPath):  {},
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			_ = watcher.Close()
			return nil, fmt.Errorf("watch CA files: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				// Rotate only once both files settle on the key file;
				// writing the cert first then the key is the usual order.
				if filepath.Clean(ev.Name) != filepath.Clean(cr.KeyPath) {
					continue
				}
				if err := cr.Rotate(); err != nil {
					cr.logger().Error("CA rotation failed", "error", err)
					continue
				}
				cr.logger().Info("CA rotated", "subject", cr.Certs.Subject())
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				cr.logger().Warn("CA file watch error", "error", err)
			}
		}
	}()

	return cancel, nil
}

func (cr *CertRotator) logger() *slog.Logger {
	if cr.Logger != nil {
		return cr.Logger
	}
	return slog.Default()
}

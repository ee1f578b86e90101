// Package bundle turns a bootstrap router's self-descriptor into the reseed
// zip that every other router in the testnet starts from.
package bundle

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zip"
	log "github.com/sirupsen/logrus"
	"github.com/zeebo/blake3"

	"testnet/internal/sandbox"
)

const (
	DefaultDescriptorPath = "/home/i2pd/data/router.info"

	// MountPath is where launched routers see the bundle.
	MountPath = "/seed.zip"

	// MinDescriptorSize is a RouterIdentity (387 bytes) plus the 8-byte
	// published date. Anything shorter is a partial write.
	MinDescriptorSize = 387 + 8
)

var (
	ErrBootstrapTimeout = errors.New("bootstrap descriptor did not appear")
	ErrBootstrapCorrupt = errors.New("bootstrap descriptor is malformed")
)

// Retry bounds the descriptor wait. Attempts counts reads, not sleeps; a
// descriptor needs two matching reads, so fewer than two never succeeds.
type Retry struct {
	Attempts int
	Initial  time.Duration
	Max      time.Duration
}

// DefaultRetry waits roughly half a minute in total.
var DefaultRetry = Retry{Attempts: 10, Initial: 500 * time.Millisecond, Max: 5 * time.Second}

// Delay returns the wait before read attempt n+1 (n counts from 0).
func (r Retry) Delay(n int) time.Duration {
	d := r.Initial
	for i := 0; i < n; i++ {
		d *= 2
		if r.Max > 0 && d >= r.Max {
			return r.Max
		}
	}
	return d
}

// Info describes a published bundle.
type Info struct {
	Path   string `json:"path" yaml:"path"`
	Entry  string `json:"entry" yaml:"entry"`
	Size   int    `json:"size" yaml:"size"`
	Digest string `json:"digest" yaml:"digest"`
}

// Builder reads the descriptor through Runtime and publishes it at Path.
type Builder struct {
	Runtime        sandbox.Runtime
	Path           string
	DescriptorPath string
	Retry          Retry
	// Sleep waits between attempts; nil uses a timer honoring ctx.
	Sleep func(ctx context.Context, d time.Duration) error
	Log   log.FieldLogger
}

// EntryName is the archive member name for a router's descriptor.
func EntryName(nodeID string) string {
	return "routerInfo-" + nodeID + ".dat"
}

// Build waits for the descriptor of sandboxID, packs it under nodeID and
// atomically replaces the bundle at b.Path.
func (b *Builder) Build(ctx context.Context, sandboxID, nodeID string) (Info, error) {
	logger := b.logger().WithFields(log.Fields{"node": nodeID, "path": b.Path})

	data, err := b.waitDescriptor(ctx, sandboxID, logger)
	if err != nil {
		return Info{}, fmt.Errorf("%s on %s: %w", b.descriptorPath(), nodeID, err)
	}

	entry := EntryName(nodeID)
	if err := writeAtomic(b.Path, entry, data); err != nil {
		return Info{}, fmt.Errorf("write bundle: %w", err)
	}

	info := Info{Path: b.Path, Entry: entry, Size: len(data), Digest: Digest(data)}
	logger.WithFields(log.Fields{"size": info.Size, "digest": info.Digest}).Info("bundle published")
	return info, nil
}

// waitDescriptor polls until two consecutive reads return the same
// descriptor of at least MinDescriptorSize bytes.
func (b *Builder) waitDescriptor(ctx context.Context, sandboxID string, logger log.FieldLogger) ([]byte, error) {
	retry := b.Retry
	if retry.Attempts <= 0 {
		retry = DefaultRetry
	}
	sleep := b.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	var prev []byte
	var lastErr error
	for attempt := 0; attempt < retry.Attempts; attempt++ {
		if attempt > 0 {
			d := retry.Delay(attempt - 1)
			logger.WithFields(log.Fields{"attempt": attempt, "wait": d}).Debug("descriptor not ready")
			if err := sleep(ctx, d); err != nil {
				return nil, err
			}
		}
		data, err := b.Runtime.ReadFile(ctx, sandboxID, b.descriptorPath())
		switch {
		case errors.Is(err, sandbox.ErrNotFound):
			prev, lastErr = nil, err
			continue
		case err != nil:
			return nil, fmt.Errorf("read descriptor: %w", err)
		}
		if len(data) < MinDescriptorSize {
			prev, lastErr = nil, fmt.Errorf("%d bytes, want at least %d: %w", len(data), MinDescriptorSize, ErrBootstrapCorrupt)
			continue
		}
		switch {
		case prev == nil:
			lastErr = errors.New("descriptor read once, not yet confirmed")
		case bytes.Equal(prev, data):
			return data, nil
		default:
			lastErr = fmt.Errorf("descriptor changed between reads: %w", ErrBootstrapCorrupt)
		}
		prev = data
	}
	if errors.Is(lastErr, ErrBootstrapCorrupt) {
		return nil, fmt.Errorf("after %d attempts: %w", retry.Attempts, lastErr)
	}
	return nil, fmt.Errorf("%w after %d attempts: %v", ErrBootstrapTimeout, retry.Attempts, lastErr)
}

func (b *Builder) descriptorPath() string {
	if b.DescriptorPath == "" {
		return DefaultDescriptorPath
	}
	return b.DescriptorPath
}

func (b *Builder) logger() log.FieldLogger {
	if b.Log == nil {
		return log.StandardLogger()
	}
	return b.Log
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Digest is the hex BLAKE3-256 of a descriptor.
func Digest(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func writeAtomic(path, entry string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		// no-op once renamed
		_ = os.Remove(tmpName)
	}()

	zw := zip.NewWriter(tmp)
	w, err := zw.CreateHeader(&zip.FileHeader{
		Name:     entry,
		Method:   zip.Deflate,
		Modified: time.Now(),
	})
	if err != nil {
		tmp.Close()
		return err
	}
	if _, err := w.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	// Routers read the bundle as an unprivileged user.
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// ReadDescriptor opens a bundle and returns its single member.
func ReadDescriptor(path string) (string, []byte, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return "", nil, err
	}
	defer zr.Close()

	if len(zr.File) != 1 {
		return "", nil, fmt.Errorf("bundle %s has %d entries, want 1", path, len(zr.File))
	}
	f := zr.File[0]
	rc, err := f.Open()
	if err != nil {
		return "", nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return "", nil, err
	}
	return f.Name, data, nil
}

// Remove deletes the bundle; a missing file is not an error.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

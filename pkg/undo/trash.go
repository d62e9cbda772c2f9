package undo

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"digital.vasic.fileops/pkg/client"
	"digital.vasic.fileops/pkg/resilience"
)

// TrashDir is the resource-local trash directory.
const TrashDir = "/.trash"

// TrashPath returns the trash name of p deleted at t:
// /.trash/<name>.<unix millis>.
func TrashPath(p string, t time.Time) string {
	return path.Join(TrashDir, path.Base(p)+"."+strconv.FormatInt(t.UnixMilli(), 10))
}

// trashTime parses the deletion time out of a trash entry name.
func trashTime(name string) (time.Time, bool) {
	i := strings.LastIndexByte(name, '.')
	if i < 0 {
		return time.Time{}, false
	}
	stamp := name[i+1:]
	if j := strings.IndexByte(stamp, '-'); j >= 0 {
		stamp = stamp[:j]
	}
	ms, err := strconv.ParseInt(stamp, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

// SoftDelete moves p on c into the trash and returns the trash path.
func (m *Manager) SoftDelete(ctx context.Context, c client.Client, p string) (string, error) {
	if err := ensureDir(ctx, c, TrashDir); err != nil {
		return "", fmt.Errorf("failed to create trash: %w", err)
	}

	base := TrashPath(p, m.now())
	dst := base
	for n := 1; ; n++ {
		exists, err := c.FileExists(ctx, dst)
		if err != nil {
			return "", err
		}
		if !exists {
			break
		}
		dst = base + "-" + strconv.Itoa(n)
	}

	if err := client.Move(ctx, c, p, dst); err != nil {
		return "", err
	}
	m.log.WithFields(logrus.Fields{"path": p, "trash": dst}).Debug("soft deleted")
	return dst, nil
}

// Restore moves a trash entry back to original. It fails with
// Conflict(UndoTargetOccupied) when original exists.
func Restore(ctx context.Context, c client.Client, trash, original string) error {
	if err := ensureFree(ctx, c, original); err != nil {
		return err
	}
	if err := ensureDir(ctx, c, path.Dir(original)); err != nil {
		return err
	}
	return client.Move(ctx, c, trash, original)
}

func ensureFree(ctx context.Context, c client.Client, p string) error {
	exists, err := c.FileExists(ctx, p)
	if err != nil {
		return err
	}
	if exists {
		return &client.Error{
			Kind:   client.KindConflict,
			Op:     "undo",
			Path:   p,
			Reason: client.ConflictUndoTargetOccupied,
			Err:    errors.New("original path is occupied"),
		}
	}
	return nil
}

func ensureDir(ctx context.Context, c client.Client, dir string) error {
	if dir == "/" || dir == "." || dir == "" {
		return nil
	}
	exists, err := c.FileExists(ctx, dir)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return c.CreateDirectory(ctx, dir)
}

// PurgeTrash permanently removes trash entries of resource older than the
// trash retention and returns how many were removed.
func (m *Manager) PurgeTrash(ctx context.Context, resource string) (int, error) {
	cutoff := m.now().Add(-m.config.TrashRetention)
	removed := 0
	err := m.runner.Run(ctx, resource, resilience.Write, func(ctx context.Context, c client.Client) error {
		removed = 0
		for fi, err := range client.Entries(ctx, c, TrashDir) {
			if err != nil {
				if errors.Is(err, client.ErrNotFound) {
					return nil
				}
				return err
			}
			deleted, ok := trashTime(fi.Name)
			if !ok || !deleted.Before(cutoff) {
				continue
			}
			p := path.Join(TrashDir, fi.Name)
			if fi.IsDir {
				err = c.DeleteDirectory(ctx, p)
			} else {
				err = c.DeleteFile(ctx, p)
			}
			if err != nil && !errors.Is(err, client.ErrNotFound) {
				return err
			}
			removed++
		}
		return nil
	})
	if removed > 0 {
		m.log.WithFields(logrus.Fields{"resource": resource, "count": removed}).Info("purged trash")
	}
	return removed, err
}

package client

import (
	"context"
	"fmt"
)

// Move relocates a file within one backend. It renames when the backend
// can, otherwise copies and deletes the source.
func Move(ctx context.Context, c Client, from, to string) error {
	ok, err := c.RenameFile(ctx, from, to)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	if err := Copy(ctx, c, from, to); err != nil {
		return err
	}
	if err := c.DeleteFile(ctx, from); err != nil {
		return fmt.Errorf("failed to remove %s after copy: %w", from, err)
	}
	return nil
}

// Copy duplicates a file within one backend, server-side when supported.
func Copy(ctx context.Context, c Client, from, to string) error {
	if sc, ok := c.(ServerSideCopier); ok {
		return sc.CopyFile(ctx, from, to)
	}
	r, err := c.ReadFile(ctx, from)
	if err != nil {
		return err
	}
	defer r.Close()
	return c.WriteFile(ctx, to, r)
}

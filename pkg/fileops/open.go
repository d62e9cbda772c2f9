package fileops

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"digital.vasic.fileops/pkg/client"
	"digital.vasic.fileops/pkg/engine"
	"digital.vasic.fileops/pkg/resilience"
	"digital.vasic.fileops/pkg/throttle"
)

// Stat returns the metadata of ref, served from the metadata cache while
// it is fresh.
func (s *Service) Stat(ctx context.Context, ref engine.Ref) (*client.FileInfo, error) {
	ref.Path = path.Clean("/" + ref.Path)
	if fi, ok := s.cache.Stat(ref.Resource, ref.Path); ok {
		return fi, nil
	}
	var fi *client.FileInfo
	err := s.runner.Run(ctx, ref.Resource, resilience.Read, func(ctx context.Context, c client.Client) error {
		var err error
		fi, err = c.GetFileInfo(ctx, ref.Path)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.cache.SetStat(ref.Resource, ref.Path, fi)
	return fi, nil
}

// Open returns the content of ref. Content is served from the cache when
// the cached signature matches the remote size and modification time;
// otherwise it is streamed into the cache first. Files larger than the
// cache budget are streamed directly from a pooled session, which stays
// held until the reader is closed.
func (s *Service) Open(ctx context.Context, ref engine.Ref) (io.ReadCloser, error) {
	ref.Path = path.Clean("/" + ref.Path)
	fi, err := s.Stat(ctx, ref)
	if err != nil {
		return nil, err
	}
	if fi.IsDir {
		return nil, client.NewError(client.KindInvalid, "open", ref.Path, errors.New("is a directory"))
	}

	f, ok, err := s.cache.Get(ctx, ref.Resource, ref.Path, fi.Size, fi.ModTime)
	if err != nil {
		return nil, err
	}
	if ok {
		return f, nil
	}

	ticket, err := s.throttle.Submit(ctx, throttle.Request{
		Resource: ref.Resource,
		Protocol: s.protocol(ref.Resource),
		Priority: throttle.Interactive,
	})
	if err != nil {
		return nil, err
	}
	defer ticket.Release()
	tctx := ticket.Context()

	err = s.runner.Run(tctx, ref.Resource, resilience.Read, func(ctx context.Context, c client.Client) error {
		r, err := c.ReadFile(ctx, ref.Path)
		if err != nil {
			return err
		}
		defer r.Close()
		_, err = s.cache.Put(ctx, ref.Resource, ref.Path, fi.Size, fi.ModTime, r)
		return err
	})
	switch {
	case client.KindOf(err) == client.KindQuotaExceeded:
		s.log.WithField("path", ref.String()).Debug("file exceeds cache budget, streaming directly")
		return s.openDirect(ctx, ref)
	case client.KindOf(err) == client.KindInvalid:
		// The remote changed while it was read.
		if ierr := s.cache.Invalidate(ctx, ref.Resource, ref.Path); ierr != nil {
			s.log.WithField("path", ref.String()).WithError(ierr).Warn("failed to invalidate cache")
		}
		return nil, client.NewError(client.KindConflict, "open", ref.Path, fmt.Errorf("file changed while caching: %w", err))
	case err != nil:
		return nil, err
	}

	f, ok, err = s.cache.Get(ctx, ref.Resource, ref.Path, fi.Size, fi.ModTime)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, client.NewError(client.KindNotFound, "open", ref.Path, errors.New("cached content was evicted"))
	}
	return f, nil
}

func (s *Service) protocol(resource string) string {
	cfg, err := s.pool.Resource(resource)
	if err != nil {
		return ""
	}
	return cfg.Protocol
}

func (s *Service) openDirect(ctx context.Context, ref engine.Ref) (io.ReadCloser, error) {
	done, err := s.executor.Allow(ref.Resource)
	if err != nil {
		return nil, err
	}
	sess, err := s.pool.Acquire(ctx, ref.Resource)
	if err != nil {
		done(err)
		return nil, err
	}
	r, err := sess.Client().ReadFile(ctx, ref.Path)
	if err != nil {
		s.pool.Release(sess, err)
		done(err)
		return nil, err
	}
	return &sessionReader{ReadCloser: r, release: func(err error) {
		s.pool.Release(sess, err)
		done(err)
	}}, nil
}

// sessionReader releases its session when closed.
type sessionReader struct {
	io.ReadCloser
	release func(error)
	err     error
	closed  bool
}

func (r *sessionReader) Read(p []byte) (int, error) {
	n, err := r.ReadCloser.Read(p)
	if err != nil && err != io.EOF {
		r.err = err
	}
	return n, err
}

func (r *sessionReader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	err := r.ReadCloser.Close()
	if r.err == nil {
		r.err = err
	}
	r.release(r.err)
	return err
}

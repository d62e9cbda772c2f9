package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"sync/atomic"
	"time"

	"digital.vasic.fileops/pkg/client"
	"digital.vasic.fileops/pkg/pool"
	"digital.vasic.fileops/pkg/resilience"
	"digital.vasic.fileops/pkg/undo"
)

const maxKeepBoth = 1000

func (r *run) execute(ctx context.Context) error {
	switch r.d.Kind {
	case Delete:
		return r.delete(ctx)
	case Rename:
		return r.rename(ctx)
	default:
		return r.copyOrMove(ctx)
	}
}

func (r *run) delete(ctx context.Context) error {
	var trash string
	err := r.engine.runner.Run(ctx, r.d.Source.Resource, resilience.Write, func(ctx context.Context, c client.Client) error {
		var err error
		trash, err = r.engine.undo.SoftDelete(ctx, c, r.d.Source.Path)
		return err
	})
	if err != nil {
		return err
	}
	r.res.Dest = Ref{}
	r.res.items = []undo.Item{{Kind: undo.KindDelete, Resource: r.d.Source.Resource, Path: r.d.Source.Path, Trash: trash}}
	return nil
}

func (r *run) rename(ctx context.Context) error {
	if _, err := r.lookup(ctx, r.d.Source, true); err != nil {
		return err
	}
	if err := r.resolveDest(ctx); err != nil {
		return err
	}
	dst := r.res.Dest.Path
	err := r.engine.runner.Run(ctx, r.d.Source.Resource, resilience.Write, func(ctx context.Context, c client.Client) error {
		if err := ensureParent(ctx, c, dst); err != nil {
			return err
		}
		if err := r.replaceDest(ctx, c); err != nil {
			return err
		}
		return client.Move(ctx, c, r.d.Source.Path, dst)
	})
	if err != nil {
		r.restoreReplaced(ctx)
		return err
	}
	r.res.items = []undo.Item{{
		Kind: undo.KindRename, Resource: r.d.Source.Resource, Path: r.d.Source.Path,
		Dest: dst, Replaced: r.replaced,
	}}
	return nil
}

func (r *run) copyOrMove(ctx context.Context) error {
	info, err := r.lookup(ctx, r.d.Source, true)
	if err != nil {
		return err
	}
	if info.IsDir {
		return client.NewError(client.KindInvalid, r.d.Kind.String(), r.d.Source.Path, errors.New("source is a directory"))
	}
	size := info.Size
	r.res.Descriptor.Size = size
	if r.dst.MaxFileSize > 0 && size > r.dst.MaxFileSize {
		return tooLarge(r.d.Dest, size, r.dst.MaxFileSize)
	}
	if err := r.resolveDest(ctx); err != nil {
		return err
	}
	if err := r.checkSpace(ctx, size); err != nil {
		return err
	}

	if r.d.Kind == Move && r.src.ID == r.dst.ID {
		moved, err := r.renameInPlace(ctx)
		if err != nil {
			r.restoreReplaced(ctx)
			return err
		}
		if moved {
			r.res.Bytes = size
			r.res.items = []undo.Item{{
				Kind: undo.KindMove, Resource: r.d.Source.Resource, Path: r.d.Source.Path,
				DestResource: r.res.Dest.Resource, Dest: r.res.Dest.Path, Replaced: r.replaced,
			}}
			return nil
		}
	}

	n, err := r.transfer(ctx, size)
	if err != nil {
		r.restoreReplaced(ctx)
		return err
	}
	r.res.Bytes = n
	r.engine.metrics.BytesTransferred(n)

	item := undo.Item{
		Kind: undo.KindCopy, Resource: r.d.Source.Resource, Path: r.d.Source.Path,
		DestResource: r.res.Dest.Resource, Dest: r.res.Dest.Path, Replaced: r.replaced,
	}
	if r.d.Kind == Move {
		// The source goes only after the copy was verified and promoted.
		err := r.engine.runner.Run(ctx, r.d.Source.Resource, resilience.Write, func(ctx context.Context, c client.Client) error {
			var err error
			item.Trash, err = r.engine.undo.SoftDelete(ctx, c, r.d.Source.Path)
			return err
		})
		if err != nil {
			r.removeCopy(ctx)
			return err
		}
		item.Kind = undo.KindMove
	}
	r.res.items = []undo.Item{item}
	return nil
}

// lookup stats ref. A missing file yields nil unless required is set.
func (r *run) lookup(ctx context.Context, ref Ref, required bool) (*client.FileInfo, error) {
	var info *client.FileInfo
	err := r.engine.runner.Run(ctx, ref.Resource, resilience.Read, func(ctx context.Context, c client.Client) error {
		fi, err := c.GetFileInfo(ctx, ref.Path)
		if err != nil {
			if !required && errors.Is(err, client.ErrNotFound) {
				return nil
			}
			return err
		}
		info = fi
		return nil
	})
	return info, err
}

// resolveDest applies the conflict policy when the destination exists.
func (r *run) resolveDest(ctx context.Context) error {
	existing, err := r.lookup(ctx, r.res.Dest, false)
	if err != nil || existing == nil {
		return err
	}
	if existing.IsDir {
		return &client.Error{Kind: client.KindConflict, Op: r.d.Kind.String(), Path: r.res.Dest.Path,
			Reason: client.ConflictExistingFile, Err: errors.New("destination is a directory")}
	}

	resolution := r.d.OnConflict
	if resolution == Ask {
		if r.engine.resolver == nil {
			return &client.Error{Kind: client.KindConflict, Op: r.d.Kind.String(), Path: r.res.Dest.Path,
				Reason: client.ConflictExistingFile, Err: errors.New("destination exists")}
		}
		resolution, err = r.engine.resolver(ctx, Conflict{Descriptor: r.d, Existing: existing})
		if err != nil {
			return client.Classify("resolve", r.res.Dest.Path, err)
		}
	}
	r.log.WithField("resolution", resolution.String()).Debug("destination exists")

	switch resolution {
	case Skip:
		return errSkipped
	case Overwrite:
		r.overwrite = true
		return nil
	case KeepBoth:
		p, err := r.freeName(ctx, r.res.Dest)
		if err != nil {
			return err
		}
		r.res.Dest.Path = p
		return nil
	}
	return client.NewError(client.KindInvalid, "resolve", r.res.Dest.Path, fmt.Errorf("unknown resolution %d", int(resolution)))
}

// freeName returns the first free "name (n).ext" next to ref.
func (r *run) freeName(ctx context.Context, ref Ref) (string, error) {
	dir, name := path.Split(ref.Path)
	ext := path.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for n := 1; n <= maxKeepBoth; n++ {
		candidate := Ref{Resource: ref.Resource, Path: path.Join(dir, fmt.Sprintf("%s (%d)%s", stem, n, ext))}
		fi, err := r.lookup(ctx, candidate, false)
		if err != nil {
			return "", err
		}
		if fi == nil {
			return candidate.Path, nil
		}
	}
	return "", &client.Error{Kind: client.KindConflict, Op: "resolve", Path: ref.Path,
		Reason: client.ConflictExistingFile, Err: errors.New("no free name")}
}

// checkSpace fails with QuotaExceeded when the destination reports less
// free space than size. Unknown free space passes.
func (r *run) checkSpace(ctx context.Context, size int64) error {
	return r.engine.runner.Run(ctx, r.res.Dest.Resource, resilience.Read, func(ctx context.Context, c client.Client) error {
		sr, ok := c.(client.SpaceReporter)
		if !ok {
			return nil
		}
		free, err := sr.FreeSpace(ctx, path.Dir(r.res.Dest.Path))
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			r.log.WithError(err).Debug("free space unknown")
			return nil
		}
		if free >= 0 && free < size {
			return client.NewError(client.KindQuotaExceeded, "preflight", r.res.Dest.Path,
				fmt.Errorf("%d bytes needed, %d free on %s", size, free, r.res.Dest.Resource))
		}
		return nil
	})
}

// renameInPlace moves with a native rename when the backend has an atomic
// one. It reports false when the transfer path must be used.
func (r *run) renameInPlace(ctx context.Context) (bool, error) {
	var moved bool
	err := r.engine.runner.Run(ctx, r.d.Source.Resource, resilience.Write, func(ctx context.Context, c client.Client) error {
		if !c.Capabilities().AtomicRename {
			return nil
		}
		if err := ensureParent(ctx, c, r.res.Dest.Path); err != nil {
			return err
		}
		if err := r.replaceDest(ctx, c); err != nil {
			return err
		}
		ok, err := c.RenameFile(ctx, r.d.Source.Path, r.res.Dest.Path)
		moved = ok
		return err
	})
	return moved, err
}

// replaceDest soft-deletes the existing destination once when overwriting.
func (r *run) replaceDest(ctx context.Context, c client.Client) error {
	if !r.overwrite || r.replaced != "" {
		return nil
	}
	trash, err := r.engine.undo.SoftDelete(ctx, c, r.res.Dest.Path)
	if err != nil {
		if errors.Is(err, client.ErrNotFound) {
			return nil
		}
		return err
	}
	r.replaced = trash
	return nil
}

// restoreReplaced puts an overwritten destination back after a failure.
func (r *run) restoreReplaced(ctx context.Context) {
	if r.replaced == "" {
		return
	}
	err := r.engine.runner.Run(context.WithoutCancel(ctx), r.res.Dest.Resource, resilience.Write, func(ctx context.Context, c client.Client) error {
		return undo.Restore(ctx, c, r.replaced, r.res.Dest.Path)
	})
	if err != nil {
		r.log.WithField("trash", r.replaced).WithError(err).Error("failed to restore overwritten destination")
		return
	}
	r.replaced = ""
}

// removeCopy reverts a promoted copy after the move could not remove its
// source.
func (r *run) removeCopy(ctx context.Context) {
	err := r.engine.runner.Run(context.WithoutCancel(ctx), r.res.Dest.Resource, resilience.Write, func(ctx context.Context, c client.Client) error {
		if err := c.DeleteFile(ctx, r.res.Dest.Path); err != nil && !errors.Is(err, client.ErrNotFound) {
			return err
		}
		return nil
	})
	if err != nil {
		r.log.WithField("dest", r.res.Dest.String()).WithError(err).Error("failed to remove copy of unmoved source")
		return
	}
	r.restoreReplaced(ctx)
}

func tempName(dest, id string) string {
	if len(id) > 8 {
		id = id[:8]
	}
	dir, name := path.Split(dest)
	return path.Join(dir, "."+name+"."+id+".partial")
}

func ensureParent(ctx context.Context, c client.Client, p string) error {
	dir := path.Dir(p)
	if dir == "/" || dir == "." {
		return nil
	}
	exists, err := c.FileExists(ctx, dir)
	if err != nil || exists {
		return err
	}
	return c.CreateDirectory(ctx, dir)
}

// transfer copies the source into a staged temp name on the destination,
// verifies it and promotes it to the destination path.
func (r *run) transfer(ctx context.Context, size int64) (int64, error) {
	tmp := tempName(r.res.Dest.Path, r.d.ID)
	if r.src.ID == r.dst.ID {
		copied, err := r.serverSideCopy(ctx, tmp, size)
		if copied || err != nil {
			return size, err
		}
	}

	var n int64
	err := r.engine.executor.Do(ctx, r.dst.ID, resilience.IdempotentWrite, func(ctx context.Context) error {
		var wrote bool
		var err error
		n, wrote, err = r.stream(ctx, tmp, size)
		if err != nil && wrote {
			r.removeTemp(ctx, tmp)
		}
		return err
	})
	return n, err
}

func (r *run) serverSideCopy(ctx context.Context, tmp string, size int64) (bool, error) {
	var copied bool
	err := r.engine.runner.Run(ctx, r.dst.ID, resilience.IdempotentWrite, func(ctx context.Context, c client.Client) error {
		sc, ok := c.(client.ServerSideCopier)
		if !ok || !c.Capabilities().ServerSideCopy {
			return nil
		}
		copied = true
		err := r.copyServerSide(ctx, c, sc, tmp, size)
		if err != nil {
			cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.engine.timeouts.Write)
			defer cancel()
			if derr := c.DeleteFile(cctx, tmp); derr != nil && !errors.Is(derr, client.ErrNotFound) {
				r.log.WithField("tmp", tmp).WithError(derr).Error("failed to remove partial file")
			}
		}
		return err
	})
	return copied, err
}

func (r *run) copyServerSide(ctx context.Context, c client.Client, sc client.ServerSideCopier, tmp string, size int64) error {
	if err := ensureParent(ctx, c, tmp); err != nil {
		return err
	}
	if err := sc.CopyFile(ctx, r.d.Source.Path, tmp); err != nil {
		return err
	}
	if err := verify(ctx, c, tmp, size); err != nil {
		return err
	}
	if err := r.promote(ctx, c, tmp); err != nil {
		return err
	}
	r.report(size, size)
	return nil
}

// stream runs one attempt of a streamed transfer. wrote reports whether the
// temp file may exist.
func (r *run) stream(ctx context.Context, tmp string, size int64) (n int64, wrote bool, err error) {
	e := r.engine
	if r.src.ID == r.dst.ID {
		if st, err := e.pool.Stats(r.src.ID); err == nil && st.Limit < 2 {
			return r.staged(ctx, tmp, size)
		}
	}
	ss, ds, err := r.acquirePair(ctx)
	if err != nil {
		return 0, false, err
	}
	var srcErr, dstErr error
	defer func() {
		e.pool.Release(ss, srcErr)
		e.pool.Release(ds, dstErr)
	}()

	if r.src.ID != r.dst.ID {
		done, err := e.executor.Allow(r.src.ID)
		if err != nil {
			return 0, false, err
		}
		defer func() { done(srcErr) }()
	}

	if dstErr = ensureParent(ctx, ds.Client(), tmp); dstErr != nil {
		return 0, false, dstErr
	}

	wctx, wd := newWatchdog(ctx, r.d.Source.Path, e.timeouts.Read, e.timeouts.Write)
	defer wd.stop()

	rc, err := ss.Client().ReadFile(wctx, r.d.Source.Path)
	if err != nil {
		srcErr = wd.explain(client.Classify("read", r.d.Source.Path, err))
		return 0, false, srcErr
	}
	defer rc.Close()

	pr := &progressReader{ctx: wctx, r: rc, wd: wd, total: size, report: r.report}
	werr := ds.Client().WriteFile(wctx, tmp, pr)
	switch {
	case wd.fired():
		err = context.Cause(wctx)
		if wd.firedReading() {
			srcErr = err
		} else {
			dstErr = err
		}
		return pr.n, true, err
	case pr.err != nil:
		srcErr = client.Classify("read", r.d.Source.Path, pr.err)
		return pr.n, true, srcErr
	case werr != nil:
		dstErr = client.Classify("write", tmp, werr)
		return pr.n, true, dstErr
	}
	wd.stop()

	if pr.n != size {
		dstErr = client.NewError(client.KindProtocol, "transfer", r.d.Source.Path, fmt.Errorf("copied %d of %d bytes", pr.n, size))
		return pr.n, true, dstErr
	}
	if dstErr = verify(ctx, ds.Client(), tmp, size); dstErr != nil {
		return pr.n, true, dstErr
	}
	if dstErr = r.promote(ctx, ds.Client(), tmp); dstErr != nil {
		return pr.n, true, dstErr
	}
	return pr.n, true, nil
}

// staged runs one attempt of a transfer within a handle that allows a single
// session. The source is read into a local file and the session released
// before the destination is written.
func (r *run) staged(ctx context.Context, tmp string, size int64) (n int64, wrote bool, err error) {
	e := r.engine
	f, err := os.CreateTemp("", "fileops-stage-*")
	if err != nil {
		return 0, false, client.Classify("stage", r.d.Source.Path, err)
	}
	defer func() {
		_ = f.Close()
		_ = os.Remove(f.Name())
	}()

	if err := r.stageSource(ctx, f, size); err != nil {
		return 0, false, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return 0, false, client.Classify("stage", r.d.Source.Path, err)
	}

	ds, err := e.pool.Acquire(ctx, r.dst.ID)
	if err != nil {
		return 0, false, err
	}
	var dstErr error
	defer func() { e.pool.Release(ds, dstErr) }()

	if dstErr = ensureParent(ctx, ds.Client(), tmp); dstErr != nil {
		return 0, false, dstErr
	}
	wctx, wd := newWatchdog(ctx, r.d.Source.Path, e.timeouts.Read, e.timeouts.Write)
	defer wd.stop()

	pr := &progressReader{ctx: wctx, r: f, wd: wd, total: size, report: r.report}
	werr := ds.Client().WriteFile(wctx, tmp, pr)
	switch {
	case wd.fired():
		dstErr = context.Cause(wctx)
		return pr.n, true, dstErr
	case pr.err != nil:
		return pr.n, true, client.Classify("stage", r.d.Source.Path, pr.err)
	case werr != nil:
		dstErr = client.Classify("write", tmp, werr)
		return pr.n, true, dstErr
	}
	wd.stop()

	if pr.n != size {
		dstErr = client.NewError(client.KindProtocol, "transfer", r.d.Source.Path, fmt.Errorf("copied %d of %d bytes", pr.n, size))
		return pr.n, true, dstErr
	}
	if dstErr = verify(ctx, ds.Client(), tmp, size); dstErr != nil {
		return pr.n, true, dstErr
	}
	if dstErr = r.promote(ctx, ds.Client(), tmp); dstErr != nil {
		return pr.n, true, dstErr
	}
	return pr.n, true, nil
}

// stageSource copies the source into f on a session of its own.
func (r *run) stageSource(ctx context.Context, f *os.File, size int64) error {
	e := r.engine
	ss, err := e.pool.Acquire(ctx, r.src.ID)
	if err != nil {
		return err
	}
	var srcErr error
	defer func() { e.pool.Release(ss, srcErr) }()

	wctx, wd := newWatchdog(ctx, r.d.Source.Path, e.timeouts.Read, e.timeouts.Write)
	defer wd.stop()

	rc, err := ss.Client().ReadFile(wctx, r.d.Source.Path)
	if err != nil {
		srcErr = wd.explain(client.Classify("read", r.d.Source.Path, err))
		return srcErr
	}
	defer rc.Close()

	pr := &progressReader{ctx: wctx, r: rc, wd: wd, total: size, report: func(int64, int64) {}}
	_, cerr := io.Copy(f, pr)
	switch {
	case wd.fired():
		srcErr = context.Cause(wctx)
		return srcErr
	case pr.err != nil:
		srcErr = client.Classify("read", r.d.Source.Path, pr.err)
		return srcErr
	case cerr != nil:
		return client.Classify("stage", r.d.Source.Path, cerr)
	}
	return nil
}

// acquirePair acquires a source and a destination session. Sessions are
// taken in resource order, and a pair on one handle is taken under a lock,
// so concurrent transfers cannot each hold half of what they need.
func (r *run) acquirePair(ctx context.Context) (src, dst *pool.Session, err error) {
	p := r.engine.pool
	if r.src.ID == r.dst.ID {
		key := "\x01pair\x00" + r.src.ID
		if err := r.engine.locks.Lock(ctx, key); err != nil {
			return nil, nil, client.Classify("acquire", r.src.ID, err)
		}
		defer r.engine.locks.Unlock(key)
	}

	first, second := r.src.ID, r.dst.ID
	if second < first {
		first, second = second, first
	}
	a, err := p.Acquire(ctx, first)
	if err != nil {
		return nil, nil, err
	}
	b, err := p.Acquire(ctx, second)
	if err != nil {
		p.Release(a, nil)
		return nil, nil, err
	}
	if first == r.src.ID {
		return a, b, nil
	}
	return b, a, nil
}

func (r *run) promote(ctx context.Context, c client.Client, tmp string) error {
	if err := r.replaceDest(ctx, c); err != nil {
		return err
	}
	return client.Move(ctx, c, tmp, r.res.Dest.Path)
}

func verify(ctx context.Context, c client.Client, tmp string, size int64) error {
	info, err := c.GetFileInfo(ctx, tmp)
	if err != nil {
		return err
	}
	if info.Size != size {
		return client.NewError(client.KindProtocol, "verify", tmp, fmt.Errorf("destination holds %d bytes, expected %d", info.Size, size))
	}
	return nil
}

// removeTemp deletes a staged temp file on a fresh session.
func (r *run) removeTemp(ctx context.Context, tmp string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.engine.timeouts.Write)
	defer cancel()
	err := r.engine.pool.With(ctx, r.dst.ID, func(ctx context.Context, c client.Client) error {
		if err := c.DeleteFile(ctx, tmp); err != nil && !errors.Is(err, client.ErrNotFound) {
			return err
		}
		return nil
	})
	if err != nil {
		r.log.WithField("tmp", tmp).WithError(err).Error("failed to remove partial file")
	}
}

func (r *run) report(transferred, total int64) {
	if r.engine.progress != nil {
		r.engine.progress(r.d, transferred, total)
	}
}

// progressReader feeds the watchdog and the progress callback.
type progressReader struct {
	ctx    context.Context
	r      io.Reader
	wd     *watchdog
	n      int64
	total  int64
	err    error
	report func(transferred, total int64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	if p.ctx.Err() != nil {
		return 0, context.Cause(p.ctx)
	}
	p.wd.phase(true)
	n, err := p.r.Read(b)
	p.wd.phase(false)
	if n > 0 {
		p.n += int64(n)
		p.report(p.n, p.total)
	}
	if err != nil && err != io.EOF {
		p.err = err
	}
	return n, err
}

// watchdog cancels a transfer that makes no progress: the source gets the
// read timeout per read, the destination the write timeout between reads.
type watchdog struct {
	cancel  context.CancelCauseFunc
	timer   *time.Timer
	read    time.Duration
	write   time.Duration
	path    string
	reading atomic.Bool
	state   atomic.Int32
}

const (
	watchdogArmed int32 = iota
	watchdogFiredReading
	watchdogFiredWriting
	watchdogStopped
)

func newWatchdog(ctx context.Context, p string, read, write time.Duration) (context.Context, *watchdog) {
	wctx, cancel := context.WithCancelCause(ctx)
	w := &watchdog{cancel: cancel, read: read, write: write, path: p}
	w.reading.Store(true)
	w.timer = time.AfterFunc(read, w.fire)
	return wctx, w
}

func (w *watchdog) fire() {
	reading := w.reading.Load()
	op, d, state := "write", w.write, watchdogFiredWriting
	if reading {
		op, d, state = "read", w.read, watchdogFiredReading
	}
	if !w.state.CompareAndSwap(watchdogArmed, state) {
		return
	}
	w.cancel(client.NewError(client.KindTimeout, op, w.path, fmt.Errorf("no progress for %s", d)))
}

func (w *watchdog) phase(reading bool) {
	if w.state.Load() != watchdogArmed {
		return
	}
	w.reading.Store(reading)
	if reading {
		w.timer.Reset(w.read)
	} else {
		w.timer.Reset(w.write)
	}
}

func (w *watchdog) fired() bool {
	s := w.state.Load()
	return s == watchdogFiredReading || s == watchdogFiredWriting
}

func (w *watchdog) firedReading() bool {
	return w.state.Load() == watchdogFiredReading
}

// explain returns the stall cause in place of the cancellation it caused.
func (w *watchdog) explain(err error) error {
	if w.fired() {
		return client.NewError(client.KindTimeout, "read", w.path, err)
	}
	return err
}

func (w *watchdog) stop() {
	w.state.CompareAndSwap(watchdogArmed, watchdogStopped)
	w.timer.Stop()
	w.cancel(nil)
}

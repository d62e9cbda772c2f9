package throttle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"digital.vasic.fileops/pkg/client"
	"digital.vasic.fileops/pkg/config"
)

func submitAsync(c *Controller, ctx context.Context, req Request) <-chan error {
	ch := make(chan error, 1)
	go func() {
		t, err := c.Submit(ctx, req)
		if err == nil {
			defer t.Release()
		}
		ch <- err
	}()
	return ch
}

func waitActive(t *testing.T, c *Controller, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return c.Active() == n }, time.Second, time.Millisecond)
}

func TestController_GlobalBudget(t *testing.T) {
	c := New(config.ThrottleConfig{Global: 2})
	ctx := context.Background()

	a, err := c.Submit(ctx, Request{Protocol: "smb"})
	require.NoError(t, err)
	b, err := c.Submit(ctx, Request{Protocol: "sftp"})
	require.NoError(t, err)

	tctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = c.Submit(tctx, Request{Protocol: "ftp"})
	assert.True(t, errors.Is(err, client.ErrTimeout))

	a.Release()
	a.Release()
	third, err := c.Submit(ctx, Request{})
	require.NoError(t, err)
	third.Release()
	b.Release()
	assert.Equal(t, 0, c.Active())
}

func TestController_PerProtocolBudget(t *testing.T) {
	c := New(config.ThrottleConfig{Global: 8, PerProtocol: map[string]int{"ftp": 1}})
	ctx := context.Background()

	ftp, err := c.Submit(ctx, Request{Protocol: "ftp"})
	require.NoError(t, err)

	done := submitAsync(c, ctx, Request{Protocol: "ftp"})
	select {
	case <-done:
		t.Fatal("second ftp request should wait")
	case <-time.After(20 * time.Millisecond):
	}

	smb, err := c.Submit(ctx, Request{Protocol: "smb"})
	require.NoError(t, err)
	smb.Release()

	ftp.Release()
	assert.NoError(t, <-done)
}

func TestController_CancelWaiting(t *testing.T) {
	c := New(config.ThrottleConfig{Global: 1})
	ctx := context.Background()

	held, err := c.Submit(ctx, Request{})
	require.NoError(t, err)

	done := submitAsync(c, ctx, Request{Token: "op-2"})
	waitActive(t, c, 2)

	assert.True(t, c.Cancel("op-2"))
	err = <-done
	assert.True(t, errors.Is(err, client.ErrCancelled))
	assert.False(t, c.Cancel("op-2"))

	held.Release()
	assert.Equal(t, 0, c.Active())
}

func TestController_CancelGranted(t *testing.T) {
	c := New(config.ThrottleConfig{Global: 1})
	ctx := context.Background()

	ticket, err := c.Submit(ctx, Request{Token: "op-1"})
	require.NoError(t, err)
	assert.Equal(t, "op-1", ticket.ID())

	assert.True(t, c.Cancel("op-1"))
	assert.Error(t, ticket.Context().Err())

	next, err := c.Submit(ctx, Request{})
	require.NoError(t, err)
	next.Release()
}

func TestController_DuplicateToken(t *testing.T) {
	c := New(config.ThrottleConfig{Global: 2})
	ticket, err := c.Submit(context.Background(), Request{Token: "x"})
	require.NoError(t, err)
	defer ticket.Release()

	_, err = c.Submit(context.Background(), Request{Token: "x"})
	assert.True(t, errors.Is(err, client.ErrInvalid))
}

func TestController_PowerSaving(t *testing.T) {
	env := &StaticEnvironment{}
	c := New(config.ThrottleConfig{Global: 2}, WithEnvironment(env))
	ctx := context.Background()

	env.SetPowerSaving(true)
	_, err := c.Submit(ctx, Request{Priority: Background})
	assert.True(t, errors.Is(err, client.ErrThrottled))

	ticket, err := c.Submit(ctx, Request{Priority: Interactive})
	require.NoError(t, err)
	ticket.Release()

	env.SetPowerSaving(false)
	ticket, err = c.Submit(ctx, Request{Priority: Background})
	require.NoError(t, err)
	ticket.Release()
}

func TestController_PowerSavingWhileWaiting(t *testing.T) {
	env := &StaticEnvironment{}
	c := New(config.ThrottleConfig{Global: 1}, WithEnvironment(env))
	ctx := context.Background()

	held, err := c.Submit(ctx, Request{})
	require.NoError(t, err)

	done := submitAsync(c, ctx, Request{Priority: Background})
	waitActive(t, c, 2)
	env.SetPowerSaving(true)
	held.Release()

	assert.True(t, errors.Is(<-done, client.ErrThrottled))
	assert.Equal(t, 0, c.Active())
}

func TestController_MeteredPacing(t *testing.T) {
	env := &StaticEnvironment{}
	c := New(config.ThrottleConfig{Global: 4, MeteredOpsPerSecond: 20}, WithEnvironment(env))
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		ticket, err := c.Submit(ctx, Request{})
		require.NoError(t, err)
		ticket.Release()
	}
	assert.Less(t, time.Since(start), 40*time.Millisecond)

	env.SetMetered(true)
	start = time.Now()
	for i := 0; i < 3; i++ {
		ticket, err := c.Submit(ctx, Request{})
		require.NoError(t, err)
		ticket.Release()
	}
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestStaticEnvironment(t *testing.T) {
	env := &StaticEnvironment{}
	assert.True(t, env.Online("nas"))
	env.SetOnline("nas", false)
	assert.False(t, env.Online("nas"))
	assert.True(t, env.Online("cloud"))
	env.SetOnline("nas", true)
	assert.True(t, env.Online("nas"))

	c := New(config.ThrottleConfig{}, WithEnvironment(env))
	env.SetOnline("cloud", false)
	assert.False(t, c.Online("cloud"))
}

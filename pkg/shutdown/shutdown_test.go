package shutdown

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestShutdownRunsInReverseOrder(t *testing.T) {
	m := New(time.Second, nil)
	var order []string
	for _, name := range []string{"store", "manager", "http"} {
		name := name
		m.Register(name, func(ctx context.Context) error {
			order = append(order, name)
			return nil
		})
	}
	assert.Equal(t, 0, m.Shutdown())
	assert.Equal(t, []string{"http", "manager", "store"}, order)

	select {
	case <-m.Done():
	default:
		t.Fatal("Done not closed")
	}
}

func TestShutdownContinuesAfterFailure(t *testing.T) {
	m := New(time.Second, nil)
	ran := false
	m.Register("first", func(ctx context.Context) error { ran = true; return nil })
	m.Register("broken", func(ctx context.Context) error { return errors.New("nope") })
	assert.Equal(t, 1, m.Shutdown())
	assert.True(t, ran)
}

func TestWaitReturnsOnTrigger(t *testing.T) {
	m := New(time.Second, nil)
	called := make(chan struct{})
	m.Register("x", func(ctx context.Context) error { close(called); return nil })

	go m.Trigger()
	assert.NoError(t, m.WaitWithContext(context.Background()))
	<-called
}

type closer struct{ err error }

func (c closer) Close() error { return c.err }

func TestCloseResource(t *testing.T) {
	assert.NoError(t, CloseResource(closer{}, "db")(context.Background()))
	assert.ErrorContains(t, CloseResource(closer{err: errors.New("x")}, "db")(context.Background()), "failed to close db")
}

package events

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"testing"

	"github.com/luxfi/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	subjects []string
	payloads [][]byte
	err      error
}

func (c *fakeConn) Publish(subj string, data []byte) error {
	if c.err != nil {
		return c.err
	}
	c.subjects = append(c.subjects, subj)
	c.payloads = append(c.payloads, data)
	return nil
}

func TestNew(t *testing.T) {
	a := New(Deposit, "eth-call")
	b := New(Deposit, "eth-call")
	assert.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID)
	assert.False(t, a.Time.IsZero())
}

func TestNATSPublisher(t *testing.T) {
	conn := &fakeConn{}
	p := NewNATSPublisher(conn, "")

	ev := New(Deposit, "eth-call")
	ev.Account = "alice"
	ev.Amount = big.NewInt(100)
	require.NoError(t, p.Publish(context.Background(), ev))

	require.Len(t, conn.subjects, 1)
	assert.Equal(t, "vaults.eth-call.deposit", conn.subjects[0])

	var decoded Event
	require.NoError(t, json.Unmarshal(conn.payloads[0], &decoded))
	assert.Equal(t, ev.ID, decoded.ID)
	assert.Equal(t, big.NewInt(100), decoded.Amount)

	conn.err = errors.New("connection closed")
	assert.Error(t, p.Publish(context.Background(), ev))
}

func TestFanoutContinuesPastFailingSink(t *testing.T) {
	level, _ := log.ToLevel("debug")
	rec := NewRecorder()
	failing := PublisherFunc(func(context.Context, Event) error { return errors.New("down") })

	f := NewFanout(log.NewTestLogger(level), failing, rec)
	require.NoError(t, f.Publish(context.Background(), New(Withdraw, "v")))

	other := NewRecorder()
	f.Add(other)
	require.NoError(t, f.Publish(context.Background(), New(Redeem, "v")))

	assert.Len(t, rec.Events(), 2)
	assert.Len(t, other.Events(), 1)
	assert.Len(t, rec.OfType(Redeem), 1)

	rec.Reset()
	assert.Empty(t, rec.Events())
}

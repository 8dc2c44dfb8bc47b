package feed

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/market-sim/internal/model"
)

type recorder struct {
	got []Event
	err error
}

func (r *recorder) Publish(_ context.Context, events ...Event) error {
	r.got = append(r.got, events...)
	return r.err
}

func TestMultiFansOutAndJoinsErrors(t *testing.T) {
	ok := &recorder{}
	bad := &recorder{err: errors.New("broker down")}
	m := Multi{ok, bad, Nop{}}

	err := m.Publish(context.Background(), Event{Kind: KindTick}, Event{Kind: KindFunding})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker down")
	assert.Len(t, ok.got, 2)
	assert.Len(t, bad.got, 2)
}

func TestEncodeKeysByAsset(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	msgs, err := encode([]Event{{Kind: KindLiquidation, Asset: model.DOGE, UserID: "u1", At: at, Data: map[string]string{"x": "y"}}})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, []byte("DOGE"), msgs[0].Key)
	assert.Equal(t, at, msgs[0].Time)

	var back map[string]any
	require.NoError(t, json.Unmarshal(msgs[0].Value, &back))
	assert.Equal(t, "liquidation", back["kind"])
	assert.Equal(t, "u1", back["user_id"])
}

func TestEncodeRejectsUnmarshalableData(t *testing.T) {
	_, err := encode([]Event{{Kind: KindTick, Data: make(chan int)}})
	assert.Error(t, err)
}

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/IvanBrykalov/txcache/object"
)

func TestErrorIsByKind(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("commit: %w", Errorf(KindLockTimeout, "Account/1 held").WithTx("tx1").WithNode("n0"))
	require.True(t, errors.Is(err, ErrLockTimeout))
	require.False(t, errors.Is(err, ErrNotFound))
	require.Equal(t, KindLockTimeout, KindOf(err))
	require.Equal(t, KindInternal, KindOf(errors.New("boom")))
	require.Equal(t, ErrorKind(""), KindOf(nil))

	var pe *Error
	require.True(t, errors.As(err, &pe))
	require.True(t, pe.IsTransaction())
	require.Equal(t, "tx1", pe.TxID)
	require.Contains(t, pe.Error(), "on n0")
}

func TestWrapKeepsCause(t *testing.T) {
	t.Parallel()
	cause := errors.New("connection refused")
	err := Wrap(KindNodeUnavailable, cause)
	require.ErrorIs(t, err, cause)
	require.ErrorIs(t, err, ErrNodeUnavailable)
	require.False(t, err.IsTransaction())
	require.True(t, err.WithTx("tx").IsTransaction())
}

func TestAbortPriority(t *testing.T) {
	t.Parallel()
	require.True(t, MoreSevere(KindConditionNotSatisfied, KindLockTimeout))
	require.True(t, MoreSevere(KindLockTimeout, KindNodeUnavailable))
	require.False(t, MoreSevere(KindNodeUnavailable, KindLockTimeout))
}

func TestPrepareRequestWireForm(t *testing.T) {
	t.Parallel()

	req := PrepareRequest{
		TxID: "tx1",
		Operations: []Operation{{
			Kind:      OpUpdateIf,
			Target:    object.ObjectID{Type: "Account", Key: object.IntValue(1)},
			Object:    &object.CachedObject{Type: "Account", PrimaryKey: object.IntValue(1), Payload: []byte(`{}`)},
			Predicate: "Balance >= 10",
		}},
	}
	raw, err := json.Marshal(req)
	require.NoError(t, err)
	require.Contains(t, string(raw), `"kind":"update_if"`)

	var back PrepareRequest
	require.NoError(t, json.Unmarshal(raw, &back))
	require.Equal(t, req, back)

	raw, err = json.Marshal(PrepareResponse{Vote: VoteAbort, Reason: KindConditionNotSatisfied})
	require.NoError(t, err)
	var resp PrepareResponse
	require.NoError(t, json.Unmarshal(raw, &resp))
	require.False(t, resp.Ready())
	require.Equal(t, KindConditionNotSatisfied, resp.Reason)

	require.Error(t, json.Unmarshal([]byte(`{"kind":"bogus"}`), &Operation{}))
}

package brokkr

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/brokkr-mq/brokkr/protocol"
)

func TestJSONValidator(t *testing.T) {
	v := &JSONValidator{RequiredFields: []string{"id", "kind"}}

	require.NoError(t, v.Validate("events", nil, []byte(`{"id":1,"kind":"click","extra":true}`)))

	require.Error(t, v.Validate("events", nil, nil))
	require.Error(t, v.Validate("events", nil, []byte(`not json`)))
	require.Error(t, v.Validate("events", nil, []byte(`"scalar"`)))
	require.Error(t, v.Validate("events", nil, []byte(`[1,2,3]`)))

	err := v.Validate("events", nil, []byte(`{"id":1}`))
	require.Error(t, err)
	require.Contains(t, err.Error(), "kind")

	// With no required fields any object passes.
	open := &JSONValidator{}
	require.NoError(t, open.Validate("events", nil, []byte(`{}`)))
	require.Error(t, open.Validate("events", nil, []byte(`7`)))
}

func TestPartitionLogSchemaValidation(t *testing.T) {
	l, _ := testPartitionLog(t, PartitionConfig{
		Validator: &JSONValidator{RequiredFields: []string{"id"}},
	})
	defer l.Close()
	ctx := context.Background()

	base, perr := l.Append(ctx, newTestBatch(t, -1, -1, -1, `{"id":1}`, `{"id":2}`))
	require.Equal(t, protocol.ErrNone, perr)
	require.Equal(t, int64(0), base)

	// One bad record rejects the whole batch.
	_, perr = l.Append(ctx, newTestBatch(t, -1, -1, -1, `{"id":3}`, `{"name":"no id"}`))
	require.Equal(t, protocol.ErrPolicyViolation.Code(), perr.Code())

	_, perr = l.Append(ctx, newTestBatch(t, -1, -1, -1, "plain text"))
	require.Equal(t, protocol.ErrPolicyViolation.Code(), perr.Code())

	require.Equal(t, int64(2), l.NewestOffset())
}

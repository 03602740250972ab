package telemetry

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOperationAttributesOmitEmptyResult(t *testing.T) {
	attrs := OperationAttributes("pull", "")
	require.Len(t, attrs, 2)
	require.Equal(t, AttrOperation, attrs[1].Key)

	attrs = OperationAttributes("pull", "timeout")
	require.Len(t, attrs, 3)
	require.Equal(t, "timeout", attrs[2].Value.AsString())
}

func TestPolicyName(t *testing.T) {
	require.Equal(t, "drop", PolicyName(true))
	require.Equal(t, "block", PolicyName(false))
}

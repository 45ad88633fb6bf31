package otel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseHeaders(t *testing.T) {
	headers := ParseHeaders(" authorization=Bearer abc , x-tenant=eco,broken,=novalue,")
	require.Equal(t, map[string]string{
		"authorization": "Bearer abc",
		"x-tenant":      "eco",
	}, headers)
}

func TestInitRequiresServiceName(t *testing.T) {
	_, err := Init(context.Background(), Config{})
	require.Error(t, err)
}

func TestInitWithoutExportersIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{ServiceName: "ecotipd"})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}

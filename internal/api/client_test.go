package api

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cochaviz/slicenet/internal/models"
)

func TestClientAgainstServer(t *testing.T) {
	h := newHarness(t)
	seedSlice(t, h.store)
	ctx := context.Background()
	_, err := h.store.RecordOperation(ctx, models.Operation{
		Kind: "place-vms", SliceID: "7", Status: models.OperationSucceeded,
		StartedAt: time.Now().UTC(), FinishedAt: time.Now().UTC(),
	})
	require.NoError(t, err)

	server := httptest.NewServer(h.handler)
	t.Cleanup(server.Close)
	client := NewClient(server.URL + "/")

	slices, err := client.ListSlices(ctx)
	require.NoError(t, err)
	require.Len(t, slices, 1)

	slice, err := client.GetSlice(ctx, "7")
	require.NoError(t, err)
	assert.Len(t, slice.VMs, 1)

	_, err = client.GetSlice(ctx, "42")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = client.GetSlice(ctx, "abc")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid slice id")

	status, err := client.Status(ctx, "7", "br-cloud")
	require.NoError(t, err)
	assert.Equal(t, []string{"id7-ns100"}, status.Live.Namespaces)
	assert.Equal(t, "br-cloud", h.live.statusSwitch)

	ops, err := client.Operations(ctx, "7", 10)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, "place-vms", ops[0].Kind)

	workers, err := client.Workers(ctx)
	require.NoError(t, err)
	assert.Len(t, workers, 2)

	_, err = client.Topology(ctx, "7")
	assert.ErrorIs(t, err, ErrNotFound)
}

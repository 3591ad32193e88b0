package cloud

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDummyVMLifecycle(t *testing.T) {
	d := NewDummy()
	ctx := context.Background()

	scCID, err := d.CreateStemcell(ctx, "/tmp/image.tgz", nil)
	require.NoError(t, err)

	vmCID, err := d.CreateVM(ctx, "agent-1", scCID, ResourcePoolSpec{Name: "web"}, nil, nil)
	require.NoError(t, err)
	require.NotEmpty(t, vmCID)

	diskCID, err := d.CreateDisk(ctx, 1024, vmCID)
	require.NoError(t, err)

	disks, err := d.GetDisks(ctx, vmCID)
	require.NoError(t, err)
	assert.Contains(t, disks, diskCID)

	require.NoError(t, d.DetachDisk(ctx, vmCID, diskCID))
	disks, err = d.GetDisks(ctx, vmCID)
	require.NoError(t, err)
	assert.Empty(t, disks)

	require.NoError(t, d.AttachDisk(ctx, vmCID, diskCID))
	require.NoError(t, d.DeleteVM(ctx, vmCID))
	require.NoError(t, d.DeleteDisk(ctx, diskCID))
	require.NoError(t, d.DeleteStemcell(ctx, scCID))
}

func TestDummyCreateVMUnknownStemcell(t *testing.T) {
	d := NewDummy()
	_, err := d.CreateVM(context.Background(), "agent-1", "sc-missing", ResourcePoolSpec{}, nil, nil)
	assert.Error(t, err)
}

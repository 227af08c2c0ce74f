package quota

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaybuild/rexec/internal/config"
)

func TestManager_AdmitExecute_RejectsOverBurst(t *testing.T) {
	m := NewManager([]config.TenantQuota{{ID: "acme", ExecuteRPS: 1, ExecuteBurst: 2}})

	require.NoError(t, m.AdmitExecute("acme"))
	require.NoError(t, m.AdmitExecute("acme"))
	assert.Error(t, m.AdmitExecute("acme"))
}

func TestManager_AdmitExecute_UnlimitedWhenNoRPSConfigured(t *testing.T) {
	m := NewManager([]config.TenantQuota{{ID: "acme"}})
	for i := 0; i < 100; i++ {
		require.NoError(t, m.AdmitExecute("acme"))
	}
}

func TestManager_TryAcquireSlot_RespectsConcurrencyCap(t *testing.T) {
	m := NewManager([]config.TenantQuota{{ID: "acme", MaxConcurrent: 2}})

	assert.True(t, m.TryAcquireSlot("acme"))
	assert.True(t, m.TryAcquireSlot("acme"))
	assert.False(t, m.TryAcquireSlot("acme"))

	m.ReleaseSlot("acme")
	assert.True(t, m.TryAcquireSlot("acme"))
}

func TestManager_QueueDepthAllowed(t *testing.T) {
	m := NewManager([]config.TenantQuota{{ID: "acme", MaxQueueDepth: 3}})
	assert.True(t, m.QueueDepthAllowed("acme", 2))
	assert.False(t, m.QueueDepthAllowed("acme", 3))
}

func TestManager_Active(t *testing.T) {
	m := NewManager([]config.TenantQuota{{ID: "acme"}})
	assert.True(t, m.Active("acme"))
	assert.False(t, m.Active("unknown"))
}

package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildHealthStatusReportsProcessStats(t *testing.T) {
	status := BuildHealthStatus()

	assert.Equal(t, "healthy", status.Status)
	assert.Equal(t, serviceName, status.Service)
	assert.Equal(t, serviceVersion, status.Version)

	_, err := time.Parse(time.RFC3339, status.Timestamp)
	require.NoError(t, err)

	assert.GreaterOrEqual(t, status.ProcessCPUPct, 0.0)
	assert.GreaterOrEqual(t, status.SystemMemoryPct, 0.0)
}

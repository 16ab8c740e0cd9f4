package pod

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validResources() Resources {
	return Resources{CPUCores: 2, MemoryMB: 2048, DiskGB: 20}
}

func TestNewPod_Success(t *testing.T) {
	tests := []struct {
		name     string
		hostname string
	}{
		{"simple hostname", "web-1"},
		{"dotted hostname", "web-1.tenant.internal"},
		{"single label", "a"},
		{"digits only", "42"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p, err := New(7, tc.hostname, "node-1", 9000, validResources())
			require.NoError(t, err)
			assert.Equal(t, int64(7), p.TenantID)
			assert.Equal(t, tc.hostname, p.Hostname)
			assert.Equal(t, "node-1", p.NodeName)
			assert.Equal(t, int64(9000), p.TemplateID)
			assert.Equal(t, StatusPending, p.Status)
			assert.Nil(t, p.IPAddress)
			assert.Nil(t, p.ExternalID)
			assert.False(t, p.CreatedAt.IsZero())
		})
	}
}

func TestNewPod_InvalidHostname(t *testing.T) {
	tests := []struct {
		name     string
		hostname string
	}{
		{"empty", ""},
		{"uppercase", "Web-1"},
		{"leading hyphen", "-web"},
		{"trailing hyphen", "web-"},
		{"underscore", "web_1"},
		{"empty label", "web..internal"},
		{"long label", "a-label-that-keeps-going-and-going-and-going-well-past-sixty-three-chars"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p, err := New(7, tc.hostname, "node-1", 9000, validResources())
			assert.ErrorIs(t, err, ErrInvalidHostname)
			assert.Nil(t, p)
		})
	}
}

func TestNewPod_InvalidResources(t *testing.T) {
	tests := []struct {
		name string
		res  Resources
	}{
		{"zero cpu", Resources{CPUCores: 0, MemoryMB: 1024, DiskGB: 10}},
		{"negative memory", Resources{CPUCores: 1, MemoryMB: -1, DiskGB: 10}},
		{"zero disk", Resources{CPUCores: 1, MemoryMB: 1024, DiskGB: 0}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p, err := New(7, "web-1", "node-1", 9000, tc.res)
			assert.ErrorIs(t, err, ErrInvalidResources)
			assert.Nil(t, p)
		})
	}
}

func TestTransitionTo(t *testing.T) {
	tests := []struct {
		name    string
		from    Status
		to      Status
		wantErr bool
	}{
		{"pending to provisioning", StatusPending, StatusProvisioning, false},
		{"pending to deleting", StatusPending, StatusDeleting, false},
		{"provisioning to active", StatusProvisioning, StatusActive, false},
		{"active to scaling", StatusActive, StatusScaling, false},
		{"active to deleting", StatusActive, StatusDeleting, false},
		{"scaling to active", StatusScaling, StatusActive, false},
		{"deleting to deleted", StatusDeleting, StatusDeleted, false},
		{"error to deleting", StatusError, StatusDeleting, false},
		{"pending to active skips provisioning", StatusPending, StatusActive, true},
		{"active to provisioning", StatusActive, StatusProvisioning, true},
		{"scaling to deleting", StatusScaling, StatusDeleting, true},
		{"deleted to anything", StatusDeleted, StatusDeleting, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := &Pod{Status: tc.from}
			err := p.TransitionTo(tc.to)
			if tc.wantErr {
				assert.ErrorIs(t, err, ErrInvalidTransition)
				assert.Equal(t, tc.from, p.Status)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.to, p.Status)
		})
	}
}

func TestMarkError(t *testing.T) {
	for _, from := range []Status{StatusPending, StatusProvisioning, StatusActive, StatusScaling, StatusDeleting, StatusError} {
		t.Run(string(from), func(t *testing.T) {
			p := &Pod{Status: from}
			require.NoError(t, p.MarkError())
			assert.Equal(t, StatusError, p.Status)
		})
	}

	t.Run("deleted is terminal", func(t *testing.T) {
		p := &Pod{Status: StatusDeleted}
		assert.ErrorIs(t, p.MarkError(), ErrInvalidTransition)
	})
}

func TestCountsAgainstQuota(t *testing.T) {
	counted := map[Status]bool{
		StatusPending:      true,
		StatusProvisioning: true,
		StatusActive:       true,
		StatusScaling:      true,
		StatusDeleting:     false,
		StatusDeleted:      false,
		StatusError:        false,
	}
	for status, want := range counted {
		assert.Equal(t, want, status.CountsAgainstQuota(), "status %s", status)
	}
}

func TestAssignAndClearIP(t *testing.T) {
	p, err := New(7, "web-1", "node-1", 9000, validResources())
	require.NoError(t, err)

	addr := netip.MustParseAddr("10.10.0.5")
	p.AssignIP(addr)
	require.NotNil(t, p.IPAddress)
	assert.Equal(t, addr, *p.IPAddress)

	p.ClearIP()
	assert.Nil(t, p.IPAddress)
}

func TestToReadModel(t *testing.T) {
	p, err := New(7, "web-1", "node-1", 9000, validResources())
	require.NoError(t, err)
	p.ID = 42
	addr := netip.MustParseAddr("10.10.0.5")
	p.AssignIP(addr)

	rm := p.ToReadModel()
	assert.Equal(t, int64(42), rm.ID)
	assert.Equal(t, int64(7), rm.TenantID)
	assert.Equal(t, "web-1", rm.Hostname)
	assert.Equal(t, "pending", rm.Status)
	require.NotNil(t, rm.IPAddress)
	assert.Equal(t, "10.10.0.5", *rm.IPAddress)
	assert.Equal(t, 2, rm.CPUCores)
	assert.Equal(t, 2048, rm.MemoryMB)
	assert.Equal(t, 20, rm.DiskGB)
}

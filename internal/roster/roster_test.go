package roster

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/oracle-feed-engine/internal/model"
)

func TestRegister_Duplicate(t *testing.T) {
	r := New()

	rec, err := r.Register("p1", "https://feed.example.com")
	require.NoError(t, err)
	assert.Equal(t, uint32(model.MaxReputation), rec.Reputation, "new providers start at maximum reputation")
	assert.Equal(t, 0, rec.Index)

	_, err = r.Register("p1", "https://other.example.com")
	assert.ErrorIs(t, err, ErrDuplicateProvider, "re-registering an active provider should fail")
	assert.Equal(t, 1, r.ActiveCount())
}

func TestDeregister_SoftDelete(t *testing.T) {
	r := New()
	_, err := r.Register("p1", "e1")
	require.NoError(t, err)

	require.NoError(t, r.Deregister("p1", "misbehavior"))
	assert.Equal(t, 0, r.ActiveCount())
	assert.False(t, r.IsActive("p1"))

	// The record survives for audit.
	rec, ok := r.Get("p1")
	require.True(t, ok, "deregistration should not erase the record")
	assert.False(t, rec.Active)

	assert.ErrorIs(t, r.Deregister("p1", "again"), ErrNotActive, "double deregistration should fail")
	assert.ErrorIs(t, r.Deregister("ghost", "never existed"), ErrNotActive)
}

func TestRegister_ReactivationKeepsIndex(t *testing.T) {
	r := New()
	_, err := r.Register("p1", "e1")
	require.NoError(t, err)
	_, err = r.Register("p2", "e2")
	require.NoError(t, err)

	require.NoError(t, r.RecordFailure("p1"))
	require.NoError(t, r.Deregister("p1", "rotation"))

	rec, err := r.Register("p1", "e1-new")
	require.NoError(t, err)
	assert.Equal(t, 0, rec.Index, "reactivation must keep the original index")
	assert.Equal(t, uint32(model.MaxReputation), rec.Reputation, "reactivation restores reputation")
	assert.Equal(t, uint64(1), rec.FailedUpdates, "historical counters are retained")
	assert.Equal(t, 2, r.Size())
}

func TestRecordSuccess_CapsReputation(t *testing.T) {
	r := New()
	_, err := r.Register("p1", "e1")
	require.NoError(t, err)

	now := time.Now()
	require.NoError(t, r.RecordSuccess("p1", now))

	rec, _ := r.Get("p1")
	assert.Equal(t, uint32(model.MaxReputation), rec.Reputation, "reward never exceeds the cap")
	assert.Equal(t, uint64(1), rec.TotalUpdates)
	assert.Equal(t, now, rec.LastUpdate)

	assert.ErrorIs(t, r.RecordSuccess("ghost", now), ErrUnknownProvider)
}

func TestRecordFailure_FloorsAtZero(t *testing.T) {
	r := New()
	_, err := r.Register("p1", "e1")
	require.NoError(t, err)

	for i := 0; i < 12; i++ {
		require.NoError(t, r.RecordFailure("p1"))
	}

	rec, _ := r.Get("p1")
	assert.Equal(t, uint32(0), rec.Reputation, "reputation floors at zero")
	assert.Equal(t, uint64(12), rec.FailedUpdates)
}

func TestListActive(t *testing.T) {
	r := New()
	for _, id := range []string{"p1", "p2", "p3"} {
		_, err := r.Register(id, "endpoint-"+id)
		require.NoError(t, err)
	}
	require.NoError(t, r.Deregister("p2", "rotation"))

	active := r.ListActive()
	require.Len(t, active, 2)
	assert.Equal(t, "p1", active[0].ID)
	assert.Equal(t, "p3", active[1].ID)
}

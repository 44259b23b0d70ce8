package presence

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabhub/pkg/types"
)

func TestTracker_JoinLeave(t *testing.T) {
	tr := NewTracker()

	user, replaced := tr.Join(types.Identity{UserID: "u1", DisplayName: "Ada"})
	assert.False(t, replaced)
	assert.Equal(t, types.ActivityIdle, user.CurrentActivity)
	assert.False(t, user.ConnectedAt.IsZero())
	assert.Equal(t, 1, tr.Count())

	assert.True(t, tr.Leave("u1"))
	assert.False(t, tr.Leave("u1"))
	assert.Equal(t, 0, tr.Count())
}

func TestTracker_ReconnectReplacesEntry(t *testing.T) {
	tr := NewTracker()
	tr.Join(types.Identity{UserID: "u1", DisplayName: "Ada"})
	_, err := tr.SetActivity("u1", types.ActivityEditingEvent)
	require.NoError(t, err)

	user, replaced := tr.Join(types.Identity{UserID: "u1", DisplayName: "Ada L."})
	assert.True(t, replaced)
	assert.Equal(t, "Ada L.", user.DisplayName)

	snapshot := tr.Snapshot()
	require.Len(t, snapshot, 1)
	assert.Equal(t, "Ada L.", snapshot[0].DisplayName)
}

func TestTracker_SetActivity(t *testing.T) {
	tr := NewTracker()
	tr.Join(types.Identity{UserID: "u1", DisplayName: "Ada"})

	user, err := tr.SetActivity("u1", types.ActivityReviewingEvidence)
	require.NoError(t, err)
	assert.Equal(t, types.ActivityReviewingEvidence, user.CurrentActivity)

	_, err = tr.SetActivity("u1", "daydreaming")
	assert.Equal(t, types.ErrInvalidActivity, err)
	got, _ := tr.Get("u1")
	assert.Equal(t, types.ActivityReviewingEvidence, got.CurrentActivity, "rejected tag must not mutate state")

	_, err = tr.SetActivity("ghost", types.ActivityIdle)
	assert.Equal(t, ErrUnknownUser, err)
}

func TestTracker_UniquenessUnderRapidReconnects(t *testing.T) {
	tr := NewTracker()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("u%d", i%5)
			tr.Join(types.Identity{UserID: id, DisplayName: id})
			if i%3 == 0 {
				tr.Leave(id)
			}
			tr.Join(types.Identity{UserID: id, DisplayName: id})
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool)
	for _, user := range tr.Snapshot() {
		assert.False(t, seen[user.UserID], "duplicate entry for %s", user.UserID)
		seen[user.UserID] = true
	}
	assert.Len(t, seen, 5)
}

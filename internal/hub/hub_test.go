package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bus-tracker/internal/fleet"
)

type fakeSub struct {
	id   string
	fail bool

	mu  sync.Mutex
	got []fleet.Snapshot
}

func newSub(id string) *fakeSub { return &fakeSub{id: id} }

func (s *fakeSub) ID() string { return s.id }

func (s *fakeSub) Send(snap fleet.Snapshot) error {
	if s.fail {
		return errors.New("connection closed")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, snap)
	return nil
}

func (s *fakeSub) received() []fleet.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]fleet.Snapshot(nil), s.got...)
}

type fakeSeeder struct {
	snaps map[string]*fleet.Snapshot
	err   error
}

func (f *fakeSeeder) CurrentSnapshot(_ context.Context, room string) (*fleet.Snapshot, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.snaps[room], nil
}

func snap(vehicle string, seq int) fleet.Snapshot {
	return fleet.Snapshot{
		VehicleID: vehicle,
		Speed:     float64(seq),
		Status:    fleet.StatusActive,
		Timestamp: time.Unix(int64(1700000000+seq), 0).UTC(),
	}
}

func TestPublishDeliversToRoomMembersOnly(t *testing.T) {
	h := New()
	ctx := context.Background()
	a, b, c := newSub("a"), newSub("b"), newSub("c")
	h.Join(ctx, a, "V7")
	h.Join(ctx, b, "V7")
	h.Join(ctx, c, "V9")

	n := h.Publish("V7", snap("V7", 1))
	assert.Equal(t, 2, n)

	require.Len(t, a.received(), 1)
	require.Len(t, b.received(), 1)
	assert.Equal(t, a.received()[0], b.received()[0])
	assert.Empty(t, c.received(), "room isolation")
}

func TestJoinReceivesLastSnapshotFirst(t *testing.T) {
	h := New()
	ctx := context.Background()
	h.Publish("V1", snap("V1", 1))
	h.Publish("V1", snap("V1", 2))

	late := newSub("late")
	h.Join(ctx, late, "V1")
	h.Publish("V1", snap("V1", 3))

	got := late.received()
	require.Len(t, got, 2)
	assert.Equal(t, float64(2), got[0].Speed, "join delivers the latest snapshot only")
	assert.Equal(t, float64(3), got[1].Speed)
}

func TestJoinEmptyRoomSendsNothing(t *testing.T) {
	h := New()
	s := newSub("s")
	h.Join(context.Background(), s, "V1")
	assert.Empty(t, s.received())
	assert.Equal(t, 1, h.Members("V1"))
}

func TestJoinUsesSeederWhenNewer(t *testing.T) {
	persisted := snap("V1", 10)
	h := New(WithSeeder(&fakeSeeder{snaps: map[string]*fleet.Snapshot{"V1": &persisted}}))
	ctx := context.Background()

	s := newSub("s")
	h.Join(ctx, s, "V1")
	require.Len(t, s.received(), 1)
	assert.Equal(t, float64(10), s.received()[0].Speed)

	h.Publish("V1", snap("V1", 11))
	s2 := newSub("s2")
	h.Join(ctx, s2, "V1")
	require.Len(t, s2.received(), 1)
	assert.Equal(t, float64(11), s2.received()[0].Speed, "hub snapshot newer than persisted state wins")
}

func TestJoinSeederErrorFallsBackToCache(t *testing.T) {
	h := New(WithSeeder(&fakeSeeder{err: errors.New("db down")}))
	h.Publish("V1", snap("V1", 1))
	s := newSub("s")
	h.Join(context.Background(), s, "V1")
	require.Len(t, s.received(), 1)
}

func TestLeaveIsIdempotent(t *testing.T) {
	h := New()
	ctx := context.Background()
	s := newSub("s")
	h.Join(ctx, s, "V1")
	h.Join(ctx, s, "V2")

	h.Leave("s", "V1")
	h.Leave("s", "V1")
	h.Leave("s", "unknown-room")
	h.Leave("nobody", "V2")

	h.Publish("V1", snap("V1", 1))
	h.Publish("V2", snap("V2", 1))
	got := s.received()
	require.Len(t, got, 1)
	assert.Equal(t, "V2", got[0].VehicleID)

	h.LeaveAll("s")
	h.LeaveAll("s")
	h.Publish("V2", snap("V2", 2))
	assert.Len(t, s.received(), 1)
	assert.Equal(t, Stats{Rooms: 2, Subscribers: 0}, h.Stats())
}

func TestFailedDeliveryDoesNotAffectOthers(t *testing.T) {
	h := New()
	ctx := context.Background()
	dead := newSub("dead")
	dead.fail = true
	ok := newSub("ok")
	h.Join(ctx, dead, "V1")
	h.Join(ctx, ok, "V1")

	n := h.Publish("V1", snap("V1", 1))
	assert.Equal(t, 1, n)
	assert.Len(t, ok.received(), 1)
}

func TestBroadcastReachesDeviceRoom(t *testing.T) {
	h := New()
	ctx := context.Background()
	byVehicle, byDevice := newSub("v"), newSub("d")
	h.Join(ctx, byVehicle, VehicleRoom("V1"))
	h.Join(ctx, byDevice, DeviceRoom("D1"))

	s := snap("V1", 1)
	s.DeviceID = "D1"
	h.Broadcast(ctx, s)

	assert.Len(t, byVehicle.received(), 1)
	assert.Len(t, byDevice.received(), 1)
	last, ok := h.Last(DeviceRoom("D1"))
	require.True(t, ok)
	assert.Equal(t, "V1", last.VehicleID)
}

func TestPublishOrderPreservedPerRoom(t *testing.T) {
	h := New()
	ctx := context.Background()
	subs := make([]*fakeSub, 5)
	for i := range subs {
		subs[i] = newSub(fmt.Sprintf("s%d", i))
		h.Join(ctx, subs[i], "V1")
	}
	for i := 1; i <= 100; i++ {
		h.Publish("V1", snap("V1", i))
	}
	for _, s := range subs {
		got := s.received()
		require.Len(t, got, 100)
		for i, sn := range got {
			assert.Equal(t, float64(i+1), sn.Speed)
		}
	}
}

// Joins race a stream of publishes. Every joiner must observe strictly
// increasing snapshots that end with the final publish.
func TestConcurrentJoinAndPublish(t *testing.T) {
	h := New()
	ctx := context.Background()
	const publishes = 200
	const joiners = 50

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 1; i <= publishes; i++ {
			h.Publish("V1", snap("V1", i))
		}
	}()

	subs := make([]*fakeSub, joiners)
	for i := range subs {
		subs[i] = newSub(fmt.Sprintf("j%d", i))
		wg.Add(1)
		go func(s *fakeSub) {
			defer wg.Done()
			h.Join(ctx, s, "V1")
			if s.id == "j0" {
				h.LeaveAll(s.id)
			}
		}(subs[i])
	}
	wg.Wait()

	for _, s := range subs[1:] {
		got := s.received()
		require.NotEmpty(t, got, s.id)
		for i := 1; i < len(got); i++ {
			assert.Greater(t, got[i].Speed, got[i-1].Speed, "subscriber %s saw out-of-order snapshot", s.id)
		}
		assert.Equal(t, float64(publishes), got[len(got)-1].Speed)
	}
	assert.Equal(t, joiners-1, h.Members("V1"))
}

func TestJoinUnknownVehicleIsRejected(t *testing.T) {
	h := New(WithSeeder(&fakeSeeder{err: fmt.Errorf("lookup: %w", fleet.ErrVehicleNotFound)}))
	ctx := context.Background()
	s := newSub("c1")
	for i := 0; i < 100; i++ {
		err := h.Join(ctx, s, fmt.Sprintf("ghost-%d", i))
		require.ErrorIs(t, err, fleet.ErrVehicleNotFound)
	}
	assert.Equal(t, Stats{Rooms: 0, Subscribers: 0}, h.Stats())
	h.LeaveAll("c1")
	assert.Equal(t, Stats{}, h.Stats())
}

func TestEmptyRoomWithoutSnapshotIsReclaimed(t *testing.T) {
	h := New()
	ctx := context.Background()
	a, b := newSub("a"), newSub("b")
	require.NoError(t, h.Join(ctx, a, "V1"))
	require.NoError(t, h.Join(ctx, b, "V1"))
	require.NoError(t, h.Join(ctx, a, "V2"))
	h.Publish("V2", snap("V2", 1))

	h.Leave("a", "V1")
	assert.Equal(t, 2, h.Stats().Rooms, "V1 still has a member")
	h.LeaveAll("b")
	h.LeaveAll("a")
	assert.Equal(t, Stats{Rooms: 1, Subscribers: 0}, h.Stats(), "only the room holding a snapshot remains")

	_, ok := h.Last("V2")
	assert.True(t, ok)
}

func TestPublishAfterRoomReclaimed(t *testing.T) {
	h := New()
	ctx := context.Background()
	s := newSub("s")
	require.NoError(t, h.Join(ctx, s, "V1"))
	h.Leave("s", "V1")
	require.Zero(t, h.Stats().Rooms)

	h.Publish("V1", snap("V1", 4))
	late := newSub("late")
	require.NoError(t, h.Join(ctx, late, "V1"))
	require.Len(t, late.received(), 1)
	assert.Equal(t, float64(4), late.received()[0].Speed)
}

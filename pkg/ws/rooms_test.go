package ws

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokmz/qi-realtime/pkg/errors"
)

func newTestDirectory(t *testing.T, config RoomConfig) (*Registry, *RoomDirectory, *recordingPublisher) {
	t.Helper()
	pub := &recordingPublisher{}
	registry := NewRegistry("w1", 100, nil, nil)
	return registry, NewRoomDirectory(registry, pub, config, nil), pub
}

func TestJoinLeaveIdempotent(t *testing.T) {
	ctx := context.Background()
	_, d, pub := newTestDirectory(t, RoomConfig{})

	require.NoError(t, d.Join(ctx, "c", "lobby"))
	require.NoError(t, d.Join(ctx, "c", "lobby"))
	assert.Equal(t, []string{"c"}, d.MembersOf("lobby"))
	assert.Equal(t, 1, pub.count(ChannelClientJoinedRoom))

	assert.True(t, d.Leave(ctx, "c", "lobby"))
	assert.Empty(t, d.MembersOf("lobby"))
	assert.Equal(t, 0, d.Count(), "empty room must be deleted")
	assert.Empty(t, d.RoomsOf("c"))

	assert.False(t, d.Leave(ctx, "c", "lobby"))
	assert.False(t, d.Leave(ctx, "ghost", "nowhere"))
	assert.Equal(t, 1, pub.count(ChannelClientLeftRoom))
}

func TestSingleRoomModeMovesClient(t *testing.T) {
	ctx := context.Background()
	registry, d, pub := newTestDirectory(t, RoomConfig{})
	require.NoError(t, registry.AddLocal(ctx, "c", &fakeConn{}, time.Now()))

	require.NoError(t, d.Join(ctx, "c", "a"))
	require.NoError(t, d.Join(ctx, "c", "b"))

	assert.Equal(t, []string{"b"}, d.RoomsOf("c"))
	assert.False(t, d.IsMember("c", "a"))
	assert.Equal(t, 1, d.Count())

	var left RoomEvent
	require.NoError(t, pub.last(ChannelClientLeftRoom).Bind(&left))
	assert.Equal(t, []string{"a"}, left.Rooms)

	// 注册表快照带上房间指针
	rec, ok := registry.Get("c", true)
	require.True(t, ok)
	assert.Equal(t, "b", rec.Room())
}

func TestLeaveAllBatchesNotification(t *testing.T) {
	ctx := context.Background()
	_, d, pub := newTestDirectory(t, RoomConfig{MultiRoom: true})

	for _, room := range []string{"a", "b", "c"} {
		require.NoError(t, d.Join(ctx, "x", room))
	}
	require.NoError(t, d.Join(ctx, "y", "a"))

	left := d.LeaveAll(ctx, "x")
	assert.Equal(t, []string{"a", "b", "c"}, left)
	assert.Equal(t, 1, pub.count(ChannelClientLeftRoom))

	var ev RoomEvent
	require.NoError(t, pub.last(ChannelClientLeftRoom).Bind(&ev))
	assert.Equal(t, "x", ev.ClientID)
	assert.Equal(t, []string{"a", "b", "c"}, ev.Rooms)

	assert.Equal(t, []RoomInfo{{Name: "a", Members: 1}}, d.Rooms())
	assert.Empty(t, d.LeaveAll(ctx, "x"))
	assert.Equal(t, 1, pub.count(ChannelClientLeftRoom))
}

func TestMaxRoomSizeOnlyLimitsLocalJoins(t *testing.T) {
	ctx := context.Background()
	registry, d, _ := newTestDirectory(t, RoomConfig{MaxRoomSize: 1})
	require.NoError(t, registry.AddLocal(ctx, "l1", &fakeConn{}, time.Now()))
	require.NoError(t, registry.AddLocal(ctx, "l2", &fakeConn{}, time.Now()))
	registry.AddShadow("r1", "w2", time.Now(), nil, nil)

	require.NoError(t, d.Join(ctx, "l1", "vip"))
	assert.True(t, errors.Is(d.Join(ctx, "l2", "vip"), ErrRoomFull))

	// 远端事件回放不受人数限制
	require.NoError(t, d.Join(ctx, "r1", "vip", WithBroadcast(false)))
	assert.Equal(t, []string{"l1", "r1"}, d.MembersOf("vip"))
}

func TestRoomBroadcastOption(t *testing.T) {
	ctx := context.Background()
	_, d, pub := newTestDirectory(t, RoomConfig{})

	var changes []RoomChange
	d.OnChange(func(_ context.Context, c RoomChange) { changes = append(changes, c) })

	require.NoError(t, d.Join(ctx, "c", "lobby", WithBroadcast(false)))
	d.Leave(ctx, "c", "lobby", WithBroadcast(false))

	assert.Equal(t, 0, pub.count(ChannelClientJoinedRoom))
	assert.Equal(t, 0, pub.count(ChannelClientLeftRoom))
	require.Len(t, changes, 2)
	assert.Equal(t, RoomJoined, changes[0].Kind)
	assert.Equal(t, RoomLeft, changes[1].Kind)

	assert.True(t, errors.Is(d.Join(ctx, "c", ""), ErrInvalidRoomName))
}

package fabric

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

func TestLoadFactor(t *testing.T) {
	cases := []struct {
		name string
		meta Metadata
		want float64
	}{
		{"idle at full tick", Metadata{PlayerCount: 0, MaxCapacity: 100, TPS: 20}, 0},
		{"full and stalled", Metadata{PlayerCount: 100, MaxCapacity: 100, TPS: 0}, 1},
		{"half full at full tick", Metadata{PlayerCount: 50, MaxCapacity: 100, TPS: 20}, 0.3},
		{"idle at half tick", Metadata{PlayerCount: 0, MaxCapacity: 100, TPS: 10}, 0.2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.InDelta(t, tc.want, tc.meta.LoadFactor(), 1e-9)
		})
	}
}

func TestLoadFactorBounds(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("load factor stays in [0,1] for sane inputs", prop.ForAll(
		func(players, capacity int, tps float64) bool {
			if players > capacity {
				players = capacity
			}
			m := Metadata{PlayerCount: players, MaxCapacity: capacity, TPS: tps}
			lf := m.LoadFactor()
			return lf >= 0 && lf <= 1
		},
		gen.IntRange(0, 1000),
		gen.IntRange(1, 1000),
		gen.Float64Range(0, 20),
	))

	properties.Property("more players never lowers the load", prop.ForAll(
		func(players int, tps float64) bool {
			a := Metadata{PlayerCount: players, MaxCapacity: 1000, TPS: tps}
			b := Metadata{PlayerCount: players + 1, MaxCapacity: 1000, TPS: tps}
			return b.LoadFactor() >= a.LoadFactor()
		},
		gen.IntRange(0, 999),
		gen.Float64Range(0, 20),
	))

	properties.TestingRun(t)
}

func TestHealthy(t *testing.T) {
	assert.True(t, (&Metadata{PlayerCount: 10, MaxCapacity: 100, TPS: 19.5}).Healthy())
	assert.False(t, (&Metadata{PlayerCount: 10, MaxCapacity: 100, TPS: 17.9}).Healthy(), "low tps")
	assert.False(t, (&Metadata{PlayerCount: 100, MaxCapacity: 100, TPS: 20}).Healthy(), "full")
}

func TestCrashed(t *testing.T) {
	now := time.Now()
	r := Record{Metadata: Metadata{LastHeartbeatAt: now.Add(-61 * time.Second).UnixMilli()}}
	assert.True(t, r.Crashed(now, 60*time.Second))

	r.Metadata.LastHeartbeatAt = now.Add(-59 * time.Second).UnixMilli()
	assert.False(t, r.Crashed(now, 60*time.Second))
}

func TestTopicForType(t *testing.T) {
	assert.Equal(t, ChannelHeartbeat, TopicForType(TypeHeartbeat))
	assert.Equal(t, "fulcrum.custom.party.invite", TopicForType("party.invite"))
	assert.Equal(t, "fulcrum.registry.envdir.request", TopicForType(TypeEnvDirectoryRequest))
}

func TestChannelHelpers(t *testing.T) {
	assert.Equal(t, "fulcrum.server.fulcrum-server-3", ServerChannel("fulcrum-server-3"))
	assert.Equal(t, "fulcrum.request.fulcrum-server-3", RequestChannel("fulcrum-server-3"))
	assert.Equal(t, "fulcrum.response.fulcrum-server-3", ResponseChannel("fulcrum-server-3"))
	assert.Equal(t, "fulcrum.server.fulcrum-server-3.reregister", ReregisterChannel("fulcrum-server-3"))
	assert.Equal(t, "fulcrum.player.route.fulcrum-proxy-1", PlayerRouteChannel("fulcrum-proxy-1"))

	id, ok := IsRequestChannel("fulcrum.request.abc")
	assert.True(t, ok)
	assert.Equal(t, "abc", id)
	_, ok = IsRequestChannel("fulcrum.server.abc")
	assert.False(t, ok)

	id, ok = IsResponseChannel("fulcrum.response.xyz")
	assert.True(t, ok)
	assert.Equal(t, "xyz", id)
}

func TestKeyHelpers(t *testing.T) {
	assert.Equal(t, "fulcrum:msgid:c1", KeyMsgID("c1"))
	assert.Equal(t, "fulcrum:msg:c1", KeyMsgBody("c1"))
	assert.Equal(t, "fulcrum:servers:fulcrum-server-1", KeyServer("fulcrum-server-1"))

	id, ok := ServiceIDFromKey("fulcrum:servers:fulcrum-server-1")
	assert.True(t, ok)
	assert.Equal(t, "fulcrum-server-1", id)
	_, ok = ServiceIDFromKey("fulcrum:msg:c1")
	assert.False(t, ok)
}

func TestSkipsDedup(t *testing.T) {
	assert.True(t, SkipsDedup(TypeRegistrationResponse))
	assert.False(t, SkipsDedup(TypeRegistrationRequest))
	assert.False(t, SkipsDedup(TypeHeartbeat))
}

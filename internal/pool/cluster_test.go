package pool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/etolbakov/pgdog/internal/pgtest"
	"github.com/etolbakov/pgdog/internal/plugin"
)

func poolConfig(server *pgtest.Server, mutate func(*Settings)) Config {
	settings := testSettings()
	if mutate != nil {
		mutate(&settings)
	}
	return Config{
		Address:  Address{Host: server.Host(), Port: server.Port()},
		Settings: settings,
	}
}

func TestRoundRobinRotation(t *testing.T) {
	r0 := pgtest.NewServer(t)
	r1 := pgtest.NewServer(t)

	replicas := NewReplicas([]Config{
		poolConfig(r0, nil),
		poolConfig(r1, nil),
	}, RoundRobin)
	defer replicas.Shutdown()

	// Three consecutive checkouts rotate r0, r1, r0.
	want := []Address{
		{Host: r0.Host(), Port: r0.Port()},
		{Host: r1.Host(), Port: r1.Port()},
		{Host: r0.Host(), Port: r0.Port()},
	}

	for i, expected := range want {
		guard, err := replicas.Get(context.Background(), Request{Key: key(int32(i))}, nil)
		require.NoError(t, err, "checkout %d", i)
		assert.Equal(t, expected, guard.Addr(), "checkout %d", i)
		guard.Release()
	}
}

func TestRandomStaysInBounds(t *testing.T) {
	r0 := pgtest.NewServer(t)
	r1 := pgtest.NewServer(t)

	replicas := NewReplicas([]Config{
		poolConfig(r0, nil),
		poolConfig(r1, nil),
	}, Random)
	defer replicas.Shutdown()

	valid := map[Address]bool{
		{Host: r0.Host(), Port: r0.Port()}: true,
		{Host: r1.Host(), Port: r1.Port()}: true,
	}

	for i := 0; i < 10; i++ {
		guard, err := replicas.Get(context.Background(), Request{Key: key(int32(i))}, nil)
		require.NoError(t, err)
		assert.True(t, valid[guard.Addr()])
		guard.Release()
	}
}

func TestLeastConnectionsPrefersIdleReplica(t *testing.T) {
	r0 := pgtest.NewServer(t)
	r1 := pgtest.NewServer(t)

	replicas := NewReplicas([]Config{
		poolConfig(r0, nil),
		poolConfig(r1, nil),
	}, LeastConnections)
	defer replicas.Shutdown()

	// Hold a connection on r0 so r1 has fewer in use.
	held, err := replicas.Pools()[0].Get(context.Background(), Request{Key: key(1)})
	require.NoError(t, err)
	defer held.Release()

	guard, err := replicas.Get(context.Background(), Request{Key: key(2)}, nil)
	require.NoError(t, err)
	defer guard.Release()

	assert.Equal(t, Address{Host: r1.Host(), Port: r1.Port()}, guard.Addr())
}

func TestEmptyReplicasFallsBackToPrimary(t *testing.T) {
	primary := pgtest.NewServer(t)

	shard := NewShard(ShardConfig{
		Primary: &Config{
			Address:  Address{Host: primary.Host(), Port: primary.Port()},
			Settings: testSettings(),
		},
	}, RoundRobin)
	defer shard.Shutdown()

	guard, err := shard.Replica(context.Background(), Request{Key: key(1)})
	require.NoError(t, err)
	defer guard.Release()

	assert.Equal(t, Address{Host: primary.Host(), Port: primary.Port()}, guard.Addr())
}

func TestEmptyShardHasNoDatabases(t *testing.T) {
	replicas := NewReplicas(nil, RoundRobin)

	_, err := replicas.Get(context.Background(), Request{Key: key(1)}, nil)
	assert.ErrorIs(t, err, ErrNoDatabases)
}

func TestShardWithoutPrimary(t *testing.T) {
	replica := pgtest.NewServer(t)

	shard := NewShard(ShardConfig{
		Replicas: []Config{poolConfig(replica, nil)},
	}, RoundRobin)
	defer shard.Shutdown()

	_, err := shard.Primary(context.Background(), Request{Key: key(1)})
	assert.ErrorIs(t, err, ErrNoPrimary)

	guard, err := shard.Replica(context.Background(), Request{Key: key(2)})
	require.NoError(t, err)
	guard.Release()
}

func testCluster(t *testing.T, primary, replica *pgtest.Server) *Cluster {
	t.Helper()
	shards := []ShardConfig{
		{
			Primary:  &Config{Address: Address{Host: primary.Host(), Port: primary.Port()}, Settings: testSettings()},
			Replicas: []Config{poolConfig(replica, nil)},
		},
	}
	c := NewCluster("orders", shards, RoundRobin, "secret", ModeTransaction)
	t.Cleanup(c.Shutdown)
	return c
}

func TestClusterPrimaryCheckout(t *testing.T) {
	primary := pgtest.NewServer(t)
	replica := pgtest.NewServer(t)
	c := testCluster(t, primary, replica)

	guard, err := c.Primary(context.Background(), 0, key(1))
	require.NoError(t, err)
	defer guard.Release()

	messages, err := guard.Session().Execute("INSERT INTO t VALUES (1)")
	require.NoError(t, err)
	require.NotEmpty(t, messages)
	assert.True(t, guard.Session().Done())
	assert.Equal(t, Address{Host: primary.Host(), Port: primary.Port()}, guard.Addr())
}

func TestClusterShardOutOfRange(t *testing.T) {
	primary := pgtest.NewServer(t)
	replica := pgtest.NewServer(t)
	c := testCluster(t, primary, replica)

	before := primary.Sessions() + replica.Sessions()

	_, err := c.Primary(context.Background(), 5, key(1))
	var noShard NoShardError
	require.ErrorAs(t, err, &noShard)
	assert.Equal(t, 5, noShard.Shard)

	_, err = c.Replica(context.Background(), -1, key(1))
	require.ErrorAs(t, err, &noShard)

	// Bounds checks must not touch the network.
	assert.Equal(t, before, primary.Sessions()+replica.Sessions())
}

func TestClusterCancelBroadcast(t *testing.T) {
	primary := pgtest.NewServer(t)
	replica := pgtest.NewServer(t)
	c := testCluster(t, primary, replica)

	guard, err := c.Primary(context.Background(), 0, key(9))
	require.NoError(t, err)
	defer guard.Release()

	require.NoError(t, c.Cancel(key(9)))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(primary.Cancels()) == 0 {
		time.Sleep(2 * time.Millisecond)
	}

	cancels := primary.Cancels()
	require.Len(t, cancels, 1)
	assert.Equal(t, guard.Session().ID(), cancels[0])
	// The replica never served the client, so no cancel lands there.
	assert.Empty(t, replica.Cancels())
}

func TestClusterDuplicate(t *testing.T) {
	primary := pgtest.NewServer(t)
	replica := pgtest.NewServer(t)
	c := testCluster(t, primary, replica)

	dup := c.Duplicate()
	defer dup.Shutdown()

	assert.Equal(t, c.Name(), dup.Name())
	assert.Equal(t, c.Password(), dup.Password())
	assert.Equal(t, c.PoolerMode(), dup.PoolerMode())
	require.Len(t, dup.Shards(), len(c.Shards()))

	// Fresh pools, no inherited connections.
	dup.EachPool(func(_ int, _ plugin.Role, p *Pool) {
		assert.Equal(t, 0, p.Stats().Total)
	})

	guard, err := dup.Primary(context.Background(), 0, key(1))
	require.NoError(t, err)
	guard.Release()
}

func TestClusterStampsSettings(t *testing.T) {
	primary := pgtest.NewServer(t)
	replica := pgtest.NewServer(t)

	shards := []ShardConfig{
		{
			Primary: &Config{Address: Address{Host: primary.Host(), Port: primary.Port()}, Settings: Settings{
				MaxConns: 3, CheckoutTimeout: time.Second, User: "app",
			}},
			Replicas: []Config{{Address: Address{Host: replica.Host(), Port: replica.Port()}, Settings: Settings{
				MaxConns: 3, CheckoutTimeout: time.Second, User: "app",
			}}},
		},
	}
	c := NewCluster("orders", shards, RoundRobin, "secret", ModeStatement)
	defer c.Shutdown()

	c.EachPool(func(_ int, _ plugin.Role, p *Pool) {
		assert.Equal(t, ModeStatement, p.Mode())
	})
}

func TestPluginConfigProjection(t *testing.T) {
	primary := pgtest.NewServer(t)
	replica := pgtest.NewServer(t)
	c := testCluster(t, primary, replica)

	cfg, err := c.PluginConfig()
	require.NoError(t, err)

	assert.Equal(t, "orders", cfg.Name)
	assert.Equal(t, 1, cfg.Shards)
	require.Len(t, cfg.Databases, 2)

	assert.Equal(t, plugin.RolePrimary, cfg.Databases[0].Role)
	assert.Equal(t, primary.Host(), cfg.Databases[0].Host)
	assert.Equal(t, primary.Port(), cfg.Databases[0].Port)
	assert.Equal(t, 0, cfg.Databases[0].Shard)

	assert.Equal(t, plugin.RoleReplica, cfg.Databases[1].Role)
	assert.Equal(t, replica.Port(), cfg.Databases[1].Port)
}

func TestPluginConfigSkipsNullByteHosts(t *testing.T) {
	shards := []ShardConfig{
		{
			Primary: &Config{Address: Address{Host: "bad\x00host", Port: 5432}, Settings: testSettings()},
			Replicas: []Config{
				{Address: Address{Host: "good-host", Port: 5433}, Settings: testSettings()},
			},
		},
	}
	c := NewCluster("orders", shards, RoundRobin, "", ModeTransaction)
	defer c.Shutdown()

	cfg, err := c.PluginConfig()
	require.NoError(t, err)
	require.Len(t, cfg.Databases, 1)
	assert.Equal(t, "good-host", cfg.Databases[0].Host)
}

func TestPluginConfigRejectsNullByteName(t *testing.T) {
	c := NewCluster("bad\x00name", nil, RoundRobin, "", ModeTransaction)

	_, err := c.PluginConfig()
	assert.ErrorIs(t, err, plugin.ErrNullBytes)
}

package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDatabaseConfig_LoadFromEnv(t *testing.T) {
	t.Setenv("DB_DRIVER", "postgres")
	t.Setenv("DB_HOST", "db.local")
	t.Setenv("DB_PORT", "6543")
	t.Setenv("DB_NAME", "edc")

	c := DatabaseConfig{Driver: DriverSQLite, Path: "data/edc.db", Port: 5432, SSLMode: "disable"}
	c.LoadFromEnv("DB")

	assert.Equal(t, DriverPostgres, c.Driver)
	assert.Equal(t, "data/edc.db", c.Path)
	assert.Equal(t, 6543, c.Port)
	assert.Equal(t, "host=db.local port=6543 user= password= dbname=edc sslmode=disable", c.GetDSN())
}

func TestRedisConfig_LoadFromEnv(t *testing.T) {
	t.Setenv("REDIS_ENABLED", "1")
	t.Setenv("REDIS_DB", "3")

	c := RedisConfig{Addr: "localhost:6379"}
	c.LoadFromEnv("REDIS")

	assert.True(t, c.Enabled)
	assert.Equal(t, "localhost:6379", c.Addr)
	assert.Equal(t, 3, c.DB)
}

func TestMQTTConfig_LoadFromEnv(t *testing.T) {
	t.Setenv("MQTT_BROKER", "tcp://broker:1883")
	t.Setenv("MQTT_QOS", "2")

	c := MQTTConfig{ClientID: "edc-detector", QoS: 1}
	c.LoadFromEnv("MQTT")

	assert.Equal(t, "tcp://broker:1883", c.Broker)
	assert.Equal(t, "edc-detector", c.ClientID)
	assert.Equal(t, byte(2), c.QoS)
}

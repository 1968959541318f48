package redis

import (
	"context"
	"encoding/json"
	"testing"

	"edc-detector/common/config"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishJSONToStream(t *testing.T) {
	mr := miniredis.RunT(t)
	client := NewRedisClient(&config.RedisConfig{Addr: mr.Addr()})
	defer client.Close()

	ctx := context.Background()
	require.NoError(t, Ping(ctx, client))

	id, err := PublishJSONToStream(ctx, client, "edc:transitions:stream", 100, map[string]string{"item_id": "aa:01"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	msgs, err := client.XRange(ctx, "edc:transitions:stream", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	var payload map[string]string
	require.NoError(t, json.Unmarshal([]byte(msgs[0].Values["data"].(string)), &payload))
	assert.Equal(t, "aa:01", payload["item_id"])
}

func TestPublishJSONToStream_MarshalError(t *testing.T) {
	mr := miniredis.RunT(t)
	client := NewRedisClient(&config.RedisConfig{Addr: mr.Addr()})
	defer client.Close()

	_, err := PublishJSONToStream(context.Background(), client, "s", 0, make(chan int))
	assert.Error(t, err)
}

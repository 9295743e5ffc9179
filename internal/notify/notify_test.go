package notify

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func TestPublisher_Publish(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	pub := New(mr.Addr(), "pg_statsinfo.events", nil)
	defer pub.Close()

	sub := pub.client.Subscribe(context.Background(), "pg_statsinfo.events")
	defer sub.Close()
	_, err = sub.Receive(context.Background())
	require.NoError(t, err)

	pub.Publish(context.Background(), "snapshot_completed", map[string]any{"snapid": int64(42)})

	msg, err := sub.ReceiveMessage(context.Background())
	require.NoError(t, err)
	require.Contains(t, msg.Payload, "snapshot_completed")
	require.Contains(t, msg.Payload, "42")
}

func TestPublisher_PublishWithoutSubscriber(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	pub := New(mr.Addr(), "pg_statsinfo.events", nil)
	defer pub.Close()

	// No subscriber: publish still succeeds, it just has zero receivers.
	pub.Publish(context.Background(), "snapshot_completed", nil)
}

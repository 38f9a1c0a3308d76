package sockevent

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/retracehq/retrace/pkg/models"
)

func TestFeed_ServeConn(t *testing.T) {
	feed := NewFeed(16)
	defer feed.Close()

	client, server := net.Pipe()
	go feed.ServeConn(context.Background(), server)

	lines := "" +
		`{"kind":"key_press","rune":104,"timestamp":"2026-08-24T10:00:00Z"}` + "\n" +
		`this is not json` + "\n" +
		`{"kind":"focus_change","window":"editor","timestamp":"2026-08-24T10:00:01Z"}` + "\n" +
		`{"kind":"mouse_click","timestamp":"2026-08-24T10:00:02Z"}` + "\n"
	_, err := client.Write([]byte(lines))
	require.NoError(t, err)
	require.NoError(t, client.Close())

	var got []models.InputEvent
	timeout := time.After(2 * time.Second)
	for len(got) < 3 {
		select {
		case ev := <-feed.Events():
			got = append(got, ev)
		case <-timeout:
			t.Fatalf("timed out waiting for events, have %d", len(got))
		}
	}

	assert.Equal(t, models.EventKeyPress, got[0].Kind)
	assert.Equal(t, 'h', got[0].Rune)
	assert.Equal(t, models.EventFocusChange, got[1].Kind)
	assert.Equal(t, "editor", got[1].Window)
	assert.Equal(t, models.EventMouseClick, got[2].Kind)

	// The malformed line was counted, not delivered.
	assert.Equal(t, int64(1), feed.Dropped())
}

func TestFeed_CloseIdempotent(t *testing.T) {
	feed := NewFeed(1)
	assert.NoError(t, feed.Close())
	assert.NoError(t, feed.Close())

	_, open := <-feed.Events()
	assert.False(t, open)
}

func TestFeed_FullChannelDrops(t *testing.T) {
	feed := NewFeed(1)
	defer feed.Close()

	now := time.Now()
	require.True(t, feed.push(models.KeyPress('a', now)))
	require.True(t, feed.push(models.KeyPress('b', now)))

	assert.Equal(t, int64(1), feed.Dropped())
	ev := <-feed.Events()
	assert.Equal(t, 'a', ev.Rune)
}

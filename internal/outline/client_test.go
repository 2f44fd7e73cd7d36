package outline

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFingerprint(t *testing.T) {
	hexPin := strings.Repeat("ab", 32)
	tests := []struct {
		desc    string
		in      string
		wantErr bool
	}{
		{"plain", hexPin, false},
		{"upper with colons", strings.TrimSuffix(strings.Repeat("AB:", 32), ":"), false},
		{"short", "abcd", true},
		{"not hex", strings.Repeat("zz", 32), true},
	}
	for _, tt := range tests {
		pin, err := ParseFingerprint(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.desc)
			continue
		}
		require.NoError(t, err, tt.desc)
		assert.Len(t, pin, 32, tt.desc)
	}
}

func TestClientPinnedRoundTrip(t *testing.T) {
	f := newFakeOutline(t)
	c, err := NewClient(f.URL(), f.Fingerprint(), 5*time.Second)
	require.NoError(t, err)

	ctx := context.Background()
	key, err := c.CreateKey(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, key.ID)
	assert.True(t, strings.HasPrefix(key.AccessURL, "ss://"))

	require.NoError(t, c.RenameKey(ctx, key.ID, "42_phone"))
	assert.Equal(t, "42_phone", f.Name(key.ID))

	require.NoError(t, c.DeleteKey(ctx, key.ID))
	assert.Equal(t, 0, f.Live())

	// Unknown keys are already gone.
	assert.NoError(t, c.DeleteKey(ctx, key.ID))
}

func TestClientRejectsWrongPin(t *testing.T) {
	f := newFakeOutline(t)
	c, err := NewClient(f.URL(), strings.Repeat("00", 32), 5*time.Second)
	require.NoError(t, err)

	_, err = c.CreateKey(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not match pin")
	assert.Equal(t, 0, f.Live())
}
